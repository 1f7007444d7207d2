// Package server implements the control surface: a thin net/http +
// WebSocket layer translating HTTP verbs into calls on the ingest
// pipeline's collaborators. It is an external request/response surface
// only — every decision (session state machine, detect timeout, rebind
// fallback, recording state machine) lives in the packages it calls
// into, not here.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/nkyui/apextelemetry/internal/capture"
	"github.com/nkyui/apextelemetry/internal/config"
	"github.com/nkyui/apextelemetry/internal/detect"
	"github.com/nkyui/apextelemetry/internal/fanout"
	"github.com/nkyui/apextelemetry/internal/ingest"
	"github.com/nkyui/apextelemetry/internal/metricsx"
	"github.com/nkyui/apextelemetry/internal/watch"
)

const detectTimeoutMs = 10_000

// Server wires the control surface against the running pipeline's
// collaborators. Construct with New, then call Run.
type Server struct {
	cfg         *config.Config
	udpValue    *watch.Value[config.UdpConfig]
	detect      *detect.Store
	detectCh    chan<- ingest.DetectCmd
	demo        *capture.DemoController
	recorder    *capture.Recorder
	broadcaster *fanout.Broadcaster
	seq         *fanout.Sequencer
	metrics     *metricsx.Metrics
	metricsH    http.Handler
	nowEpochMs  func() uint64
	nowMonoMs   func() uint64
	version     string
	log         zerolog.Logger

	upgrader websocket.Upgrader
}

// Deps bundles every collaborator the control surface needs.
type Deps struct {
	Cfg         *config.Config
	UDPValue    *watch.Value[config.UdpConfig]
	Detect      *detect.Store
	DetectCh    chan<- ingest.DetectCmd
	Demo        *capture.DemoController
	Recorder    *capture.Recorder
	Broadcaster *fanout.Broadcaster
	Seq         *fanout.Sequencer
	Metrics     *metricsx.Metrics
	MetricsH    http.Handler
	NowEpochMs  func() uint64
	NowMonoMs   func() uint64
	Version     string
	Log         zerolog.Logger
}

// New wires a Server around its collaborators.
func New(d Deps) *Server {
	return &Server{
		cfg:         d.Cfg,
		udpValue:    d.UDPValue,
		detect:      d.Detect,
		detectCh:    d.DetectCh,
		demo:        d.Demo,
		recorder:    d.Recorder,
		broadcaster: d.Broadcaster,
		seq:         d.Seq,
		metrics:     d.Metrics,
		metricsH:    d.MetricsH,
		nowEpochMs:  d.NowEpochMs,
		nowMonoMs:   d.NowMonoMs,
		version:     d.Version,
		log:         d.Log.With().Str("component", "server").Logger(),
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Run listens on addr and serves until ctx is cancelled, then shuts
// down gracefully within a 5 second budget.
func (s *Server) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.metricsH)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/detect/start", s.handleDetectStart)
	mux.HandleFunc("/api/detect/cancel", s.handleDetectCancel)
	mux.HandleFunc("/api/detect/", s.handleDetectStatus)
	mux.HandleFunc("/api/demo/start", s.handleDemoStart)
	mux.HandleFunc("/api/demo/stop", s.handleDemoStop)
	mux.HandleFunc("/api/demo/status", s.handleDemoStatus)
	mux.HandleFunc("/api/record/start", s.handleRecordStart)
	mux.HandleFunc("/api/record/stop", s.handleRecordStop)
	mux.HandleFunc("/api/record/status", s.handleRecordStatus)
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{Addr: addr, Handler: s.withAccessLog(mux)}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("control surface listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// withAccessLog stamps every request with a correlation id and logs
// its method, path, status, and duration once it completes.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := xid.New().String()
		w.Header().Set("X-Request-Id", id)
		rl := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rl, r)
		s.log.Info().
			Str("requestId", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rl.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.udpValue.Get())

	case http.MethodPut, http.MethodPost:
		var next config.UdpConfig
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
			return
		}
		if next.PS5IP != nil {
			if sess, ok := s.detect.Cancel(); ok {
				s.log.Info().Uint64("id", sess.ID).Msg("manual ps5_ip override cancelled auto-detect")
			}
		}
		s.cfg.SetUDP(next)
		s.udpValue.Set(next)
		writeJSON(w, http.StatusOK, next)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleDetectStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	sess := s.detect.Start(detectTimeoutMs)
	if sess.Status == detect.Pending {
		select {
		case s.detectCh <- ingest.DetectCmd{ID: sess.ID, TimeoutMs: sess.TimeoutMs}:
		default:
			s.log.Warn().Uint64("id", sess.ID).Msg("detect command channel full")
		}
	}
	s.log.Info().Uint64("id", sess.ID).Msg("auto-detect session started")
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDetectCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	sess, ok := s.detect.Cancel()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"status": "no_active_session", "id": nil})
		return
	}
	s.log.Info().Uint64("id", sess.ID).Msg("auto-detect session cancelled")
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "id": sess.ID})
}

func (s *Server) handleDetectStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	idStr := strings.TrimPrefix(r.URL.Path, "/api/detect/")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	sess, ok := s.detect.Get(id)
	if !ok {
		writeJSON(w, http.StatusOK, detect.Session{ID: id, Status: detect.Error})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDemoStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.demo.Status())
}

func (s *Server) handleDemoStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	path := capture.ResolveDemoPath(s.cfg.DataDir)
	if err := s.demo.Start(path); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "demo file not found", "path": path})
		return
	}
	writeJSON(w, http.StatusOK, s.demo.Status())
}

func (s *Server) handleDemoStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.demo.Stop())
}

func (s *Server) handleRecordStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recorder.Status())
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if status := s.recorder.Status(); status.Mode != "idle" {
		writeJSON(w, http.StatusOK, status)
		return
	}
	path := capture.DemoDefaultPath(s.cfg.DataDir)
	s.recorder.Arm(path)
	writeJSON(w, http.StatusOK, s.recorder.Status())
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Stop())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	id, ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	if s.metrics != nil {
		s.metrics.SubscriberCount.Inc()
		defer s.metrics.SubscriberCount.Dec()
	}

	hello, err := fanout.Handshake(s.seq, s.nowEpochMs, s.nowMonoMs, s.version)
	if err == nil {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			return
		}
	}

	go drainIncoming(conn)

	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}
}

// drainIncoming discards client-sent messages (none are expected) so
// the connection's read deadline never trips and close frames are
// still observed.
func drainIncoming(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
