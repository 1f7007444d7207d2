// Package ingest runs the single cooperative loop that owns the UDP
// socket: receiving datagrams, driving auto-detect rebinds, and
// reacting to live bind-config changes, all multiplexed over one
// goroutine via select the way the original multiplexes over
// tokio::select!.
package ingest

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nkyui/apextelemetry/internal/apexerr"
	"github.com/nkyui/apextelemetry/internal/capture"
	"github.com/nkyui/apextelemetry/internal/codec"
	"github.com/nkyui/apextelemetry/internal/config"
	"github.com/nkyui/apextelemetry/internal/detect"
	"github.com/nkyui/apextelemetry/internal/metricsx"
	"github.com/nkyui/apextelemetry/internal/store"
	"github.com/nkyui/apextelemetry/internal/track"
	"github.com/nkyui/apextelemetry/internal/watch"
)

const (
	detectTickInterval = 200 * time.Millisecond
	inspectLogFloorMs  = 1000
	maxDatagram        = 4096
)

// DetectCmd asks the loop to rebind to an unspecified address so any
// source can be observed. The caller is responsible for having already
// created the Pending session in the detect store; this only drives
// the socket side of the handshake.
type DetectCmd struct {
	ID        uint64
	TimeoutMs uint64
}

// Loop owns the UDP socket and the per-datagram pipeline from raw
// bytes to an applied store frame.
type Loop struct {
	port       int
	cfg        *config.Config
	udpValue   *watch.Value[config.UdpConfig]
	store      *store.TelemetryStore
	detect     *detect.Store
	recorder   *capture.Recorder
	boundsFn   func() map[int32]track.Bounds
	now        func() uint64
	demoActive *atomic.Bool
	metrics    *metricsx.Metrics

	DetectCh chan DetectCmd

	log zerolog.Logger
}

// SetMetrics installs the process metric set. Optional: a Loop with no
// metrics installed simply skips the counter increments.
func (l *Loop) SetMetrics(m *metricsx.Metrics) {
	l.metrics = m
}

// New wires a Loop against its collaborators. demoActive may be nil if
// no playback controller is present.
func New(
	port int,
	cfg *config.Config,
	udpValue *watch.Value[config.UdpConfig],
	st *store.TelemetryStore,
	det *detect.Store,
	rec *capture.Recorder,
	boundsFn func() map[int32]track.Bounds,
	now func() uint64,
	demoActive *atomic.Bool,
	log zerolog.Logger,
) *Loop {
	return &Loop{
		port:       port,
		cfg:        cfg,
		udpValue:   udpValue,
		store:      st,
		detect:     det,
		recorder:   rec,
		boundsFn:   boundsFn,
		now:        now,
		demoActive: demoActive,
		DetectCh:   make(chan DetectCmd, 1),
		log:        log.With().Str("component", "ingest").Logger(),
	}
}

type detectState struct {
	id       uint64
	deadline uint64
}

type recvResult struct {
	n    int
	addr *net.UDPAddr
	buf  []byte
	err  error
}

// Run binds the initial UDP socket and services the loop until ctx is
// cancelled or an unrecoverable rebind failure occurs.
func (l *Loop) Run(ctx context.Context) error {
	udpCfg := l.udpValue.Get()
	conn, err := bindUDP(udpCfg.BindAddr, l.port, l.log)
	if err != nil {
		return fmt.Errorf("initial udp bind %s:%d: %w", udpCfg.BindAddr, l.port, apexerr.BindFailed)
	}
	defer conn.Close()
	activeBind := udpCfg.BindAddr

	sub := l.udpValue.Subscribe()
	recvCh := make(chan recvResult, 8)
	go readLoop(conn, recvCh)

	ticker := time.NewTicker(detectTickInterval)
	defer ticker.Stop()

	var detectSt *detectState
	var lastInspectLogMs uint64

	// rebind reports usedFallback=true when it could not bind target
	// and fell back to the previous address instead — a distinct
	// outcome from err!=nil (which means even the fallback bind
	// failed). Callers that arm a new state machine off of a
	// successful rebind must check usedFallback, not just err.
	rebind := func(target, fallback net.IP) (usedFallback bool, err error) {
		newConn, boundAddr, usedFallback, err := rebindUDP(conn, target, fallback, l.port, l.log)
		if err != nil {
			return false, err
		}
		conn = newConn
		activeBind = boundAddr
		recvCh = make(chan recvResult, 8)
		go readLoop(conn, recvCh)
		return usedFallback, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case cmd := <-l.DetectCh:
			if !activeBind.Equal(net.IPv4zero) {
				usedFallback, err := rebind(net.IPv4zero, activeBind)
				if err != nil {
					l.log.Warn().Err(err).Msg("failed to bind for auto-detect")
					l.detect.MarkError()
					continue
				}
				if usedFallback {
					l.log.Warn().Uint64("id", cmd.ID).Msg("could not bind unspecified address for auto-detect, restored previous bind")
					l.detect.MarkError()
					continue
				}
			}
			detectSt = &detectState{id: cmd.ID, deadline: l.now() + cmd.TimeoutMs}

		case <-ticker.C:
			if detectSt == nil {
				continue
			}
			activeID, ok := l.detect.ActiveID()
			if !ok || activeID != detectSt.id {
				l.log.Info().Uint64("id", detectSt.id).Msg("auto-detect cancelled")
				detectSt = nil
				cfgNow := l.udpValue.Get()
				if !activeBind.Equal(cfgNow.BindAddr) {
					if _, err := rebind(cfgNow.BindAddr, activeBind); err != nil {
						l.log.Warn().Err(err).Msg("failed to restore udp bind after cancel")
						return err
					}
				}
				continue
			}
			if l.now() >= detectSt.deadline {
				l.detect.MarkTimeout()
				l.log.Info().Uint64("id", detectSt.id).Msg("auto-detect timed out")
				detectSt = nil
				cfgNow := l.udpValue.Get()
				if !activeBind.Equal(cfgNow.BindAddr) {
					if _, err := rebind(cfgNow.BindAddr, activeBind); err != nil {
						l.log.Warn().Err(err).Msg("failed to restore udp bind after timeout")
						return err
					}
				}
			}

		case <-sub.Changed():
			nextCfg := sub.Resubscribe()
			if detectSt == nil && !nextCfg.BindAddr.Equal(activeBind) {
				if _, err := rebind(nextCfg.BindAddr, activeBind); err != nil {
					l.log.Warn().Err(err).Msg("failed to rebind udp socket")
					return err
				}
			}

		case res := <-recvCh:
			if res.err != nil {
				continue
			}
			if err := l.handleDatagram(res, &detectSt, &lastInspectLogMs, &activeBind, rebind); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) handleDatagram(res recvResult, detectSt **detectState, lastInspectLogMs *uint64, activeBind *net.IP, rebind func(target, fallback net.IP) (bool, error)) error {
	if l.demoActive != nil && l.demoActive.Load() {
		return nil
	}
	payload, err := codec.Decrypt(res.buf)
	if err != nil {
		l.dropped("auth")
		return nil
	}
	frame, err := codec.Parse(payload)
	if err != nil || frame == nil {
		l.dropped("malformed")
		return nil
	}
	if l.metrics != nil {
		l.metrics.PacketsDecrypted.Inc()
	}
	nowMs := l.now()

	if *detectSt != nil {
		id := (*detectSt).id
		foundIP := res.addr.IP
		sess, finished := l.detect.MarkFound(foundIP)
		if finished && sess.ID == id {
			nextCfg := l.cfg.SnapshotUDP()
			nextCfg.PS5IP = foundIP
			if nextCfg.BindAddr.IsLoopback() {
				nextCfg.BindAddr = net.IPv4zero
				l.log.Info().Msg("auto-switched bind_addr to 0.0.0.0 due to loopback")
			}
			l.cfg.SetUDP(nextCfg)
			l.udpValue.Set(nextCfg)
			l.log.Info().Uint64("id", id).Str("ip", foundIP.String()).Msg("auto-detect found: set ps5_ip")
		} else {
			l.log.Info().Uint64("id", id).Str("ip", foundIP.String()).Msg("auto-detect result dropped")
		}
		*detectSt = nil
		if !activeBind.Equal(l.udpValue.Get().BindAddr) {
			if _, err := rebind(l.udpValue.Get().BindAddr, *activeBind); err != nil {
				l.log.Warn().Err(err).Msg("failed to restore udp bind after detect")
				return err
			}
		}
	} else if ps5 := l.udpValue.Get().PS5IP; ps5 != nil {
		if !res.addr.IP.Equal(ps5) {
			return nil
		}
	}

	if satSub(nowMs, *lastInspectLogMs) >= inspectLogFloorMs {
		*lastInspectLogMs = nowMs
		sessionState := l.store.SessionState()
		l.log.Info().
			Int("payloadLen", len(payload)).
			Int32("packetId", frameOr0(frame.PacketID)).
			Str("sessionState", sessionState.String()).
			Msg("telemetry inspect")
	}

	plen := len(res.buf)
	pllen := len(payload)
	info := &store.PacketInfo{
		PacketLen:  &plen,
		PayloadLen: &pllen,
		SourceIP:   res.addr.IP,
		RawSnapshot: &store.RawPacketSnapshot{
			CapturedAtMs: nowMs,
			SourceIP:     res.addr.IP,
			Encrypted:    res.buf,
			Decrypted:    payload,
		},
	}

	stop, start := l.store.ApplyFrame(frame, nowMs, info, l.boundsFn())
	if stop {
		l.recorder.Stop()
	}
	if start {
		l.recorder.MaybeStart(nowMs)
	}
	if l.recorder.Status().Active {
		l.recorder.RecordRawPacket(nowMs, res.buf)
	}
	return nil
}

func (l *Loop) dropped(reason string) {
	if l.metrics != nil {
		l.metrics.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

func frameOr0(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

func bindUDP(ip net.IP, port int, log zerolog.Logger) (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: ip, Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", addr.String()).Msg("udp ingest started")
	return conn, nil
}

// rebindUDP closes old and binds to target, falling back to fallback
// on failure. It only returns an error if the fallback bind also
// fails, matching the original's "restore previous address" contract.
func rebindUDP(old *net.UDPConn, target, fallback net.IP, port int, log zerolog.Logger) (*net.UDPConn, net.IP, bool, error) {
	if old != nil {
		old.Close()
	}
	conn, err := bindUDP(target, port, log)
	if err == nil {
		return conn, target, false, nil
	}
	log.Warn().Err(err).Str("addr", target.String()).Msg("udp rebind failed, restoring")
	conn, err = bindUDP(fallback, port, log)
	if err != nil {
		return nil, nil, true, fmt.Errorf("restore udp bind %s:%d: %w", fallback, port, apexerr.BindFailed)
	}
	return conn, fallback, true, nil
}

func readLoop(conn *net.UDPConn, out chan<- recvResult) {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			out <- recvResult{err: err}
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		out <- recvResult{n: n, addr: addr, buf: cp}
	}
}

func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
