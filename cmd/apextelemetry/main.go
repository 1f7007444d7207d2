package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nkyui/apextelemetry/internal/capture"
	"github.com/nkyui/apextelemetry/internal/config"
	"github.com/nkyui/apextelemetry/internal/detect"
	"github.com/nkyui/apextelemetry/internal/fanout"
	"github.com/nkyui/apextelemetry/internal/heartbeat"
	"github.com/nkyui/apextelemetry/internal/ingest"
	"github.com/nkyui/apextelemetry/internal/logging"
	"github.com/nkyui/apextelemetry/internal/meta"
	"github.com/nkyui/apextelemetry/internal/metricsx"
	"github.com/nkyui/apextelemetry/internal/server"
	"github.com/nkyui/apextelemetry/internal/session"
	"github.com/nkyui/apextelemetry/internal/store"
	"github.com/nkyui/apextelemetry/internal/watch"
)

const serverVersion = "1.0"

func main() {
	configPath := flag.String("config", "/etc/apextelemetry/config.yaml", "path to config file")
	listenAddr := flag.String("listen", "", "override control surface listen address (e.g. :10086)")
	logLevel := flag.String("log-level", "info", "zerolog level (trace, debug, info, warn, error)")
	logPretty := flag.Bool("log-pretty", false, "use zerolog's human-readable console writer")
	flag.Parse()

	log := logging.Setup(*logLevel, *logPretty)
	log.Info().Str("version", serverVersion).Msg("apextelemetry starting")

	cfg := config.Load(*configPath)
	if *listenAddr != "" {
		cfg.HTTP.Bind, cfg.HTTP.Port = splitListenAddr(*listenAddr, cfg.HTTP.Bind, cfg.HTTP.Port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	metrics, metricsHandler := metricsx.New()

	metaStore := meta.LoadMetadataStore(cfg.DataDir, log)
	boundsFn := metaStore.TrackBounds

	st := store.New(log)
	st.SetTransitionHook(func(from, to session.State) {
		metrics.SessionTransitions.WithLabelValues(to.String()).Inc()
	})
	st.SetNameResolvers(metaStore.CarName, metaStore.TrackName)

	start := time.Now()
	nowMonoMs := func() uint64 { return uint64(time.Since(start).Milliseconds()) }
	nowEpochMs := func() uint64 { return uint64(time.Now().UnixMilli()) }

	detectStore := detect.NewStore()
	recorder := capture.NewRecorder()

	var demoActive atomic.Bool
	player := capture.NewPlayer(st, boundsFn, nowMonoMs, log)
	demoCtl := capture.NewDemoController(player, &demoActive)

	udpValue := watch.New(cfg.SnapshotUDP())

	ingestLoop := ingest.New(cfg.UDPPort, cfg, udpValue, st, detectStore, recorder, boundsFn, nowMonoMs, &demoActive, log)
	ingestLoop.SetMetrics(metrics)

	hbEmitter := heartbeat.New(udpValue, detectStore, st, nowMonoMs, log)

	broadcaster := fanout.NewBroadcaster(func(subscriberID int) {
		metrics.BroadcastDrops.Inc()
	})
	seq := &fanout.Sequencer{}

	srv := server.New(server.Deps{
		Cfg:         cfg,
		UDPValue:    udpValue,
		Detect:      detectStore,
		DetectCh:    ingestLoop.DetectCh,
		Demo:        demoCtl,
		Recorder:    recorder,
		Broadcaster: broadcaster,
		Seq:         seq,
		Metrics:     metrics,
		MetricsH:    metricsHandler,
		NowEpochMs:  nowEpochMs,
		NowMonoMs:   nowMonoMs,
		Version:     serverVersion,
		Log:         log,
	})

	done := make(chan struct{}, 5)
	runTagged := func(name string, fn func() error) {
		go func() {
			if err := fn(); err != nil {
				log.Error().Err(err).Str("task", name).Msg("task exited with error")
				cancel()
			}
			done <- struct{}{}
		}()
	}

	runTagged("ingest", func() error { return ingestLoop.Run(ctx) })
	runTagged("heartbeat", func() error { return hbEmitter.Run(ctx) })
	runTagged("server", func() error {
		addr := fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)
		return srv.Run(ctx, addr)
	})
	go func() {
		fanout.StateUpdateTask(ctx, st, broadcaster, seq, nowEpochMs, nowMonoMs)
		done <- struct{}{}
	}()
	go func() {
		fanout.SamplesWindowTask(ctx, st, broadcaster, seq, nowMonoMs, nowEpochMs)
		done <- struct{}{}
	}()

	for i := 0; i < 5; i++ {
		<-done
	}
	log.Info().Msg("apextelemetry stopped")
}

// splitListenAddr parses "host:port" overrides from -listen, falling
// back to the existing bind/port on a malformed value rather than
// failing startup over a flag typo.
func splitListenAddr(addr, fallbackBind string, fallbackPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fallbackBind, fallbackPort
	}
	port := fallbackPort
	if n, perr := strconv.Atoi(portStr); perr == nil {
		port = n
	}
	if host == "" {
		host = fallbackBind
	}
	return host, port
}
