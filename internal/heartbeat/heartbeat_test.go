package heartbeat

import (
	"net"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nkyui/apextelemetry/internal/codec"
	"github.com/nkyui/apextelemetry/internal/config"
	"github.com/nkyui/apextelemetry/internal/detect"
	"github.com/nkyui/apextelemetry/internal/store"
	"github.com/nkyui/apextelemetry/internal/watch"
)

func newTestEmitter(t *testing.T) *Emitter {
	t.Helper()
	udpValue := watch.New(config.DefaultUdpConfig())
	det := detect.NewStore()
	st := store.New(zerolog.Nop())
	e := New(udpValue, det, st, func() uint64 { return 0 }, zerolog.Nop())
	conn, err := bindHeartbeatSocket(net.IPv4zero)
	if err != nil {
		t.Fatal(err)
	}
	e.conn = conn
	e.bindIP = net.IPv4zero
	t.Cleanup(func() { e.conn.Close() })
	return e
}

func TestApplyModeStopWhenIdle(t *testing.T) {
	e := newTestEmitter(t)
	if err := e.applyMode(config.UdpConfig{}, true); err != nil {
		t.Fatalf("applyMode: %v", err)
	}
	if e.mode != ModeStop {
		t.Fatalf("mode = %v, want ModeStop", e.mode)
	}
}

func TestApplyModeBroadcastWhenDetectPending(t *testing.T) {
	e := newTestEmitter(t)
	e.detect.Start(10000)
	if err := e.applyMode(config.UdpConfig{}, true); err != nil {
		t.Fatalf("applyMode: %v", err)
	}
	if e.mode != ModeBroadcast {
		t.Fatalf("mode = %v, want ModeBroadcast", e.mode)
	}
}

func TestApplyModeUnicastWhenPS5IPSet(t *testing.T) {
	e := newTestEmitter(t)
	cfg := config.UdpConfig{PS5IP: net.IPv4(127, 0, 0, 1)}
	if err := e.applyMode(cfg, true); err != nil {
		t.Fatalf("applyMode: %v", err)
	}
	if e.mode != ModeUnicast {
		t.Fatalf("mode = %v, want ModeUnicast", e.mode)
	}
}

func TestApplyModeUnicastWarnsOnStaleTelemetry(t *testing.T) {
	e := newTestEmitter(t)
	e.store.ApplyFrame(&codec.Frame{}, 0, nil, nil)
	clock := uint64(10000)
	e.now = func() uint64 { return clock }

	cfg := config.UdpConfig{PS5IP: net.IPv4(127, 0, 0, 1)}
	if err := e.applyMode(cfg, true); err != nil {
		t.Fatalf("applyMode: %v", err)
	}
	if e.lastWarnMs == nil {
		t.Fatal("expected stale-telemetry warning to have fired")
	}
}

func TestApplyModeDetectPendingThenStopOnCancel(t *testing.T) {
	e := newTestEmitter(t)
	sess := e.detect.Start(10000)
	if err := e.applyMode(config.UdpConfig{}, true); err != nil {
		t.Fatalf("applyMode: %v", err)
	}
	if e.mode != ModeBroadcast {
		t.Fatalf("mode = %v, want ModeBroadcast", e.mode)
	}

	e.detect.Cancel()
	_ = sess
	if err := e.applyMode(config.UdpConfig{}, true); err != nil {
		t.Fatalf("applyMode: %v", err)
	}
	if e.mode != ModeStop {
		t.Fatalf("mode = %v, want ModeStop after cancel", e.mode)
	}
}
