package ingest

import (
	"context"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nkyui/apextelemetry/internal/capture"
	"github.com/nkyui/apextelemetry/internal/codec"
	"github.com/nkyui/apextelemetry/internal/config"
	"github.com/nkyui/apextelemetry/internal/detect"
	"github.com/nkyui/apextelemetry/internal/store"
	"github.com/nkyui/apextelemetry/internal/track"
	"github.com/nkyui/apextelemetry/internal/watch"
)

const testMagic uint32 = 0x47375330

// buildDatagram builds a valid encrypted telemetry datagram with the
// in-race flag set and a given packet id.
func buildDatagram(t *testing.T, iv1 uint32, packetID int32) []byte {
	t.Helper()
	plain := make([]byte, 0x128)
	binary.LittleEndian.PutUint32(plain[0:4], testMagic)
	binary.LittleEndian.PutUint32(plain[0x40:0x44], iv1)
	binary.LittleEndian.PutUint32(plain[0x70:0x74], uint32(packetID))
	plain[0x8E] = 0x01 // in_race, not paused
	return codec.EncryptFixture(plain)
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

// TestRebindUDPFallback exercises the path where the target bind fails
// and rebindUDP falls back to the previous address. 198.51.100.1 is a
// TEST-NET-2 address (RFC 5737): never locally assigned, so binding to
// it fails deterministically without touching the network.
func TestRebindUDPFallback(t *testing.T) {
	port := freePort(t)
	fallback := net.IPv4(127, 0, 0, 1)
	old, err := net.ListenUDP("udp4", &net.UDPAddr{IP: fallback, Port: port})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	target := net.IPv4(198, 51, 100, 1)
	conn, boundAddr, usedFallback, err := rebindUDP(old, target, fallback, port, zerolog.Nop())
	if err != nil {
		t.Fatalf("rebindUDP returned error: %v", err)
	}
	defer conn.Close()

	if !usedFallback {
		t.Fatal("expected usedFallback=true when target bind fails")
	}
	if !boundAddr.Equal(fallback) {
		t.Fatalf("boundAddr = %v, want fallback %v", boundAddr, fallback)
	}
}

func TestRebindUDPSuccess(t *testing.T) {
	port := freePort(t)
	target := net.IPv4(127, 0, 0, 1)
	conn, boundAddr, usedFallback, err := rebindUDP(nil, target, target, port, zerolog.Nop())
	if err != nil {
		t.Fatalf("rebindUDP returned error: %v", err)
	}
	defer conn.Close()

	if usedFallback {
		t.Fatal("expected usedFallback=false on a clean target bind")
	}
	if !boundAddr.Equal(target) {
		t.Fatalf("boundAddr = %v, want target %v", boundAddr, target)
	}
}

func TestLoopAppliesDatagramToStore(t *testing.T) {
	port := freePort(t)
	cfg := config.Default()
	cfg.SetUDP(config.UdpConfig{BindAddr: net.IPv4(127, 0, 0, 1)})
	udpValue := watch.New(cfg.SnapshotUDP())
	st := store.New(zerolog.Nop())
	det := detect.NewStore()
	rec := capture.NewRecorder()
	var clock uint64
	now := func() uint64 { return clock }
	demoActive := &atomic.Bool{}

	loop := New(port, cfg, udpValue, st, det, rec, func() map[int32]track.Bounds { return nil }, now, demoActive, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	var conn *net.UDPConn
	var err error
	for time.Now().Before(deadline) {
		conn, err = net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	dgram := buildDatagram(t, 0x1234, 1)
	if _, err := conn.Write(dgram); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.SessionState().String() == "in_race" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := st.SessionState().String(); got != "in_race" {
		t.Fatalf("session state = %s, want in_race", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}
