package capture

import (
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nkyui/apextelemetry/internal/store"
	"github.com/nkyui/apextelemetry/internal/track"
)

func TestDemoControllerStartStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.bin")

	rec := NewRecorder()
	rec.Arm(path)
	rec.MaybeStart(0)
	rec.RecordRawPacket(0, validEncryptedFixture(t))
	rec.Stop()

	st := store.New(zerolog.Nop())
	p := NewPlayer(st, func() map[int32]track.Bounds { return nil }, func() uint64 { return 0 }, zerolog.Nop())
	var active atomic.Bool
	d := NewDemoController(p, &active)

	if err := d.Start(path); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !active.Load() {
		t.Fatal("expected demoActive to be set")
	}
	if status := d.Status(); !status.Active {
		t.Fatalf("status = %+v, want active", status)
	}

	time.Sleep(20 * time.Millisecond)
	d.Stop()

	if active.Load() {
		t.Fatal("expected demoActive to be cleared after Stop")
	}
	if status := d.Status(); status.Active {
		t.Fatalf("status = %+v, want inactive", status)
	}
}

func TestDemoControllerStartMissingFile(t *testing.T) {
	st := store.New(zerolog.Nop())
	p := NewPlayer(st, func() map[int32]track.Bounds { return nil }, func() uint64 { return 0 }, zerolog.Nop())
	d := NewDemoController(p, nil)

	if err := d.Start(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Fatal("expected error for missing demo file")
	}
}
