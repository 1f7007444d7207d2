package capture

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nkyui/apextelemetry/internal/codec"
	"github.com/nkyui/apextelemetry/internal/store"
	"github.com/nkyui/apextelemetry/internal/track"
)

const fixtureMagic uint32 = 0x47375330

// validEncryptedFixture builds a minimal datagram that codec.Decrypt
// and codec.Parse will both accept: magic at offset 0, an arbitrary
// iv1 word at 0x40, encrypted via codec.EncryptFixture.
func validEncryptedFixture(t *testing.T) []byte {
	t.Helper()
	plain := make([]byte, 0x128)
	binary.LittleEndian.PutUint32(plain[0:4], fixtureMagic)
	binary.LittleEndian.PutUint32(plain[0x40:0x44], 0xcafef00d)
	return codec.EncryptFixture(plain)
}

func TestRecorderArmStartStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	r := NewRecorder()
	r.Arm(path)
	if st := r.Status(); !st.Armed {
		t.Fatalf("status = %+v, want armed", st)
	}

	r.MaybeStart(0)
	if st := r.Status(); !st.Active {
		t.Fatalf("status = %+v, want active", st)
	}

	r.RecordRawPacket(10, []byte{1, 2, 3})
	r.RecordRawPacket(25, []byte{4, 5})

	final := r.Stop()
	if final.Active {
		t.Fatal("still active after Stop")
	}
	if final.Frames != 2 {
		t.Fatalf("frames = %d, want 2", final.Frames)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != (12+3)+(12+2) {
		t.Fatalf("file len = %d", len(data))
	}
	offset1 := binary.LittleEndian.Uint64(data[0:8])
	len1 := binary.LittleEndian.Uint32(data[8:12])
	if offset1 != 10 || len1 != 3 {
		t.Fatalf("first record header = %d,%d", offset1, len1)
	}
}

func TestPlayerRunExitsCleanlyOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.bin")

	rec := NewRecorder()
	rec.Arm(path)
	rec.MaybeStart(0)
	rec.RecordRawPacket(0, validEncryptedFixture(t))
	rec.Stop()

	st := store.New(zerolog.Nop())
	var clock uint64
	now := func() uint64 { return clock }
	p := NewPlayer(st, func() map[int32]track.Bounds { return nil }, now, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, path) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not exit after context cancellation")
	}
}
