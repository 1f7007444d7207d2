package meta

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoadGeometryIndex(t *testing.T) {
	dir := t.TempDir()
	dumps := filepath.Join(dir, vendorDir, gt7TracksDir, dumpsSubdir)
	if err := os.MkdirAll(dumps, 0o755); err != nil {
		t.Fatal(err)
	}
	csv := "track,x,z\n1,0,0\n1,100,0\n1,100,100\n1,0,100\n"
	if err := os.WriteFile(filepath.Join(dumps, "7.csv"), []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	idx := LoadGeometryIndex(dir, zerolog.Nop())
	bounds := idx.TrackBounds()
	b, ok := bounds[7]
	if !ok {
		t.Fatal("track 7 bounds not loaded")
	}
	if b.MinX != 0 || b.MaxX != 100 || b.MinZ != 0 || b.MaxZ != 100 {
		t.Fatalf("bounds = %+v", b)
	}
}

func TestLoadGeometryIndexMissingDir(t *testing.T) {
	idx := LoadGeometryIndex(t.TempDir(), zerolog.Nop())
	if len(idx.TrackBounds()) != 0 {
		t.Fatal("expected empty bounds for missing dumps dir")
	}
}
