package track

import "testing"

func i16p(v int16) *int16 { return &v }

func TestDetectorLocksAboveThreshold(t *testing.T) {
	d := NewDetector()
	bounds := map[int32]Bounds{
		1: {MinX: 0, MaxX: 100, MinZ: 0, MaxZ: 100},
		2: {MinX: 1000, MaxX: 1100, MinZ: 1000, MaxZ: 1100},
	}

	pts := [][2]float32{{0, 0}, {100, 0}, {100, 100}, {0, 100}}
	var lap int16 = 2
	var got *int32
	for _, p := range pts {
		got = d.Update(true, false, &lap, &p, bounds)
	}
	if got == nil || *got != 1 {
		t.Fatalf("track id = %v, want 1", got)
	}
}

func TestDetectorIgnoredBeforeLapTwo(t *testing.T) {
	d := NewDetector()
	bounds := map[int32]Bounds{1: {MinX: 0, MaxX: 100, MinZ: 0, MaxZ: 100}}
	p := [2]float32{50, 50}
	lap := i16p(1)
	got := d.Update(true, false, lap, &p, bounds)
	if got != nil {
		t.Fatalf("track id = %v, want nil before lap 2", got)
	}
}

func TestDetectorFrozenWhilePausedOrOut(t *testing.T) {
	d := NewDetector()
	bounds := map[int32]Bounds{1: {MinX: 0, MaxX: 100, MinZ: 0, MaxZ: 100}}
	p := [2]float32{50, 50}
	if got := d.Update(false, false, i16p(5), &p, bounds); got != nil {
		t.Fatalf("out of race should not detect, got %v", got)
	}
	if got := d.Update(true, true, i16p(5), &p, bounds); got != nil {
		t.Fatalf("paused should not detect, got %v", got)
	}
}

func TestDetectorStaysLockedOnceSet(t *testing.T) {
	d := NewDetector()
	bounds := map[int32]Bounds{1: {MinX: 0, MaxX: 100, MinZ: 0, MaxZ: 100}}
	lap := i16p(2)
	for _, p := range [][2]float32{{0, 0}, {100, 100}} {
		d.Update(true, false, lap, &p, bounds)
	}
	locked := d.Update(true, false, lap, nil, bounds)
	if locked == nil {
		t.Fatal("expected track to be locked")
	}
	// An empty bounds table on a later call must not clear the lock.
	still := d.Update(true, false, lap, nil, map[int32]Bounds{})
	if still == nil || *still != *locked {
		t.Fatalf("track id changed after lock: %v -> %v", locked, still)
	}
}
