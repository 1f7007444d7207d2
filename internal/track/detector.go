// Package track auto-detects which circuit a session is on by
// accumulating a bounding box of the car's XZ position and matching it
// against a table of known track bounds once enough of a lap has run.
package track

import "math"

const (
	minLapForDetect = 2
	minIoU          = 0.90
)

// Bounds is an axis-aligned XZ bounding box for one known track.
type Bounds struct {
	MinX, MaxX, MinZ, MaxZ float32
}

// Detector accumulates a running bounding box and locks onto a track
// id once its IoU against a known track clears minIoU. Not safe for
// concurrent use; callers serialize access (the telemetry store holds
// the single instance under its own lock).
type Detector struct {
	trackID                *int32
	minX, maxX, minZ, maxZ float32
	hasBounds              bool
}

// NewDetector returns a Detector ready to accumulate a fresh session.
func NewDetector() *Detector {
	d := &Detector{}
	d.Reset()
	return d
}

// Reset clears accumulated bounds and any locked track id. Called on
// every NotInRace transition and on re-entering InRace.
func (d *Detector) Reset() {
	d.trackID = nil
	d.minX = math.MaxFloat32
	d.maxX = -math.MaxFloat32
	d.minZ = math.MaxFloat32
	d.maxZ = -math.MaxFloat32
	d.hasBounds = false
}

// Update folds in one frame's position and returns the current (possibly
// still nil) detected track id. Detection is frozen while out of race
// or paused, and never re-evaluated once locked.
func (d *Detector) Update(inRace, isPaused bool, currentLap *int16, posXZ *[2]float32, bounds map[int32]Bounds) *int32 {
	if !inRace || isPaused {
		return d.trackID
	}

	if posXZ != nil {
		x, z := posXZ[0], posXZ[1]
		d.minX = min32(d.minX, x)
		d.maxX = max32(d.maxX, x)
		d.minZ = min32(d.minZ, z)
		d.maxZ = max32(d.maxZ, z)
		d.hasBounds = true
	}

	if d.trackID != nil {
		return d.trackID
	}

	lap := int16(0)
	if currentLap != nil {
		lap = *currentLap
	}
	if lap < minLapForDetect {
		return nil
	}

	if !d.hasBounds || len(bounds) == 0 {
		return nil
	}
	if d.minX >= d.maxX || d.minZ >= d.maxZ {
		return nil
	}

	var bestID int32
	var bestIoU float32 = -1
	found := false
	for id, b := range bounds {
		iou := boundsIoU(d.minX, d.minZ, d.maxX, d.maxZ, b)
		if !found || iou > bestIoU {
			bestID, bestIoU, found = id, iou, true
		}
	}

	if found && bestIoU >= minIoU {
		id := bestID
		d.trackID = &id
	}
	return d.trackID
}

func boundsIoU(minX, minZ, maxX, maxZ float32, o Bounds) float32 {
	interMinX := max32(minX, o.MinX)
	interMaxX := min32(maxX, o.MaxX)
	interMinZ := max32(minZ, o.MinZ)
	interMaxZ := min32(maxZ, o.MaxZ)

	if interMinX >= interMaxX || interMinZ >= interMaxZ {
		return 0
	}

	interArea := (interMaxX - interMinX) * (interMaxZ - interMinZ)
	areaA := (maxX - minX) * (maxZ - minZ)
	areaB := (o.MaxX - o.MinX) * (o.MaxZ - o.MinZ)
	union := areaA + areaB - interArea

	if union <= 0 {
		return 0
	}
	return interArea / union
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
