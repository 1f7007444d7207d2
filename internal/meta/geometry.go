// Package meta loads static reference data the core consumes: a
// minimal car/track name lookup (MetadataStore) loaded from CSV
// tables, and per-track XZ bounding boxes (GeometryIndex) used by the
// track detector's IoU match, consumed through the narrow
// TrackBoundsSource interface. SVG rendering, which the original
// backend also serves, stays out of scope — nothing here renders a
// track map.
package meta

import (
	"bufio"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nkyui/apextelemetry/internal/track"
)

const (
	vendorDir     = "vendor"
	gt7TracksDir  = "GT7Tracks"
	dumpsSubdir   = "dumps"
)

// TrackBoundsSource is the interface the track detector depends on,
// letting it be tested without touching the filesystem.
type TrackBoundsSource interface {
	TrackBounds() map[int32]track.Bounds
}

// GeometryIndex loads one bounding box per track from CSV dumps under
// <dataDir>/vendor/GT7Tracks/dumps/<track_id>.csv (header row ignored,
// col0=track id column unused here, col1=x, col2=z).
type GeometryIndex struct {
	bounds map[int32]track.Bounds
}

// LoadGeometryIndex scans dataDir for track dumps. A missing or
// unreadable directory yields an empty index rather than an error —
// auto-detect simply never locks onto a track, which is an accepted
// degraded mode, not a startup failure.
func LoadGeometryIndex(dataDir string, log zerolog.Logger) *GeometryIndex {
	dumpsDir := filepath.Join(dataDir, vendorDir, gt7TracksDir, dumpsSubdir)
	bounds := make(map[int32]track.Bounds)

	entries, err := os.ReadDir(dumpsDir)
	if err != nil {
		log.Warn().Err(err).Str("dumpsDir", dumpsDir).Msg("GT7Tracks dumps directory not found")
		return &GeometryIndex{bounds: bounds}
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".csv" {
			continue
		}
		stem := strings.TrimSuffix(entry.Name(), ".csv")
		trackID, err := strconv.ParseInt(stem, 10, 32)
		if err != nil {
			continue
		}
		b, ok := loadOneTrackBounds(filepath.Join(dumpsDir, entry.Name()), log)
		if ok {
			bounds[int32(trackID)] = b
		}
	}

	return &GeometryIndex{bounds: bounds}
}

func loadOneTrackBounds(path string, log zerolog.Logger) (track.Bounds, bool) {
	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to open GT7Tracks dump")
		return track.Bounds{}, false
	}
	defer f.Close()

	minX, maxX := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	minZ, maxZ := float32(math.MaxFloat32), float32(-math.MaxFloat32)

	scanner := bufio.NewScanner(f)
	lineIndex := 0
	for scanner.Scan() {
		lineIndex++
		if lineIndex == 1 {
			continue // header
		}
		parts := strings.Split(scanner.Text(), ",")
		if len(parts) < 3 {
			continue
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(parts[1]), 32)
		z, errZ := strconv.ParseFloat(strings.TrimSpace(parts[2]), 32)
		if errX != nil || errZ != nil {
			continue
		}
		minX = min32(minX, float32(x))
		maxX = max32(maxX, float32(x))
		minZ = min32(minZ, float32(z))
		maxZ = max32(maxZ, float32(z))
	}

	if minX >= maxX || minZ >= maxZ {
		return track.Bounds{}, false
	}
	return track.Bounds{MinX: minX, MaxX: maxX, MinZ: minZ, MaxZ: maxZ}, true
}

// TrackBounds implements TrackBoundsSource.
func (g *GeometryIndex) TrackBounds() map[int32]track.Bounds {
	return g.bounds
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
