package meta

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nkyui/apextelemetry/internal/track"
)

const (
	metaDir    = "meta"
	makersFile = "maker.csv"
	carsFile   = "cars.csv"
	coursesFile = "course.csv"

	courseBaseIDCol      = 2
	courseLayoutNumberCol = 14
	courseIsReverseCol   = 15
)

// CarMeta is one row of the car lookup table.
type CarMeta struct {
	ID           int32
	Name         string
	Manufacturer string
}

// TrackMeta is one row of the track/course lookup table. A track with
// a non-nil BaseID is a layout variant of another track (a reverse
// direction or alternate configuration). TrackInfo returns a track
// id's own row, and resolves a base id that has no row of its own to
// the representative variant chosen by buildTrackBaseIndex.
type TrackMeta struct {
	ID            int32
	BaseID        *int32
	Name          string
	LayoutNumber  *int32
	IsReverse     *bool
}

// MetadataStore bundles the car/track name lookup with the TrackBounds
// geometry index, loaded once at startup from <dataDir>/meta/*.csv and
// <dataDir>/vendor/GT7Tracks/dumps/*.csv respectively. It implements
// TrackBoundsSource so it can be handed to the track detector directly
// in place of a bare *GeometryIndex.
type MetadataStore struct {
	cars         map[int32]CarMeta
	tracks       map[int32]TrackMeta
	tracksByBase map[int32]int32
	geometry     *GeometryIndex
}

// LoadMetadataStore loads the car/maker/course CSV tables and the
// track geometry index from dataDir. Missing or unreadable CSV files
// yield an empty table rather than a startup failure, matching
// LoadGeometryIndex's degraded-mode behavior: a service with no
// bundled metadata simply never resolves car/track names.
func LoadMetadataStore(dataDir string, log zerolog.Logger) *MetadataStore {
	metaCSVDir := filepath.Join(dataDir, metaDir)
	makers := loadMakers(filepath.Join(metaCSVDir, makersFile), log)
	cars := loadCars(filepath.Join(metaCSVDir, carsFile), makers, log)
	tracks := loadTracks(filepath.Join(metaCSVDir, coursesFile), log)
	tracksByBase := buildTrackBaseIndex(tracks)
	geometry := LoadGeometryIndex(dataDir, log)

	log.Info().
		Int("carCount", len(cars)).
		Int("trackCount", len(tracks)).
		Int("geometryTracks", len(geometry.bounds)).
		Msg("metadata loaded")

	return &MetadataStore{cars: cars, tracks: tracks, tracksByBase: tracksByBase, geometry: geometry}
}

// TrackBounds implements TrackBoundsSource.
func (m *MetadataStore) TrackBounds() map[int32]track.Bounds {
	return m.geometry.TrackBounds()
}

// CarName resolves a car id to its display name.
func (m *MetadataStore) CarName(id int32) (string, bool) {
	car, ok := m.cars[id]
	if !ok {
		return "", false
	}
	return car.Name, true
}

// TrackInfo resolves either a track id or a base-track id to its
// metadata row, following tracksByBase the same way the original
// falls an unmatched id back to its representative variant.
func (m *MetadataStore) TrackInfo(idOrBase int32) (TrackMeta, bool) {
	if t, ok := m.tracks[idOrBase]; ok {
		return t, true
	}
	if trackID, ok := m.tracksByBase[idOrBase]; ok {
		if t, ok := m.tracks[trackID]; ok {
			return t, true
		}
	}
	return TrackMeta{}, false
}

// TrackName resolves either a track id or a base-track id to its
// display name.
func (m *MetadataStore) TrackName(idOrBase int32) (string, bool) {
	t, ok := m.TrackInfo(idOrBase)
	if !ok {
		return "", false
	}
	return t.Name, true
}

func loadMakers(path string, log zerolog.Logger) map[int32]string {
	makers := make(map[int32]string)
	records, ok := readCSV(path, log, "maker")
	if !ok {
		return makers
	}
	for _, rec := range records {
		id, ok := parseI32(col(rec, 0))
		name := strings.TrimSpace(col(rec, 1))
		if !ok || name == "" {
			continue
		}
		makers[id] = name
	}
	return makers
}

func loadCars(path string, makers map[int32]string, log zerolog.Logger) map[int32]CarMeta {
	cars := make(map[int32]CarMeta)
	records, ok := readCSV(path, log, "cars")
	if !ok {
		return cars
	}
	for _, rec := range records {
		id, ok := parseI32(col(rec, 0))
		name := strings.TrimSpace(col(rec, 1))
		if !ok || name == "" {
			continue
		}
		var manufacturer string
		if makerID, ok := parseI32(col(rec, 2)); ok {
			manufacturer = makers[makerID]
		}
		cars[id] = CarMeta{ID: id, Name: name, Manufacturer: manufacturer}
	}
	return cars
}

func loadTracks(path string, log zerolog.Logger) map[int32]TrackMeta {
	tracks := make(map[int32]TrackMeta)
	records, ok := readCSV(path, log, "course")
	if !ok {
		return tracks
	}
	for _, rec := range records {
		id, ok := parseI32(col(rec, 0))
		name := strings.TrimSpace(col(rec, 1))
		if !ok || name == "" {
			continue
		}
		t := TrackMeta{ID: id, Name: name}
		if baseID, ok := parseI32(col(rec, courseBaseIDCol)); ok {
			t.BaseID = &baseID
		}
		if layout, ok := parseI32(col(rec, courseLayoutNumberCol)); ok {
			t.LayoutNumber = &layout
		}
		if rev, ok := parseBool(col(rec, courseIsReverseCol)); ok {
			t.IsReverse = &rev
		}
		tracks[id] = t
	}
	return tracks
}

// buildTrackBaseIndex picks, for each base track id, the representative
// variant TrackInfo falls back to: the lowest layout number, preferring
// the non-reversed layout on a tie.
func buildTrackBaseIndex(tracks map[int32]TrackMeta) map[int32]int32 {
	type candidate struct {
		layout  int32
		reverse bool
		trackID int32
	}
	best := make(map[int32]candidate)
	for _, t := range tracks {
		if t.BaseID == nil {
			continue
		}
		baseID := *t.BaseID
		layout := int32(1<<31 - 1)
		if t.LayoutNumber != nil {
			layout = *t.LayoutNumber
		}
		reverse := t.IsReverse != nil && *t.IsReverse
		cand := candidate{layout: layout, reverse: reverse, trackID: t.ID}
		existing, ok := best[baseID]
		if !ok || cand.layout < existing.layout || (cand.layout == existing.layout && !cand.reverse && existing.reverse) {
			best[baseID] = cand
		}
	}
	index := make(map[int32]int32, len(best))
	for baseID, cand := range best {
		index[baseID] = cand.trackID
	}
	return index
}

func readCSV(path string, log zerolog.Logger, what string) ([][]string, bool) {
	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msgf("%s csv not found", what)
		return nil, false
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msgf("%s csv parse failed", what)
		return nil, false
	}
	if len(records) <= 1 {
		return nil, true
	}
	return records[1:], true // drop header row
}

func col(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func parseI32(s string) (int32, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(n), true
}

func parseBool(s string) (bool, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}
