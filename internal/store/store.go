// Package store holds the single shared telemetry snapshot: the
// latest merged State, the rolling sample ring, recent raw-packet
// history, and the session/lap/fuel/track bookkeeping that derives
// from each applied frame.
package store

import (
	"math"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nkyui/apextelemetry/internal/codec"
	"github.com/nkyui/apextelemetry/internal/ring"
	"github.com/nkyui/apextelemetry/internal/session"
	"github.com/nkyui/apextelemetry/internal/track"
)

const (
	sampleBufferCap  = 600
	rawPacketHistory = 5
	fuelHistoryCap   = 3
)

// Sample is the compact per-tick subset published in the samples
// window feed.
type Sample struct {
	TMs      uint64   `json:"tMs"`
	SpeedKph *float32 `json:"speedKph,omitempty"`
	RPM      *float32 `json:"rpm,omitempty"`
	Throttle *float32 `json:"throttle,omitempty"`
	Brake    *float32 `json:"brake,omitempty"`
}

// RawPacketSnapshot pairs a captured datagram with its decrypted form,
// for the short raw-packet history used by diagnostics.
type RawPacketSnapshot struct {
	CapturedAtMs uint64
	SourceIP     net.IP
	Encrypted    []byte
	Decrypted    []byte
}

// PacketInfo carries the transport-level facts about one received
// datagram that the store records alongside the parsed frame.
type PacketInfo struct {
	PacketLen   *int
	PayloadLen  *int
	SourceIP    net.IP
	RawSnapshot *RawPacketSnapshot
}

// TelemetryStore is the single shared mutable snapshot. All mutation
// goes through ApplyFrame under the write lock; all reads take the
// read lock. No I/O is ever performed while either lock is held.
type TelemetryStore struct {
	mu sync.RWMutex

	sessionState session.State
	sessionIndex uint64
	state        State
	samples      *ring.Buffer[Sample]

	lastPacketID          *int32
	lastSourceTimestampMs *uint64
	lastTelemetryMs       *uint64
	lastPacketLen         *int
	lastPayloadLen        *int
	lastSourceIP          net.IP
	rawPackets            []RawPacketSnapshot

	lastCurrentLap        *int16
	lastLapTimeMsRecorded *int32
	lapStartMonoMs        *uint64
	lapPauseStartedMs     *uint64
	lapPauseAccumMs       uint64
	fuelPctAtLapStart     *float32
	fuelConsumeHistory    []float32 // index 0 = most recently pushed

	carID   *int32
	trackID *int32

	detector *track.Detector

	onTransition func(from, to session.State)
	carName      func(id int32) (string, bool)
	trackName    func(id int32) (string, bool)

	log zerolog.Logger
}

// SetTransitionHook installs fn to be called, inside the store's write lock,
// whenever ApplyFrame advances the session state machine. Used to feed
// the session-transition metric without the store importing metricsx.
func (s *TelemetryStore) SetTransitionHook(fn func(from, to session.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = fn
}

// SetNameResolvers installs the car/track id-to-name lookups ApplyFrame
// uses to populate State.CarName/State.TrackName. Optional: a store
// with no resolver installed simply never populates those fields,
// matching the metadata store's own degraded mode when its CSV tables
// are missing.
func (s *TelemetryStore) SetNameResolvers(carName, trackName func(id int32) (string, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carName = carName
	s.trackName = trackName
}

// New returns an empty store in SessionState NotInRace.
func New(log zerolog.Logger) *TelemetryStore {
	return &TelemetryStore{
		samples:  ring.New[Sample](sampleBufferCap),
		detector: track.NewDetector(),
		log:      log.With().Str("component", "store").Logger(),
	}
}

func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// ApplyFrame folds one parsed frame into the store: it advances the
// session state machine, the lap timer, the fuel model, the track
// detector, the sample ring, and the raw-packet history. It returns
// whether recording should stop or start as a result of this frame,
// which the caller applies outside any store lock.
func (s *TelemetryStore) ApplyFrame(f *codec.Frame, nowMs uint64, info *PacketInfo, trackBounds map[int32]track.Bounds) (shouldStopRecord, shouldStartRecord bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTelemetryMs = &nowMs

	if info != nil {
		if info.PacketLen != nil {
			s.lastPacketLen = info.PacketLen
		}
		if info.PayloadLen != nil {
			s.lastPayloadLen = info.PayloadLen
		}
		if info.SourceIP != nil {
			s.lastSourceIP = info.SourceIP
		}
		if info.RawSnapshot != nil {
			if len(s.rawPackets) >= rawPacketHistory {
				s.rawPackets = s.rawPackets[1:]
			}
			s.rawPackets = append(s.rawPackets, *info.RawSnapshot)
		}
	}

	previousState := s.sessionState
	nextState := session.Next(previousState, f.InRace, f.IsPaused)
	shouldStopRecord = nextState == session.NotInRace

	if nextState != previousState {
		switch {
		case nextState == session.InRace && previousState == session.NotInRace:
			s.sessionIndex++
			s.samples.Clear()
			s.lastPacketID = nil
			s.lastCurrentLap = nil
			s.lastLapTimeMsRecorded = nil
			s.lapStartMonoMs = &nowMs
			s.lapPauseStartedMs = nil
			s.lapPauseAccumMs = 0
			s.fuelPctAtLapStart = nil
			s.fuelConsumeHistory = nil
			s.detector.Reset()
			s.trackID = nil
		case nextState == session.NotInRace:
			s.detector.Reset()
			s.trackID = nil
			s.lapStartMonoMs = nil
			s.lapPauseStartedMs = nil
			s.lapPauseAccumMs = 0
			s.state.CurrentLapTimeMs = nil
		}
		s.sessionState = nextState
		s.log.Info().
			Str("from", previousState.String()).
			Str("to", nextState.String()).
			Uint64("sessionIndex", s.sessionIndex).
			Msg("session transition")
		if s.onTransition != nil {
			s.onTransition(previousState, nextState)
		}
	}

	mergeFrame(&s.state.Frame, f)

	if f.LastLapMs != nil {
		if s.lastLapTimeMsRecorded == nil || *s.lastLapTimeMsRecorded != *f.LastLapMs {
			s.lastLapTimeMsRecorded = f.LastLapMs
			if s.sessionState != session.NotInRace {
				s.lapStartMonoMs = &nowMs
				s.lapPauseStartedMs = nil
				s.lapPauseAccumMs = 0
			}
		}
	}
	if s.sessionState == session.InRace && s.lapStartMonoMs == nil {
		s.lapStartMonoMs = &nowMs
	}

	shouldStartRecord = s.sessionState == session.InRace

	switch s.sessionState {
	case session.Paused:
		if s.lapPauseStartedMs == nil {
			s.lapPauseStartedMs = &nowMs
		}
	case session.InRace:
		if s.lapPauseStartedMs != nil {
			pauseStart := *s.lapPauseStartedMs
			s.lapPauseStartedMs = nil
			s.lapPauseAccumMs += satSub(nowMs, pauseStart)
		}
	case session.NotInRace:
		s.lapPauseStartedMs = nil
		s.lapPauseAccumMs = 0
	}

	if s.lapStartMonoMs != nil {
		elapsed := satSub(nowMs, *s.lapStartMonoMs)
		elapsed = satSub(elapsed, s.lapPauseAccumMs)
		if s.lapPauseStartedMs != nil {
			elapsed = satSub(elapsed, satSub(nowMs, *s.lapPauseStartedMs))
		}
		safe := elapsed
		if safe > math.MaxInt32 {
			safe = math.MaxInt32
		}
		v := int32(safe)
		s.state.CurrentLapTimeMs = &v
	} else {
		s.state.CurrentLapTimeMs = nil
	}

	var currentFuelPct *float32
	if f.FuelL != nil && f.FuelCapacityL != nil && *f.FuelCapacityL > 0 {
		v := (*f.FuelL / *f.FuelCapacityL) * 100
		currentFuelPct = &v
	}

	if f.CurrentLap != nil {
		lapChanged := s.lastCurrentLap == nil || *s.lastCurrentLap != *f.CurrentLap
		if lapChanged && s.lastCurrentLap != nil {
			validLap := s.lastLapTimeMsRecorded != nil && *s.lastLapTimeMsRecorded > 0
			if validLap && s.fuelPctAtLapStart != nil && currentFuelPct != nil {
				consume := *s.fuelPctAtLapStart - *currentFuelPct
				if consume < 0 {
					consume = 0
				}
				if consume > 0 {
					if len(s.fuelConsumeHistory) >= fuelHistoryCap {
						s.fuelConsumeHistory = s.fuelConsumeHistory[:len(s.fuelConsumeHistory)-1]
					}
					s.fuelConsumeHistory = append([]float32{consume}, s.fuelConsumeHistory...)
				}
			}
		}
		if lapChanged || s.fuelPctAtLapStart == nil {
			s.fuelPctAtLapStart = currentFuelPct
		}
		s.lastCurrentLap = f.CurrentLap
	}

	if len(s.fuelConsumeHistory) > 0 {
		var sum float32
		for _, v := range s.fuelConsumeHistory {
			sum += v
		}
		avg := sum / float32(len(s.fuelConsumeHistory))
		s.state.AvgFuelConsumePctPerLap = &avg
		if currentFuelPct != nil && avg > 0 {
			rem := *currentFuelPct / avg
			s.state.FuelLapsRemaining = &rem
		}
	}

	if f.CarID != nil {
		s.carID = f.CarID
	}

	var posXZ *[2]float32
	if f.PosX != nil && f.PosZ != nil {
		posXZ = &[2]float32{*f.PosX, *f.PosZ}
	}
	isPaused := f.IsPaused != nil && *f.IsPaused
	s.trackID = s.detector.Update(s.sessionState == session.InRace, isPaused, f.CurrentLap, posXZ, trackBounds)

	s.state.CarID = s.carID
	s.state.TrackID = s.trackID

	if s.carName != nil && s.carID != nil {
		if name, ok := s.carName(*s.carID); ok {
			s.state.CarName = &name
		}
	}
	if s.trackName != nil && s.trackID != nil {
		if name, ok := s.trackName(*s.trackID); ok {
			s.state.TrackName = &name
		}
	}

	if s.sessionState == session.InRace {
		allowSample := true
		if f.PacketID != nil {
			if s.lastPacketID != nil && *f.PacketID <= *s.lastPacketID {
				allowSample = false
			} else {
				s.lastPacketID = f.PacketID
			}
		}
		if allowSample {
			s.samples.Push(Sample{
				TMs:      nowMs,
				SpeedKph: f.SpeedKph,
				RPM:      f.RPM,
				Throttle: f.Throttle,
				Brake:    f.Brake,
			})
		}
	}

	if f.SourceTimestampMs != nil {
		s.lastSourceTimestampMs = f.SourceTimestampMs
	}

	return shouldStopRecord, shouldStartRecord
}

// Snapshot returns a copy of the publishable parts of the store: the
// merged state, session metadata, and last-seen source timestamp.
func (s *TelemetryStore) Snapshot() (st State, sessionState session.State, sessionIndex uint64, lastSourceTimestampMs *uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.sessionState, s.sessionIndex, s.lastSourceTimestampMs
}

// SamplesSince returns a copy of the sample ring in insertion order.
func (s *TelemetryStore) SamplesSince() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.samples.ToSlice()
}

// SessionState returns the current session state alone, for callers
// that only need the gate (e.g. the samples-window task).
func (s *TelemetryStore) SessionState() session.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionState
}

// LastTelemetryMs returns the monotonic ms of the most recent applied
// frame, used by the heartbeat emitter's stale-telemetry warning.
func (s *TelemetryStore) LastTelemetryMs() *uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTelemetryMs
}

// ResetForReplay clears transport- and session-level state between
// playback passes: the merged State is wiped to its zero value,
// samples and raw-packet history are dropped, and lap/fuel/track
// bookkeeping is cleared, so a looping capture file starts its second
// pass exactly like its first. sessionIndex is incremented rather than
// reset to zero — it must stay strictly non-decreasing across the
// whole process lifetime, not just within one playback file.
func (s *TelemetryStore) ResetForReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = State{}
	s.sessionState = session.NotInRace
	if s.sessionIndex < math.MaxUint64 {
		s.sessionIndex++
	}
	s.samples.Clear()

	s.lastPacketID = nil
	s.lastSourceTimestampMs = nil
	s.lastTelemetryMs = nil
	s.lastPacketLen = nil
	s.lastPayloadLen = nil
	s.lastSourceIP = nil
	s.rawPackets = nil

	s.lastCurrentLap = nil
	s.lastLapTimeMsRecorded = nil
	s.lapStartMonoMs = nil
	s.lapPauseStartedMs = nil
	s.lapPauseAccumMs = 0
	s.fuelPctAtLapStart = nil
	s.fuelConsumeHistory = nil

	s.carID = nil
	s.trackID = nil
	s.detector.Reset()
}

// RawPackets returns a copy of the recent raw-packet history.
func (s *TelemetryStore) RawPackets() []RawPacketSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RawPacketSnapshot, len(s.rawPackets))
	copy(out, s.rawPackets)
	return out
}
