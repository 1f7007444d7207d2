package store

import (
	"reflect"

	"github.com/nkyui/apextelemetry/internal/codec"
)

// State is the monotone union of every frame field seen this session,
// plus fields derived by the session tracker. A frame field is
// overwritten only when a later frame supplies it, except the dynamics
// fields, which mergeFrame copies even when absent. CurrentLapTimeMs is
// cleared on leaving the race, and ResetForReplay wipes the whole State.
type State struct {
	codec.Frame

	CurrentLapTimeMs        *int32   `json:"currentLapTimeMs,omitempty"`
	AvgFuelConsumePctPerLap *float32 `json:"avgFuelConsumePctPerLap,omitempty"`
	FuelLapsRemaining       *float32 `json:"fuelLapsRemaining,omitempty"`
	TrackID                 *int32   `json:"trackId,omitempty"`
	CarName                 *string  `json:"carName,omitempty"`
	TrackName               *string  `json:"trackName,omitempty"`
}

// mergeFrame overwrites every field of dst's embedded Frame with the
// corresponding field of f wherever f's is non-nil. Dynamics fields
// (position, velocity, rotation yaw) are assigned unconditionally, per
// the merge rule's carve-out for fields always present in a
// well-formed frame.
func mergeFrame(dst *codec.Frame, f *codec.Frame) {
	dv := reflect.ValueOf(dst).Elem()
	sv := reflect.ValueOf(f).Elem()
	for i := 0; i < dv.NumField(); i++ {
		sf := sv.Field(i)
		if sf.Kind() != reflect.Ptr || sf.IsNil() {
			continue
		}
		dv.Field(i).Set(sf)
	}

	// Dynamics: assigned unconditionally, including to nil, so a frame
	// that genuinely omits them clears the previous reading rather than
	// leaving stale position data behind.
	dst.PosX = f.PosX
	dst.PosY = f.PosY
	dst.PosZ = f.PosZ
	dst.VelX = f.VelX
	dst.VelY = f.VelY
	dst.VelZ = f.VelZ
	dst.RotationYaw = f.RotationYaw
}

// IsEmpty reports whether no field has ever been set.
func (s *State) IsEmpty() bool {
	v := reflect.ValueOf(s.Frame)
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if f.Kind() == reflect.Ptr && !f.IsNil() {
			return false
		}
	}
	return s.CurrentLapTimeMs == nil && s.AvgFuelConsumePctPerLap == nil &&
		s.FuelLapsRemaining == nil && s.TrackID == nil
}
