package codec

import (
	"encoding/binary"
	"math"
)

// Frame is one fully parsed datagram. Every field is independently
// optional: a nil pointer means the offset could not be read (out of
// range), never that the value was zero.
type Frame struct {
	SpeedKph          *float32 `json:"speedKph,omitempty"`
	RPM               *float32 `json:"rpm,omitempty"`
	RPMRevWarning     *uint16  `json:"rpmRevWarning,omitempty"`
	RPMRevLimiter     *uint16  `json:"rpmRevLimiter,omitempty"`
	Gear              *int8    `json:"gear,omitempty"`
	GearRaw           *uint8   `json:"gearRaw,omitempty"`
	SuggestedGear     *uint8   `json:"suggestedGear,omitempty"`
	Throttle          *float32 `json:"throttle,omitempty"`
	Brake             *float32 `json:"brake,omitempty"`
	Clutch            *float32 `json:"clutch,omitempty"`
	ClutchEngaged     *float32 `json:"clutchEngaged,omitempty"`
	RPMAfterClutch    *float32 `json:"rpmAfterClutch,omitempty"`
	BoostKpa          *float32 `json:"boostKpa,omitempty"`
	EstimatedSpeedKph *float32 `json:"estimatedSpeedKph,omitempty"`
	FuelL             *float32 `json:"fuelL,omitempty"`
	FuelCapacityL     *float32 `json:"fuelCapacityL,omitempty"`
	OilTempC          *float32 `json:"oilTempC,omitempty"`
	WaterTempC        *float32 `json:"waterTempC,omitempty"`
	OilPressureKpa    *float32 `json:"oilPressureKpa,omitempty"`
	RideHeightMm      *float32 `json:"rideHeightMm,omitempty"`

	TempFLC *float32 `json:"tempFlC,omitempty"`
	TempFRC *float32 `json:"tempFrC,omitempty"`
	TempRLC *float32 `json:"tempRlC,omitempty"`
	TempRRC *float32 `json:"tempRrC,omitempty"`

	TyreDiameterFLM *float32 `json:"tyreDiameterFlM,omitempty"`
	TyreDiameterFRM *float32 `json:"tyreDiameterFrM,omitempty"`
	TyreDiameterRLM *float32 `json:"tyreDiameterRlM,omitempty"`
	TyreDiameterRRM *float32 `json:"tyreDiameterRrM,omitempty"`

	WheelSpeedFL *float32 `json:"wheelSpeedFl,omitempty"`
	WheelSpeedFR *float32 `json:"wheelSpeedFr,omitempty"`
	WheelSpeedRL *float32 `json:"wheelSpeedRl,omitempty"`
	WheelSpeedRR *float32 `json:"wheelSpeedRr,omitempty"`

	TyreSpeedFLKph *float32 `json:"tyreSpeedFlKph,omitempty"`
	TyreSpeedFRKph *float32 `json:"tyreSpeedFrKph,omitempty"`
	TyreSpeedRLKph *float32 `json:"tyreSpeedRlKph,omitempty"`
	TyreSpeedRRKph *float32 `json:"tyreSpeedRrKph,omitempty"`

	// TyreSlipRatio* divides tyre speed by car speed, NOT the textbook
	// slip ratio (tyre-car)/car. Preserved as observed in the source
	// protocol; do not "fix" the formula.
	TyreSlipRatioFL *float32 `json:"tyreSlipRatioFl,omitempty"`
	TyreSlipRatioFR *float32 `json:"tyreSlipRatioFr,omitempty"`
	TyreSlipRatioRL *float32 `json:"tyreSlipRatioRl,omitempty"`
	TyreSlipRatioRR *float32 `json:"tyreSlipRatioRr,omitempty"`

	SuspensionFL *float32 `json:"suspensionFl,omitempty"`
	SuspensionFR *float32 `json:"suspensionFr,omitempty"`
	SuspensionRL *float32 `json:"suspensionRl,omitempty"`
	SuspensionRR *float32 `json:"suspensionRr,omitempty"`

	GearRatioUnknown *float32 `json:"gearRatioUnknown,omitempty"`
	GearRatio1       *float32 `json:"gearRatio1,omitempty"`
	GearRatio2       *float32 `json:"gearRatio2,omitempty"`
	GearRatio3       *float32 `json:"gearRatio3,omitempty"`
	GearRatio4       *float32 `json:"gearRatio4,omitempty"`
	GearRatio5       *float32 `json:"gearRatio5,omitempty"`
	GearRatio6       *float32 `json:"gearRatio6,omitempty"`
	GearRatio7       *float32 `json:"gearRatio7,omitempty"`
	GearRatio8       *float32 `json:"gearRatio8,omitempty"`

	PosX *float32 `json:"posX,omitempty"`
	PosY *float32 `json:"posY,omitempty"`
	PosZ *float32 `json:"posZ,omitempty"`

	VelX *float32 `json:"velX,omitempty"`
	VelY *float32 `json:"velY,omitempty"`
	VelZ *float32 `json:"velZ,omitempty"`

	AngVelX *float32 `json:"angVelX,omitempty"`
	AngVelY *float32 `json:"angVelY,omitempty"`
	AngVelZ *float32 `json:"angVelZ,omitempty"`
	YawRate *float32 `json:"yawRate,omitempty"` // == AngVelY

	Pitch *float32 `json:"pitch,omitempty"`
	Roll  *float32 `json:"roll,omitempty"`

	// RotationYaw (0x20) and RotationExtra (0x28) are both preserved as
	// distinct parsed fields: the upstream source only guesses that yaw
	// lives at 0x20, so RotationExtra is not re-derived or collapsed
	// into it.
	RotationYaw   *float32 `json:"rotationYaw,omitempty"`
	RotationExtra *float32 `json:"rotationExtra,omitempty"`

	InRace   *bool `json:"inRace,omitempty"`
	IsPaused *bool `json:"isPaused,omitempty"`

	PacketID *int32 `json:"packetId,omitempty"`

	CurrentPosition *int16 `json:"currentPosition,omitempty"`
	TotalPositions  *int16 `json:"totalPositions,omitempty"`
	CurrentLap      *int16 `json:"currentLap,omitempty"`
	TotalLaps       *int16 `json:"totalLaps,omitempty"`

	BestLapMs     *int32 `json:"bestLapMs,omitempty"`
	LastLapMs     *int32 `json:"lastLapMs,omitempty"`
	TimeOnTrackMs *int32 `json:"timeOnTrackMs,omitempty"`

	CarID *int32 `json:"carId,omitempty"`

	// SourceTimestampMs is never populated by the parser (the wire
	// protocol carries no such field); it rides along as an always-nil
	// optional per the open question in spec §9.
	SourceTimestampMs *uint64 `json:"sourceTimestampMs,omitempty"`

	Flags8E *uint8 `json:"flags8e,omitempty"`
	Flags8F *uint8 `json:"flags8f,omitempty"`
	Flags93 *uint8 `json:"flags93,omitempty"`

	// Unidentified f32 offsets, preserved unlabeled per spec §9.
	Unknown0x94 *float32 `json:"unknown0x94,omitempty"`
	Unknown0x98 *float32 `json:"unknown0x98,omitempty"`
	Unknown0x9C *float32 `json:"unknown0x9c,omitempty"`
	Unknown0xA0 *float32 `json:"unknown0xa0,omitempty"`
	Unknown0xD4 *float32 `json:"unknown0xd4,omitempty"`
	Unknown0xD8 *float32 `json:"unknown0xd8,omitempty"`
	Unknown0xDC *float32 `json:"unknown0xdc,omitempty"`
	Unknown0xE0 *float32 `json:"unknown0xe0,omitempty"`
	Unknown0xE4 *float32 `json:"unknown0xe4,omitempty"`
	Unknown0xE8 *float32 `json:"unknown0xe8,omitempty"`
	Unknown0xEC *float32 `json:"unknown0xec,omitempty"`
	Unknown0xF0 *float32 `json:"unknown0xf0,omitempty"`
}

func readF32(p []byte, off int) *float32 {
	if off < 0 || off+4 > len(p) {
		return nil
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(p[off : off+4]))
	return &v
}

func readI32(p []byte, off int) *int32 {
	if off < 0 || off+4 > len(p) {
		return nil
	}
	v := int32(binary.LittleEndian.Uint32(p[off : off+4]))
	return &v
}

func readI16(p []byte, off int) *int16 {
	if off < 0 || off+2 > len(p) {
		return nil
	}
	v := int16(binary.LittleEndian.Uint16(p[off : off+2]))
	return &v
}

func readU16(p []byte, off int) *uint16 {
	if off < 0 || off+2 > len(p) {
		return nil
	}
	v := binary.LittleEndian.Uint16(p[off : off+2])
	return &v
}

func readU8(p []byte, off int) *uint8 {
	if off < 0 || off >= len(p) {
		return nil
	}
	v := p[off]
	return &v
}

