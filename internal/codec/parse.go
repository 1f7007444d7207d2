package codec

// Fixed byte offsets into the decrypted GT7 telemetry datagram. Names
// mirror the quantity they hold, not the memory layout of any known
// struct — the layout was reverse-engineered field by field.
const (
	offPosX    = 0x04
	offPosY    = 0x08
	offPosZ    = 0x0C
	offVelX    = 0x10
	offVelY    = 0x14
	offVelZ    = 0x18
	offPitch   = 0x1C
	offYaw     = 0x20
	offRoll    = 0x24
	offYawExt  = 0x28
	offAngVelX = 0x2C
	offAngVelY = 0x30
	offAngVelZ = 0x34

	offRideHeight = 0x38
	offRPM        = 0x3C
	offFuelL      = 0x44
	offFuelCap    = 0x48
	offSpeedMs    = 0x4C
	offBoostBar   = 0x50
	offOilPresBar = 0x54
	offWaterTempC = 0x58
	offOilTempC   = 0x5C

	offTyreTempFL = 0x60
	offTyreTempFR = 0x64
	offTyreTempRL = 0x68
	offTyreTempRR = 0x6C

	offPacketID      = 0x70
	offCurrentLap    = 0x74
	offTotalLaps     = 0x76
	offBestLapMs     = 0x78
	offLastLapMs     = 0x7C
	offTimeOnTrackMs = 0x80
	offCurrentPos    = 0x84
	offTotalPos      = 0x86
	offCarID         = 0x124

	offFlags8E = 0x8E
	offFlags8F = 0x8F

	offEstSpeed = 0x8C

	offGearByte = 0x90
	offThrottle = 0x91
	offBrake    = 0x92
	offFlags93  = 0x93

	offWheelSpeedFL = 0xA4
	offWheelSpeedFR = 0xA8
	offWheelSpeedRL = 0xAC
	offWheelSpeedRR = 0xB0

	offTyreDiaFL = 0xB4
	offTyreDiaFR = 0xB8
	offTyreDiaRL = 0xBC
	offTyreDiaRR = 0xC0

	offSuspFL = 0xC4
	offSuspFR = 0xC8
	offSuspRL = 0xCC
	offSuspRR = 0xD0

	offClutch         = 0xF4
	offClutchEngaged  = 0xF8
	offRPMAfterClutch = 0xFC

	offGearRatioUnknown = 0x100
	offGearRatio1       = 0x104
	offGearRatio2       = 0x108
	offGearRatio3       = 0x10C
	offGearRatio4       = 0x110
	offGearRatio5       = 0x114
	offGearRatio6       = 0x118
	offGearRatio7       = 0x11C
	offGearRatio8       = 0x120

	offRPMRevWarning = 0x88
	offRPMRevLimiter = 0x8A

	offUnknown0x94 = 0x94
	offUnknown0x98 = 0x98
	offUnknown0x9C = 0x9C
	offUnknown0xA0 = 0xA0
	offUnknown0xD4 = 0xD4
	offUnknown0xD8 = 0xD8
	offUnknown0xDC = 0xDC
	offUnknown0xE0 = 0xE0
	offUnknown0xE4 = 0xE4
	offUnknown0xE8 = 0xE8
	offUnknown0xEC = 0xEC
	offUnknown0xF0 = 0xF0
)

const flagInRace = 1 << 0
const flagPaused = 1 << 1

// Parse reads a decrypted datagram into a Frame. It returns (nil, nil)
// when not one field could be read — Parse never reports that as an
// error, since a too-short-to-yield-anything payload already failed at
// Decrypt.
func Parse(p []byte) (*Frame, error) {
	f := &Frame{
		PosX: readF32(p, offPosX),
		PosY: readF32(p, offPosY),
		PosZ: readF32(p, offPosZ),

		VelX: readF32(p, offVelX),
		VelY: readF32(p, offVelY),
		VelZ: readF32(p, offVelZ),

		Pitch:         readF32(p, offPitch),
		RotationYaw:   readF32(p, offYaw),
		Roll:          readF32(p, offRoll),
		RotationExtra: readF32(p, offYawExt),

		AngVelX: readF32(p, offAngVelX),
		AngVelY: readF32(p, offAngVelY),
		AngVelZ: readF32(p, offAngVelZ),

		RPM: readF32(p, offRPM),

		RPMRevWarning: readU16(p, offRPMRevWarning),
		RPMRevLimiter: readU16(p, offRPMRevLimiter),

		FuelL:         readF32(p, offFuelL),
		FuelCapacityL: readF32(p, offFuelCap),

		OilTempC:   readF32(p, offOilTempC),
		WaterTempC: readF32(p, offWaterTempC),

		TempFLC: readF32(p, offTyreTempFL),
		TempFRC: readF32(p, offTyreTempFR),
		TempRLC: readF32(p, offTyreTempRL),
		TempRRC: readF32(p, offTyreTempRR),

		PacketID: readI32(p, offPacketID),

		CurrentLap: readI16(p, offCurrentLap),
		TotalLaps:  readI16(p, offTotalLaps),

		BestLapMs:     readI32(p, offBestLapMs),
		LastLapMs:     readI32(p, offLastLapMs),
		TimeOnTrackMs: readI32(p, offTimeOnTrackMs),

		CurrentPosition: readI16(p, offCurrentPos),
		TotalPositions:  readI16(p, offTotalPos),

		CarID: readI32(p, offCarID),

		EstimatedSpeedKph: readEstSpeed(p, offEstSpeed),

		WheelSpeedFL: readF32(p, offWheelSpeedFL),
		WheelSpeedFR: readF32(p, offWheelSpeedFR),
		WheelSpeedRL: readF32(p, offWheelSpeedRL),
		WheelSpeedRR: readF32(p, offWheelSpeedRR),

		TyreDiameterFLM: readF32(p, offTyreDiaFL),
		TyreDiameterFRM: readF32(p, offTyreDiaFR),
		TyreDiameterRLM: readF32(p, offTyreDiaRL),
		TyreDiameterRRM: readF32(p, offTyreDiaRR),

		SuspensionFL: readF32(p, offSuspFL),
		SuspensionFR: readF32(p, offSuspFR),
		SuspensionRL: readF32(p, offSuspRL),
		SuspensionRR: readF32(p, offSuspRR),

		Clutch:         readF32(p, offClutch),
		ClutchEngaged:  readF32(p, offClutchEngaged),
		RPMAfterClutch: readF32(p, offRPMAfterClutch),

		GearRatioUnknown: readF32(p, offGearRatioUnknown),
		GearRatio1:       readF32(p, offGearRatio1),
		GearRatio2:       readF32(p, offGearRatio2),
		GearRatio3:       readF32(p, offGearRatio3),
		GearRatio4:       readF32(p, offGearRatio4),
		GearRatio5:       readF32(p, offGearRatio5),
		GearRatio6:       readF32(p, offGearRatio6),
		GearRatio7:       readF32(p, offGearRatio7),
		GearRatio8:       readF32(p, offGearRatio8),

		Flags8E: readU8(p, offFlags8E),
		Flags8F: readU8(p, offFlags8F),
		Flags93: readU8(p, offFlags93),

		Unknown0x94: readF32(p, offUnknown0x94),
		Unknown0x98: readF32(p, offUnknown0x98),
		Unknown0x9C: readF32(p, offUnknown0x9C),
		Unknown0xA0: readF32(p, offUnknown0xA0),
		Unknown0xD4: readF32(p, offUnknown0xD4),
		Unknown0xD8: readF32(p, offUnknown0xD8),
		Unknown0xDC: readF32(p, offUnknown0xDC),
		Unknown0xE0: readF32(p, offUnknown0xE0),
		Unknown0xE4: readF32(p, offUnknown0xE4),
		Unknown0xE8: readF32(p, offUnknown0xE8),
		Unknown0xEC: readF32(p, offUnknown0xEC),
		Unknown0xF0: readF32(p, offUnknown0xF0),
	}

	f.YawRate = f.AngVelY

	if rh := readF32(p, offRideHeight); rh != nil {
		v := *rh * 1000
		f.RideHeightMm = &v
	}
	if sp := readF32(p, offSpeedMs); sp != nil {
		v := *sp * 3.6
		f.SpeedKph = &v
	}
	if b := readF32(p, offBoostBar); b != nil {
		v := (*b - 1) * 100
		f.BoostKpa = &v
	}
	if op := readF32(p, offOilPresBar); op != nil {
		v := *op * 100
		f.OilPressureKpa = &v
	}
	if th := readU8(p, offThrottle); th != nil {
		v := float32(*th) / 255
		f.Throttle = &v
	}
	if br := readU8(p, offBrake); br != nil {
		v := float32(*br) / 255
		f.Brake = &v
	}

	parseGearByte(p, f)
	parseFlags(f)
	deriveTyreSpeedAndSlip(f)

	if !hasAny(f) {
		return nil, nil
	}
	return f, nil
}

// readEstSpeed reads the i16 at off and widens it to float32, matching
// the upstream parser's "estimated speed stored as a signed 16-bit
// count" quirk.
func readEstSpeed(p []byte, off int) *float32 {
	i := readI16(p, off)
	if i == nil {
		return nil
	}
	v := float32(*i)
	return &v
}

func parseGearByte(p []byte, f *Frame) {
	gb := readU8(p, offGearByte)
	if gb == nil {
		return
	}
	raw := *gb & 0x0F
	suggested := (*gb & 0xF0) >> 4
	f.GearRaw = &raw
	f.SuggestedGear = &suggested

	var gear int8
	if raw == 0 {
		gear = -1
	} else {
		gear = int8(raw)
	}
	f.Gear = &gear
}

func parseFlags(f *Frame) {
	if f.Flags8E == nil {
		return
	}
	inRace := *f.Flags8E&flagInRace != 0
	paused := *f.Flags8E&flagPaused != 0
	f.InRace = &inRace
	f.IsPaused = &paused
}

// deriveTyreSpeedAndSlip computes per-corner tyre surface speed from
// diameter and wheel angular speed, and slip ratio against car speed.
// Slip ratio is only derived when car speed is positive, matching the
// source guard against division blowing up at a standstill.
func deriveTyreSpeedAndSlip(f *Frame) {
	type corner struct {
		dia   *float32
		wheel *float32
		speed **float32
		slip  **float32
	}
	corners := []corner{
		{f.TyreDiameterFLM, f.WheelSpeedFL, &f.TyreSpeedFLKph, &f.TyreSlipRatioFL},
		{f.TyreDiameterFRM, f.WheelSpeedFR, &f.TyreSpeedFRKph, &f.TyreSlipRatioFR},
		{f.TyreDiameterRLM, f.WheelSpeedRL, &f.TyreSpeedRLKph, &f.TyreSlipRatioRL},
		{f.TyreDiameterRRM, f.WheelSpeedRR, &f.TyreSpeedRRKph, &f.TyreSlipRatioRR},
	}
	for _, c := range corners {
		if c.dia == nil || c.wheel == nil {
			continue
		}
		speed := abs32(*c.dia * *c.wheel * 3.6)
		*c.speed = &speed
		if f.SpeedKph != nil && *f.SpeedKph > 0 {
			slip := speed / *f.SpeedKph
			*c.slip = &slip
		}
	}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// hasAny reports whether at least one field of f was populated. A
// frame with nothing readable is treated as absent, not an error.
func hasAny(f *Frame) bool {
	switch {
	case f.SpeedKph != nil, f.RPM != nil, f.RPMRevWarning != nil, f.RPMRevLimiter != nil,
		f.Gear != nil, f.GearRaw != nil, f.SuggestedGear != nil,
		f.Throttle != nil, f.Brake != nil, f.Clutch != nil, f.ClutchEngaged != nil, f.RPMAfterClutch != nil,
		f.BoostKpa != nil, f.EstimatedSpeedKph != nil,
		f.FuelL != nil, f.FuelCapacityL != nil,
		f.OilTempC != nil, f.WaterTempC != nil, f.OilPressureKpa != nil, f.RideHeightMm != nil,
		f.TempFLC != nil, f.TempFRC != nil, f.TempRLC != nil, f.TempRRC != nil:
		return true
	case f.TyreDiameterFLM != nil, f.TyreDiameterFRM != nil, f.TyreDiameterRLM != nil, f.TyreDiameterRRM != nil,
		f.WheelSpeedFL != nil, f.WheelSpeedFR != nil, f.WheelSpeedRL != nil, f.WheelSpeedRR != nil,
		f.TyreSpeedFLKph != nil, f.TyreSpeedFRKph != nil, f.TyreSpeedRLKph != nil, f.TyreSpeedRRKph != nil,
		f.TyreSlipRatioFL != nil, f.TyreSlipRatioFR != nil, f.TyreSlipRatioRL != nil, f.TyreSlipRatioRR != nil,
		f.SuspensionFL != nil, f.SuspensionFR != nil, f.SuspensionRL != nil, f.SuspensionRR != nil:
		return true
	case f.GearRatioUnknown != nil, f.GearRatio1 != nil, f.GearRatio2 != nil, f.GearRatio3 != nil, f.GearRatio4 != nil,
		f.GearRatio5 != nil, f.GearRatio6 != nil, f.GearRatio7 != nil, f.GearRatio8 != nil,
		f.PosX != nil, f.PosY != nil, f.PosZ != nil, f.VelX != nil, f.VelY != nil, f.VelZ != nil:
		return true
	case f.AngVelX != nil, f.AngVelY != nil, f.AngVelZ != nil, f.YawRate != nil, f.Pitch != nil, f.Roll != nil,
		f.RotationYaw != nil, f.RotationExtra != nil, f.InRace != nil, f.IsPaused != nil,
		f.PacketID != nil, f.CurrentPosition != nil, f.TotalPositions != nil, f.CurrentLap != nil, f.TotalLaps != nil:
		return true
	case f.BestLapMs != nil, f.LastLapMs != nil, f.TimeOnTrackMs != nil, f.CarID != nil,
		f.Flags8E != nil, f.Flags8F != nil, f.Flags93 != nil:
		return true
	case f.Unknown0x94 != nil, f.Unknown0x98 != nil, f.Unknown0x9C != nil, f.Unknown0xA0 != nil,
		f.Unknown0xD4 != nil, f.Unknown0xD8 != nil, f.Unknown0xDC != nil, f.Unknown0xE0 != nil,
		f.Unknown0xE4 != nil, f.Unknown0xE8 != nil, f.Unknown0xEC != nil, f.Unknown0xF0 != nil:
		return true
	default:
		return false
	}
}
