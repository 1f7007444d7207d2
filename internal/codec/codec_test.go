package codec

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/nkyui/apextelemetry/internal/apexerr"
)

// encodeFixture builds a plaintext datagram of the given size with the
// magic number at offset 0 and iv1 at 0x40, then encrypts it the same
// way the PS5 does (Salsa20 is its own inverse against a fixed nonce).
func encodeFixture(t *testing.T, size int, iv1 uint32) []byte {
	t.Helper()
	plain := make([]byte, size)
	binary.LittleEndian.PutUint32(plain[0:4], magic)
	binary.LittleEndian.PutUint32(plain[0x40:0x44], iv1)
	return EncryptFixture(plain)
}

func TestDecryptRoundTrip(t *testing.T) {
	dat := encodeFixture(t, 0x128, 0x1234abcd)
	out, err := Decrypt(dat)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got := binary.LittleEndian.Uint32(out[0:4]); got != magic {
		t.Fatalf("magic = %#x, want %#x", got, magic)
	}
}

func TestDecryptShortDatagram(t *testing.T) {
	_, err := Decrypt(make([]byte, 0x10))
	if !errors.Is(err, apexerr.Malformed) {
		t.Fatalf("err = %v, want apexerr.Malformed", err)
	}
}

func TestDecryptBadIVFailsAuth(t *testing.T) {
	dat := encodeFixture(t, 0x128, 0x1234abcd)
	// Flip a bit in iv1 after encryption: decrypting with the
	// corrupted iv derives the wrong nonce and the magic check fails.
	dat[0x40] ^= 0x01
	_, err := Decrypt(dat)
	if !errors.Is(err, apexerr.AuthFailed) {
		t.Fatalf("err = %v, want apexerr.AuthFailed", err)
	}
}

func TestParseKnownOffsets(t *testing.T) {
	plain := make([]byte, 0x128)
	binary.LittleEndian.PutUint32(plain[0:4], magic)
	binary.LittleEndian.PutUint32(plain[offPosX:], floatBits(12.5))
	binary.LittleEndian.PutUint32(plain[offRPM:], floatBits(6500))
	binary.LittleEndian.PutUint16(plain[offCurrentLap:], uint16(3))
	plain[offGearByte] = 0x34 // raw gear 4, suggested gear 3
	plain[offFlags8E] = 0x01  // in race, not paused

	f, err := Parse(plain)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f == nil {
		t.Fatal("Parse returned nil frame")
	}
	if f.PosX == nil || *f.PosX != 12.5 {
		t.Fatalf("PosX = %v, want 12.5", f.PosX)
	}
	if f.RPM == nil || *f.RPM != 6500 {
		t.Fatalf("RPM = %v, want 6500", f.RPM)
	}
	if f.CurrentLap == nil || *f.CurrentLap != 3 {
		t.Fatalf("CurrentLap = %v, want 3", f.CurrentLap)
	}
	if f.Gear == nil || *f.Gear != 4 {
		t.Fatalf("Gear = %v, want 4", f.Gear)
	}
	if f.SuggestedGear == nil || *f.SuggestedGear != 3 {
		t.Fatalf("SuggestedGear = %v, want 3", f.SuggestedGear)
	}
	if f.InRace == nil || !*f.InRace {
		t.Fatalf("InRace = %v, want true", f.InRace)
	}
	if f.IsPaused == nil || *f.IsPaused {
		t.Fatalf("IsPaused = %v, want false", f.IsPaused)
	}
}

func TestParseNeutralGear(t *testing.T) {
	plain := make([]byte, 0x128)
	plain[offGearByte] = 0x00
	f, err := Parse(plain)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Gear == nil || *f.Gear != -1 {
		t.Fatalf("Gear = %v, want -1 for neutral", f.Gear)
	}
}

func TestParseEmptyPayloadYieldsNilFrame(t *testing.T) {
	f, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f != nil {
		t.Fatalf("Parse(nil) = %+v, want nil", f)
	}
}

func TestDeriveTyreSpeedAndSlip(t *testing.T) {
	plain := make([]byte, 0x128)
	binary.LittleEndian.PutUint32(plain[offSpeedMs:], floatBits(50.0/3.6)) // 50 kph
	binary.LittleEndian.PutUint32(plain[offTyreDiaFL:], floatBits(0.3))
	binary.LittleEndian.PutUint32(plain[offWheelSpeedFL:], floatBits(46.3))

	f, err := Parse(plain)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.TyreSpeedFLKph == nil {
		t.Fatal("TyreSpeedFLKph not derived")
	}
	want := float32(0.3 * 46.3 * 3.6)
	if diff := *f.TyreSpeedFLKph - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("TyreSpeedFLKph = %v, want ~%v", *f.TyreSpeedFLKph, want)
	}
	if f.TyreSlipRatioFL == nil {
		t.Fatal("TyreSlipRatioFL not derived when speed > 0")
	}
}

func floatBits(v float32) uint32 {
	return math.Float32bits(v)
}
