// Package codec decrypts and parses GT7 telemetry datagrams.
//
// Decryption follows the fixed Salsa20 scheme documented in the
// upstream protocol notes: a static 32-byte key and a nonce derived
// from two little-endian words inside the ciphertext itself.
package codec

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/salsa20"

	"github.com/nkyui/apextelemetry/internal/apexerr"
)

const (
	magic        uint32 = 0x47375330
	ivXorConst   uint32 = 0xDEADBEAF
	minDatagram         = 0x44
	keySourceStr        = "Simulator Interface Packet GT7 ver 0.0"
)

var cipherKey [32]byte

func init() {
	copy(cipherKey[:], keySourceStr[:32])
}

// Decrypt applies the GT7 telemetry keystream to a copy of dat and
// returns that plaintext copy (same length); dat itself is left
// unchanged. dat shorter than 0x44 bytes yields apexerr.Malformed; a
// post-decryption magic mismatch yields apexerr.AuthFailed.
//
// The keystream is applied by XOR, so applying it a second time undoes
// it; EncryptFixture relies on that to build ciphertexts Decrypt
// accepts.
func Decrypt(dat []byte) ([]byte, error) {
	if len(dat) < minDatagram {
		return nil, fmt.Errorf("datagram length %d < %#x: %w", len(dat), minDatagram, apexerr.Malformed)
	}

	iv1 := binary.LittleEndian.Uint32(dat[0x40:0x44])
	iv2 := iv1 ^ ivXorConst

	var nonce [8]byte
	binary.LittleEndian.PutUint32(nonce[0:4], iv2)
	binary.LittleEndian.PutUint32(nonce[4:8], iv1)

	out := make([]byte, len(dat))
	salsa20.XORKeyStream(out, dat, nonce[:], &cipherKey)

	if binary.LittleEndian.Uint32(out[0:4]) != magic {
		return nil, fmt.Errorf("magic mismatch: %w", apexerr.AuthFailed)
	}
	return out, nil
}

// EncryptFixture turns plain (a decrypted datagram with the iv1 word
// already placed at 0x40) into a datagram Decrypt will accept. It
// exists for building test fixtures: the wire format never has us
// encrypt for real, but Decrypt's keystream is symmetric, so producing
// a valid ciphertext means XOR-ing everything except the 0x40:0x44
// slot, which Decrypt reads raw off the wire to pick the nonce in the
// first place.
func EncryptFixture(plain []byte) []byte {
	iv1 := binary.LittleEndian.Uint32(plain[0x40:0x44])
	iv2 := iv1 ^ ivXorConst

	var nonce [8]byte
	binary.LittleEndian.PutUint32(nonce[0:4], iv2)
	binary.LittleEndian.PutUint32(nonce[4:8], iv1)

	keystream := make([]byte, len(plain))
	salsa20.XORKeyStream(keystream, make([]byte, len(plain)), nonce[:], &cipherKey)

	out := make([]byte, len(plain))
	copy(out, plain)
	for i := range out {
		if i >= 0x40 && i < 0x44 {
			continue
		}
		out[i] ^= keystream[i]
	}
	return out
}
