package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/nkyui/apextelemetry/internal/codec"
	"github.com/nkyui/apextelemetry/internal/store"
	"github.com/nkyui/apextelemetry/internal/track"
)

// MonotonicClock returns milliseconds elapsed since an arbitrary
// process-start epoch, the same clock the ingest loop stamps samples
// with.
type MonotonicClock func() uint64

// Player replays a capture file into the telemetry store, looping
// indefinitely until cancelled. Every sleep is selected against the
// cancellation channel and the context is checked before each record
// is read, so a stop request is observed at once rather than on a
// polling tick or at the end of the file.
type Player struct {
	store     *store.TelemetryStore
	bounds    func() map[int32]track.Bounds
	now       MonotonicClock
	log       zerolog.Logger
}

// NewPlayer returns a Player that applies frames to st, using bounds()
// as the live track-bounds table and now() for timestamps.
func NewPlayer(st *store.TelemetryStore, bounds func() map[int32]track.Bounds, now MonotonicClock, log zerolog.Logger) *Player {
	return &Player{store: st, bounds: bounds, now: now, log: log.With().Str("component", "playback").Logger()}
}

// Run plays path on loop until ctx is cancelled. Every pass after the
// first begins with store.ResetForReplay, which wipes the merged
// state, puts the session back to NotInRace and resets the track
// detector, so each replay starts the way a fresh session would.
func (p *Player) Run(ctx context.Context, path string) error {
	firstPass := true
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !firstPass {
			p.resetForReplay()
		}
		firstPass = false

		hadRecord, err := p.playOnce(ctx, path)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if !hadRecord {
			if !sleepOrCancel(ctx, time.Second) {
				return nil
			}
		}
	}
}

func (p *Player) resetForReplay() {
	p.store.ResetForReplay()
	p.log.Info().Msg("restarting capture playback")
}

func (p *Player) playOnce(ctx context.Context, path string) (hadRecord bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var lastOffset uint64

	for {
		if ctx.Err() != nil {
			return hadRecord, context.Canceled
		}
		var hdr [12]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return hadRecord, nil
			}
			return hadRecord, err
		}
		offsetMs := binary.LittleEndian.Uint64(hdr[0:8])
		length := binary.LittleEndian.Uint32(hdr[8:12])
		if length == 0 {
			continue
		}

		packet := make([]byte, length)
		if _, err := io.ReadFull(r, packet); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return hadRecord, nil
			}
			return hadRecord, err
		}

		hadRecord = true
		delay := satSub(offsetMs, lastOffset)
		if delay > 0 {
			if !sleepOrCancel(ctx, time.Duration(delay)*time.Millisecond) {
				return hadRecord, context.Canceled
			}
		}

		payload, err := codec.Decrypt(packet)
		if err != nil {
			lastOffset = offsetMs
			continue
		}
		frame, err := codec.Parse(payload)
		if err != nil || frame == nil {
			lastOffset = offsetMs
			continue
		}

		nowMs := p.now()
		p.store.ApplyFrame(frame, nowMs, nil, p.bounds())
		lastOffset = offsetMs
	}
}

func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
