// Package fanout runs the two periodic broadcast tasks that turn the
// telemetry store into a text-message stream: a 20 Hz full-state
// envelope and a 4 Hz rolling 5-second sample window. Both publish
// onto one lossy broadcast channel shared by every subscriber
// connection.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkyui/apextelemetry/internal/session"
	"github.com/nkyui/apextelemetry/internal/store"
)

const (
	schemaVersion     = "1.0"
	stateIntervalMs   = 50
	windowIntervalMs  = 250
	windowDurationMs  = 5000
	windowStrideMs    = 50
	subscriberBufSize = 64
)

// Sequencer hands out the single process-wide monotonic sequence
// number shared by every envelope, including the connection
// handshake.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence value, starting from 1.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// Broadcaster fans a stream of serialized text messages out to any
// number of subscribers. A subscriber that falls behind has its
// oldest buffered message dropped rather than blocking the publisher
// — lossy by contract, matching the store's "no I/O under lock"
// cousin invariant that producers never wait on consumers.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan string
	next   int
	onDrop func(subscriberID int)
}

// NewBroadcaster returns an empty broadcaster. onDrop, if non-nil, is
// called whenever a subscriber's buffer overflows and a message is
// dropped for it (used to feed a lag-drop metric).
func NewBroadcaster(onDrop func(subscriberID int)) *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan string), onDrop: onDrop}
}

// Subscribe registers a new subscriber and returns its id and receive
// channel. Call Unsubscribe when the connection ends.
func (b *Broadcaster) Subscribe() (int, <-chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan string, subscriberBufSize)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish sends msg to every subscriber without blocking. A
// subscriber whose buffer is full has its oldest message evicted to
// make room, so a slow reader skips ahead instead of stalling
// everyone else.
func (b *Broadcaster) Publish(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
			if b.onDrop != nil {
				b.onDrop(id)
			}
		}
	}
}

// handshakeHello is sent once, immediately after a subscriber
// connects, advertising the envelope types it will see.
type handshakeHello struct {
	SchemaVersion string   `json:"schema_version"`
	TimestampMs   uint64   `json:"timestamp_ms"`
	MonotonicMs   uint64   `json:"monotonic_ms"`
	Sequence      uint64   `json:"sequence"`
	Type          string   `json:"type"`
	ServerVersion string   `json:"server_version"`
	Capabilities  []string `json:"capabilities"`
}

// Handshake builds the serialized handshake_hello message for a
// freshly connected subscriber.
func Handshake(seq *Sequencer, nowEpochMs, nowMonoMs func() uint64, serverVersion string) (string, error) {
	hello := handshakeHello{
		SchemaVersion: schemaVersion,
		TimestampMs:   nowEpochMs(),
		MonotonicMs:   nowMonoMs(),
		Sequence:      seq.Next(),
		Type:          "handshake_hello",
		ServerVersion: serverVersion,
		Capabilities:  []string{"state_update", "samples_window"},
	}
	b, err := json.Marshal(hello)
	return string(b), err
}

type stateUpdateMessage struct {
	SchemaVersion     string      `json:"schema_version"`
	TimestampMs       uint64      `json:"timestamp_ms"`
	MonotonicMs       uint64      `json:"monotonic_ms"`
	Sequence          uint64      `json:"sequence"`
	Type              string      `json:"type"`
	State             store.State `json:"state"`
	SourceTimestampMs *uint64     `json:"source_timestamp_ms,omitempty"`
}

// StateUpdateTask publishes the full merged state every 50 ms, skipped
// while the state is empty (nothing has ever been applied).
func StateUpdateTask(ctx context.Context, st *store.TelemetryStore, b *Broadcaster, seq *Sequencer, nowEpochMs, nowMonoMs func() uint64) {
	ticker := time.NewTicker(stateIntervalMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, _, _, sourceTsMs := st.Snapshot()
			if state.IsEmpty() {
				continue
			}
			msg := stateUpdateMessage{
				SchemaVersion:     schemaVersion,
				TimestampMs:       nowEpochMs(),
				MonotonicMs:       nowMonoMs(),
				Sequence:          seq.Next(),
				Type:              "state_update",
				State:             state,
				SourceTimestampMs: sourceTsMs,
			}
			if payload, err := json.Marshal(msg); err == nil {
				b.Publish(string(payload))
			}
		}
	}
}

type samplesWindow struct {
	StartMs  uint64         `json:"start_ms"`
	EndMs    uint64         `json:"end_ms"`
	StrideMs uint64         `json:"stride_ms"`
	Samples  []store.Sample `json:"samples"`
}

type samplesWindowMessage struct {
	SchemaVersion string        `json:"schema_version"`
	TimestampMs   uint64        `json:"timestamp_ms"`
	MonotonicMs   uint64        `json:"monotonic_ms"`
	Sequence      uint64        `json:"sequence"`
	Type          string        `json:"type"`
	Window        samplesWindow `json:"window"`
	Decimated     bool          `json:"decimated"`
}

// SamplesWindowTask publishes a decimated rolling 5-second window of
// recent samples every 250 ms, skipped while not in a race or while
// the ring is empty.
func SamplesWindowTask(ctx context.Context, st *store.TelemetryStore, b *Broadcaster, seq *Sequencer, nowMonoMs func() uint64, nowEpochMs func() uint64) {
	ticker := time.NewTicker(windowIntervalMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if st.SessionState() != session.InRace {
				continue
			}
			samples := st.SamplesSince()
			if len(samples) == 0 {
				continue
			}
			nowMs := nowMonoMs()
			startMs := satSub(nowMs, windowDurationMs)

			decimated := decimate(samples, startMs, nowMs, windowStrideMs)
			if len(decimated) == 0 {
				continue
			}

			msg := samplesWindowMessage{
				SchemaVersion: schemaVersion,
				TimestampMs:   nowEpochMs(),
				MonotonicMs:   nowMs,
				Sequence:      seq.Next(),
				Type:          "samples_window",
				Window: samplesWindow{
					StartMs:  startMs,
					EndMs:    nowMs,
					StrideMs: windowStrideMs,
					Samples:  decimated,
				},
				Decimated: true,
			}
			if payload, err := json.Marshal(msg); err == nil {
				b.Publish(string(payload))
			}
		}
	}
}

// decimate filters samples to [startMs, nowMs] and enforces a minimum
// inter-sample stride, always admitting the first sample in range.
func decimate(samples []store.Sample, startMs, nowMs, strideMs uint64) []store.Sample {
	out := make([]store.Sample, 0, len(samples))
	var lastT uint64
	haveLast := false
	for _, s := range samples {
		if s.TMs < startMs || s.TMs > nowMs {
			continue
		}
		if haveLast && satSub(s.TMs, lastT) < strideMs {
			continue
		}
		lastT = s.TMs
		haveLast = true
		out = append(out, s)
	}
	return out
}

func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
