// Package capture implements the on-disk capture file format shared
// by recording and playback: a sequence of
// [u64 offset_ms LE][u32 len LE][len bytes] records.
package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/nkyui/apextelemetry/internal/apexerr"
)

// RecordMode is the recorder's three-state machine.
type RecordMode int

const (
	Idle RecordMode = iota
	Armed
	Recording
)

func (m RecordMode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Recording:
		return "recording"
	default:
		return "unknown"
	}
}

// RecordStatus is the status snapshot served by the control surface.
type RecordStatus struct {
	Mode   string `json:"mode"`
	Active bool   `json:"active"`
	Armed  bool   `json:"armed"`
	Path   string `json:"path,omitempty"`
	Frames uint64 `json:"frames"`
}

// Recorder appends raw encrypted datagrams to a capture file while
// Recording. Its mutex is never held across a call into the
// telemetry store's lock — Arm/Stop/RecordRawPacket only ever touch
// this state and the filesystem.
type Recorder struct {
	mu      sync.Mutex
	mode    RecordMode
	path    string
	file    *os.File
	writer  *bufio.Writer
	startMs *uint64
	frames  uint64
}

// NewRecorder returns an idle recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Status returns a copy of the current recording status.
func (r *Recorder) Status() RecordStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecordStatus{
		Mode:   r.mode.String(),
		Active: r.mode == Recording,
		Armed:  r.mode == Armed,
		Path:   r.path,
		Frames: r.frames,
	}
}

// Arm transitions Idle -> Armed, recording the target path. Recording
// proper starts on the next applied frame once the session enters a
// race (MaybeStart).
func (r *Recorder) Arm(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = Armed
	r.path = path
}

// Stop flushes and closes the file, returning to Idle. A no-op when
// not currently recording.
func (r *Recorder) Stop() RecordStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode != Recording {
		return r.statusLocked()
	}
	if r.writer != nil {
		_ = r.writer.Flush()
	}
	if r.file != nil {
		_ = r.file.Close()
	}
	r.mode = Idle
	r.writer = nil
	r.file = nil
	r.startMs = nil
	return r.statusLocked()
}

func (r *Recorder) statusLocked() RecordStatus {
	return RecordStatus{
		Mode:   r.mode.String(),
		Active: r.mode == Recording,
		Armed:  r.mode == Armed,
		Path:   r.path,
		Frames: r.frames,
	}
}

// MaybeStart promotes Armed -> Recording by creating the target file.
// Falls back to Idle if the path is unset or the file cannot be
// created.
func (r *Recorder) MaybeStart(nowMs uint64) {
	r.mu.Lock()
	if r.mode != Armed {
		r.mu.Unlock()
		return
	}
	path := r.path
	r.mu.Unlock()

	if path == "" {
		r.mu.Lock()
		r.mode = Idle
		r.mu.Unlock()
		return
	}

	f, err := os.Create(path)
	if err != nil {
		r.mu.Lock()
		r.mode = Idle
		r.writer = nil
		r.startMs = nil
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode != Armed {
		_ = f.Close()
		return
	}
	r.file = f
	r.writer = bufio.NewWriter(f)
	r.startMs = &nowMs
	r.frames = 0
	r.mode = Recording
}

// RecordRawPacket appends one datagram's capture record. Any write
// failure drops the recorder back to Idle per the IoFailed contract.
func (r *Recorder) RecordRawPacket(nowMs uint64, encrypted []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode != Recording {
		return
	}
	if r.startMs == nil {
		r.startMs = &nowMs
	}
	offsetMs := satSub(nowMs, *r.startMs)
	length := uint32(len(encrypted))

	if err := writeRecord(r.writer, offsetMs, length, encrypted); err != nil {
		r.failLocked()
		return
	}
	r.frames++
}

func (r *Recorder) failLocked() {
	r.mode = Idle
	if r.file != nil {
		_ = r.file.Close()
	}
	r.writer = nil
	r.file = nil
	r.startMs = nil
}

func writeRecord(w *bufio.Writer, offsetMs uint64, length uint32, payload []byte) error {
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], offsetMs)
	binary.LittleEndian.PutUint32(hdr[8:12], length)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write record header: %w", apexerr.IoFailed)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write record payload: %w", apexerr.IoFailed)
	}
	return w.Flush()
}

func satSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
