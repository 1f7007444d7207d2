package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/nkyui/apextelemetry/internal/apexerr"
)

const (
	demoDir  = "demo"
	demoFile = "demo.bin"
)

// DemoDefaultPath is where a demo capture lives under a data directory.
func DemoDefaultPath(dataDir string) string {
	return filepath.Join(dataDir, demoDir, demoFile)
}

// ResolveDemoPath returns the demo file to play: dataDir's own copy if
// present, else the sibling "../data" copy, else dataDir's path anyway
// (Start will then fail with a clear not-found error).
func ResolveDemoPath(dataDir string) string {
	primary := DemoDefaultPath(dataDir)
	if info, err := os.Stat(primary); err == nil && !info.IsDir() {
		return primary
	}
	fallback := DemoDefaultPath("../data")
	if info, err := os.Stat(fallback); err == nil && !info.IsDir() {
		return fallback
	}
	return primary
}

// DemoStatus is the status snapshot served by the control surface.
type DemoStatus struct {
	Active bool   `json:"active"`
	Path   string `json:"path,omitempty"`
}

// DemoController starts and stops a looping Player run, the control
// surface's front for C9's playback half. Player itself never knows
// about start/stop; this is the one piece that owns the goroutine and
// its cancellation.
type DemoController struct {
	mu     sync.Mutex
	player *Player
	active *atomic.Bool
	cancel context.CancelFunc
	path   string
}

// NewDemoController wires a controller around an existing Player.
// active, if non-nil, is the shared flag the ingest loop checks to
// drop live datagrams while a demo is playing.
func NewDemoController(player *Player, active *atomic.Bool) *DemoController {
	return &DemoController{player: player, active: active}
}

// Status reports whether a demo is currently playing.
func (d *DemoController) Status() DemoStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DemoStatus{Active: d.cancel != nil, Path: d.path}
}

// Start begins looping path, stopping any demo already in progress
// first. Returns an error if path does not exist.
func (d *DemoController) Start(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("demo capture not found: %w", apexerr.IoFailed)
	}

	d.Stop()

	d.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.path = path
	d.mu.Unlock()

	if d.active != nil {
		d.active.Store(true)
	}

	go func() {
		_ = d.player.Run(ctx, path)
	}()
	return nil
}

// Stop cancels any playback in progress. A no-op if none is running.
func (d *DemoController) Stop() DemoStatus {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.path = ""
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if d.active != nil {
		d.active.Store(false)
	}
	return d.Status()
}
