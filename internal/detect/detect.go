// Package detect implements the auto-detect control-plane state: a
// bounded process that waits for the first unsolicited datagram while
// the heartbeat broadcasts, recording its source IP. At most one
// session is active at a time.
package detect

import (
	"net"
	"sync"
)

// Status is the terminal or pending outcome of a detect session.
// Values match the wire's snake_case rendering.
type Status string

const (
	Pending   Status = "pending"
	Found     Status = "found"
	Timeout   Status = "timeout"
	Error     Status = "error"
	Cancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s != Pending
}

// Session is one detect attempt.
type Session struct {
	ID        uint64 `json:"id"`
	Status    Status `json:"status"`
	PS5IP     net.IP `json:"ps5Ip,omitempty"`
	TimeoutMs uint64 `json:"timeoutMs"`
}

// Event is a status change notification for the active session.
type Event struct {
	ID     uint64
	Status Status
}

// Store holds all detect sessions ever created plus which one (if
// any) is currently active. Separate from the telemetry store so HTTP
// control-plane traffic never contends with the ingest loop's writer
// lock.
type Store struct {
	mu        sync.RWMutex
	sessions  map[uint64]*Session
	activeID  *uint64
	lastEvent *Event
	nextID    uint64
}

// NewStore returns an empty detect store.
func NewStore() *Store {
	return &Store{sessions: make(map[uint64]*Session)}
}

// Start returns the existing active session unchanged if one exists,
// otherwise allocates a new Pending session and makes it active.
func (d *Store) Start(timeoutMs uint64) Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.activeID != nil {
		return *d.sessions[*d.activeID]
	}

	d.nextID++
	id := d.nextID
	sess := &Session{ID: id, Status: Pending, TimeoutMs: timeoutMs}
	d.sessions[id] = sess
	d.activeID = &id
	return *sess
}

// Cancel marks the active session Cancelled and clears it. Returns
// false if nothing was active.
func (d *Store) Cancel() (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finish(Cancelled, nil)
}

// MarkFound transitions the active session to Found with the given
// source IP, clearing the active id. Returns false if nothing was
// active.
func (d *Store) MarkFound(ip net.IP) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finish(Found, ip)
}

// MarkTimeout transitions the active session to Timeout.
func (d *Store) MarkTimeout() (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finish(Timeout, nil)
}

// MarkError transitions the active session to Error, used when a
// rebind required to start detection fails.
func (d *Store) MarkError() (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finish(Error, nil)
}

func (d *Store) finish(status Status, ip net.IP) (Session, bool) {
	if d.activeID == nil {
		return Session{}, false
	}
	sess := d.sessions[*d.activeID]
	sess.Status = status
	if ip != nil {
		sess.PS5IP = ip
	}
	d.lastEvent = &Event{ID: sess.ID, Status: status}
	d.activeID = nil
	return *sess, true
}

// Get returns a copy of the session with the given id.
func (d *Store) Get(id uint64) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sess, ok := d.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// ActiveID returns the id of the currently active session, if any.
func (d *Store) ActiveID() (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.activeID == nil {
		return 0, false
	}
	return *d.activeID, true
}
