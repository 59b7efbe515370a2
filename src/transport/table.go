package transport

import (
	"net"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DefaultTableCapacity is the number of sessions the table is sized for up front.
const DefaultTableCapacity = 100

// Entry is the state the loop keeps for one session.
// It is owned either by the Table or by the poll cycle which checked it out, never both.
type Entry struct {
	Session Session
	// Addr is the last address a datagram for the session arrived from.
	Addr net.Addr

	lastFired time.Time
	hasFired  bool
}

// alreadyFired returns true if deadline was already delivered to the session.
func (e *Entry) alreadyFired(deadline time.Time) bool {
	return e.hasFired && e.lastFired.Equal(deadline)
}

func (e *Entry) markFired(deadline time.Time) {
	e.lastFired = deadline
	e.hasFired = true
}

// Table maps handles to the sessions resident in it.
// It is not safe for concurrent use, only the loop goroutine touches it.
type Table struct {
	entries map[Handle]*Entry
}

func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultTableCapacity
	}
	return &Table{entries: make(map[Handle]*Entry, capacity)}
}

// Insert adds a new session under h.
// It returns false and leaves the table unchanged if h is already present.
func (t *Table) Insert(h Handle, s Session, addr net.Addr) bool {
	if _, exists := t.entries[h]; exists {
		return false
	}
	t.entries[h] = &Entry{Session: s, Addr: addr}
	return true
}

// Checkout removes the entry for h and transfers ownership to the caller.
func (t *Table) Checkout(h Handle) (*Entry, bool) {
	e, exists := t.entries[h]
	if !exists {
		return nil, false
	}
	delete(t.entries, h)
	return e, true
}

// Checkin returns a checked out entry to the table.
func (t *Table) Checkin(h Handle, e *Entry) {
	if _, exists := t.entries[h]; exists {
		panic("transport: checkin of a handle which is already resident")
	}
	t.entries[h] = e
}

func (t *Table) Contains(h Handle) bool {
	_, exists := t.entries[h]
	return exists
}

func (t *Table) Len() int {
	return len(t.entries)
}

// Handles returns the resident handles in ascending order.
func (t *Table) Handles() []Handle {
	hs := maps.Keys(t.entries)
	slices.Sort(hs)
	return hs
}

// NextDeadline returns the earliest timer deadline which has not been fired yet.
func (t *Table) NextDeadline() (time.Time, bool) {
	var earliest time.Time
	var found bool
	for _, e := range t.entries {
		d, ok := e.Session.NextTimerDeadline()
		if !ok || e.alreadyFired(d) {
			continue
		}
		if !found || d.Before(earliest) {
			earliest = d
			found = true
		}
	}
	return earliest, found
}

// Expired returns the handles, in ascending order, of the sessions with a deadline at or before now
// which has not been fired yet.
func (t *Table) Expired(now time.Time) []Handle {
	var hs []Handle
	for h, e := range t.entries {
		d, ok := e.Session.NextTimerDeadline()
		if !ok || e.alreadyFired(d) || d.After(now) {
			continue
		}
		hs = append(hs, h)
	}
	slices.Sort(hs)
	return hs
}
