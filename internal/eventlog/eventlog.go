// Package eventlog keeps a bounded in-memory log of recent wire events
// for diagnostics. It is injected into the transport rather than held as
// process-global state.
package eventlog

import (
	"sync"
	"time"
)

// Direction marks whether an event was sent or received.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

// Entry is one recorded wire event.
type Entry struct {
	At        time.Time `json:"at"`
	Direction Direction `json:"direction"`
	Type      string    `json:"type"`
	Note      string    `json:"note,omitempty"`
}

// Log is a fixed-capacity ring of recent entries. The zero value is not
// usable; create one with New.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// New creates a Log that retains the most recent capacity entries.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 64
	}
	return &Log{entries: make([]Entry, capacity)}
}

// Record appends an entry, evicting the oldest when full.
func (l *Log) Record(dir Direction, eventType, note string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = Entry{
		At:        time.Now(),
		Direction: dir,
		Type:      eventType,
		Note:      note,
	}
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// Recent returns entries oldest-first.
func (l *Log) Recent() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]Entry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}

	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}
