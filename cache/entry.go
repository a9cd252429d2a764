package cache

import (
	"container/list"
	"time"
)

// settledState is the "resting" classification of an entry, tracked
// separately from the ACQUIRING bit so the two can briefly coexist:
// a sweep that times out an in-flight acquisition sets settledExpired
// while acquiring is still true, and every waiter that wakes to that
// composite state treats it as a timed-out acquisition.
type settledState uint8

const (
	settledNew settledState = iota
	settledValid
	settledInvalid
	settledExpired
)

func (s settledState) String() string {
	switch s {
	case settledNew:
		return "NEW"
	case settledValid:
		return "VALID"
	case settledInvalid:
		return "INVALID"
	case settledExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// State is the public spelling of settledState, used by UpdateEntry
// callers that don't otherwise need to see the cache's internal
// bookkeeping.
type State int

const (
	// StateNone tells UpdateEntry to settle the entry as VALID, the
	// common case.
	StateNone State = iota
	StateValid
	StateInvalid
	StateExpired
)

func (s State) settled() settledState {
	switch s {
	case StateInvalid:
		return settledInvalid
	case StateExpired:
		return settledExpired
	default:
		return settledValid
	}
}

// Entry is one cached key/value binding plus its coordination state.
// Entries are only ever mutated with Cache.mu held; Payload is the
// exception, considered stable to readers once they hold a reference
// taken after acquisition settles.
type Entry struct {
	cache *Cache

	Key uint64

	elem *list.Element

	settled   settledState
	acquiring bool
	refcount  int

	acquireExpire time.Time
	expire        time.Time

	waitCh chan struct{}

	payload interface{}
	lastErr error
}

// Payload returns the value InitEntry or ParseDowncall most recently
// set. Safe to call without the cache lock once the caller holds a
// reference to the entry.
func (e *Entry) Payload() interface{} {
	return e.payload
}

// SetPayload replaces the entry's value. Ops hooks call this from
// InitEntry or ParseDowncall, both of which own the entry exclusively
// at the time they run.
func (e *Entry) SetPayload(v interface{}) {
	e.payload = v
}

// LastError returns the most recent upcall or downcall failure
// recorded against this entry, or nil if it has never failed.
func (e *Entry) LastError() error {
	return e.lastErr
}

// Expire returns the entry's current TTL deadline. The zero Time
// means "not yet settled".
func (e *Entry) Expire() time.Time {
	return e.expire
}

// Ref increments the entry's reference count. Pair with Release.
func (e *Entry) Ref() {
	e.cache.mu.Lock()
	e.refcount++
	e.cache.mu.Unlock()
}

// Release drops the reference count taken by Ref or returned by
// GetEntry, freeing the entry if it has settled bad and this was the
// last reference.
func (e *Entry) Release() {
	e.cache.mu.Lock()
	e.cache.unrefLocked(e)
	e.cache.mu.Unlock()
}

func (e *Entry) isNew() bool {
	return e.settled == settledNew && !e.acquiring
}

func (e *Entry) isSettledBad() bool {
	return e.settled == settledInvalid || e.settled == settledExpired
}
