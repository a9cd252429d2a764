package cache

import (
	"container/list"
	"context"
	"errors"
	"time"
)

// GetEntry is the lookup coordinator. It returns a referenced, settled
// Entry, dispatching an upcall if no usable entry exists yet and
// coalescing concurrent callers for the same key onto a single
// in-flight dispatch.
//
// The caller must call Entry.Release when done with the returned
// entry. ctx bounds the caller's own wait; every waiter here -- not
// just the one that dispatched the upcall -- also watches ctx.Done, so
// a caller's own cancellation always frees it even while some other
// goroutine's upcall is still outstanding.
func (c *Cache) GetEntry(ctx context.Context, key uint64, args interface{}) (*Entry, error) {
	var created *Entry
	retried := false

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			if created != nil {
				if err := c.ops.FreeEntry(c, created); err != nil {
					c.logger.Warn("free entry failed", "key", key, "error", err)
				}
			}
			return nil, ErrClosed
		}

		now := c.now()
		chain := c.table.bucket(key)
		entry := c.searchAndSweepLocked(chain, key, args, now)

		if entry == nil {
			if created == nil {
				c.mu.Unlock()
				e, err := c.allocEntry(key, args)
				if err != nil {
					return nil, err
				}
				created = e
				continue
			}
			c.table.link(created)
			entry = created
		} else if created != nil {
			if err := c.ops.FreeEntry(c, created); err != nil {
				c.logger.Warn("free entry failed", "key", key, "error", err)
			}
			created = nil
		}

		entry.refcount++

		isCreator := false
		if entry.isNew() {
			isCreator = true
			entry.acquiring = true
			entry.waitCh = make(chan struct{})
			c.mu.Unlock()

			c.incr("upcall_dispatch")
			dispatchErr := c.waitForDispatchSlot(ctx)
			var upErr error
			if dispatchErr != nil {
				upErr = dispatchErr
			} else {
				upErr = c.ops.DoUpcall(c, entry)
			}

			c.mu.Lock()
			now = c.now()
			entry.acquireExpire = now.Add(c.acquireExpire)
			if upErr != nil {
				entry.settled = settledInvalid
				entry.acquiring = false
				entry.lastErr = upErr
				c.wakeLocked(entry)
				c.incr("upcall_error")
				if isRemovedUpstream(upErr) {
					c.unrefLocked(entry)
					c.mu.Unlock()
					c.incr(c.kindMetric(KindRemovedUpstream))
					return nil, newError(KindRemovedUpstream, "GetEntry", key, upErr)
				}
				// A dispatch-slot wait that's cut short by the caller's
				// own ctx never reached DoUpcall at all; report it the
				// same way every other caller-cancellation in this
				// function is reported, not as an opaque upcall failure.
				if dispatchErr != nil {
					c.unrefLocked(entry)
					c.mu.Unlock()
					c.incr(c.kindMetric(KindInterrupted))
					return nil, newError(KindInterrupted, "GetEntry", key, dispatchErr)
				}
			}
		}

		if entry.acquiring {
			waitCh := entry.waitCh
			var timeoutCh <-chan time.Time
			if isCreator {
				timer := time.NewTimer(time.Until(entry.acquireExpire))
				defer timer.Stop()
				timeoutCh = timer.C
			}
			c.mu.Unlock()

			var interrupted bool
			select {
			case <-waitCh:
			case <-ctx.Done():
				interrupted = true
			case <-timeoutCh:
			}

			c.mu.Lock()
			if entry.acquiring {
				kind := KindTimedOut
				if interrupted {
					kind = KindInterrupted
				}
				mustStop := retried || (kind == KindTimedOut && !c.acquireReplay)
				c.unrefLocked(entry)
				if !mustStop {
					retried = true
					c.mu.Unlock()
					c.incr("acquire_retry")
					created = nil
					continue
				}
				c.mu.Unlock()
				c.incr(c.kindMetric(kind))
				return nil, newError(kind, "GetEntry", key, nil)
			}
		}

		if entry.settled == settledInvalid {
			cause := entry.lastErr
			c.unrefLocked(entry)
			c.mu.Unlock()
			kind := KindUpcallError
			if isRemovedUpstream(cause) {
				kind = KindRemovedUpstream
			}
			c.incr(c.kindMetric(kind))
			return nil, newError(kind, "GetEntry", key, cause)
		}

		if c.checkUnlinkEntry(entry, now) && entry != created {
			c.unrefLocked(entry)
			c.mu.Unlock()
			created = nil
			continue
		}

		c.mu.Unlock()
		return entry, nil
	}
}

// UpdateEntry sets an entry's expiry and settled state explicitly, under
// the cache lock (StateNone settles it VALID). It does not clear the
// ACQUIRING bit or wake waiters. If the entry is still ACQUIRING, a
// later successful Downcall settles it VALID and keeps the expiry set
// here.
func (c *Cache) UpdateEntry(e *Entry, expire time.Time, extra State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.expire = expire
	e.settled = extra.settled()
}

func (c *Cache) allocEntry(key uint64, args interface{}) (*Entry, error) {
	e := &Entry{cache: c, Key: key, settled: settledNew}
	if err := c.ops.InitEntry(e, args); err != nil {
		c.incr(c.kindMetric(KindOutOfMemory))
		return nil, newError(KindOutOfMemory, "GetEntry", key, err)
	}
	return e, nil
}

// searchAndSweepLocked walks key's chain, opportunistically unlinking
// anything check_unlink_entry would discard, and returns the first
// live match (moved to the front of the chain), or nil.
func (c *Cache) searchAndSweepLocked(chain *list.List, key uint64, args interface{}, now time.Time) *Entry {
	elem := chain.Front()
	for elem != nil {
		next := elem.Next()
		entry := elem.Value.(*Entry)
		if c.checkUnlinkEntryElem(chain, elem, entry, now) {
			elem = next
			continue
		}
		if entry.Key == key && c.ops.UpcallCompare(c, entry, key, args) {
			chain.MoveToFront(elem)
			return entry
		}
		elem = next
	}
	return nil
}

func isRemovedUpstream(err error) bool {
	return err != nil && errors.Is(err, ErrRemovedUpstream)
}
