package cache

// Downcall delivers an upcall's result back into the cache. The
// embedder's transport (a pipe, a unix socket, an RPC handler) is
// expected to call this once per completed upcall, matching it to an
// entry via DowncallCompare.
//
// upErr, if non-nil, is treated as a failed acquisition regardless of
// the entry's current state -- even a previously VALID entry is
// invalidated by a late error delivery.
func (c *Cache) Downcall(upErr error, key uint64, args interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	chain := c.table.bucket(key)
	var entry *Entry
	for elem := chain.Front(); elem != nil; elem = elem.Next() {
		candidate := elem.Value.(*Entry)
		if candidate.Key == key && c.ops.DowncallCompare(c, candidate, key, args) {
			entry = candidate
			break
		}
	}
	if entry == nil {
		c.mu.Unlock()
		c.incr(c.kindMetric(KindNotFound))
		return newError(KindNotFound, "Downcall", key, nil)
	}
	entry.refcount++

	if upErr != nil {
		return c.downcallFailLocked(entry, key, upErr)
	}

	if !entry.acquiring {
		c.unrefLocked(entry)
		c.mu.Unlock()
		c.incr("downcall_noop")
		return nil
	}

	if entry.isSettledBad() {
		c.unrefLocked(entry)
		c.mu.Unlock()
		c.incr(c.kindMetric(KindInvalidState))
		return newError(KindInvalidState, "Downcall", key, nil)
	}

	c.mu.Unlock()
	parseErr := c.ops.ParseDowncall(c, entry, args)
	c.mu.Lock()

	if parseErr != nil {
		return c.downcallFailLocked(entry, key, parseErr)
	}

	now := c.now()
	if entry.expire.IsZero() {
		entry.expire = now.Add(c.entryExpire)
	}
	entry.settled = settledValid
	entry.acquiring = false
	entry.lastErr = nil
	c.wakeLocked(entry)
	c.unrefLocked(entry)
	c.mu.Unlock()
	c.incr("downcall_success")
	return nil
}

// downcallFailLocked is the common failure tail shared by a
// synchronous err_code and a ParseDowncall error: settle INVALID,
// unlink so no new lookup can find it, wake every waiter, and drop the
// reference taken at the top of Downcall. Must be called with c.mu
// held and returns with it released.
//
// A cause wrapping ErrRemovedUpstream is reported as KindRemovedUpstream
// rather than the generic KindUpcallError, the same distinction GetEntry
// makes when DoUpcall fails synchronously -- a resolver that delivers
// "key is gone" asynchronously via Downcall shouldn't have that signal
// collapse into an ordinary, retryable upcall failure.
func (c *Cache) downcallFailLocked(entry *Entry, key uint64, cause error) error {
	entry.settled = settledInvalid
	entry.acquiring = false
	entry.lastErr = cause
	c.table.unlink(entry)
	c.wakeLocked(entry)
	c.unrefLocked(entry)
	c.mu.Unlock()
	kind := KindUpcallError
	if isRemovedUpstream(cause) {
		kind = KindRemovedUpstream
	}
	c.incr(c.kindMetric(kind))
	return newError(kind, "Downcall", key, cause)
}
