// Package cache implements a coalescing upcall cache: a concurrent,
// bounded-lifetime key/value cache whose values are resolved by an
// external, out-of-process upcall, with single-flight acquisition so
// concurrent lookups of the same missing key share one dispatch.
//
// The design is lifted from Lustre's supplementary-groups cache
// (upcall_cache.c): one mutex guards a fixed-size hash table of
// collision chains; each entry carries a small state machine
// (NEW/ACQUIRING/VALID/INVALID/EXPIRED) plus a refcount; and resolution
// happens out of band, via a Downcall that some other goroutine (or
// process, over whatever transport the embedder wires up) delivers
// once the upcall finishes.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"
)

// Options configures a Cache. Name, Ops and AcquireExpire are required;
// everything else has a default matching what a Lustre-style
// supplementary-groups cache would use.
type Options struct {
	// Name identifies this cache in logs and metrics. Required.
	Name string

	// UpcallPath is an opaque, embedder-defined address for the
	// external resolver (a binary path, a socket, a service name). The
	// cache never interprets it; Ops.DoUpcall does.
	UpcallPath string

	// HashSize is the number of collision chains in the hash table.
	// Defaults to 128 if zero. Fixed for the lifetime of the cache.
	HashSize int

	// EntryExpire is the TTL applied to an entry when it settles VALID
	// and ParseDowncall did not set a more specific expiry. Defaults to
	// 5 minutes.
	EntryExpire time.Duration

	// AcquireExpire bounds how long the creator of a new acquisition
	// waits for its own upcall to complete before giving up. Required,
	// must be positive.
	AcquireExpire time.Duration

	// AcquireReplay, when true, lets a creator retry once after its own
	// acquire_expire timeout instead of failing immediately.
	AcquireReplay bool

	// Ops supplies the upcall/downcall hooks. Required.
	Ops Ops

	// Logger receives structured trace/debug/warn/error events. A
	// discarding logger is used if nil.
	Logger hclog.Logger

	// DispatchRateLimit bounds how often new upcalls may be dispatched,
	// across all keys. Zero disables rate limiting.
	DispatchRateLimit rate.Limit
	DispatchBurst     int

	// MetricLabels are attached to every metric this cache emits, in
	// addition to the implicit "cache"=Name label.
	MetricLabels []metrics.Label

	// clock is a test seam; defaults to time.Now.
	clock func() time.Time
}

func (o *Options) validate() error {
	var result *multierror.Error
	if o.Name == "" {
		result = multierror.Append(result, errMissingName)
	}
	if o.Ops == nil {
		result = multierror.Append(result, errMissingOps)
	}
	if o.AcquireExpire <= 0 {
		result = multierror.Append(result, errInvalidAcquireExpire)
	}
	return result.ErrorOrNil()
}

var (
	errMissingName           = &Error{Kind: KindInvalidState, Op: "New", Err: errString("Name is required")}
	errMissingOps            = &Error{Kind: KindInvalidState, Op: "New", Err: errString("Ops is required")}
	errInvalidAcquireExpire  = &Error{Kind: KindInvalidState, Op: "New", Err: errString("AcquireExpire must be positive")}
)

type errString string

func (e errString) Error() string { return string(e) }

// Cache is a coalescing upcall cache. The zero value is not usable;
// construct one with New.
type Cache struct {
	mu sync.Mutex

	name          string
	upcallPath    string
	table         *hashTable
	ops           Ops
	entryExpire   time.Duration
	acquireExpire time.Duration
	acquireReplay bool
	logger        hclog.Logger
	metricLabels  []metrics.Label
	limiter       *rate.Limiter
	clock         func() time.Time

	closed bool
}

// New constructs a Cache from the given Options, validating the
// required fields.
func New(opts Options) (*Cache, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	hashSize := opts.HashSize
	if hashSize <= 0 {
		hashSize = 128
	}
	entryExpire := opts.EntryExpire
	if entryExpire <= 0 {
		entryExpire = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	clock := opts.clock
	if clock == nil {
		clock = time.Now
	}

	labels := make([]metrics.Label, 0, len(opts.MetricLabels)+1)
	labels = append(labels, metrics.Label{Name: "cache", Value: opts.Name})
	labels = append(labels, opts.MetricLabels...)

	return &Cache{
		name:          opts.Name,
		upcallPath:    opts.UpcallPath,
		table:         newHashTable(hashSize),
		ops:           opts.Ops,
		entryExpire:   entryExpire,
		acquireExpire: opts.AcquireExpire,
		acquireReplay: opts.AcquireReplay,
		logger:        logger.Named("upcallcache").With("cache", opts.Name),
		metricLabels:  labels,
		limiter:       newLimiter(opts.DispatchRateLimit, opts.DispatchBurst),
		clock:         clock,
	}, nil
}

// Name returns the cache's configured name.
func (c *Cache) Name() string { return c.name }

// Close flushes every entry unconditionally and marks the cache
// closed; subsequent GetEntry and Downcall calls return ErrClosed.
// Flush, FlushOne and UpdateEntry do not check for a closed cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.Flush(true)
	c.logger.Debug("closed")
	return err
}

func (c *Cache) now() time.Time {
	return c.clock()
}

// wakeLocked closes and clears an entry's wait channel, releasing
// every goroutine parked on it. Must run with c.mu held, and must run
// before any transition out of ACQUIRING is considered complete: every
// settle wakes the waitqueue.
func (c *Cache) wakeLocked(e *Entry) {
	if e.waitCh != nil {
		close(e.waitCh)
		e.waitCh = nil
	}
}

// unrefLocked drops a reference, freeing the entry if it has settled
// bad and this was the last holder.
func (c *Cache) unrefLocked(e *Entry) {
	e.refcount--
	if e.refcount == 0 && e.isSettledBad() {
		c.freeEntryLocked(e)
	}
}

// freeEntryLocked unlinks (if still linked) and invokes Ops.FreeEntry.
// Must only be called when the entry is unreferenced. Errors from
// FreeEntry are only logged here; callers that need to aggregate them
// (Flush) call Ops.FreeEntry themselves.
func (c *Cache) freeEntryLocked(e *Entry) {
	c.table.unlink(e)
	if err := c.ops.FreeEntry(c, e); err != nil {
		c.logger.Warn("free entry failed", "key", e.Key, "error", err)
	}
	c.incr("entry_freed")
}

// checkUnlinkEntryElem sweeps a single entry during chain traversal:
// an entry that is VALID and unexpired, or still ACQUIRING within its
// acquire_expire budget, is left alone. Otherwise it is unlinked (and
// freed immediately if nobody holds a reference). Returns true if the
// entry was unlinked.
func (c *Cache) checkUnlinkEntryElem(chain *list.List, elem *list.Element, e *Entry, now time.Time) bool {
	if e.settled == settledValid && (e.expire.IsZero() || now.Before(e.expire)) {
		return false
	}
	if e.acquiring {
		if e.acquireExpire.IsZero() || now.Before(e.acquireExpire) {
			return false
		}
		e.settled = settledExpired
		c.wakeLocked(e)
		c.incr("sweep_acquire_timeout")
	} else if e.settled != settledInvalid {
		e.settled = settledExpired
		c.incr("sweep_expired")
	}
	chain.Remove(elem)
	e.elem = nil
	if e.refcount == 0 {
		if err := c.ops.FreeEntry(c, e); err != nil {
			c.logger.Warn("free entry failed", "key", e.Key, "error", err)
		}
		c.incr("entry_freed")
	}
	return true
}

// checkUnlinkEntry is the same sweep, but starting from just an entry
// pointer rather than a known chain position (used by the lookup
// coordinator's step 6 re-check in lookup.go). If the entry has
// already been unlinked by a concurrent sweep, it is treated as having
// already fired.
func (c *Cache) checkUnlinkEntry(e *Entry, now time.Time) bool {
	if e.elem == nil {
		return true
	}
	chain := c.table.bucket(e.Key)
	return c.checkUnlinkEntryElem(chain, e.elem, e, now)
}
