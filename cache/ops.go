// ops.go: the operation hook set (vtable) the embedder supplies at
// construction time: init/free/compare/upcall/parse.
//
// Hooks run with the cache lock released except where noted, and must
// never call back into the same Cache.
package cache

import "errors"

// ErrRemovedUpstream is the sentinel an Ops.DoUpcall implementation
// should wrap (via fmt.Errorf("...: %w", ErrRemovedUpstream)) or
// return directly when the resolver reports that the key no longer
// exists upstream. The lookup coordinator treats this specially: it
// is surfaced to the caller immediately instead of leaving the entry
// to be discovered as INVALID on a later lookup.
var ErrRemovedUpstream = errors.New("upcallcache: key removed upstream")

// Ops is the capability set an embedder must implement to make a
// Cache useful.
type Ops interface {
	// InitEntry runs once, right after a NEW entry is allocated and
	// before it is linked into the hash table. It may populate the
	// entry's payload with a placeholder. It must not block.
	InitEntry(entry *Entry, args interface{}) error

	// FreeEntry runs once, when an entry is finally freed (refcount
	// reaches zero while settled-bad, or during a flush). It must
	// release any resources held by entry.Payload() and must not
	// block. A non-nil return is aggregated into the returned error
	// when FreeEntry runs as part of Cache.Flush, returned by
	// Cache.FlushOne, and logged everywhere else.
	FreeEntry(cache *Cache, entry *Entry) error

	// UpcallCompare refines a lookup match beyond key equality, which
	// the cache already checks. Most embedders that key uniquely by
	// Key can return true unconditionally.
	UpcallCompare(cache *Cache, entry *Entry, key uint64, args interface{}) bool

	// DowncallCompare refines downcall routing beyond key equality. It
	// may be stricter than UpcallCompare, e.g. to disambiguate
	// overlapping in-flight requests for the same key.
	DowncallCompare(cache *Cache, entry *Entry, key uint64, args interface{}) bool

	// DoUpcall dispatches the external resolver for entry and returns.
	// A nil error means "delivery will arrive later via Cache.Downcall".
	// A non-nil error fails the acquisition synchronously; wrap
	// ErrRemovedUpstream to signal that the key should never be
	// retried.
	DoUpcall(cache *Cache, entry *Entry) error

	// ParseDowncall applies the downcall payload to entry, typically
	// via entry.SetPayload. It may block briefly (it runs with the
	// cache lock released) and returns an error to fail the
	// acquisition.
	ParseDowncall(cache *Cache, entry *Entry, args interface{}) error
}

// BaseOps provides no-op/permissive defaults for the comparison and
// lifecycle hooks so embedders only need to implement DoUpcall and
// ParseDowncall, the two hooks every cache actually requires. Embed it
// by value in a concrete Ops implementation and override what you
// need.
type BaseOps struct{}

func (BaseOps) InitEntry(*Entry, interface{}) error { return nil }

func (BaseOps) FreeEntry(*Cache, *Entry) error { return nil }

func (BaseOps) UpcallCompare(*Cache, *Entry, uint64, interface{}) bool { return true }

func (BaseOps) DowncallCompare(*Cache, *Entry, uint64, interface{}) bool { return true }
