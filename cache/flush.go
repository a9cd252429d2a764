package cache

import (
	"container/list"

	"github.com/hashicorp/go-multierror"
)

// Flush discards cached entries. With force false, only unreferenced
// entries are freed; referenced entries are marked EXPIRED so the next
// lookup or release discards them. With force true (used by Close),
// every entry is freed regardless of refcount: the caller is expected
// to know no one holds references anymore.
//
// Ops.FreeEntry failures across every chain are aggregated into a
// single returned error rather than abandoning the sweep partway
// through.
func (c *Cache) Flush(force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result *multierror.Error
	c.table.forEach(func(chain *list.List, elem *list.Element) {
		entry := elem.Value.(*Entry)
		if !force && entry.refcount > 0 {
			entry.settled = settledExpired
			c.incr("flush_expired")
			return
		}
		chain.Remove(elem)
		entry.elem = nil
		if err := c.ops.FreeEntry(c, entry); err != nil {
			result = multierror.Append(result, newError(KindUpcallError, "Flush", entry.Key, err))
		}
		c.incr("flush_freed")
	})
	return result.ErrorOrNil()
}

// FlushOne discards a single key: mark the matching entry EXPIRED,
// freeing it immediately if it is currently unreferenced. A future
// lookup for the same key will allocate fresh rather than reuse it.
func (c *Cache) FlushOne(key uint64, args interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	chain := c.table.bucket(key)
	for elem := chain.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*Entry)
		if entry.Key != key || !c.ops.UpcallCompare(c, entry, key, args) {
			continue
		}
		entry.settled = settledExpired
		if entry.refcount == 0 {
			chain.Remove(elem)
			entry.elem = nil
			c.incr("flush_freed")
			if err := c.ops.FreeEntry(c, entry); err != nil {
				return newError(KindUpcallError, "FlushOne", key, err)
			}
			return nil
		}
		c.incr("flush_expired")
		return nil
	}
	c.incr("flush_one_not_found")
	return nil
}
