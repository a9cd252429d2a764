package cache

import "container/list"

// hashTable is the fixed-size array of collision chains backing the
// cache. Each chain is a doubly-linked list ordered by recency: a hit
// moves its entry to the front, so repeated lookups of hot keys stay
// cheap and cold entries collect near the tail. The expiry sweep walks
// each chain from the front.
type hashTable struct {
	chains []list.List
}

func newHashTable(size int) *hashTable {
	t := &hashTable{chains: make([]list.List, size)}
	for i := range t.chains {
		t.chains[i].Init()
	}
	return t
}

func (t *hashTable) bucket(key uint64) *list.List {
	return &t.chains[key%uint64(len(t.chains))]
}

// link inserts a newly allocated entry at the front of its chain.
func (t *hashTable) link(e *Entry) {
	chain := t.bucket(e.Key)
	e.elem = chain.PushFront(e)
}

// unlink removes e from its chain, if it is still linked. Safe to
// call on an already-unlinked entry.
func (t *hashTable) unlink(e *Entry) {
	if e.elem == nil {
		return
	}
	t.bucket(e.Key).Remove(e.elem)
	e.elem = nil
}

// forEach visits every entry in every chain. fn may remove elem from
// chain: forEach records elem.Next() before calling fn and resumes
// from there.
func (t *hashTable) forEach(fn func(chain *list.List, elem *list.Element)) {
	for i := range t.chains {
		chain := &t.chains[i]
		elem := chain.Front()
		for elem != nil {
			next := elem.Next()
			fn(chain, elem)
			elem = next
		}
	}
}
