package ledger

import (
	"sort"
	"sync"
)

// Locks is a keyed mutual-exclusion table. Keys are acquired in sorted order
// so two sections locking overlapping sets cannot deadlock.
type Locks struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{m: make(map[string]*lockEntry)}
}

// Acquire blocks until every key is held and returns the release function.
// Release must be called exactly once.
func (l *Locks) Acquire(keys ...string) (release func()) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Strings(uniq)

	held := make([]*lockEntry, 0, len(uniq))
	for _, k := range uniq {
		l.mu.Lock()
		e, ok := l.m[k]
		if !ok {
			e = &lockEntry{}
			l.m[k] = e
		}
		e.refs++
		l.mu.Unlock()

		e.mu.Lock()
		held = append(held, e)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		l.mu.Lock()
		for i, k := range uniq {
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.m, k)
			}
		}
		l.mu.Unlock()
	}
}

// Len is the number of keys currently held or waited on.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
