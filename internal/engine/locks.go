package engine

import (
	"sort"
	"sync"
)

// lockTable serializes operations per interface name. An operation locks
// every name it touches; two operations sharing any name run one after
// the other, while disjoint operations proceed in parallel.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) get(name string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.locks[name]
	if !ok {
		m = &sync.Mutex{}
		t.locks[name] = m
	}
	return m
}

// Acquire locks all names and returns a release function. Names are
// deduplicated and taken in sorted order so concurrent acquirers cannot
// deadlock on each other.
func (t *lockTable) Acquire(names ...string) (release func()) {
	uniq := make(map[string]bool, len(names))
	for _, n := range names {
		uniq[n] = true
	}
	sorted := make([]string, 0, len(uniq))
	for n := range uniq {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, n := range sorted {
		m := t.get(n)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
