package knowledge

import (
	"sort"
	"sync"
)

// keyedMutex hands out one mutex per key. Entries are reference counted
// and dropped when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) acquire(key string) *keyedEntry {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return e
}

func (k *keyedMutex) release(key string, e *keyedEntry) {
	e.mu.Unlock()
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// lockAll locks every distinct key in sorted order, so concurrent callers
// with overlapping key sets cannot deadlock, and returns the unlock func.
func (k *keyedMutex) lockAll(keys []string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		uniq = append(uniq, key)
	}
	sort.Strings(uniq)

	held := make([]*keyedEntry, len(uniq))
	for i, key := range uniq {
		held[i] = k.acquire(key)
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			k.release(uniq[i], held[i])
		}
	}
}
