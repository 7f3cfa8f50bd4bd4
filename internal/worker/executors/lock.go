// SPDX-License-Identifier: Apache-2.0

package executors

import (
	"sync"

	"github.com/google/uuid"
)

// keyedMutex serializes work per record id inside one process. Entries are
// dropped once nobody holds or waits on them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[uuid.UUID]*keyedEntry)}
}

func (k *keyedMutex) Lock(id uuid.UUID) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &keyedEntry{}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
