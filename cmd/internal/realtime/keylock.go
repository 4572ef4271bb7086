package realtime

import "sync"

// KeyedMutex serializes work per key without a global critical section.
// Entries are reference counted and removed once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// NewKeyedMutex constructs an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.Unlock()

			k.mu.Lock()
			m.refs--
			if m.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len reports how many keys currently have holders or waiters.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
