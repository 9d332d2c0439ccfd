package syncutil

import "sync"

// KeyMutex provides a mutex per key.
// Entries are reference counted and released when no goroutine holds or waits for the key.
type KeyMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (km *KeyMutex[K]) acquire(key K) *keyLock {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.locks == nil {
		km.locks = make(map[K]*keyLock)
	}
	l, ok := km.locks[key]
	if !ok {
		l = new(keyLock)
		km.locks[key] = l
	}
	l.refs++
	return l
}

func (km *KeyMutex[K]) release(key K, l *keyLock) {
	km.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(km.locks, key)
	}
	km.mu.Unlock()
}

// Lock acquires a mutex for the given key.
// Returns a function that releases the mutex.
func (km *KeyMutex[K]) Lock(key K) (unlock func()) {
	l := km.acquire(key)
	l.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.Unlock()
			km.release(key, l)
		})
	}
}

// TryLock acquires a mutex for the given key if it is not already locked.
func (km *KeyMutex[K]) TryLock(key K) (unlock func(), ok bool) {
	l := km.acquire(key)
	if !l.TryLock() {
		km.release(key, l)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.Unlock()
			km.release(key, l)
		})
	}, true
}

// Len returns the number of keys currently held or awaited.
func (km *KeyMutex[K]) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.locks)
}
