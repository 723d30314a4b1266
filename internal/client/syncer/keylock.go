package syncer

import "sync"

// KeyLock serializes work per place key. Local mutations and the reconcile
// step of a sync round take the same key's lock, so a user edit can never
// interleave with the application of a server verdict for that record.
//
// Locks are never evicted. The key space is bounded by the number of
// regions a user can mark, so the map stays small.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*sync.Mutex)}
}

func (k *KeyLock) Lock(key string) {
	k.get(key).Lock()
}

func (k *KeyLock) Unlock(key string) {
	k.get(key).Unlock()
}

func (k *KeyLock) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
