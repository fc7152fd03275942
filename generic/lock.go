package generic

import (
	"context"
	"sync"
)

// =============================================================================
// LOCKER - Per-owner serialization
// =============================================================================

// Locker serializes mutations on one key (a wallet or a request). Cross-key
// operations never block each other.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned
	// function releases it.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func WalletLockKey(owner OwnerID) string { return "wallet:" + string(owner) }
func RequestLockKey(id string) string    { return "request:" + id }

// KeyedMutex is the in-process Locker. Entries are reference counted and
// dropped once no goroutine holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{} // capacity 1; a token in the channel means held
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len reports how many keys are currently tracked.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
