package authkit

import (
	"context"
	"errors"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const memoryStateCleanupInterval = time.Minute

var errNonPositiveTTL = errors.New("state_store.non_positive_ttl")

// MemoryStateStore is an in-process StateStore for single-instance development runs and tests.
type MemoryStateStore struct {
	mutex  sync.Mutex
	cache  *gocache.Cache
	prefix string
}

// NewMemoryStateStore constructs an empty in-memory store.
func NewMemoryStateStore(prefix string) *MemoryStateStore {
	return &MemoryStateStore{
		cache:  gocache.New(gocache.NoExpiration, memoryStateCleanupInterval),
		prefix: prefix,
	}
}

func (store *MemoryStateStore) key(key string) string {
	if store.prefix == "" {
		return key
	}
	return store.prefix + ":" + key
}

// Set stores the value with a positive TTL.
func (store *MemoryStateStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.cache.Set(store.key(key), value, ttl)
	return nil
}

// SetForever stores the value without expiry.
func (store *MemoryStateStore) SetForever(ctx context.Context, key string, value string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.cache.Set(store.key(key), value, gocache.NoExpiration)
	return nil
}

// Get returns the stored value.
func (store *MemoryStateStore) Get(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.lookupLocked(key)
}

// Take returns the stored value and removes it.
func (store *MemoryStateStore) Take(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, err := store.lookupLocked(key)
	if err != nil {
		return "", err
	}
	store.cache.Delete(store.key(key))
	return value, nil
}

// Delete removes the key; deleting an absent key is not an error.
func (store *MemoryStateStore) Delete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.cache.Delete(store.key(key))
	return nil
}

// Exists reports whether an unexpired value is stored under key.
func (store *MemoryStateStore) Exists(ctx context.Context, key string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	_, found := store.cache.Get(store.key(key))
	return found, nil
}

func (store *MemoryStateStore) lookupLocked(key string) (string, error) {
	raw, found := store.cache.Get(store.key(key))
	if !found {
		return "", ErrStateNotFound
	}
	value, ok := raw.(string)
	if !ok {
		return "", ErrStateNotFound
	}
	return value, nil
}
