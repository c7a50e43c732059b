package querycore

import (
	"hash/fnv"
	"sync"
)

// StripedLocks provides fine-grained locking using multiple mutexes
// to reduce contention compared to a single global mutex.
//
// The record loader uses one stripe per database name so refreshes of
// different databases proceed concurrently while refreshes of the same
// database are serialized.
type StripedLocks struct {
	stripes []sync.RWMutex
	count   uint32
}

// NewStripedLocks creates a new striped lock with the specified number of stripes.
func NewStripedLocks(stripeCount int) *StripedLocks {
	if stripeCount <= 0 {
		stripeCount = 32 // Default
	}
	return &StripedLocks{
		stripes: make([]sync.RWMutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// Lock acquires an exclusive lock for the given key.
// Returns an unlock function that MUST be called to release the lock.
func (sl *StripedLocks) Lock(key string) func() {
	idx := sl.getStripeIndex(key)
	sl.stripes[idx].Lock()
	return func() {
		sl.stripes[idx].Unlock()
	}
}

// RLock acquires a shared read lock for the given key.
// Multiple readers can hold the lock simultaneously.
func (sl *StripedLocks) RLock(key string) func() {
	idx := sl.getStripeIndex(key)
	sl.stripes[idx].RLock()
	return func() {
		sl.stripes[idx].RUnlock()
	}
}

// getStripeIndex returns the stripe index for a given key using FNV-1a hash
func (sl *StripedLocks) getStripeIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sl.count
}
