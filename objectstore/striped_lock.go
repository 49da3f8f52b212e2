package objectstore

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// StripedLocks spreads per-key locking over a fixed set of mutexes. The same
// key always maps to the same stripe.
type StripedLocks struct {
	stripes []sync.RWMutex
	count   uint64
}

// NewStripedLocks creates stripeCount stripes (32 when stripeCount <= 0).
func NewStripedLocks(stripeCount int) *StripedLocks {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &StripedLocks{
		stripes: make([]sync.RWMutex, stripeCount),
		count:   uint64(stripeCount),
	}
}

// Lock acquires an exclusive lock for key and returns its release func.
//
//	unlock := locks.Lock(key)
//	defer unlock()
func (sl *StripedLocks) Lock(key string) func() {
	idx := sl.stripe(key)
	sl.stripes[idx].Lock()
	return sl.stripes[idx].Unlock
}

// RLock acquires a shared lock for key and returns its release func.
func (sl *StripedLocks) RLock(key string) func() {
	idx := sl.stripe(key)
	sl.stripes[idx].RLock()
	return sl.stripes[idx].RUnlock
}

func (sl *StripedLocks) stripe(key string) uint64 {
	return xxhash.Sum64String(key) % sl.count
}
