package consumer

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// keyLocks serializes work on the same idempotency key across partitions.
// Distinct keys may share a stripe.
type keyLocks struct {
	stripes []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	return &keyLocks{stripes: make([]sync.Mutex, n)}
}

func (k *keyLocks) lock(key string) func() {
	m := &k.stripes[xxhash.Sum64String(key)%uint64(len(k.stripes))]
	m.Lock()
	return m.Unlock
}
