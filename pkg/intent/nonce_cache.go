package intent

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultNonceCapacity      = 65536
	DefaultNonceFillThreshold = 0.9
)

type nonceEntry struct {
	nonce  string
	expiry time.Time
}

// NonceCache is a bounded set of nonces already consumed by successful
// verifications. It is safe for concurrent use and meant to be shared by
// every connection of a process.
//
// Entries older than the validity window are pruned first since intents
// carrying them would be rejected as expired anyway. When the fill
// threshold is still reached, the oldest entries are evicted.
type NonceCache struct {
	lk        sync.Mutex
	threshold int
	entries   map[string]*list.Element
	// front is the most recent insertion.
	order *list.List
}

// NewNonceCache creates a cache holding up to capacity*fillThreshold nonces.
func NewNonceCache(capacity int, fillThreshold float64) *NonceCache {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	if fillThreshold <= 0 || fillThreshold > 1 {
		fillThreshold = DefaultNonceFillThreshold
	}
	threshold := int(float64(capacity) * fillThreshold)
	if threshold < 1 {
		threshold = 1
	}

	return &NonceCache{
		threshold: threshold,
		entries:   make(map[string]*list.Element, threshold),
		order:     list.New(),
	}
}

// CheckAndRecord records nonce until expiry and returns true if it was
// never seen, false otherwise. The check and the insertion are atomic.
func (c *NonceCache) CheckAndRecord(nonce string, expiry, now time.Time) bool {
	c.lk.Lock()
	defer c.lk.Unlock()

	if _, seen := c.entries[nonce]; seen {
		return false
	}

	if len(c.entries) >= c.threshold {
		c.pruneExpired(now)
		for len(c.entries) >= c.threshold {
			c.remove(c.order.Back())
		}
	}

	c.entries[nonce] = c.order.PushFront(&nonceEntry{
		nonce:  nonce,
		expiry: expiry,
	})
	return true
}

func (c *NonceCache) Seen(nonce string) bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	_, seen := c.entries[nonce]
	return seen
}

func (c *NonceCache) Len() int {
	c.lk.Lock()
	defer c.lk.Unlock()
	return len(c.entries)
}

// pruneExpired walks from the oldest insertion and stops at the first entry
// still valid. Insertion order is close enough to expiry order for that.
func (c *NonceCache) pruneExpired(now time.Time) {
	for elem := c.order.Back(); elem != nil; elem = c.order.Back() {
		if now.Before(elem.Value.(*nonceEntry).expiry) {
			return
		}
		c.remove(elem)
	}
}

func (c *NonceCache) remove(elem *list.Element) {
	entry := c.order.Remove(elem).(*nonceEntry)
	delete(c.entries, entry.nonce)
}
