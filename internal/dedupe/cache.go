// ABOUTME: Bounded TTL set of idempotency keys with oldest-first eviction
// ABOUTME: Turn submission claims a key here before it touches the conversation store

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultTTL        = 10 * time.Minute
	DefaultMaxEntries = 10_000
	sweepInterval     = time.Minute
)

// Options configures a Cache.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	// Now is the clock; tests replace it.
	Now func() time.Time
}

type claim struct {
	at   time.Time
	elem *list.Element
}

// Cache is a set of keys that expire after TTL. When full, the oldest
// claim is evicted first.
type Cache struct {
	mu     sync.Mutex
	claims map[string]*claim
	order  *list.List // keys, oldest at front
	ttl    time.Duration
	max    int
	now    func() time.Time

	stop   chan struct{}
	closed bool
}

// New creates a cache and starts its background sweeper.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		claims: make(map[string]*claim),
		order:  list.New(),
		ttl:    opts.TTL,
		max:    opts.MaxEntries,
		now:    opts.Now,
		stop:   make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key holds an unexpired claim.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark claims key. It returns true if key was already claimed and
// has not expired, in which case nothing changes. Otherwise it records a
// fresh claim and returns false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Forget drops the claim on key, so a retry of a request that failed can
// go through.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Len returns the number of claims held, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

func (c *Cache) liveLocked(key string) bool {
	cl, ok := c.claims[key]
	return ok && c.now().Sub(cl.at) < c.ttl
}

func (c *Cache) markLocked(key string) {
	now := c.now()
	if cl, ok := c.claims[key]; ok {
		cl.at = now
		c.order.MoveToBack(cl.elem)
		return
	}
	for len(c.claims) >= c.max {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.removeLocked(front.Value.(string))
	}
	c.claims[key] = &claim{at: now, elem: c.order.PushBack(key)}
}

func (c *Cache) removeLocked(key string) {
	cl, ok := c.claims[key]
	if !ok {
		return
	}
	c.order.Remove(cl.elem)
	delete(c.claims, key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep removes expired claims. Claims are ordered by time, so it stops at
// the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		key := e.Value.(string)
		if now.Sub(c.claims[key].at) < c.ttl {
			return
		}
		next := e.Next()
		c.removeLocked(key)
		e = next
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.stop)
		c.closed = true
	}
}
