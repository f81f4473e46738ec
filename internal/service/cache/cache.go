package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/wanduow/ampy/internal/service/telemetry"
)

const defaultTTL = 30 * time.Minute

// Policy controls when a stored entry expires.
type Policy struct {
	kind policyKind
	ttl  time.Duration
}

type policyKind int

const (
	policySticky policyKind = iota
	policySlide
	policyFixed
)

// Sticky entries never expire.
var Sticky = Policy{kind: policySticky}

// SlideOnRead entries expire after the cache default TTL, and every
// successful read pushes the expiry out again.
var SlideOnRead = Policy{kind: policySlide}

// FixedTTL returns a policy where the entry expires a fixed duration
// after the store. Reads don't extend it.
func FixedTTL(ttl time.Duration) Policy {
	return Policy{kind: policyFixed, ttl: ttl}
}

type entry[V any] struct {
	value   V
	policy  Policy
	ttl     time.Duration
	expires time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return e.policy.kind != policySticky && now.After(e.expires)
}

// Config is the configuration of a Cache.
type Config struct {
	// Name labels the cache in telemetry.
	Name string
	// DefaultTTL is the lifetime of SlideOnRead entries.
	DefaultTTL time.Duration
	// Clock is a real-time clock, a mock clock can be injected for
	// testing.
	Clock     clock.Clock
	Telemetry *telemetry.Recorder
}

func (c *Config) defaults() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaultTTL
	}
}

// Cache is a thread-safe keyed result cache with a per-entry expiry
// policy. Stored values must be treated as immutable; expired entries
// are evicted lazily on read.
type Cache[V any] struct {
	cfg     Config
	mu      sync.Mutex
	entries map[string]*entry[V]
}

// New returns a new Cache.
func New[V any](cfg Config) *Cache[V] {
	cfg.defaults()
	return &Cache[V]{
		cfg:     cfg,
		entries: map[string]*entry[V]{},
	}
}

// Store saves value under key with the given expiry policy, replacing
// any previous entry.
func (c *Cache[V]) Store(key string, value V, p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry[V]{value: value, policy: p}
	switch p.kind {
	case policySlide:
		e.ttl = c.cfg.DefaultTTL
	case policyFixed:
		e.ttl = p.ttl
	}
	if p.kind != policySticky {
		e.expires = c.cfg.Clock.Now().Add(e.ttl)
	}
	c.entries[key] = e
}

// Fetch returns the value stored under key. An expired entry is
// evicted and reported as a miss.
func (c *Cache[V]) Fetch(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.cfg.Telemetry.CacheFetch(c.cfg.Name, false)
		return zero, false
	}

	now := c.cfg.Clock.Now()
	if e.expired(now) {
		delete(c.entries, key)
		c.cfg.Telemetry.CacheFetch(c.cfg.Name, false)
		return zero, false
	}
	if e.policy.kind == policySlide {
		e.expires = now.Add(e.ttl)
	}

	c.cfg.Telemetry.CacheFetch(c.cfg.Name, true)
	return e.value, true
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
