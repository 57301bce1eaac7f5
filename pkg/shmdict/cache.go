package shmdict

import (
	"fmt"
	"sort"
	"time"
)

// CacheOptions configure opening or creating a shared cache.
type CacheOptions struct {
	Options

	// DefaultTTL, when non-zero, is applied to every [Cache.Set] that does
	// not get an explicit expiration afterwards. Zero means entries never
	// expire unless [Cache.SetTTL] is called.
	DefaultTTL time.Duration
}

// Cache is a [Dict] whose entries can carry an expiration time.
//
// Each entry is stored in the underlying mapping as a (value, expires-at)
// pair. Expired entries read as absent immediately, but their bytes stay in
// the segment until the next mutating operation observes and prunes them
// (lazy eviction - there is no background sweeper). Segment growth is
// therefore driven by historical peak size, not live key count.
//
// Do not mix Dict and Cache handles on the same segment name: a plain Dict
// sees the cache's entry wrappers, and a Cache misreads plain values as
// never-expiring entries.
type Cache struct {
	dict       *Dict
	defaultTTL time.Duration
	now        func() time.Time
}

// OpenCache attaches to the named segment as a cache, creating it if absent
// (unless [Options.AttachOnly] is set).
func OpenCache(opts CacheOptions) (*Cache, error) {
	if opts.DefaultTTL < 0 {
		return nil, fmt.Errorf("%w: default TTL must be >= 0, got %s", ErrInvalidInput, opts.DefaultTTL)
	}

	d, err := Open(opts.Options)
	if err != nil {
		return nil, err
	}

	return &Cache{
		dict:       d,
		defaultTTL: opts.DefaultTTL,
		now:        time.Now,
	}, nil
}

// Entry wrapper layout: each cache entry is a two-key map holding the value
// and its expiration (unix seconds, or null for "never"). Anything else
// found in the mapping is treated as a bare, never-expiring value.
const (
	entryValueKey   = "v"
	entryExpiresKey = "e"
)

func wrapEntry(v Value, expiresAt time.Time, hasExpiry bool) Value {
	exp := Null()
	if hasExpiry {
		exp = Int(expiresAt.Unix())
	}

	return Map(map[string]Value{
		entryValueKey:   v,
		entryExpiresKey: exp,
	})
}

func unwrapEntry(stored Value) (v Value, expiresAt time.Time, hasExpiry bool) {
	m, ok := stored.Map()
	if !ok || len(m) != 2 {
		return stored, time.Time{}, false
	}

	inner, ok := m[entryValueKey]
	if !ok {
		return stored, time.Time{}, false
	}

	exp, ok := m[entryExpiresKey]
	if !ok {
		return stored, time.Time{}, false
	}

	if sec, isInt := exp.Int(); isInt {
		return inner, time.Unix(sec, 0), true
	}

	if exp.IsNull() {
		return inner, time.Time{}, false
	}

	return stored, time.Time{}, false
}

// expired reports whether an entry is past its expiration at time now.
func expired(now, expiresAt time.Time, hasExpiry bool) bool {
	return hasExpiry && !now.Before(expiresAt)
}

// Name returns the segment name.
func (c *Cache) Name() string { return c.dict.Name() }

// Created reports whether this handle allocated the segment.
func (c *Cache) Created() bool { return c.dict.Created() }

// Set stores value under key. The entry expires after the configured
// [CacheOptions.DefaultTTL], or never if that is zero.
//
// As with every write-path operation, expired entries observed during the
// read-modify-write cycle are pruned from the segment.
func (c *Cache) Set(key string, value Value) error {
	now := c.now()

	return c.dict.Update(func(m map[string]Value) error {
		c.prune(m, now)

		hasExpiry := c.defaultTTL > 0
		m[key] = wrapEntry(value, now.Add(c.defaultTTL), hasExpiry)

		return nil
	})
}

// SetTTL sets the expiration of an existing entry to now + ttl, keeping its
// value. A ttl <= 0 clears the expiration so the entry never expires.
//
// Returns [ErrKeyNotFound] if the key is absent or already expired.
func (c *Cache) SetTTL(key string, ttl time.Duration) error {
	now := c.now()

	return c.dict.Update(func(m map[string]Value) error {
		c.prune(m, now)

		stored, ok := m[key]
		if !ok {
			return fmt.Errorf("%q: %w", key, ErrKeyNotFound)
		}

		v, _, _ := unwrapEntry(stored)
		m[key] = wrapEntry(v, now.Add(ttl), ttl > 0)

		return nil
	})
}

// Get returns the value stored under key.
//
// Returns [ErrKeyNotFound] if the key is absent or expired. An expired
// entry is not removed here - reads never rewrite the segment - but the
// next write-path operation prunes it.
func (c *Cache) Get(key string) (Value, error) {
	now := c.now()

	var out Value

	err := c.dict.view(func(m map[string]Value) error {
		stored, ok := m[key]
		if !ok {
			return fmt.Errorf("%q: %w", key, ErrKeyNotFound)
		}

		v, expiresAt, hasExpiry := unwrapEntry(stored)
		if expired(now, expiresAt, hasExpiry) {
			return fmt.Errorf("%q: %w", key, ErrKeyNotFound)
		}

		out = v

		return nil
	})

	return out, err
}

// GetTTL returns the expiration time of the entry under key. hasExpiry is
// false for entries that never expire.
//
// Returns [ErrKeyNotFound] if the key is absent or expired.
func (c *Cache) GetTTL(key string) (expiresAt time.Time, hasExpiry bool, err error) {
	now := c.now()

	err = c.dict.view(func(m map[string]Value) error {
		stored, ok := m[key]
		if !ok {
			return fmt.Errorf("%q: %w", key, ErrKeyNotFound)
		}

		_, expiresAt, hasExpiry = unwrapEntry(stored)

		if expired(now, expiresAt, hasExpiry) {
			expiresAt, hasExpiry = time.Time{}, false

			return fmt.Errorf("%q: %w", key, ErrKeyNotFound)
		}

		return nil
	})

	return expiresAt, hasExpiry, err
}

// Delete removes key.
//
// Returns [ErrKeyNotFound] if the key is absent or expired (an expired
// entry is logically already gone; it is still pruned from the segment).
func (c *Cache) Delete(key string) error {
	now := c.now()

	return c.dict.Update(func(m map[string]Value) error {
		c.prune(m, now)

		if _, ok := m[key]; !ok {
			return fmt.Errorf("%q: %w", key, ErrKeyNotFound)
		}

		delete(m, key)

		return nil
	})
}

// Pop removes key and returns its value in one lock hold.
//
// Returns [ErrKeyNotFound] if the key is absent or expired.
func (c *Cache) Pop(key string) (Value, error) {
	now := c.now()

	var out Value

	err := c.dict.Update(func(m map[string]Value) error {
		c.prune(m, now)

		stored, ok := m[key]
		if !ok {
			return fmt.Errorf("%q: %w", key, ErrKeyNotFound)
		}

		out, _, _ = unwrapEntry(stored)

		delete(m, key)

		return nil
	})

	return out, err
}

// Contains reports whether key is present and not expired.
func (c *Cache) Contains(key string) (bool, error) {
	now := c.now()

	var found bool

	err := c.dict.view(func(m map[string]Value) error {
		stored, ok := m[key]
		if !ok {
			return nil
		}

		_, expiresAt, hasExpiry := unwrapEntry(stored)
		found = !expired(now, expiresAt, hasExpiry)

		return nil
	})

	return found, err
}

// Keys returns the keys of all live (non-expired) entries in sorted order.
func (c *Cache) Keys() ([]string, error) {
	now := c.now()

	var keys []string

	err := c.dict.view(func(m map[string]Value) error {
		keys = make([]string, 0, len(m))

		for k, stored := range m {
			_, expiresAt, hasExpiry := unwrapEntry(stored)
			if expired(now, expiresAt, hasExpiry) {
				continue
			}

			keys = append(keys, k)
		}

		sort.Strings(keys)

		return nil
	})

	return keys, err
}

// Items returns the values of all live entries, unwrapped.
func (c *Cache) Items() (map[string]Value, error) {
	now := c.now()

	var items map[string]Value

	err := c.dict.view(func(m map[string]Value) error {
		items = make(map[string]Value, len(m))

		for k, stored := range m {
			v, expiresAt, hasExpiry := unwrapEntry(stored)
			if expired(now, expiresAt, hasExpiry) {
				continue
			}

			items[k] = v
		}

		return nil
	})

	return items, err
}

// Len returns the number of live entries.
func (c *Cache) Len() (int, error) {
	now := c.now()

	var n int

	err := c.dict.view(func(m map[string]Value) error {
		for _, stored := range m {
			_, expiresAt, hasExpiry := unwrapEntry(stored)
			if !expired(now, expiresAt, hasExpiry) {
				n++
			}
		}

		return nil
	})

	return n, err
}

// Clear removes all entries, live and expired.
func (c *Cache) Clear() error {
	return c.dict.Clear()
}

// Snapshot writes the current serialized payload to a regular file,
// atomically. Expired-but-unpruned entries are included as stored.
func (c *Cache) Snapshot(path string) error {
	return c.dict.Snapshot(path)
}

// Close releases this process's view of the segment. See [Dict.Close].
func (c *Cache) Close() error {
	return c.dict.Close()
}

// Unlink destroys the segment immediately. See [Dict.Unlink].
func (c *Cache) Unlink() error {
	return c.dict.Unlink()
}

// prune drops every expired entry from m. Called inside write-path
// read-modify-write cycles only; read paths leave expired bytes in place.
func (c *Cache) prune(m map[string]Value, now time.Time) {
	for k, stored := range m {
		_, expiresAt, hasExpiry := unwrapEntry(stored)
		if expired(now, expiresAt, hasExpiry) {
			delete(m, k)
		}
	}
}
