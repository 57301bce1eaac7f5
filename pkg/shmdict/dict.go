// Package shmdict provides a dictionary shared between processes on one
// host through a named shared memory segment, plus a cache layered on top
// that adds per-key expiration.
//
// Every mutation rewrites the segment with a full serialization of the
// mapping, and every read re-reads and decodes it, all under a cross-process
// file lock derived from the segment name. The segment is one opaque blob,
// so the whole mapping is the unit of synchronization; this keeps the coarse
// lock correct but means the package suits small, shared state (feature
// flags, session handles, worker coordination), not bulk data.
//
// Usage:
//
//	// Process 1:
//	d, _ := shmdict.Open(shmdict.Options{Name: "foo"})
//	defer d.Close()
//	d.Set("bar", shmdict.String("hello world"))
//
//	// Process 2:
//	d, _ := shmdict.Open(shmdict.Options{Name: "foo"})
//	defer d.Close()
//	v, _ := d.Get("bar")
//
// This package is Unix-only and is not a distributed store: single host,
// no durability across reboots, single-key atomicity only.
package shmdict

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/calvinalkan/shmdict/internal/fs"
	"github.com/calvinalkan/shmdict/internal/shm"
)

// Options configure opening or creating a shared dictionary.
type Options struct {
	// Name identifies the segment on this host. Empty means a fresh
	// anonymous name is generated; read it back via [Dict.Name] so another
	// process can attach.
	//
	// Names are global within the host's shared memory namespace. Collision
	// with unrelated applications using the same name is a caller
	// responsibility.
	Name string

	// Dir overrides the directory holding segment files. Empty means
	// /dev/shm when available, otherwise the system temp directory.
	Dir string

	// AttachOnly disables creation: opening an absent name returns
	// [ErrNotFound] instead of allocating a segment.
	AttachOnly bool

	// InitialSize is the payload capacity in bytes for a newly created
	// segment. Ignored when attaching. Zero means 8192. The segment grows
	// automatically when a payload outgrows it.
	InitialSize int

	// LockTimeout bounds every operation's wait for the cross-process
	// lock. Zero means block indefinitely. On expiry the operation fails
	// with [ErrLockTimeout] and the segment is left unmodified.
	LockTimeout time.Duration
}

// Dict is a dictionary backed by a named shared memory segment.
//
// A Dict is safe for concurrent use by multiple goroutines and, through the
// segment lock, by multiple processes. Every operation acquires the lock, so
// each is a potentially blocking call (bounded by [Options.LockTimeout]).
type Dict struct {
	mu          sync.Mutex
	seg         *shm.Segment
	name        string
	lockPath    string
	lockTimeout time.Duration
	closed      bool
}

// Open attaches to the named segment, creating it if absent (unless
// [Options.AttachOnly] is set).
//
// Possible errors: [ErrNotFound], [ErrNameCollision], [ErrAllocation],
// [ErrLockTimeout], [ErrInvalidInput].
func Open(opts Options) (*Dict, error) {
	if opts.InitialSize < 0 {
		return nil, fmt.Errorf("%w: initial size must be >= 0, got %d", ErrInvalidInput, opts.InitialSize)
	}

	if opts.LockTimeout < 0 {
		return nil, fmt.Errorf("%w: lock timeout must be >= 0, got %s", ErrInvalidInput, opts.LockTimeout)
	}

	name := opts.Name
	if name == "" {
		name = shm.GenerateName()
	}

	d := &Dict{
		name:        name,
		lockPath:    shm.SegmentPath(opts.Dir, name) + ".lock",
		lockTimeout: opts.LockTimeout,
	}

	// The lock is taken before the segment exists so that creation, header
	// initialization and the client count update are one atomic step from
	// other processes' point of view.
	lk, err := d.acquireLock()
	if err != nil {
		return nil, err
	}
	defer func() { _ = lk.Close() }()

	seg, err := shm.Open(shm.Options{
		Name:        name,
		Dir:         opts.Dir,
		Create:      !opts.AttachOnly,
		InitialSize: opts.InitialSize,
	})
	if err != nil {
		return nil, translateSegmentErr(err)
	}

	d.seg = seg

	return d, nil
}

// Name returns the segment name. For an anonymously opened Dict this is the
// generated name another process can use to attach.
func (d *Dict) Name() string { return d.name }

// Created reports whether this handle allocated the segment rather than
// attaching to an existing one.
func (d *Dict) Created() bool { return d.seg.Created() }

// Get returns the value stored under key.
//
// Returns [ErrKeyNotFound] if the key is absent.
func (d *Dict) Get(key string) (Value, error) {
	var out Value

	err := d.view(func(m map[string]Value) error {
		v, ok := m[key]
		if !ok {
			return fmt.Errorf("%q: %w", key, ErrKeyNotFound)
		}

		out = v

		return nil
	})

	return out, err
}

// Set stores value under key, replacing any existing value.
func (d *Dict) Set(key string, value Value) error {
	return d.Update(func(m map[string]Value) error {
		m[key] = value

		return nil
	})
}

// Delete removes key from the mapping.
//
// Returns [ErrKeyNotFound] if the key is absent; the segment is unmodified.
func (d *Dict) Delete(key string) error {
	return d.Update(func(m map[string]Value) error {
		if _, ok := m[key]; !ok {
			return fmt.Errorf("%q: %w", key, ErrKeyNotFound)
		}

		delete(m, key)

		return nil
	})
}

// Pop removes key and returns its value in one lock hold.
//
// Returns [ErrKeyNotFound] if the key is absent.
func (d *Dict) Pop(key string) (Value, error) {
	var out Value

	err := d.Update(func(m map[string]Value) error {
		v, ok := m[key]
		if !ok {
			return fmt.Errorf("%q: %w", key, ErrKeyNotFound)
		}

		out = v

		delete(m, key)

		return nil
	})

	return out, err
}

// Contains reports whether key is present.
func (d *Dict) Contains(key string) (bool, error) {
	var found bool

	err := d.view(func(m map[string]Value) error {
		_, found = m[key]

		return nil
	})

	return found, err
}

// Keys returns all keys in sorted order.
func (d *Dict) Keys() ([]string, error) {
	var keys []string

	err := d.view(func(m map[string]Value) error {
		keys = make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		return nil
	})

	return keys, err
}

// Items returns a copy of the full mapping.
func (d *Dict) Items() (map[string]Value, error) {
	var items map[string]Value

	err := d.view(func(m map[string]Value) error {
		items = m

		return nil
	})

	return items, err
}

// Len returns the number of keys.
func (d *Dict) Len() (int, error) {
	var n int

	err := d.view(func(m map[string]Value) error {
		n = len(m)

		return nil
	})

	return n, err
}

// Clear removes all keys.
func (d *Dict) Clear() error {
	return d.Update(func(m map[string]Value) error {
		clear(m)

		return nil
	})
}

// Update runs fn against the current mapping and writes the result back,
// all in one lock hold. This is the read-modify-write primitive every
// mutating operation is built on: fn receives the freshly decoded mapping
// (so concurrent writers' data is never clobbered), may mutate it in place,
// and the full mapping is re-encoded and rewritten on return.
//
// If fn returns an error, the segment is left unmodified and the error is
// returned unchanged.
func (d *Dict) Update(fn func(m map[string]Value) error) error {
	return d.withLock(func() error {
		m, err := d.load()
		if err != nil {
			return err
		}

		if err := fn(m); err != nil {
			return err
		}

		payload, err := encodeMapping(m)
		if err != nil {
			return err
		}

		if err := d.seg.WritePayload(payload); err != nil {
			return translateSegmentErr(err)
		}

		return nil
	})
}

// view runs fn against a freshly decoded copy of the mapping under the
// lock. Nothing is written back.
func (d *Dict) view(fn func(m map[string]Value) error) error {
	return d.withLock(func() error {
		m, err := d.load()
		if err != nil {
			return err
		}

		return fn(m)
	})
}

// load reads and decodes the current payload. Caller must hold the lock.
func (d *Dict) load() (map[string]Value, error) {
	payload, err := d.seg.ReadPayload()
	if err != nil {
		return nil, translateSegmentErr(err)
	}

	m, err := decodeMapping(payload)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Snapshot writes the current serialized payload to a regular file,
// atomically (temp file + rename). The snapshot is a point-in-time copy
// taken under the lock; it does not track later changes.
func (d *Dict) Snapshot(path string) error {
	return d.withLock(func() error {
		payload, err := d.seg.ReadPayload()
		if err != nil {
			return translateSegmentErr(err)
		}

		if err := atomic.WriteFile(path, bytes.NewReader(payload)); err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}

		return nil
	})
}

// Close releases this process's view of the segment. The last client to
// close destroys the segment so its name becomes free for reuse; processes
// that merely attached leave it in place for the remaining clients.
//
// Close is idempotent.
func (d *Dict) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	lk, err := d.acquireLock()
	if err != nil {
		return err
	}
	defer func() { _ = lk.Close() }()

	clients, err := d.seg.Clients()
	if err != nil {
		return translateSegmentErr(err)
	}

	closeErr := d.seg.Close()
	d.closed = true

	// Last client out removes the lock file too, while still holding it.
	// Acquirers that raced us handle the deletion via their inode check.
	if clients <= 1 {
		removeLockFile(d.lockPath)
	}

	return closeErr
}

// Unlink destroys the segment immediately, regardless of other attached
// clients, and closes this handle. Other processes' handles become stale;
// the name is free for reuse.
func (d *Dict) Unlink() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	lk, err := d.acquireLock()
	if err != nil {
		return err
	}
	defer func() { _ = lk.Close() }()

	unlinkErr := d.seg.Unlink()
	d.closed = true

	removeLockFile(d.lockPath)

	if unlinkErr != nil {
		return translateSegmentErr(unlinkErr)
	}

	return nil
}

// withLock runs fn with the cross-process lock held and the mapping
// guaranteed current (re-attached if another process resized the segment).
func (d *Dict) withLock(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	lk, err := d.acquireLock()
	if err != nil {
		return err
	}
	defer func() { _ = lk.Close() }()

	if err := d.seg.EnsureMapped(); err != nil {
		return translateSegmentErr(err)
	}

	return fn()
}

// acquireLock takes the segment's cross-process lock, honoring the
// configured timeout.
func (d *Dict) acquireLock() (*fs.Lock, error) {
	if d.lockTimeout > 0 {
		lk, err := fs.LockWithTimeout(d.lockPath, d.lockTimeout)
		if err != nil {
			if errors.Is(err, fs.ErrWouldBlock) {
				return nil, fmt.Errorf("%w: not acquired within %s", ErrLockTimeout, d.lockTimeout)
			}

			return nil, fmt.Errorf("acquiring segment lock: %w", err)
		}

		return lk, nil
	}

	lk, err := fs.Acquire(d.lockPath)
	if err != nil {
		return nil, fmt.Errorf("acquiring segment lock: %w", err)
	}

	return lk, nil
}

// translateSegmentErr maps internal segment errors onto the package's
// public taxonomy.
func translateSegmentErr(err error) error {
	switch {
	case errors.Is(err, shm.ErrNotFound):
		return fmt.Errorf("%w", ErrNotFound)
	case errors.Is(err, shm.ErrNameCollision):
		return fmt.Errorf("%w: %v", ErrNameCollision, err)
	case errors.Is(err, shm.ErrAllocation):
		return fmt.Errorf("%w: %v", ErrAllocation, err)
	case errors.Is(err, shm.ErrCorrupt):
		return fmt.Errorf("%w: %v", ErrDecode, err)
	case errors.Is(err, shm.ErrPayloadTooLarge):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case errors.Is(err, shm.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}

// removeLockFile best-effort removes a lock file. Failure is harmless: a
// leftover lock file is recreated and reused on the next open.
func removeLockFile(path string) {
	_ = os.Remove(path)
}
