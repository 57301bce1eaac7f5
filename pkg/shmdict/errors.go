package shmdict

import "errors"

// Sentinel errors returned by shmdict operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, shmdict.ErrKeyNotFound) {
//	    // treat as cache miss
//	}
var (
	// ErrNotFound indicates the named segment does not exist and
	// [Options.AttachOnly] was set.
	//
	// Recovery: open without AttachOnly, or have the owning process create
	// the segment first.
	ErrNotFound = errors.New("shmdict: segment not found")

	// ErrNameCollision indicates the name is already in use by an
	// incompatible allocation (not a shmdict segment, or a different format
	// version).
	//
	// Segment names are global within the host. Collisions with unrelated
	// applications are a caller responsibility; pick a more specific name.
	ErrNameCollision = errors.New("shmdict: name collision")

	// ErrAllocation indicates the OS could not grant the requested or
	// resized memory.
	//
	// The mutation that triggered the resize was not applied; the segment
	// still holds its previous contents.
	ErrAllocation = errors.New("shmdict: allocation failed")

	// ErrLockTimeout indicates the cross-process lock was not acquired
	// within [Options.LockTimeout]. The segment is unmodified.
	//
	// Recovery: retry, or raise the timeout.
	ErrLockTimeout = errors.New("shmdict: lock timeout")

	// ErrDecode indicates the stored bytes do not parse as a valid payload,
	// due to corruption or a codec version mismatch.
	//
	// Recovery: destroy and recreate the segment.
	ErrDecode = errors.New("shmdict: decode failed")

	// ErrKeyNotFound indicates the key is absent from the mapping (or, for
	// a [Cache], expired).
	ErrKeyNotFound = errors.New("shmdict: key not found")

	// ErrClosed indicates the [Dict] or [Cache] has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("shmdict: closed")

	// ErrInvalidInput indicates invalid arguments were provided, such as a
	// negative initial size or an oversized key.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("shmdict: invalid input")
)
