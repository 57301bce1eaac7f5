// Package fs provides file-based cross-process locking.
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a lock cannot be acquired without waiting.
	//
	// It is returned by [TryLock] when the lock is held by another process,
	// and by [LockWithTimeout] when the acquisition timeout expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	// errInodeMismatch is an internal sentinel indicating the lock file was
	// replaced between open and flock. Callers should retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// Lock represents a held file lock. Call [Lock.Close] to release it.
//
// Locking uses flock(2), which is advisory and applies to an inode (an open
// file), not a pathname. All cooperating processes must take the lock for it
// to have effect. The lock file itself must not be replaced or unlinked while
// locks may be held.
//
// This implementation is Unix-only.
type Lock struct {
	mu   sync.Mutex
	file *os.File
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent - calling it multiple times is safe and subsequent
// calls return nil.
//
// Note: on Unix, closing a file descriptor typically releases any flock held
// by that descriptor/process. Close attempts an explicit unlock first; if
// that fails but the close succeeds, the lock is usually still released. If
// both unlocking and closing fail, Close returns an error that wraps both
// underlying errors (see [errors.Join]).
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// Acquire acquires an exclusive lock on the file at path, blocking until the
// lock is available.
//
// If the file or its parent directories do not exist, they are created
// lazily. This blocks in the kernel with no timeout; it can block
// indefinitely if another process holds the lock and never releases it. Use
// [LockWithTimeout] or [TryLock] to avoid unbounded blocking.
//
// Races where the lock file is replaced (deleted+recreated) during
// acquisition are handled automatically - the lock is always acquired on the
// inode currently at path.
func Acquire(path string) (*Lock, error) {
	for {
		file, err := openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = acquire(file, path, unix.LOCK_EX)
		if err == nil {
			return &Lock{file: file}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

// LockWithTimeout attempts to acquire an exclusive lock, retrying with
// exponential backoff until the timeout expires.
//
// Unlike [Acquire], this uses non-blocking flock calls internally and polls
// with sleeps (1ms to 25ms backoff). The timeout is best-effort: because this
// polls and sleeps, it may overshoot slightly under scheduler delay.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the
// timeout expires before the lock is acquired.
// Returns [ErrInvalidTimeout] if timeout <= 0.
func LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return lockPolling(path, timeout)
}

// TryLock attempts to acquire an exclusive lock without blocking.
//
// Returns immediately with [ErrWouldBlock] if the lock cannot be acquired.
func TryLock(path string) (*Lock, error) {
	return lockPolling(path, 0)
}

// lockPolling attempts to acquire a lock using non-blocking flock with
// retries.
//
//   - timeout == 0: try once (TryLock behavior)
//   - timeout > 0: retry with backoff until timeout (LockWithTimeout behavior)
func lockPolling(path string, timeout time.Duration) (*Lock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := time.Millisecond

	for {
		file, err := openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = acquire(file, path, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{file: file}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		if timeout == 0 {
			if errors.Is(err, errInodeMismatch) {
				return nil, fmt.Errorf("%w: lock file was replaced while acquiring lock", ErrWouldBlock)
			}

			return nil, ErrWouldBlock
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		sleep := min(backoff, remaining)

		time.Sleep(sleep)

		if backoff < 25*time.Millisecond {
			backoff *= 2
			if backoff > 25*time.Millisecond {
				backoff = 25 * time.Millisecond
			}
		}
	}
}

// acquire attempts to flock the given file and verify the inode still matches
// path. On failure, the file is unlocked (if needed) but NOT closed - the
// caller must close it.
//
// Returns:
//   - nil: lock acquired successfully
//   - ErrWouldBlock: lock held by another process (only with LOCK_NB)
//   - errInodeMismatch: file at path was replaced, caller should retry
//   - other error: something went wrong
func acquire(file *os.File, path string, how int) error {
	fd := int(file.Fd())

	if err := flockRetryEINTR(fd, how); err != nil {
		if isWouldBlock(err) {
			return ErrWouldBlock
		}

		return fmt.Errorf("flock: %w", err)
	}

	match, err := inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath verifies that f (the open file descriptor we're about to
// use as the lock) still refers to the file currently at path.
//
// flock locks by inode, not pathname. A pathname can be replaced while a
// process is acquiring the lock (or while blocked waiting): delete+recreate,
// temp+rename, etc. Without this check, two processes can each flock a
// different inode and both believe they "locked the path".
//
// This compares (dev,inode) of the open fd to the current (dev,inode) at
// path. Callers use it immediately after flock; on mismatch they unlock and
// retry.
func inodeMatchesPath(path string, f *os.File) (bool, error) {
	var openStat unix.Stat_t

	if err := unix.Fstat(int(f.Fd()), &openStat); err != nil {
		return false, fmt.Errorf("fstat lock fd: %w", err)
	}

	var pathStat unix.Stat_t

	if err := unix.Stat(path, &pathStat); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, os.ErrNotExist
		}

		return false, fmt.Errorf("stat lock path: %w", err)
	}

	return openStat.Dev == pathStat.Dev && openStat.Ino == pathStat.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR.
//
// EINTR means the syscall was interrupted by a signal before it could
// complete. When this happens, the syscall didn't fail, it just needs to be
// retried. Retries are capped to avoid spinning forever under pathological
// signal storms; in practice the limit should never be hit.
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for i := 0; i < maxEINTRRetries; i++ {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
