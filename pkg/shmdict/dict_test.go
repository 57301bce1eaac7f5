package shmdict_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/shmdict/internal/fs"
	"github.com/calvinalkan/shmdict/internal/shm"
	"github.com/calvinalkan/shmdict/pkg/shmdict"
)

func openDict(t *testing.T, opts shmdict.Options) *shmdict.Dict {
	t.Helper()

	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}

	d, err := shmdict.Open(opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = d.Close() })

	return d
}

func TestDict_TwoHandlesShareState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// An anonymous open generates the rendezvous name.
	writer := openDict(t, shmdict.Options{Dir: dir})
	require.True(t, writer.Created())
	require.NotEmpty(t, writer.Name())

	require.NoError(t, writer.Set("greeting", shmdict.String("hello world")))
	require.NoError(t, writer.Set("count", shmdict.Int(3)))

	reader := openDict(t, shmdict.Options{Name: writer.Name(), Dir: dir})
	require.False(t, reader.Created())

	v, err := reader.Get("greeting")
	require.NoError(t, err)

	s, ok := v.Str()
	require.True(t, ok)
	require.Equal(t, "hello world", s)

	items, err := reader.Items()
	require.NoError(t, err)

	want := map[string]shmdict.Value{
		"greeting": shmdict.String("hello world"),
		"count":    shmdict.Int(3),
	}
	if diff := cmp.Diff(want, items, valueComparer); diff != "" {
		t.Errorf("items mismatch (-want +got):\n%s", diff)
	}

	// Writes through one handle are immediately visible through the other.
	require.NoError(t, reader.Set("count", shmdict.Int(4)))

	v, err = writer.Get("count")
	require.NoError(t, err)

	i, ok := v.Int()
	require.True(t, ok)
	require.Equal(t, int64(4), i)
}

func TestDict_BasicOperations(t *testing.T) {
	t.Parallel()

	d := openDict(t, shmdict.Options{})

	_, err := d.Get("missing")
	require.ErrorIs(t, err, shmdict.ErrKeyNotFound)

	err = d.Delete("missing")
	require.ErrorIs(t, err, shmdict.ErrKeyNotFound)

	_, err = d.Pop("missing")
	require.ErrorIs(t, err, shmdict.ErrKeyNotFound)

	require.NoError(t, d.Set("b", shmdict.Int(2)))
	require.NoError(t, d.Set("a", shmdict.Int(1)))
	require.NoError(t, d.Set("c", shmdict.Null()))

	found, err := d.Contains("a")
	require.NoError(t, err)
	require.True(t, found)

	found, err = d.Contains("missing")
	require.NoError(t, err)
	require.False(t, found)

	keys, err := d.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, keys)

	n, err := d.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	v, err := d.Pop("b")
	require.NoError(t, err)
	i, ok := v.Int()
	require.True(t, ok)
	require.Equal(t, int64(2), i)

	require.NoError(t, d.Delete("a"))

	n, err = d.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, d.Clear())

	n, err = d.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDict_SetOverwrites(t *testing.T) {
	t.Parallel()

	d := openDict(t, shmdict.Options{})

	require.NoError(t, d.Set("k", shmdict.Int(1)))
	require.NoError(t, d.Set("k", shmdict.String("two")))

	v, err := d.Get("k")
	require.NoError(t, err)

	s, ok := v.Str()
	require.True(t, ok)
	require.Equal(t, "two", s)

	n, err := d.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDict_AttachOnlyAbsent(t *testing.T) {
	t.Parallel()

	_, err := shmdict.Open(shmdict.Options{
		Name:       "never-created",
		Dir:        t.TempDir(),
		AttachOnly: true,
	})
	require.ErrorIs(t, err, shmdict.ErrNotFound)
}

func TestDict_NameCollision(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// A foreign file squatting on the segment path.
	require.NoError(t, os.WriteFile(shm.SegmentPath(dir, "taken"), []byte("not a segment, definitely not a segment"), 0o600))

	_, err := shmdict.Open(shmdict.Options{Name: "taken", Dir: dir})
	require.ErrorIs(t, err, shmdict.ErrNameCollision)
}

func TestDict_InvalidOptions(t *testing.T) {
	t.Parallel()

	_, err := shmdict.Open(shmdict.Options{InitialSize: -1, Dir: t.TempDir()})
	require.ErrorIs(t, err, shmdict.ErrInvalidInput)

	_, err = shmdict.Open(shmdict.Options{LockTimeout: -time.Second, Dir: t.TempDir()})
	require.ErrorIs(t, err, shmdict.ErrInvalidInput)
}

func TestDict_GrowsTransparently(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	small := openDict(t, shmdict.Options{Name: "grow", Dir: dir, InitialSize: 64})
	other := openDict(t, shmdict.Options{Name: "grow", Dir: dir})

	// Far larger than the initial capacity; forces a resize.
	big := make([]byte, 10*1024)
	for i := range big {
		big[i] = byte('a' + i%26)
	}

	require.NoError(t, small.Set("big", shmdict.String(string(big))))

	// The handle that did not resize re-attaches on its next operation.
	v, err := other.Get("big")
	require.NoError(t, err)

	s, ok := v.Str()
	require.True(t, ok)
	require.Equal(t, string(big), s)

	// The grown segment keeps accepting writes from both handles.
	require.NoError(t, other.Set("after", shmdict.Bool(true)))

	found, err := small.Contains("after")
	require.NoError(t, err)
	require.True(t, found)
}

func TestDict_LockTimeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	d := openDict(t, shmdict.Options{Name: "locked", Dir: dir, LockTimeout: 50 * time.Millisecond})

	// Hold the segment lock from outside so every operation times out.
	lockPath := shm.SegmentPath(dir, "locked") + ".lock"
	lk, err := fs.Acquire(lockPath)
	require.NoError(t, err)
	defer lk.Close()

	start := time.Now()
	err = d.Set("k", shmdict.Int(1))
	require.ErrorIs(t, err, shmdict.ErrLockTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	_, err = d.Get("k")
	require.ErrorIs(t, err, shmdict.ErrLockTimeout)

	// The failed write left the mapping untouched.
	require.NoError(t, lk.Close())

	n, err := d.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDict_ConcurrentWriters(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	d := openDict(t, shmdict.Options{Name: "shared", Dir: dir, InitialSize: 64})

	const (
		workers       = 8
		keysPerWorker = 25
	)

	errs := make(chan error, workers)

	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		w := w

		wg.Add(1)

		go func() {
			defer wg.Done()

			// Each goroutine opens its own handle, as a separate process
			// would.
			h, err := shmdict.Open(shmdict.Options{Name: "shared", Dir: dir})
			if err != nil {
				errs <- err

				return
			}
			defer h.Close()

			for i := 0; i < keysPerWorker; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				if err := h.Set(key, shmdict.Int(int64(i))); err != nil {
					errs <- err

					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	// No write was lost to a concurrent read-modify-write.
	n, err := d.Len()
	require.NoError(t, err)
	require.Equal(t, workers*keysPerWorker, n)
}

func TestDict_UpdateAtomicity(t *testing.T) {
	t.Parallel()

	d := openDict(t, shmdict.Options{})

	require.NoError(t, d.Set("counter", shmdict.Int(0)))

	// A multi-key change lands as one unit.
	err := d.Update(func(m map[string]shmdict.Value) error {
		m["counter"] = shmdict.Int(1)
		m["extra"] = shmdict.Bool(true)

		return nil
	})
	require.NoError(t, err)

	n, err := d.Len()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// A failing Update leaves the mapping untouched.
	boom := errors.New("boom")
	err = d.Update(func(m map[string]shmdict.Value) error {
		m["never"] = shmdict.Int(99)

		return boom
	})
	require.ErrorIs(t, err, boom)

	found, err := d.Contains("never")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDict_Snapshot(t *testing.T) {
	t.Parallel()

	d := openDict(t, shmdict.Options{})

	require.NoError(t, d.Set("k", shmdict.String("v")))

	path := filepath.Join(t.TempDir(), "snap.bin")
	require.NoError(t, d.Snapshot(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	m, err := shmdict.DecodeMapping(raw)
	require.NoError(t, err)

	want := map[string]shmdict.Value{"k": shmdict.String("v")}
	if diff := cmp.Diff(want, m, valueComparer); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestDict_CloseSemantics(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	d1, err := shmdict.Open(shmdict.Options{Name: "seg", Dir: dir})
	require.NoError(t, err)

	d2, err := shmdict.Open(shmdict.Options{Name: "seg", Dir: dir})
	require.NoError(t, err)

	require.NoError(t, d2.Set("k", shmdict.Int(1)))

	segPath := shm.SegmentPath(dir, "seg")

	require.NoError(t, d1.Close())

	// A closed handle rejects further operations; Close stays idempotent.
	_, err = d1.Get("k")
	require.ErrorIs(t, err, shmdict.ErrClosed)
	require.NoError(t, d1.Close())

	// The segment survives while d2 is attached.
	_, err = os.Stat(segPath)
	require.NoError(t, err)

	v, err := d2.Get("k")
	require.NoError(t, err)
	i, ok := v.Int()
	require.True(t, ok)
	require.Equal(t, int64(1), i)

	// Last close removes the segment and frees the name.
	require.NoError(t, d2.Close())

	_, err = os.Stat(segPath)
	require.ErrorIs(t, err, os.ErrNotExist)

	fresh, err := shmdict.Open(shmdict.Options{Name: "seg", Dir: dir})
	require.NoError(t, err)
	defer fresh.Close()

	require.True(t, fresh.Created())

	n, err := fresh.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDict_Unlink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	d1, err := shmdict.Open(shmdict.Options{Name: "seg", Dir: dir})
	require.NoError(t, err)

	d2, err := shmdict.Open(shmdict.Options{Name: "seg", Dir: dir})
	require.NoError(t, err)
	defer d2.Close()

	require.NoError(t, d1.Set("k", shmdict.Int(1)))
	require.NoError(t, d1.Unlink())

	// Unlink destroys the segment even though d2 is still attached.
	_, err = os.Stat(shm.SegmentPath(dir, "seg"))
	require.ErrorIs(t, err, os.ErrNotExist)

	// The name is free for a fresh, empty segment.
	fresh, err := shmdict.Open(shmdict.Options{Name: "seg", Dir: dir})
	require.NoError(t, err)
	defer fresh.Close()

	require.True(t, fresh.Created())

	_, err = fresh.Get("k")
	require.ErrorIs(t, err, shmdict.ErrKeyNotFound)
}
