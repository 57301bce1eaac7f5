// Package shm manages named shared memory segments backed by memory-mapped
// files.
//
// A segment is a file under /dev/shm (falling back to the system temp
// directory) that is mapped MAP_SHARED into every attaching process. The
// file name is derived from the segment name, so independent processes
// rendezvous by name alone.
//
// Segments are not internally synchronized. Callers must serialize all reads
// and writes across processes, typically with a file lock on
// [Segment.Path] + ".lock". This implementation is Unix-only.
package shm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Segment header layout (little-endian):
//
//	0x00  magic "SMS1" (4 bytes)
//	0x04  format version (uint16)
//	0x06  reserved (2 bytes)
//	0x08  generation (uint64, bumped on every resize)
//	0x10  payload length (uint32)
//	0x14  client count (uint32)
//	0x18  reserved to 0x20
const (
	segmentMagic   = "SMS1"
	segmentVersion = 1
	headerSize     = 32

	offMagic      = 0x00
	offVersion    = 0x04
	offGeneration = 0x08
	offLength     = 0x10
	offClients    = 0x14
)

// DefaultInitialSize is the payload capacity used when none is specified.
const DefaultInitialSize = 8192

// maxPayload is the largest payload the uint32 length field can describe.
const maxPayload = math.MaxUint32

// Sentinel errors returned by segment operations.
var (
	// ErrNotFound indicates the named segment does not exist and creation
	// was disabled.
	ErrNotFound = errors.New("shm: segment not found")

	// ErrNameCollision indicates the name is in use by a file that is not a
	// compatible segment (wrong magic, wrong version, or too small to hold
	// a header).
	ErrNameCollision = errors.New("shm: name collision")

	// ErrAllocation indicates the OS could not grant the requested or
	// resized memory. The pre-resize mapping, if any, remains valid.
	ErrAllocation = errors.New("shm: allocation failed")

	// ErrStaleHandle indicates the segment was resized by another process
	// and this handle's mapping no longer covers it. Call
	// [Segment.EnsureMapped] (with the segment lock held) to re-attach.
	ErrStaleHandle = errors.New("shm: stale handle")

	// ErrCorrupt indicates the segment header describes a payload that does
	// not fit the file.
	ErrCorrupt = errors.New("shm: corrupt segment")

	// ErrClosed indicates the segment handle has already been closed.
	ErrClosed = errors.New("shm: closed")

	// ErrPayloadTooLarge indicates a payload exceeding the format's uint32
	// length field.
	ErrPayloadTooLarge = errors.New("shm: payload too large")
)

// Options configure opening or creating a segment.
type Options struct {
	// Name identifies the segment on this host. Required; use
	// [GenerateName] for an anonymous segment.
	Name string

	// Dir is the directory holding segment files. Empty means [DefaultDir].
	Dir string

	// Create allocates the segment if it does not exist. When false,
	// opening an absent name returns [ErrNotFound].
	Create bool

	// InitialSize is the payload capacity in bytes for a newly created
	// segment. Ignored when attaching. Zero means [DefaultInitialSize].
	InitialSize int
}

// Segment is a handle to a named shared memory segment.
type Segment struct {
	name    string
	path    string
	file    *os.File
	data    []byte // mmap'd file contents, nil after Close
	gen     uint64 // header generation observed at map time
	created bool
}

// GenerateName returns a fresh segment name that is unique on the host.
func GenerateName() string {
	return uuid.Must(uuid.NewV7()).String()
}

// DefaultDir returns the preferred directory for segment files: /dev/shm
// when available (a tmpfs, so segments live in RAM), otherwise the system
// temp directory.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}

	return os.TempDir()
}

// SegmentPath returns the backing file path for a segment name.
func SegmentPath(dir, name string) string {
	if dir == "" {
		dir = DefaultDir()
	}

	return filepath.Join(dir, "shmdict-"+name)
}

// Open attaches to the named segment, creating it first if it is absent and
// opts.Create is set.
//
// Open mutates the shared client count and must be called while holding the
// segment lock (see package docs).
//
// Possible errors: [ErrNotFound], [ErrNameCollision], [ErrAllocation], and
// wrapped I/O failures.
func Open(opts Options) (*Segment, error) {
	if opts.Name == "" {
		return nil, errors.New("shm: name is required")
	}

	if opts.InitialSize < 0 {
		return nil, fmt.Errorf("shm: initial size must be >= 0, got %d", opts.InitialSize)
	}

	initial := opts.InitialSize
	if initial == 0 {
		initial = DefaultInitialSize
	}

	path := SegmentPath(opts.Dir, opts.Name)

	for {
		seg, err := attach(opts.Name, path, opts.Create)
		if err == nil {
			seg.addClients(1)

			return seg, nil
		}

		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		if !opts.Create {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, opts.Name)
		}

		seg, err = create(opts.Name, path, initial)
		if err == nil {
			seg.addClients(1)

			return seg, nil
		}

		// Lost the creation race: another process created the file between
		// our attach and create attempts. Retry the attach.
		if errors.Is(err, os.ErrExist) {
			continue
		}

		return nil, err
	}
}

// create allocates a new segment file of headerSize+initial bytes and writes
// a fresh header. Returns os.ErrExist if the name is already taken.
func create(name, path string, initial int) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating segment file: %w", err)
	}

	size := headerSize + initial

	if err := unix.Ftruncate(int(file.Fd()), int64(size)); err != nil {
		_ = file.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("%w: ftruncate to %d: %v", ErrAllocation, size, err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)

		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocation, size, err)
	}

	seg := &Segment{
		name:    name,
		path:    path,
		file:    file,
		data:    data,
		gen:     1,
		created: true,
	}
	seg.initHeader()

	return seg, nil
}

// attach maps an existing segment file and validates its header.
func attach(name, path string, create bool) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("opening segment file: %w", os.ErrNotExist)
		}

		return nil, fmt.Errorf("opening segment file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("stat segment file: %w", err)
	}

	size := int(info.Size())
	if size < headerSize {
		_ = file.Close()

		return nil, fmt.Errorf("%w: %q is %d bytes, not a segment", ErrNameCollision, path, size)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocation, size, err)
	}

	seg := &Segment{
		name: name,
		path: path,
		file: file,
		data: data,
	}

	if err := seg.validateHeader(create); err != nil {
		_ = unix.Munmap(data)
		_ = file.Close()

		return nil, err
	}

	seg.gen = binary.LittleEndian.Uint64(data[offGeneration:])

	return seg, nil
}

// initHeader writes a fresh header into the mapping.
func (s *Segment) initHeader() {
	copy(s.data[offMagic:], segmentMagic)
	binary.LittleEndian.PutUint16(s.data[offVersion:], segmentVersion)
	binary.LittleEndian.PutUint64(s.data[offGeneration:], s.gen)
	binary.LittleEndian.PutUint32(s.data[offLength:], 0)
	binary.LittleEndian.PutUint32(s.data[offClients:], 0)
}

// validateHeader checks the mapped header. A fully zeroed header (a creator
// crashed between file creation and initialization) is adopted when create
// is set, otherwise rejected as a collision.
func (s *Segment) validateHeader(create bool) error {
	header := s.data[:headerSize]

	if string(header[offMagic:offMagic+4]) == segmentMagic {
		version := binary.LittleEndian.Uint16(header[offVersion:])
		if version != segmentVersion {
			return fmt.Errorf("%w: segment version %d, want %d", ErrNameCollision, version, segmentVersion)
		}

		return nil
	}

	zero := make([]byte, headerSize)
	if bytes.Equal(header, zero) && create {
		s.gen = 1
		s.initHeader()

		return nil
	}

	return fmt.Errorf("%w: %q is not a shmdict segment", ErrNameCollision, s.path)
}

// Name returns the segment's name, stable for its lifetime.
func (s *Segment) Name() string { return s.name }

// Path returns the backing file path.
func (s *Segment) Path() string { return s.path }

// Created reports whether this handle allocated the segment (vs attached to
// an existing one).
func (s *Segment) Created() bool { return s.created }

// Capacity returns the payload capacity of the current mapping in bytes.
func (s *Segment) Capacity() int {
	if s.data == nil {
		return 0
	}

	return len(s.data) - headerSize
}

// Clients returns the shared client count. Callers must hold the segment
// lock.
func (s *Segment) Clients() (uint32, error) {
	if s.data == nil {
		return 0, ErrClosed
	}

	return binary.LittleEndian.Uint32(s.data[offClients:]), nil
}

// Generation returns the resize generation observed at map time.
func (s *Segment) Generation() uint64 { return s.gen }

// addClients adjusts the shared client count by delta.
func (s *Segment) addClients(delta int32) uint32 {
	n := int64(binary.LittleEndian.Uint32(s.data[offClients:])) + int64(delta)
	if n < 0 {
		n = 0
	}

	binary.LittleEndian.PutUint32(s.data[offClients:], uint32(n))

	return uint32(n)
}

// stale reports whether the mapping no longer matches the segment header,
// which happens after another process resizes the segment.
func (s *Segment) stale() bool {
	return binary.LittleEndian.Uint64(s.data[offGeneration:]) != s.gen
}

// EnsureMapped re-attaches the mapping if the segment was resized by
// another process. Callers must hold the segment lock.
func (s *Segment) EnsureMapped() error {
	if s.data == nil {
		return ErrClosed
	}

	if !s.stale() {
		return nil
	}

	return s.remap()
}

// remap replaces the current mapping with one covering the file's current
// size.
func (s *Segment) remap() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat segment file: %w", err)
	}

	size := int(info.Size())
	if size < headerSize {
		return fmt.Errorf("%w: segment shrank below header", ErrCorrupt)
	}

	data, err := unix.Mmap(int(s.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocation, size, err)
	}

	old := s.data
	s.data = data
	s.gen = binary.LittleEndian.Uint64(data[offGeneration:])

	if err := unix.Munmap(old); err != nil {
		return fmt.Errorf("munmap old mapping: %w", err)
	}

	return nil
}

// ReadPayload returns a copy of the current payload bytes. A freshly created
// segment has a zero-length payload.
//
// Callers must hold the segment lock. If the segment was resized by another
// process since this handle mapped it, ReadPayload fails with
// [ErrStaleHandle] rather than returning bytes from the outdated mapping.
func (s *Segment) ReadPayload() ([]byte, error) {
	if s.data == nil {
		return nil, ErrClosed
	}

	if s.stale() {
		return nil, ErrStaleHandle
	}

	n := int(binary.LittleEndian.Uint32(s.data[offLength:]))
	if headerSize+n > len(s.data) {
		return nil, fmt.Errorf("%w: payload length %d exceeds capacity %d", ErrCorrupt, n, s.Capacity())
	}

	out := make([]byte, n)
	copy(out, s.data[headerSize:headerSize+n])

	return out, nil
}

// WritePayload replaces the payload with data, growing the segment first if
// the current capacity is insufficient. Growth keeps the segment name and
// backing inode stable; other processes detect the resize via the header
// generation and re-attach.
//
// Callers must hold the segment lock. On [ErrAllocation] the previous
// mapping and payload are left intact.
func (s *Segment) WritePayload(data []byte) error {
	if s.data == nil {
		return ErrClosed
	}

	if s.stale() {
		return ErrStaleHandle
	}

	if uint64(len(data)) > maxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}

	need := headerSize + len(data)
	if need > len(s.data) {
		if err := s.grow(need); err != nil {
			return err
		}
	}

	copy(s.data[headerSize:], data)
	binary.LittleEndian.PutUint32(s.data[offLength:], uint32(len(data)))

	return nil
}

// grow resizes the backing file to the next power of two >= need and bumps
// the generation so other handles detect the resize.
func (s *Segment) grow(need int) error {
	size := nextPowerOfTwo(need)

	if err := unix.Ftruncate(int(s.file.Fd()), int64(size)); err != nil {
		return fmt.Errorf("%w: ftruncate to %d: %v", ErrAllocation, size, err)
	}

	data, err := unix.Mmap(int(s.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		// The file grew but the new mapping failed. The old mapping still
		// covers the previous capacity, so the handle stays usable.
		return fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocation, size, err)
	}

	old := s.data
	s.data = data
	s.gen++
	binary.LittleEndian.PutUint64(s.data[offGeneration:], s.gen)

	if err := unix.Munmap(old); err != nil {
		return fmt.Errorf("munmap old mapping: %w", err)
	}

	return nil
}

// Close releases this handle's view of the segment and decrements the
// shared client count. The last client to close removes the backing file so
// the name becomes free for reuse.
//
// Close must be called while holding the segment lock. It is idempotent.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}

	if s.addClients(-1) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing segment file: %w", err)
		}
	}

	return s.release()
}

// Unlink destroys the segment regardless of other clients: the backing file
// is removed and this handle is closed. Handles held by other processes
// keep their mappings but the name becomes free for reuse.
func (s *Segment) Unlink() error {
	if s.data == nil {
		return ErrClosed
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing segment file: %w", err)
	}

	return s.release()
}

// release unmaps and closes the handle without touching the backing file.
func (s *Segment) release() error {
	unmapErr := unix.Munmap(s.data)
	closeErr := s.file.Close()
	s.data = nil
	s.file = nil

	if unmapErr != nil {
		unmapErr = fmt.Errorf("munmap segment: %w", unmapErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing segment fd: %w", closeErr)
	}

	return errors.Join(unmapErr, closeErr)
}

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}

	return 1 << bits.Len(uint(n-1))
}
