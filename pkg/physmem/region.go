package physmem

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrMap is returned when a physical range cannot be mapped.
	ErrMap = errors.New("physmem: map failed")

	// ErrRegionClosed is returned by any access after Close.
	ErrRegionClosed = errors.New("physmem: region closed")

	// ErrUnaligned is wrapped by ErrMap when the physical base is not page aligned.
	ErrUnaligned = errors.New("physmem: physical address not page aligned")

	// ErrInvalidSize is wrapped by ErrMap when the requested size is not positive.
	ErrInvalidSize = errors.New("physmem: invalid size")

	// ErrOutOfRange is returned for accesses outside the region.
	ErrOutOfRange = errors.New("physmem: access out of range")
)

// Region is a mapped physical address range.
//
// The mapping is released by Close. Accessors hold a read lock for the
// duration of the access, so Close waits for in-flight copies to finish.
type Region struct {
	phys uint64

	mu     sync.RWMutex
	data   []byte
	unmap  func([]byte) error
	closed bool
}

func newRegion(phys uint64, data []byte, unmap func([]byte) error) *Region {
	return &Region{phys: phys, data: data, unmap: unmap}
}

// PhysAddr returns the physical base address of the region.
func (r *Region) PhysAddr() uint64 { return r.phys }

// Len returns the mapped length in bytes. It stays valid after Close.
func (r *Region) Len() int { return len(r.data) }

func (r *Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.phys, r.phys+uint64(len(r.data)))
}

// Close unmaps the region. A second Close returns ErrRegionClosed.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegionClosed
	}
	r.closed = true
	if r.unmap == nil {
		return nil
	}
	if err := r.unmap(r.data); err != nil {
		return fmt.Errorf("physmem: unmap %s: %w", r, err)
	}
	return nil
}

// check validates [off, off+n) against the region. Caller holds r.mu.
func (r *Region) check(off, n int) error {
	if r.closed {
		return ErrRegionClosed
	}
	if off < 0 || n < 0 || off > len(r.data) || n > len(r.data)-off {
		return fmt.Errorf("%w: [%d, %d) in region of %d bytes", ErrOutOfRange, off, off+n, len(r.data))
	}
	return nil
}

// Load32 performs a single ordered 32-bit load at off, which must be 4-byte aligned.
func (r *Region) Load32(off int) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(off, 4); err != nil {
		return 0, err
	}
	if off&3 != 0 {
		return 0, fmt.Errorf("%w: unaligned 32-bit access at %#x", ErrOutOfRange, off)
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.data[off]))), nil
}

// Store32 performs a single ordered 32-bit store at off, which must be 4-byte aligned.
func (r *Region) Store32(off int, v uint32) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(off, 4); err != nil {
		return err
	}
	if off&3 != 0 {
		return fmt.Errorf("%w: unaligned 32-bit access at %#x", ErrOutOfRange, off)
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.data[off])), v)
	return nil
}

// ReadAt implements io.ReaderAt.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, ErrRegionClosed
	}
	if off < 0 || off > int64(len(r.data)) {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfRange, off)
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes past the end fail without copying.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(int(off), len(p)); err != nil {
		return 0, err
	}
	return copy(r.data[off:], p), nil
}

// Zero clears the whole region.
func (r *Region) Zero() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRegionClosed
	}
	clear(r.data)
	return nil
}

// CopyTo writes exactly n bytes starting at off to w.
// Errors from w are returned unwrapped so callers can classify them.
func (r *Region) CopyTo(w io.Writer, off, n int) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(off, n); err != nil {
		return 0, err
	}
	written, err := w.Write(r.data[off : off+n])
	if err == nil && written < n {
		err = io.ErrShortWrite
	}
	return written, err
}

// FillFrom reads exactly n bytes from src into the region at off.
// A short read returns io.ErrUnexpectedEOF (or io.EOF if nothing was read),
// matching io.ReadFull.
func (r *Region) FillFrom(src io.Reader, off, n int) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check(off, n); err != nil {
		return 0, err
	}
	return io.ReadFull(src, r.data[off:off+n])
}
