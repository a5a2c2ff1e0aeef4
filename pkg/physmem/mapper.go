package physmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultDevMemPath is the physical memory device on Linux.
const DefaultDevMemPath = "/dev/mem"

// Mapper maps a physical address range.
type Mapper interface {
	Map(phys uint64, size int) (*Region, error)
}

// PageSize returns the platform page size.
func PageSize() int { return unix.Getpagesize() }

func checkRange(phys uint64, size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: %w: %d", ErrMap, ErrInvalidSize, size)
	}
	if phys%uint64(PageSize()) != 0 {
		return fmt.Errorf("%w: %w: %#x", ErrMap, ErrUnaligned, phys)
	}
	return nil
}

// DevMem maps physical memory through a memory device file.
type DevMem struct {
	// Path overrides DefaultDevMemPath.
	Path string
}

// Map maps size bytes at phys read/write and shared. The device is opened
// with O_SYNC so the kernel maps the range uncached.
func (d DevMem) Map(phys uint64, size int) (*Region, error) {
	if err := checkRange(phys, size); err != nil {
		return nil, err
	}
	path := d.Path
	if path == "" {
		path = DefaultDevMemPath
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrMap, path, err)
	}
	// The mapping outlives the descriptor.
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, int64(phys), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %#x+%#x: %w", ErrMap, phys, size, err)
	}
	// Device memory has no business in a core dump.
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)

	return newRegion(phys, data, unix.Munmap), nil
}

// Heap backs regions with anonymous memory instead of hardware.
type Heap struct{}

// Map returns a zeroed anonymous mapping that reports phys as its physical address.
func (Heap) Map(phys uint64, size int) (*Region, error) {
	if err := checkRange(phys, size); err != nil {
		return nil, err
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: anonymous mmap of %d bytes: %w", ErrMap, size, err)
	}
	return newRegion(phys, data, unix.Munmap), nil
}
