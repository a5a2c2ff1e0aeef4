// Package physmem maps physical address ranges into the process.
//
// A [Region] is the only handle to a mapping. All access goes through its
// bounds-checked methods, and every method returns [ErrRegionClosed] once the
// region has been closed, so a stale region can never read unmapped memory.
//
// # Mappers
//
// Two mappers are provided:
//
//   - [DevMem]: maps real physical memory through /dev/mem. Requires root
//     and a kernel that permits access to the range (CONFIG_STRICT_DEVMEM).
//
//   - [Heap]: an anonymous mapping that stands in for physical memory. The
//     physical address is recorded but not backed by hardware. Used by tests
//     and the emulated DMA core.
//
// # Usage
//
//	r, err := physmem.DevMem{}.Map(0x1CE00000, 2048000)
//	if err != nil {
//		return err
//	}
//	defer r.Close()
//	v, err := r.Load32(0x8)
package physmem
