// Package mmio provides 32-bit register access over a mapped register window.
package mmio

import (
	"errors"
	"fmt"

	"github.com/gobeyondidentity/dmastream/pkg/physmem"
)

// ErrInvalidOffset is returned for register offsets outside the window or not
// 4-byte aligned. With correct register constants it is unreachable.
var ErrInvalidOffset = errors.New("mmio: invalid register offset")

// Registers is a bank of 32-bit registers addressed by byte offset.
type Registers interface {
	Read32(off uint32) (uint32, error)
	Write32(off uint32, v uint32) error
}

// Window is a Registers backed by a mapped region.
// Each call is a single ordered load or store on the mapped word.
type Window struct {
	region *physmem.Region
	size   uint32
}

var _ Registers = (*Window)(nil)

// NewWindow interprets region as an array of 32-bit registers.
func NewWindow(region *physmem.Region) *Window {
	return &Window{region: region, size: uint32(region.Len())}
}

// Size returns the window length in bytes.
func (w *Window) Size() uint32 { return w.size }

// PhysAddr returns the physical base address of the window.
func (w *Window) PhysAddr() uint64 { return w.region.PhysAddr() }

// CheckOffset validates off against a window of size bytes.
func CheckOffset(off, size uint32) error {
	if off&3 != 0 || off >= size || size-off < 4 {
		return fmt.Errorf("%w: %#x (window %#x bytes)", ErrInvalidOffset, off, size)
	}
	return nil
}

// Read32 loads the register at off.
func (w *Window) Read32(off uint32) (uint32, error) {
	if err := CheckOffset(off, w.size); err != nil {
		return 0, err
	}
	return w.region.Load32(int(off))
}

// Write32 stores v to the register at off.
func (w *Window) Write32(off uint32, v uint32) error {
	if err := CheckOffset(off, w.size); err != nil {
		return err
	}
	return w.region.Store32(int(off), v)
}

// Value is one register read by Snapshot.
type Value struct {
	Name   string `json:"name" yaml:"name"`
	Offset uint32 `json:"offset" yaml:"offset"`
	Value  uint32 `json:"value" yaml:"value"`
}

// Named pairs a register name with its offset.
type Named struct {
	Name   string
	Offset uint32
}

// Snapshot reads each named register in order.
func Snapshot(r Registers, regs []Named) ([]Value, error) {
	out := make([]Value, 0, len(regs))
	for _, reg := range regs {
		v, err := r.Read32(reg.Offset)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", reg.Name, err)
		}
		out = append(out, Value{Name: reg.Name, Offset: reg.Offset, Value: v})
	}
	return out, nil
}
