// Package emu models one channel of the AXI DMA IP core in software.
//
// A Core implements mmio.Registers. Writing CtrlStart to START begins a
// transfer; after the configured latency in START reads the core moves LENGTH bytes
// between the buffer at DEST_ADDR and the device side, then clears START.
// The device side of an S2MM core is a source func that produces bytes, and
// the device side of an MM2S core is a sink func that consumes them.
package emu

import (
	"fmt"
	"sync"

	"github.com/gobeyondidentity/dmastream/pkg/axidma"
	"github.com/gobeyondidentity/dmastream/pkg/mmio"
	"github.com/gobeyondidentity/dmastream/pkg/physmem"
)

// Transfer records one completed transfer.
type Transfer struct {
	Length uint32
	Cycles uint32
	Manual bool
	Data   []byte
}

// Option configures a Core.
type Option func(*Core)

// WithLatency makes the core report busy for n reads of START after a start.
func WithLatency(n int) Option {
	return func(c *Core) { c.latency = n }
}

// WithHistory keeps only the last n transfers. Zero keeps all of them.
func WithHistory(n int) Option {
	return func(c *Core) { c.history = n }
}

// WithStuck makes the core never report done.
func WithStuck() Option {
	return func(c *Core) { c.stuck = true }
}

// WithSource sets the device-side producer of an S2MM core.
func WithSource(fn func(p []byte)) Option {
	return func(c *Core) { c.source = fn }
}

// WithSink sets the device-side consumer of an MM2S core.
func WithSink(fn func(p []byte)) Option {
	return func(c *Core) { c.sink = fn }
}

// Core is an emulated DMA channel.
type Core struct {
	dir axidma.Direction
	mem *physmem.Region

	latency int
	history int
	stuck   bool
	source  func(p []byte)
	sink    func(p []byte)

	mu        sync.Mutex
	regs      [axidma.WindowSize / 4]uint32
	busy      bool
	pending   int
	starts    int
	resets    int
	reads     int
	transfers []Transfer
}

var _ mmio.Registers = (*Core)(nil)

// New returns an idle core that transfers to or from mem.
func New(dir axidma.Direction, mem *physmem.Region, opts ...Option) *Core {
	c := &Core{dir: dir, mem: mem}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read32 implements mmio.Registers.
func (c *Core) Read32(off uint32) (uint32, error) {
	if err := mmio.CheckOffset(off, axidma.WindowSize); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if off == axidma.RegStart {
		c.reads++
		if c.busy && !c.stuck {
			if c.pending > 0 {
				c.pending--
			} else if err := c.complete(); err != nil {
				return 0, err
			}
		}
	}
	return c.regs[off/4], nil
}

// Write32 implements mmio.Registers.
func (c *Core) Write32(off uint32, v uint32) error {
	if err := mmio.CheckOffset(off, axidma.WindowSize); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if off != axidma.RegStart {
		c.regs[off/4] = v
		return nil
	}

	switch {
	case v&(axidma.CtrlResetIP|axidma.CtrlResetFIFO) != 0:
		c.resets++
		c.busy = false
		c.pending = 0
		c.regs[0] = v
	case v&axidma.CtrlStart != 0:
		c.starts++
		c.busy = true
		c.pending = c.latency
		c.regs[0] = v
	default:
		c.busy = false
		c.regs[0] = v
	}
	return nil
}

// complete performs the pending transfer and clears START. Caller holds c.mu.
func (c *Core) complete() error {
	length := c.regs[axidma.RegLength/4]
	addr := uint64(c.regs[axidma.RegDestAddr/4])
	base := c.mem.PhysAddr()
	if addr < base || addr-base+uint64(length) > uint64(c.mem.Len()) {
		return fmt.Errorf("emu: %s transfer [%#x, +%d) outside buffer %s", c.dir, addr, length, c.mem)
	}
	off := int64(addr - base)

	data := make([]byte, length)
	switch c.dir {
	case axidma.DeviceToHost:
		if c.source != nil {
			c.source(data)
		}
		if _, err := c.mem.WriteAt(data, off); err != nil {
			return fmt.Errorf("emu: s2mm write buffer: %w", err)
		}
	case axidma.HostToDevice:
		if _, err := c.mem.ReadAt(data, off); err != nil {
			return fmt.Errorf("emu: mm2s read buffer: %w", err)
		}
		if c.sink != nil {
			c.sink(data)
		}
	}

	c.transfers = append(c.transfers, Transfer{
		Length: length,
		Cycles: c.regs[axidma.RegCycle/4],
		Manual: c.regs[0]&axidma.CtrlManual != 0,
		Data:   data,
	})
	if c.history > 0 && len(c.transfers) > c.history {
		c.transfers = append(c.transfers[:0], c.transfers[len(c.transfers)-c.history:]...)
	}
	c.busy = false
	c.regs[0] &^= axidma.CtrlStart | axidma.CtrlManual
	return nil
}

// Starts returns the number of start commands seen.
func (c *Core) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// Resets returns the number of reset commands seen.
func (c *Core) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// StatusReads returns the number of START reads.
func (c *Core) StatusReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// Transfers returns a copy of the completed transfers.
func (c *Core) Transfers() []Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transfer(nil), c.transfers...)
}
