// Package axidma drives one direction of the AXI DMA IP core through its
// init, start, wait-done and reset cycle.
package axidma

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobeyondidentity/dmastream/pkg/mmio"
)

var (
	// ErrTimeout is returned when the core does not report done within the poll bounds.
	ErrTimeout = errors.New("axidma: timed out waiting for transfer done")

	// ErrInvalidState is returned when a step is called out of order.
	ErrInvalidState = errors.New("axidma: invalid channel state")

	// ErrLength is returned for transfer lengths the buffer cannot hold.
	ErrLength = errors.New("axidma: invalid transfer length")

	// ErrAddress is returned for buffer addresses the core cannot address.
	ErrAddress = errors.New("axidma: buffer address out of range")
)

// Direction selects the channel.
type Direction int

const (
	// DeviceToHost is the S2MM channel: the core writes into the buffer.
	DeviceToHost Direction = iota
	// HostToDevice is the MM2S channel: the core reads from the buffer.
	HostToDevice
)

func (d Direction) String() string {
	switch d {
	case DeviceToHost:
		return "s2mm"
	case HostToDevice:
		return "mm2s"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Mode is the MM2S operating mode.
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
)

func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "auto"
}

// ResetType selects what Reset clears.
type ResetType int

const (
	// ResetIP resets the IP core only.
	ResetIP ResetType = iota
	// ResetFIFOIP resets the IP core and its FIFO.
	ResetFIFOIP
)

func (r ResetType) bits() uint32 {
	if r == ResetFIFOIP {
		return CtrlResetIP | CtrlResetFIFO
	}
	return CtrlResetIP
}

// State is the channel state.
type State int

const (
	Idle State = iota
	Configured
	Running
	Done
)

var stateNames = [...]string{
	Idle:       "idle",
	Configured: "configured",
	Running:    "running",
	Done:       "done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// PollConfig bounds WaitDone. At least one of MaxAttempts or Timeout must be set.
type PollConfig struct {
	// MaxAttempts is the maximum number of START reads. Zero means no attempt limit.
	MaxAttempts int `yaml:"max_attempts"`

	// Interval is the pause between reads. Zero yields the processor instead of sleeping.
	Interval time.Duration `yaml:"interval"`

	// Timeout is the wall-clock limit. Zero means no time limit.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultPollConfig returns bounds generous enough for a 2 MB transfer.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		MaxAttempts: 10_000_000,
		Timeout:     2 * time.Second,
	}
}

// Validate rejects configurations that could poll forever.
func (p PollConfig) Validate() error {
	if p.MaxAttempts < 0 || p.Interval < 0 || p.Timeout < 0 {
		return fmt.Errorf("poll bounds must not be negative")
	}
	if p.MaxAttempts == 0 && p.Timeout == 0 {
		return fmt.Errorf("poll needs max_attempts or timeout")
	}
	return nil
}

// Config describes one channel.
type Config struct {
	Direction Direction

	// Registers is the channel's register window.
	Registers mmio.Registers

	// BufferPhys is the physical address of the channel's data buffer.
	BufferPhys uint64

	// BufferCap is the size of the data buffer in bytes.
	BufferCap int

	Poll PollConfig

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Stats counts completed and failed cycles.
type Stats struct {
	Cycles   uint64 `json:"cycles" yaml:"cycles"`
	Timeouts uint64 `json:"timeouts" yaml:"timeouts"`
}

// Channel drives one direction of the DMA core.
//
// The single steps (Init, Start, WaitDone, Reset) must be called in order by
// a caller that owns the channel, either through Lock/Unlock or by using
// Cycle, which holds the lock for a whole cycle.
type Channel struct {
	dir     Direction
	regs    mmio.Registers
	bufPhys uint64
	bufCap  int
	poll    PollConfig
	logger  *slog.Logger

	// owner is held for a whole init..reset cycle.
	owner sync.Mutex

	mu     sync.Mutex
	state  State
	length uint32

	cycles   atomic.Uint64
	timeouts atomic.Uint64
}

// NewChannel validates cfg and returns an idle channel.
func NewChannel(cfg Config) (*Channel, error) {
	if cfg.Registers == nil {
		return nil, fmt.Errorf("axidma: %s: registers are required", cfg.Direction)
	}
	if cfg.BufferCap < MinLength {
		return nil, fmt.Errorf("axidma: %s: buffer of %d bytes is too small", cfg.Direction, cfg.BufferCap)
	}
	if cfg.BufferPhys > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %#x", ErrAddress, cfg.BufferPhys)
	}
	if err := cfg.Poll.Validate(); err != nil {
		return nil, fmt.Errorf("axidma: %s: %w", cfg.Direction, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		dir:     cfg.Direction,
		regs:    cfg.Registers,
		bufPhys: cfg.BufferPhys,
		bufCap:  cfg.BufferCap,
		poll:    cfg.Poll,
		logger:  logger.With("channel", cfg.Direction.String()),
	}, nil
}

// Direction returns the channel direction.
func (c *Channel) Direction() Direction { return c.dir }

// BufferPhys returns the physical address of the channel's buffer.
func (c *Channel) BufferPhys() uint64 { return c.bufPhys }

// Registers returns the channel's register bank.
func (c *Channel) Registers() mmio.Registers { return c.regs }

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns the cycle counters.
func (c *Channel) Stats() Stats {
	return Stats{Cycles: c.cycles.Load(), Timeouts: c.timeouts.Load()}
}

// Lock takes exclusive ownership of the channel.
func (c *Channel) Lock() { c.owner.Lock() }

// Unlock releases ownership taken by Lock.
func (c *Channel) Unlock() { c.owner.Unlock() }

func (c *Channel) transition(from []State, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range from {
		if c.state == s {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %s, want %v", ErrInvalidState, c.dir, c.state, from)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Init programs the buffer address, transfer length and repeat count.
func (c *Channel) Init(length, cycles uint32, bufPhys uint64) error {
	if length < MinLength || int64(length) > int64(c.bufCap) {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrLength, length, MinLength, c.bufCap)
	}
	if bufPhys > math.MaxUint32 {
		return fmt.Errorf("%w: %#x", ErrAddress, bufPhys)
	}

	c.mu.Lock()
	if c.state == Running {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s init while running", ErrInvalidState, c.dir)
	}
	c.mu.Unlock()

	if err := c.regs.Write32(RegDestAddr, uint32(bufPhys)); err != nil {
		return fmt.Errorf("axidma: %s write DEST_ADDR: %w", c.dir, err)
	}
	if err := c.regs.Write32(RegLength, length); err != nil {
		return fmt.Errorf("axidma: %s write LENGTH: %w", c.dir, err)
	}
	if err := c.regs.Write32(RegCycle, cycles); err != nil {
		return fmt.Errorf("axidma: %s write CYCLE: %w", c.dir, err)
	}

	c.mu.Lock()
	c.state = Configured
	c.length = length
	c.mu.Unlock()
	return nil
}

// Start kicks off the configured transfer. The mode bit is only meaningful
// on the host-to-device channel and is ignored for device-to-host.
func (c *Channel) Start(mode Mode) error {
	if err := c.transition([]State{Configured}, Running); err != nil {
		return err
	}
	v := uint32(CtrlStart)
	if c.dir == HostToDevice && mode == ModeManual {
		v |= CtrlManual
	}
	if err := c.regs.Write32(RegStart, v); err != nil {
		c.setState(Configured)
		return fmt.Errorf("axidma: %s write START: %w", c.dir, err)
	}
	return nil
}

// pollCtxEvery is how many reads pass between context checks.
const pollCtxEvery = 1024

// WaitDone polls START until the core reports done, the poll bounds are
// exhausted, or ctx is cancelled.
func (c *Channel) WaitDone(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Running {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s wait while %s", ErrInvalidState, c.dir, state)
	}
	c.mu.Unlock()

	var deadline time.Time
	if c.poll.Timeout > 0 {
		deadline = time.Now().Add(c.poll.Timeout)
	}

	for attempt := 1; ; attempt++ {
		v, err := c.regs.Read32(RegStart)
		if err != nil {
			return fmt.Errorf("axidma: %s read START: %w", c.dir, err)
		}
		if v&CtrlStart == DoneValue {
			c.setState(Done)
			return nil
		}

		if c.poll.MaxAttempts > 0 && attempt >= c.poll.MaxAttempts {
			c.timeouts.Add(1)
			return fmt.Errorf("%w: %s after %d polls", ErrTimeout, c.dir, attempt)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			c.timeouts.Add(1)
			return fmt.Errorf("%w: %s after %s", ErrTimeout, c.dir, c.poll.Timeout)
		}
		if attempt%pollCtxEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if c.poll.Interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.poll.Interval):
			}
		} else {
			runtime.Gosched()
		}
	}
}

// Reset pulses the reset bits and leaves START idle.
func (c *Channel) Reset(rt ResetType) error {
	if err := c.regs.Write32(RegStart, rt.bits()); err != nil {
		return fmt.Errorf("axidma: %s write reset: %w", c.dir, err)
	}
	if err := c.regs.Write32(RegStart, 0); err != nil {
		return fmt.Errorf("axidma: %s release reset: %w", c.dir, err)
	}
	c.setState(Idle)
	return nil
}

// CycleSpec parameterizes one Cycle.
type CycleSpec struct {
	Length uint32
	Cycles uint32
	Mode   Mode
	Reset  ResetType
}

// Cycle runs init, start, wait-done and reset as one unit while holding the
// channel. When the wait fails the channel is still reset before returning.
func (c *Channel) Cycle(ctx context.Context, spec CycleSpec) error {
	c.Lock()
	defer c.Unlock()

	if err := c.Init(spec.Length, spec.Cycles, c.bufPhys); err != nil {
		return err
	}
	if err := c.Start(spec.Mode); err != nil {
		return err
	}
	if err := c.WaitDone(ctx); err != nil {
		if rerr := c.Reset(spec.Reset); rerr != nil {
			c.logger.Warn("reset after failed transfer", "error", rerr)
		}
		return err
	}
	if err := c.Reset(spec.Reset); err != nil {
		return err
	}
	c.cycles.Add(1)
	return nil
}
