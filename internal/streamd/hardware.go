package streamd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gobeyondidentity/dmastream/pkg/axidma"
	"github.com/gobeyondidentity/dmastream/pkg/axidma/emu"
	"github.com/gobeyondidentity/dmastream/pkg/bridge"
	"github.com/gobeyondidentity/dmastream/pkg/mmio"
	"github.com/gobeyondidentity/dmastream/pkg/physmem"
)

// emulatedHistory bounds the transfer log of the software cores.
const emulatedHistory = 16

// Hardware owns the mapped regions and channels of both directions.
type Hardware struct {
	DeviceToHost bridge.Endpoint
	HostToDevice bridge.Endpoint

	// Registers of each direction, for diagnostics.
	DeviceToHostRegs mmio.Registers
	HostToDeviceRegs mmio.Registers

	regions []*physmem.Region
	logger  *slog.Logger
}

// Open maps both register windows and both data buffers, zeroes the buffers
// and configures a channel per direction. With cfg.Emulate the buffers live
// in anonymous memory and the registers belong to software cores.
func Open(cfg *Config, logger *slog.Logger) (*Hardware, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hw := &Hardware{logger: logger}

	var mapper physmem.Mapper = physmem.DevMem{Path: cfg.DevMem}
	if cfg.Emulate {
		mapper = physmem.Heap{}
		logger.Warn("using emulated DMA cores, no hardware is touched")
	}

	var err error
	hw.DeviceToHost, hw.DeviceToHostRegs, err = hw.openChannel(mapper, cfg, axidma.DeviceToHost, cfg.DeviceToHost)
	if err != nil {
		hw.Close()
		return nil, err
	}
	hw.HostToDevice, hw.HostToDeviceRegs, err = hw.openChannel(mapper, cfg, axidma.HostToDevice, cfg.HostToDevice)
	if err != nil {
		hw.Close()
		return nil, err
	}
	return hw, nil
}

func (hw *Hardware) openChannel(mapper physmem.Mapper, cfg *Config, dir axidma.Direction, cc ChannelConfig) (bridge.Endpoint, mmio.Registers, error) {
	buf, err := mapper.Map(cc.BufBase, cc.BufSize)
	if err != nil {
		return bridge.Endpoint{}, nil, fmt.Errorf("%s buffer: %w", dir, err)
	}
	hw.regions = append(hw.regions, buf)
	if err := buf.Zero(); err != nil {
		return bridge.Endpoint{}, nil, fmt.Errorf("%s buffer: %w", dir, err)
	}

	var regs mmio.Registers
	if cfg.Emulate {
		regs = emu.New(dir, buf, emu.WithHistory(emulatedHistory), emulatedDevice(dir))
	} else {
		win, err := mapper.Map(cc.RegBase, axidma.WindowSize)
		if err != nil {
			return bridge.Endpoint{}, nil, fmt.Errorf("%s registers: %w", dir, err)
		}
		hw.regions = append(hw.regions, win)
		regs = mmio.NewWindow(win)
	}

	ch, err := axidma.NewChannel(axidma.Config{
		Direction:  dir,
		Registers:  regs,
		BufferPhys: cc.BufBase,
		BufferCap:  cc.BufSize,
		Poll:       cfg.Poll,
		Logger:     hw.logger,
	})
	if err != nil {
		return bridge.Endpoint{}, nil, err
	}

	hw.logger.Info("channel ready",
		"channel", dir.String(),
		"regs", fmt.Sprintf("%#x", cc.RegBase),
		"buffer", buf.String())
	return bridge.Endpoint{Channel: ch, Buffer: buf}, regs, nil
}

// emulatedDevice gives an S2MM core a counting byte source and lets an MM2S
// core discard what it receives.
func emulatedDevice(dir axidma.Direction) emu.Option {
	if dir == axidma.HostToDevice {
		return emu.WithSink(func([]byte) {})
	}
	var next byte
	return emu.WithSource(func(p []byte) {
		for i := range p {
			p[i] = next
			next++
		}
	})
}

// Session builds the bridge session over both endpoints.
func (hw *Hardware) Session(cfg *Config) (*bridge.Session, error) {
	return bridge.NewSession(hw.DeviceToHost, hw.HostToDevice,
		bridge.WithChunkSizes(cfg.DeviceToHost.Chunk, cfg.HostToDevice.Chunk),
		bridge.WithLogger(hw.logger))
}

// Close unmaps every region. Later accesses through the endpoints fail with
// physmem.ErrRegionClosed.
func (hw *Hardware) Close() error {
	var errs []error
	for _, r := range hw.regions {
		if err := r.Close(); err != nil && !errors.Is(err, physmem.ErrRegionClosed) {
			errs = append(errs, fmt.Errorf("unmap %s: %w", r, err))
		}
	}
	hw.regions = nil
	return errors.Join(errs...)
}
