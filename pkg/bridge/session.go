package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gobeyondidentity/dmastream/pkg/axidma"
	"github.com/gobeyondidentity/dmastream/pkg/physmem"
)

// Default chunk sizes of the wire protocol.
const (
	DeviceToHostChunk = 1000
	HostToDeviceChunk = 2048
)

// ErrSocket wraps send and receive failures on the network endpoint.
var ErrSocket = errors.New("bridge: socket error")

// Endpoint is one DMA channel together with its data buffer.
type Endpoint struct {
	Channel *axidma.Channel
	Buffer  *physmem.Region
}

// Session holds the process-wide DMA resources shared by every connection.
type Session struct {
	d2h, h2d           Endpoint
	d2hChunk, h2dChunk int
	logger             *slog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithChunkSizes overrides the default chunk sizes.
func WithChunkSizes(deviceToHost, hostToDevice int) SessionOption {
	return func(s *Session) {
		s.d2hChunk = deviceToHost
		s.h2dChunk = hostToDevice
	}
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession pairs the device-to-host and host-to-device endpoints.
func NewSession(d2h, h2d Endpoint, opts ...SessionOption) (*Session, error) {
	s := &Session{
		d2h:      d2h,
		h2d:      h2d,
		d2hChunk: DeviceToHostChunk,
		h2dChunk: HostToDeviceChunk,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := checkEndpoint("device-to-host", d2h, axidma.DeviceToHost, s.d2hChunk); err != nil {
		return nil, err
	}
	if err := checkEndpoint("host-to-device", h2d, axidma.HostToDevice, s.h2dChunk); err != nil {
		return nil, err
	}
	return s, nil
}

func checkEndpoint(name string, ep Endpoint, dir axidma.Direction, chunk int) error {
	if ep.Channel == nil || ep.Buffer == nil {
		return fmt.Errorf("bridge: %s endpoint needs a channel and a buffer", name)
	}
	if ep.Channel.Direction() != dir {
		return fmt.Errorf("bridge: %s endpoint has %s channel", name, ep.Channel.Direction())
	}
	if chunk < axidma.MinLength || chunk > ep.Buffer.Len() {
		return fmt.Errorf("bridge: %s chunk %d does not fit buffer of %d bytes", name, chunk, ep.Buffer.Len())
	}
	if ep.Channel.BufferPhys() != ep.Buffer.PhysAddr() {
		return fmt.Errorf("bridge: %s channel buffer %#x differs from mapped buffer %s",
			name, ep.Channel.BufferPhys(), ep.Buffer)
	}
	return nil
}

// Counters tracks the chunks moved on one connection.
type Counters struct {
	DeviceToHostChunks uint64
	DeviceToHostBytes  uint64
	HostToDeviceChunks uint64
	HostToDeviceBytes  uint64
}

// DeviceToHost runs S2MM cycles and sends each chunk to w until a send fails,
// a cycle fails, or ctx is cancelled. It never returns nil.
func (s *Session) DeviceToHost(ctx context.Context, w io.Writer, c *Counters) error {
	spec := axidma.CycleSpec{
		Length: uint32(s.d2hChunk),
		Reset:  axidma.ResetFIFOIP,
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.d2h.Channel.Cycle(ctx, spec); err != nil {
			return fmt.Errorf("device-to-host cycle: %w", err)
		}
		n, err := s.d2h.Buffer.CopyTo(w, 0, s.d2hChunk)
		if err != nil {
			if errors.Is(err, physmem.ErrRegionClosed) {
				return err
			}
			return fmt.Errorf("%w: send: %w", ErrSocket, err)
		}
		c.DeviceToHostChunks++
		c.DeviceToHostBytes += uint64(n)
	}
}

// HostToDevice receives full chunks from r and runs one MM2S cycle per chunk.
// End of stream, including a trailing partial chunk, returns nil without a
// cycle. Other receive failures are wrapped in ErrSocket.
func (s *Session) HostToDevice(ctx context.Context, r io.Reader, c *Counters) error {
	spec := axidma.CycleSpec{
		Length: uint32(s.h2dChunk),
		Mode:   axidma.ModeManual,
		Reset:  axidma.ResetFIFOIP,
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.h2d.Buffer.FillFrom(r, 0, s.h2dChunk)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			if n > 0 {
				s.logger.Debug("dropping partial chunk at end of stream", "bytes", n)
			}
			return nil
		case errors.Is(err, physmem.ErrRegionClosed):
			return err
		default:
			return fmt.Errorf("%w: recv: %w", ErrSocket, err)
		}

		if err := s.h2d.Channel.Cycle(ctx, spec); err != nil {
			return fmt.Errorf("host-to-device cycle: %w", err)
		}
		c.HostToDeviceChunks++
		c.HostToDeviceBytes += uint64(n)
	}
}
