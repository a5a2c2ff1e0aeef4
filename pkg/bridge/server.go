package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Mode selects which directions a connection streams.
type Mode string

const (
	ModeSequential   Mode = "sequential"
	ModeHostToDevice Mode = "host-to-device"
	ModeDeviceToHost Mode = "device-to-host"
	ModeConcurrent   Mode = "concurrent"
)

// ParseMode validates a mode name. The empty string selects ModeSequential.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeSequential, nil
	case ModeSequential, ModeHostToDevice, ModeDeviceToHost, ModeConcurrent:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want sequential, host-to-device, device-to-host or concurrent)", s)
	}
}

// Defaults for ServerConfig.
const (
	DefaultListenAddr = ":8000"
	DefaultIOTimeout  = 10 * time.Second
	DefaultSendBuffer = 256 * 1024
)

// ServerConfig configures the accept loop.
type ServerConfig struct {
	// ListenAddr is the TCP listen address.
	ListenAddr string

	// IOTimeout bounds every send and receive. Zero disables it.
	IOTimeout time.Duration

	// SendBuffer is the socket send buffer size. Zero keeps the OS default.
	SendBuffer int

	Mode Mode
}

// DefaultServerConfig returns the wire protocol defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: DefaultListenAddr,
		IOTimeout:  DefaultIOTimeout,
		SendBuffer: DefaultSendBuffer,
		Mode:       ModeSequential,
	}
}

// Observer is told about every finished connection.
type Observer interface {
	ConnectionClosed(id string, c Counters, err error)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithObserver registers an observer for finished connections.
func WithObserver(o Observer) ServerOption {
	return func(s *Server) { s.observer = o }
}

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// Server accepts connections and serves them one at a time.
type Server struct {
	session  *Session
	cfg      ServerConfig
	observer Observer
	logger   *slog.Logger
}

// NewServer returns a server streaming through session.
func NewServer(session *Session, cfg ServerConfig, opts ...ServerOption) *Server {
	if cfg.Mode == "" {
		cfg.Mode = ModeSequential
	}
	s := &Server{session: session, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on cfg.ListenAddr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. Each connection is
// served to completion before the next is accepted. Serve closes ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	s.logger.Info("bridge listening", "addr", ln.Addr().String(), "mode", string(s.cfg.Mode))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bridge: accept: %w", err)
		}
		s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	logger := s.logger.With("conn_id", id, "peer", conn.RemoteAddr().String())

	if tc, ok := conn.(*net.TCPConn); ok && s.cfg.SendBuffer > 0 {
		if err := tc.SetWriteBuffer(s.cfg.SendBuffer); err != nil {
			logger.Warn("set send buffer", "error", err)
		}
	}

	logger.Debug("connection opened")
	counters, err := s.ServeConn(ctx, conn)
	conn.Close()

	attrs := []any{
		"d2h_chunks", counters.DeviceToHostChunks,
		"h2d_chunks", counters.HostToDeviceChunks,
	}
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Debug("connection closed", attrs...)
	case errors.Is(err, ErrSocket):
		logger.Info("connection closed by peer", append(attrs, "reason", err)...)
	default:
		logger.Error("connection aborted", append(attrs, "error", err)...)
	}
	if s.observer != nil {
		s.observer.ConnectionClosed(id, counters, err)
	}
}

// ServeConn streams over one connection in the configured mode and returns
// the reason it ended. It does not close conn.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) (Counters, error) {
	var c Counters
	dc := &deadlineConn{Conn: conn, timeout: s.cfg.IOTimeout}

	// Unblock pending I/O on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	switch s.cfg.Mode {
	case ModeHostToDevice:
		err := s.session.HostToDevice(ctx, dc, &c)
		return c, err

	case ModeDeviceToHost:
		err := s.session.DeviceToHost(ctx, dc, &c)
		return c, err

	case ModeConcurrent:
		// Each goroutine updates only its own direction's counters.
		g, gctx := errgroup.WithContext(ctx)
		unblock := context.AfterFunc(gctx, func() { conn.SetDeadline(time.Now()) })
		defer unblock()
		g.Go(func() error { return s.session.HostToDevice(gctx, dc, &c) })
		g.Go(func() error { return s.session.DeviceToHost(gctx, dc, &c) })
		err := g.Wait()
		return c, err

	default:
		err := s.session.HostToDevice(ctx, dc, &c)
		if err != nil && !errors.Is(err, ErrSocket) {
			return c, err
		}
		if err != nil {
			s.logger.Debug("receive phase ended", "reason", err)
		}
		err = s.session.DeviceToHost(ctx, dc, &c)
		return c, err
	}
}

// deadlineConn applies a fresh deadline before every read and write, the
// way SO_RCVTIMEO and SO_SNDTIMEO bound each socket call.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}
