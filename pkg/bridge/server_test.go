package bridge

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gobeyondidentity/dmastream/pkg/axidma"
	"github.com/gobeyondidentity/dmastream/pkg/axidma/emu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closedConn struct {
	id       string
	counters Counters
	err      error
}

type recordingObserver struct {
	mu     sync.Mutex
	closed []closedConn
	ch     chan struct{}
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{ch: make(chan struct{}, 16)}
}

func (o *recordingObserver) ConnectionClosed(id string, c Counters, err error) {
	o.mu.Lock()
	o.closed = append(o.closed, closedConn{id, c, err})
	o.mu.Unlock()
	o.ch <- struct{}{}
}

func (o *recordingObserver) wait(t *testing.T) closedConn {
	t.Helper()
	select {
	case <-o.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed in time")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed[len(o.closed)-1]
}

func startServer(t *testing.T, rig *testRig, mode Mode, obs Observer) string {
	t.Helper()
	return startServerTimeout(t, rig, mode, obs, 2*time.Second)
}

func startServerTimeout(t *testing.T, rig *testRig, mode Mode, obs Observer, timeout time.Duration) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := DefaultServerConfig()
	cfg.Mode = mode
	cfg.IOTimeout = timeout
	srv := NewServer(rig.session, cfg, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err, "Serve returns nil on shutdown")
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ln.Addr().String()
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"sequential", "host-to-device", "device-to-host", "concurrent"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), m)
	}
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSequential, m)

	_, err = ParseMode("duplex")
	assert.ErrorContains(t, err, "unknown mode")
}

func TestServer_SequentialReceiveThenSend(t *testing.T) {
	want := pattern()
	var sunk int
	var mu sync.Mutex
	rig := newRig(t,
		[]emu.Option{emu.WithSource(func(p []byte) { copy(p, want) })},
		[]emu.Option{emu.WithSink(func([]byte) { mu.Lock(); sunk++; mu.Unlock() })},
	)
	obs := newRecordingObserver()
	addr := startServer(t, rig, ModeSequential, obs)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	t.Log("Sending two host-to-device chunks and half-closing")
	_, err = conn.Write(make([]byte, 2*HostToDeviceChunk))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	t.Log("Reading three device-to-host chunks")
	buf := make([]byte, DeviceToHostChunk)
	for i := 0; i < 3; i++ {
		_, err := io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, want, buf)
	}
	conn.Close()

	closed := obs.wait(t)
	assert.NotEmpty(t, closed.id)
	assert.ErrorIs(t, closed.err, ErrSocket, "device-to-host ends only on send failure")
	assert.Equal(t, uint64(2), closed.counters.HostToDeviceChunks)
	assert.GreaterOrEqual(t, closed.counters.DeviceToHostChunks, uint64(3))

	mu.Lock()
	assert.Equal(t, 2, sunk, "host-to-device finished before device-to-host began")
	mu.Unlock()
}

func TestServer_HostToDeviceOnly(t *testing.T) {
	rig := newRig(t, nil, nil)
	obs := newRecordingObserver()
	addr := startServer(t, rig, ModeHostToDevice, obs)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write(bytes.Repeat([]byte{1}, 3*HostToDeviceChunk+10))
	require.NoError(t, err)
	conn.Close()

	closed := obs.wait(t)
	assert.NoError(t, closed.err)
	assert.Equal(t, uint64(3), closed.counters.HostToDeviceChunks)
	assert.Equal(t, 0, rig.d2hCore.Starts(), "device-to-host never runs in this mode")
}

func TestServer_DMATimeoutAbortsConnectionOnly(t *testing.T) {
	rig := newRig(t, nil, []emu.Option{emu.WithStuck()})
	obs := newRecordingObserver()
	addr := startServer(t, rig, ModeHostToDevice, obs)

	for i := 0; i < 2; i++ {
		t.Logf("Connection %d: the stuck core times out the transfer", i+1)
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		_, err = conn.Write(make([]byte, HostToDeviceChunk))
		require.NoError(t, err)

		closed := obs.wait(t)
		assert.ErrorIs(t, closed.err, axidma.ErrTimeout)
		conn.Close()
	}
	assert.Equal(t, uint64(2), rig.h2dChan.Stats().Timeouts, "server kept accepting after a timeout")
}

func TestServer_Concurrent(t *testing.T) {
	rig := newRig(t, nil, nil)
	obs := newRecordingObserver()
	addr := startServer(t, rig, ModeConcurrent, obs)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	t.Log("Reading device data before sending anything")
	buf := make([]byte, DeviceToHostChunk)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	_, err = conn.Write(make([]byte, HostToDeviceChunk))
	require.NoError(t, err)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	conn.Close()

	closed := obs.wait(t)
	assert.Error(t, closed.err)
	assert.GreaterOrEqual(t, closed.counters.DeviceToHostChunks, uint64(2))
}

func TestServer_ShutdownStopsActiveConnection(t *testing.T) {
	rig := newRig(t, nil, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := DefaultServerConfig()
	cfg.Mode = ModeHostToDevice
	srv := NewServer(rig.session, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(make([]byte, 10))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve blocked on an idle connection after shutdown")
	}
}

func TestServer_IdlePeerTimesOutReceive(t *testing.T) {
	rig := newRig(t, nil, nil)
	obs := newRecordingObserver()
	addr := startServerTimeout(t, rig, ModeHostToDevice, obs, 200*time.Millisecond)

	t.Log("Connecting and never sending")
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	closed := obs.wait(t)
	assert.ErrorIs(t, closed.err, ErrSocket)
	assert.ErrorIs(t, closed.err, os.ErrDeadlineExceeded, "receive ends on the socket timeout")
	assert.Contains(t, closed.err.Error(), "recv")
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Zero(t, closed.counters.HostToDeviceChunks)
	assert.Equal(t, 0, rig.h2dCore.Starts(), "no transfer without a full chunk")
}

func TestServer_StalledReaderTimesOutSend(t *testing.T) {
	rig := newRig(t, nil, nil)
	obs := newRecordingObserver()
	addr := startServerTimeout(t, rig, ModeDeviceToHost, obs, 200*time.Millisecond)

	t.Log("Connecting and never reading until the socket buffers fill")
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	closed := obs.wait(t)
	assert.ErrorIs(t, closed.err, ErrSocket)
	assert.ErrorIs(t, closed.err, os.ErrDeadlineExceeded, "send ends on the socket timeout")
	assert.Contains(t, closed.err.Error(), "send")
	assert.Positive(t, closed.counters.DeviceToHostChunks, "chunks flowed before the buffers filled")
}
