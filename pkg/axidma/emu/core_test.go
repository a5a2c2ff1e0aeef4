package emu

import (
	"bytes"
	"testing"

	"github.com/gobeyondidentity/dmastream/pkg/axidma"
	"github.com/gobeyondidentity/dmastream/pkg/mmio"
	"github.com/gobeyondidentity/dmastream/pkg/physmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapBuffer(t *testing.T, phys uint64) *physmem.Region {
	t.Helper()
	r, err := physmem.Heap{}.Map(phys, 8192)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func program(t *testing.T, c *Core, addr, length uint32, start uint32) {
	t.Helper()
	require.NoError(t, c.Write32(axidma.RegDestAddr, addr))
	require.NoError(t, c.Write32(axidma.RegLength, length))
	require.NoError(t, c.Write32(axidma.RegStart, start))
}

func TestCore_S2MMFillsBufferAfterLatency(t *testing.T) {
	buf := mapBuffer(t, axidma.S2MMBufBase)
	c := New(axidma.DeviceToHost, buf, WithLatency(2), WithSource(func(p []byte) {
		for i := range p {
			p[i] = 0x5a
		}
	}))

	program(t, c, axidma.S2MMBufBase, 16, axidma.CtrlStart)

	t.Log("START stays set while the latency counts down")
	for i := 0; i < 2; i++ {
		v, err := c.Read32(axidma.RegStart)
		require.NoError(t, err)
		assert.Equal(t, uint32(axidma.CtrlStart), v)
	}

	v, err := c.Read32(axidma.RegStart)
	require.NoError(t, err)
	assert.Equal(t, uint32(axidma.DoneValue), v&axidma.CtrlStart)
	assert.Equal(t, 3, c.StatusReads())

	got := make([]byte, 16)
	_, err = buf.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, 16), got)
}

func TestCore_MM2SDeliversBufferToSink(t *testing.T) {
	buf := mapBuffer(t, axidma.MM2SBufBase)
	_, err := buf.WriteAt([]byte("abcdefgh"), 0)
	require.NoError(t, err)

	var sunk []byte
	c := New(axidma.HostToDevice, buf, WithSink(func(p []byte) { sunk = append(sunk, p...) }))
	program(t, c, axidma.MM2SBufBase, 8, axidma.CtrlStart|axidma.CtrlManual)

	_, err = c.Read32(axidma.RegStart)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), sunk)

	transfers := c.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Manual)
	assert.Equal(t, uint32(8), transfers[0].Length)
}

func TestCore_TransferOutsideBufferFails(t *testing.T) {
	c := New(axidma.DeviceToHost, mapBuffer(t, axidma.S2MMBufBase))
	program(t, c, axidma.S2MMBufBase+8000, 1000, axidma.CtrlStart)

	_, err := c.Read32(axidma.RegStart)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside buffer")
}

func TestCore_ResetAndHistory(t *testing.T) {
	c := New(axidma.DeviceToHost, mapBuffer(t, axidma.S2MMBufBase), WithHistory(2))
	for i := 0; i < 3; i++ {
		program(t, c, axidma.S2MMBufBase, uint32(8+i), axidma.CtrlStart)
		_, err := c.Read32(axidma.RegStart)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.Starts())

	transfers := c.Transfers()
	require.Len(t, transfers, 2, "only the last two transfers are kept")
	assert.Equal(t, uint32(9), transfers[0].Length)
	assert.Equal(t, uint32(10), transfers[1].Length)

	t.Log("A reset while busy cancels the transfer")
	stuck := New(axidma.DeviceToHost, mapBuffer(t, axidma.S2MMBufBase), WithStuck())
	program(t, stuck, axidma.S2MMBufBase, 8, axidma.CtrlStart)
	require.NoError(t, stuck.Write32(axidma.RegStart, axidma.CtrlResetIP|axidma.CtrlResetFIFO))
	require.NoError(t, stuck.Write32(axidma.RegStart, 0))
	v, err := stuck.Read32(axidma.RegStart)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.Equal(t, 1, stuck.Resets())
	assert.Empty(t, stuck.Transfers())
}

func TestCore_InvalidOffset(t *testing.T) {
	c := New(axidma.DeviceToHost, mapBuffer(t, axidma.S2MMBufBase))
	_, err := c.Read32(axidma.WindowSize)
	assert.ErrorIs(t, err, mmio.ErrInvalidOffset)
	assert.ErrorIs(t, c.Write32(0x3, 1), mmio.ErrInvalidOffset)
}
