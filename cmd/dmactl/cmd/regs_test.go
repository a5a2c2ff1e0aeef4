package cmd

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gobeyondidentity/dmastream/internal/testutil/cli"
	"github.com/gobeyondidentity/dmastream/pkg/axidma"
	"github.com/gobeyondidentity/dmastream/pkg/clierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// devMemSize covers both register windows.
const devMemSize = axidma.MM2SRegBase + axidma.WindowSize

func runRegs(t *testing.T, devmem string, args ...string) *cli.CommandResult {
	t.Helper()
	return cli.Run(newRootCmd(), append(append([]string{"regs"}, args...), "--devmem", devmem)...)
}

func requireCLIError(t *testing.T, err error, code string) *clierror.CLIError {
	t.Helper()
	var cliErr *clierror.CLIError
	require.True(t, errors.As(err, &cliErr), "expected a CLIError, got %v", err)
	assert.Equal(t, code, cliErr.Code)
	return cliErr
}

func TestRegs_PokeThenPeek(t *testing.T) {
	devmem := cli.TempDevMem(t, devMemSize)

	t.Log("Writing LENGTH on the s2mm channel")
	result := runRegs(t, devmem, "poke", "0x8", "1000")
	result.AssertSuccess(t)
	result.AssertContains(t, "Wrote 0x000003e8 to s2mm LENGTH (0x8)")

	result = runRegs(t, devmem, "peek", "0x8")
	result.AssertSuccess(t)
	result.AssertExact(t, "0x000003e8\n")

	t.Log("The mm2s window is separate")
	result = runRegs(t, devmem, "peek", "0x8", "--channel", "mm2s")
	result.AssertSuccess(t)
	result.AssertExact(t, "0x00000000\n")
}

func TestRegs_PeekJSON(t *testing.T) {
	devmem := cli.TempDevMem(t, devMemSize)
	runRegs(t, devmem, "poke", "0x4", "0x1CE00000").AssertSuccess(t)

	result := cli.Run(newRootCmd(), "regs", "peek", "0x4", "--devmem", devmem, "-o", "json")
	result.AssertSuccess(t)

	var v struct {
		Name   string `json:"name"`
		Offset uint32 `json:"offset"`
		Value  uint32 `json:"value"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Stdout), &v))
	assert.Equal(t, "DEST_ADDR", v.Name)
	assert.Equal(t, uint32(4), v.Offset)
	assert.Equal(t, uint32(0x1CE00000), v.Value)
}

func TestRegs_Dump(t *testing.T) {
	devmem := cli.TempDevMem(t, devMemSize)
	runRegs(t, devmem, "poke", "0x8", "2048", "--channel", "mm2s").AssertSuccess(t)
	runRegs(t, devmem, "poke", "0x0", "0x3", "--channel", "mm2s").AssertSuccess(t)

	t.Log("Table output lists every register and flags the pending transfer")
	result := runRegs(t, devmem, "dump", "--channel", "mm2s")
	result.AssertSuccess(t)
	result.AssertContains(t, "Channel mm2s at 0x41220000")
	for _, name := range []string{"START", "DEST_ADDR", "LENGTH", "CYCLE"} {
		result.AssertContains(t, name)
	}
	result.AssertContains(t, "0x00000800")
	result.AssertContains(t, "busy")

	t.Log("YAML output carries the same snapshot")
	result = cli.Run(newRootCmd(), "regs", "dump", "--channel", "mm2s", "--devmem", devmem, "-o", "yaml")
	result.AssertSuccess(t)
	result.AssertContains(t, "channel: mm2s")
	result.AssertContains(t, "busy: true")
	result.AssertContains(t, "name: LENGTH")
	result.AssertContains(t, "value: 2048")
}

func TestRegs_DumpCustomBase(t *testing.T) {
	devmem := cli.TempDevMem(t, devMemSize)

	result := cli.Run(newRootCmd(), "regs", "dump", "--base", "0x41210000", "--devmem", devmem, "-o", "json")
	result.AssertSuccess(t)

	var dump regDump
	require.NoError(t, json.Unmarshal([]byte(result.Stdout), &dump))
	assert.Equal(t, "custom", dump.Channel)
	assert.Equal(t, "0x41210000", dump.Base)
	assert.False(t, dump.Busy)
	assert.Len(t, dump.Registers, 4)
}

func TestRegs_ResetClearsStart(t *testing.T) {
	devmem := cli.TempDevMem(t, devMemSize)
	runRegs(t, devmem, "poke", "0x0", "0x1").AssertSuccess(t)

	result := runRegs(t, devmem, "reset", "--fifo")
	result.AssertSuccess(t)
	result.AssertContains(t, "Reset s2mm core (ip+fifo)")

	result = runRegs(t, devmem, "peek", "0x0")
	result.AssertSuccess(t)
	result.AssertExact(t, "0x00000000\n")
}

func TestRegs_InvalidOffset(t *testing.T) {
	devmem := cli.TempDevMem(t, devMemSize)

	tests := []struct {
		name string
		args []string
	}{
		{"unaligned peek", []string{"peek", "0x2"}},
		{"peek past window", []string{"peek", "0x1000"}},
		{"unaligned poke", []string{"poke", "0x5", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := runRegs(t, devmem, tt.args...)
			result.AssertError(t)
			cliErr := requireCLIError(t, result.Err, clierror.CodeInvalidOffset)
			assert.Equal(t, clierror.ExitUsage, cliErr.ExitCode)
		})
	}
}

func TestRegs_InvalidArguments(t *testing.T) {
	devmem := cli.TempDevMem(t, devMemSize)

	result := runRegs(t, devmem, "peek", "zero")
	requireCLIError(t, result.Err, clierror.CodeInvalidArgument)

	result = runRegs(t, devmem, "dump", "--channel", "dma0")
	requireCLIError(t, result.Err, clierror.CodeInvalidArgument)

	result = runRegs(t, devmem, "poke", "0x0", "0x100000000")
	requireCLIError(t, result.Err, clierror.CodeInvalidArgument)
}

func TestRegs_MissingDevMem(t *testing.T) {
	result := runRegs(t, filepath.Join(t.TempDir(), "mem"), "dump")
	result.AssertError(t)

	cliErr := requireCLIError(t, result.Err, clierror.CodeDeviceMapFailed)
	assert.Equal(t, clierror.ExitDevice, cliErr.ExitCode)
	assert.Contains(t, cliErr.Message, "s2mm registers at 0x41210000")
}

func TestRegsCycle_StuckCoreIsDMATimeout(t *testing.T) {
	devmem := cli.TempDevMem(t, devMemSize)

	t.Log("Nothing behind the file clears START, so the wait must time out")
	result := runRegs(t, devmem, "cycle", "--length", "1000", "--timeout", "50ms")
	result.AssertError(t)

	cliErr := requireCLIError(t, result.Err, clierror.CodeDMATimeout)
	assert.Equal(t, clierror.ExitTimeout, cliErr.ExitCode)
	assert.True(t, errors.Is(cliErr, axidma.ErrTimeout), "the channel error stays in the chain")

	t.Log("The channel is reset after the failed wait and the registers keep the programmed transfer")
	result = runRegs(t, devmem, "peek", "0x0")
	result.AssertSuccess(t)
	result.AssertExact(t, "0x00000000\n")

	result = runRegs(t, devmem, "peek", "0x8")
	result.AssertSuccess(t)
	result.AssertExact(t, "0x000003e8\n")

	result = runRegs(t, devmem, "peek", "0x4")
	result.AssertSuccess(t)
	result.AssertExact(t, "0x1ce00000\n")
}

func TestRegsCycle_InvalidArguments(t *testing.T) {
	devmem := cli.TempDevMem(t, devMemSize)

	result := runRegs(t, devmem, "cycle", "--length", "4")
	requireCLIError(t, result.Err, clierror.CodeInvalidArgument)

	result = runRegs(t, devmem, "cycle", "--timeout", "0s")
	requireCLIError(t, result.Err, clierror.CodeInvalidArgument)
}
