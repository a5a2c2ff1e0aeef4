package axidma

import "github.com/gobeyondidentity/dmastream/pkg/mmio"

// Register offsets within a channel's register window.
const (
	RegStart    = 0x0 // control/status (RW)
	RegDestAddr = 0x4 // buffer physical address, destination for S2MM, source for MM2S (W)
	RegLength   = 0x8 // bytes per transfer (W)
	RegCycle    = 0xc // repeat count, 0 is single shot (W)
)

// WindowSize is the size of one channel's register window.
const WindowSize = 4096

// Bits of the START register.
const (
	CtrlStart     = 1 << 0 // set by software, cleared by the core when the transfer is done
	CtrlManual    = 1 << 1 // MM2S only: manual (single-shot) mode
	CtrlResetIP   = 1 << 2 // reset the IP core
	CtrlResetFIFO = 1 << 3 // reset the data FIFO
)

// DoneValue is the value of START&CtrlStart once a transfer has completed.
const DoneValue = 0

// Default physical layout of the DMA IP cores and their buffers.
const (
	S2MMRegBase = 0x41210000
	MM2SRegBase = 0x41220000

	S2MMBufBase = 0x1CE00000
	MM2SBufBase = 0x1E700000

	BufSize = 2048000
)

// Transfer length bounds accepted by Init.
const (
	MinLength = 8
	MaxLength = BufSize
)

// RegisterMap lists the channel registers by name, for dumps.
var RegisterMap = []mmio.Named{
	{Name: "START", Offset: RegStart},
	{Name: "DEST_ADDR", Offset: RegDestAddr},
	{Name: "LENGTH", Offset: RegLength},
	{Name: "CYCLE", Offset: RegCycle},
}
