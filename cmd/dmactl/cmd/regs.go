package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gobeyondidentity/dmastream/pkg/axidma"
	"github.com/gobeyondidentity/dmastream/pkg/clierror"
	"github.com/gobeyondidentity/dmastream/pkg/mmio"
	"github.com/gobeyondidentity/dmastream/pkg/physmem"
	"github.com/spf13/cobra"
)

var (
	busyFmt = color.New(color.FgYellow, color.Bold).SprintFunc()
	idleFmt = color.New(color.FgGreen).SprintFunc()
)

// regsOptions selects the register window a regs subcommand works on.
type regsOptions struct {
	*globalOptions
	channel string
	base    string
}

// window resolves --channel/--base and maps the register window. The caller
// closes the returned region.
func (o *regsOptions) window() (*mmio.Window, *physmem.Region, string, error) {
	name, base, err := o.resolve()
	if err != nil {
		return nil, nil, "", err
	}
	region, err := physmem.DevMem{Path: o.devMem}.Map(base, axidma.WindowSize)
	if err != nil {
		return nil, nil, "", clierror.DeviceMapFailed(fmt.Sprintf("%s registers at %#x", name, base), err)
	}
	return mmio.NewWindow(region), region, name, nil
}

func (o *regsOptions) resolve() (string, uint64, error) {
	if o.base != "" {
		base, err := strconv.ParseUint(o.base, 0, 64)
		if err != nil {
			return "", 0, clierror.InvalidArgument(o.base, err)
		}
		return "custom", base, nil
	}
	switch o.channel {
	case "s2mm", "device-to-host":
		return axidma.DeviceToHost.String(), axidma.S2MMRegBase, nil
	case "mm2s", "host-to-device":
		return axidma.HostToDevice.String(), axidma.MM2SRegBase, nil
	default:
		return "", 0, clierror.InvalidArgument(o.channel, errors.New("channel must be s2mm or mm2s"))
	}
}

func newRegsCmd(global *globalOptions) *cobra.Command {
	opts := &regsOptions{globalOptions: global}

	regsCmd := &cobra.Command{
		Use:   "regs",
		Short: "Inspect and modify DMA core registers",
		Long: `Read and write the control registers of an AXI DMA core.

Registers (offsets within the 4 KiB window):
  START      0x0  control/status, bit 0 set while a transfer is pending
  DEST_ADDR  0x4  buffer physical address
  LENGTH     0x8  bytes per transfer
  CYCLE      0xc  repeat count

Poking registers while dmastreamd is streaming will corrupt its transfers.`,
	}
	regsCmd.PersistentFlags().StringVar(&opts.channel, "channel", "s2mm", "DMA channel: s2mm (device-to-host) or mm2s (host-to-device)")
	regsCmd.PersistentFlags().StringVar(&opts.base, "base", "", "Register window physical address, overrides --channel")

	regsCmd.AddCommand(newRegsDumpCmd(opts))
	regsCmd.AddCommand(newRegsPeekCmd(opts))
	regsCmd.AddCommand(newRegsPokeCmd(opts))
	regsCmd.AddCommand(newRegsResetCmd(opts))
	regsCmd.AddCommand(newRegsCycleCmd(opts))
	return regsCmd
}

// regDump is the machine-readable form of 'regs dump'.
type regDump struct {
	Channel   string       `json:"channel" yaml:"channel"`
	Base      string       `json:"base" yaml:"base"`
	Busy      bool         `json:"busy" yaml:"busy"`
	Registers []mmio.Value `json:"registers" yaml:"registers"`
}

func newRegsDumpCmd(opts *regsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Show all channel registers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			win, region, name, err := opts.window()
			if err != nil {
				return err
			}
			defer region.Close()

			values, err := mmio.Snapshot(win, axidma.RegisterMap)
			if err != nil {
				return clierror.InternalError(err)
			}
			dump := regDump{
				Channel:   name,
				Base:      fmt.Sprintf("%#x", win.PhysAddr()),
				Busy:      values[0].Value&axidma.CtrlStart != 0,
				Registers: values,
			}

			if ok, err := formatOutput(cmd.OutOrStdout(), opts.outputFormat, dump); ok {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Channel %s at %s\n\n", dump.Channel, dump.Base)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REGISTER\tOFFSET\tVALUE\tDECIMAL")
			for _, v := range values {
				fmt.Fprintf(w, "%s\t%#x\t0x%08x\t%d\n", v.Name, v.Offset, v.Value, v.Value)
			}
			w.Flush()

			status := idleFmt("idle")
			if dump.Busy {
				status = busyFmt("busy")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nStatus: %s\n", status)
			return nil
		},
	}
}

func parseU32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, clierror.InvalidArgument(s, err)
	}
	return uint32(v), nil
}

// checkOffset maps mmio.ErrInvalidOffset to a CLI error before touching the device.
func checkOffset(off uint32) error {
	if err := mmio.CheckOffset(off, axidma.WindowSize); err != nil {
		return clierror.InvalidOffset(off, err)
	}
	return nil
}

func newRegsPeekCmd(opts *regsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "peek <offset>",
		Short: "Read one 32-bit register",
		Example: `  dmactl regs peek 0x0
  dmactl regs peek 0x8 --channel mm2s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			off, err := parseU32(args[0])
			if err != nil {
				return err
			}
			if err := checkOffset(off); err != nil {
				return err
			}
			win, region, _, err := opts.window()
			if err != nil {
				return err
			}
			defer region.Close()

			v, err := win.Read32(off)
			if err != nil {
				return clierror.InternalError(err)
			}
			value := mmio.Value{Name: registerName(off), Offset: off, Value: v}
			if ok, err := formatOutput(cmd.OutOrStdout(), opts.outputFormat, value); ok {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "0x%08x\n", v)
			return nil
		},
	}
}

func newRegsPokeCmd(opts *regsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poke <offset> <value>",
		Short: "Write one 32-bit register",
		Example: `  dmactl regs poke 0x8 1000
  dmactl regs poke 0x0 0x1 --channel mm2s`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			off, err := parseU32(args[0])
			if err != nil {
				return err
			}
			if err := checkOffset(off); err != nil {
				return err
			}
			v, err := parseU32(args[1])
			if err != nil {
				return err
			}
			win, region, name, err := opts.window()
			if err != nil {
				return err
			}
			defer region.Close()

			if err := win.Write32(off, v); err != nil {
				return clierror.InternalError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote 0x%08x to %s %s (%#x)\n", v, name, registerName(off), off)
			return nil
		},
	}
}

func newRegsResetCmd(opts *regsOptions) *cobra.Command {
	var fifo bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the DMA core",
		Long: `Pulse the reset bits of the START register and leave the core idle.

Use this to recover a core that is stuck with a pending transfer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			win, region, name, err := opts.window()
			if err != nil {
				return err
			}
			defer region.Close()

			ch, err := newChannel(win, name, axidma.DefaultPollConfig())
			if err != nil {
				return err
			}

			rt := axidma.ResetIP
			if fifo {
				rt = axidma.ResetFIFOIP
			}
			if err := ch.Reset(rt); err != nil {
				return clierror.InternalError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s core (%s)\n", name, resetName(rt))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fifo, "fifo", false, "Also reset the data FIFO")
	return cmd
}

// newChannel builds a channel controller on a mapped window. Custom bases
// are driven as s2mm with the s2mm buffer.
func newChannel(win *mmio.Window, name string, poll axidma.PollConfig) (*axidma.Channel, error) {
	dir := axidma.DeviceToHost
	bufPhys := uint64(axidma.S2MMBufBase)
	if name == axidma.HostToDevice.String() {
		dir = axidma.HostToDevice
		bufPhys = axidma.MM2SBufBase
	}
	ch, err := axidma.NewChannel(axidma.Config{
		Direction:  dir,
		Registers:  win,
		BufferPhys: bufPhys,
		BufferCap:  axidma.BufSize,
		Poll:       poll,
	})
	if err != nil {
		return nil, clierror.InternalError(err)
	}
	return ch, nil
}

// cycleResult is the machine-readable form of 'regs cycle'.
type cycleResult struct {
	Channel      string  `json:"channel" yaml:"channel"`
	Length       uint32  `json:"length" yaml:"length"`
	Cycles       uint32  `json:"cycles" yaml:"cycles"`
	Mode         string  `json:"mode" yaml:"mode"`
	DurationSecs float64 `json:"duration_seconds" yaml:"duration_seconds"`
}

func newRegsCycleCmd(opts *regsOptions) *cobra.Command {
	var length, cycles uint32
	var manual, fifo bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one transfer and wait for it to finish",
		Long: `Program DEST_ADDR, LENGTH and CYCLE with the channel's buffer, start the
transfer, poll START until the core reports done and reset the core.

The buffer contents are neither written nor read. Use this with dmastreamd
stopped to check that the core completes transfers at all. A core that never
clears START is reset and reported as a DMA timeout.`,
		Example: `  dmactl regs cycle --length 1000
  dmactl regs cycle --channel mm2s --length 2048 --manual --timeout 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if timeout <= 0 {
				return clierror.InvalidArgument(timeout.String(), errors.New("--timeout must be positive"))
			}
			win, region, name, err := opts.window()
			if err != nil {
				return err
			}
			defer region.Close()

			ch, err := newChannel(win, name, axidma.PollConfig{Timeout: timeout})
			if err != nil {
				return err
			}
			spec := axidma.CycleSpec{Length: length, Cycles: cycles, Reset: axidma.ResetIP}
			if manual {
				spec.Mode = axidma.ModeManual
			}
			if fifo {
				spec.Reset = axidma.ResetFIFOIP
			}

			start := time.Now()
			switch err := ch.Cycle(cmd.Context(), spec); {
			case err == nil:
			case errors.Is(err, axidma.ErrTimeout):
				return clierror.DMATimeout(err)
			case errors.Is(err, axidma.ErrLength):
				return clierror.InvalidArgument(fmt.Sprint(length), err)
			default:
				return clierror.InternalError(err)
			}

			result := cycleResult{
				Channel:      name,
				Length:       length,
				Cycles:       cycles,
				Mode:         spec.Mode.String(),
				DurationSecs: time.Since(start).Seconds(),
			}
			if ok, err := formatOutput(cmd.OutOrStdout(), opts.outputFormat, result); ok {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s transfer of %d bytes done in %.3fs\n",
				idleFmt("✓"), name, length, result.DurationSecs)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&length, "length", 1000, "Bytes per transfer")
	cmd.Flags().Uint32Var(&cycles, "cycles", 0, "Repeat count written to CYCLE")
	cmd.Flags().BoolVar(&manual, "manual", false, "Manual mode (mm2s only)")
	cmd.Flags().BoolVar(&fifo, "fifo", false, "Also reset the data FIFO afterwards")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "How long to wait for done")
	return cmd
}

func resetName(rt axidma.ResetType) string {
	if rt == axidma.ResetFIFOIP {
		return "ip+fifo"
	}
	return "ip"
}

func registerName(off uint32) string {
	for _, r := range axidma.RegisterMap {
		if r.Offset == off {
			return r.Name
		}
	}
	return fmt.Sprintf("reg_%03x", off)
}
