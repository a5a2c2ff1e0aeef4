// Package cmd implements the dmactl CLI commands.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/gobeyondidentity/dmastream/internal/version"
	"github.com/gobeyondidentity/dmastream/pkg/clierror"
	"github.com/gobeyondidentity/dmastream/pkg/physmem"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	outputFormat string
	devMem       string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "dmactl",
		Short: "Operator CLI for the AXI DMA stream bridge",
		Long: `dmactl inspects the AXI DMA cores of a board and talks to dmastreamd.

The regs commands map the register windows through /dev/mem and must run on
the board itself, usually as root. The push, pull and stream commands connect
to a running dmastreamd over TCP.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.outputFormat {
			case "table", "json", "yaml":
				return nil
			default:
				return clierror.InvalidArgument(opts.outputFormat, errors.New("output must be table, json or yaml"))
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&opts.devMem, "devmem", physmem.DefaultDevMemPath, "Physical memory device")

	rootCmd.AddCommand(newRegsCmd(opts))
	rootCmd.AddCommand(newPushCmd(opts))
	rootCmd.AddCommand(newPullCmd(opts))
	rootCmd.AddCommand(newStreamCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd(rootCmd))
	return rootCmd
}

func newCompletionCmd(rootCmd *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for dmactl.

To load completions:

Bash:
  source <(dmactl completion bash)

Zsh:
  source <(dmactl completion zsh)

Fish:
  dmactl completion fish > ~/.config/fish/completions/dmactl.fish

PowerShell:
  dmactl completion powershell | Out-String | Invoke-Expression`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletion(out)
			case "zsh":
				return rootCmd.GenZshCompletion(out)
			case "fish":
				return rootCmd.GenFishCompletion(out, true)
			case "powershell":
				return rootCmd.GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unknown shell: %s", args[0])
			}
		},
	}
}

// Execute runs the root command and returns the process exit code.
func Execute(stderr io.Writer) int {
	rootCmd := newRootCmd()
	err := rootCmd.Execute()
	format, _ := rootCmd.PersistentFlags().GetString("output")
	return reportError(stderr, err, format)
}

// reportError prints err for the operator and maps it to an exit code.
func reportError(stderr io.Writer, err error, format string) int {
	if err == nil {
		return clierror.ExitSuccess
	}
	var cliErr *clierror.CLIError
	if !errors.As(err, &cliErr) {
		// Cobra usage errors and anything unclassified.
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return clierror.ExitGeneral
	}
	clierror.FprintError(stderr, cliErr, format)
	return cliErr.ExitCode
}

// formatOutput writes data as JSON or YAML. It reports false for table
// output, which each command renders itself.
func formatOutput(w io.Writer, format string, data interface{}) (bool, error) {
	switch format {
	case "json":
		return true, outputJSON(w, data)
	case "yaml":
		return true, outputYAML(w, data)
	default:
		return false, nil
	}
}

func outputJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func outputYAML(w io.Writer, data interface{}) error {
	out, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
