package cmd

import (
	"fmt"

	"github.com/gobeyondidentity/dmastream/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dmactl version %s\n", version.String())
			fmt.Fprintln(cmd.OutOrStdout(), version.Banner("dmactl"))
		},
	}
}
