// dmactl
// Operator CLI for the AXI DMA cores and the dmastream daemon.

package main

import (
	"os"

	"github.com/gobeyondidentity/dmastream/cmd/dmactl/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Stderr))
}
