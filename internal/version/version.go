// Package version provides build identification for the dmastream binaries.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Version and Commit are set at build time with -ldflags -X.
var (
	Version = "dev"
	Commit  = ""
)

// String returns the version with a single 'v' prefix.
func String() string {
	return "v" + strings.TrimPrefix(Version, "v")
}

// Banner returns the startup line for a binary, e.g.
// "dmastreamd v1.2.0 (abc1234, linux/arm)".
func Banner(name string) string {
	platform := runtime.GOOS + "/" + runtime.GOARCH
	if Commit == "" {
		return fmt.Sprintf("%s %s (%s)", name, String(), platform)
	}
	return fmt.Sprintf("%s %s (%s, %s)", name, String(), Commit, platform)
}
