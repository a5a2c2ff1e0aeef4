// Package clierror provides structured error handling for CLI commands.
//
// CLI errors include an exit code, user-facing message, and optional
// troubleshooting hints. This separates internal error details from
// what gets displayed to operators.
//
// # Usage
//
//	region, err := physmem.DevMem{}.Map(base, axidma.WindowSize)
//	if err != nil {
//	    return clierror.DeviceMapFailed(fmt.Sprintf("%#x", base), err)
//	}
package clierror
