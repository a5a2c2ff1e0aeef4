// Package clierror provides structured errors for CLI output with codes,
// exit codes, and remediation hints.
package clierror

import (
	"encoding/json"
	"fmt"
	"io"
)

// Exit codes for dmactl
const (
	ExitSuccess    = 0 // Operation completed successfully
	ExitGeneral    = 1 // Unknown/unhandled error
	ExitDevice     = 2 // Physical memory could not be mapped
	ExitUsage      = 3 // Invalid register offset, address or argument
	ExitConnection = 4 // Stream daemon unreachable or connection lost
	ExitTimeout    = 5 // DMA transfer did not complete
)

// Error codes (strings) for programmatic error handling
const (
	CodeDeviceMapFailed  = "DEVICE_MAP_FAILED"
	CodeInvalidOffset    = "INVALID_OFFSET"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeDMATimeout       = "DMA_TIMEOUT"
	CodeInternalError    = "INTERNAL_ERROR"
)

// CLIError represents a structured error for CLI output.
type CLIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable"`
	ExitCode  int    `json:"-"` // Not serialized, used for os.Exit

	cause error
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *CLIError) Unwrap() error {
	return e.cause
}

// DeviceMapFailed creates an error for a physical range that could not be mapped.
func DeviceMapFailed(target string, err error) *CLIError {
	return &CLIError{
		Code:      CodeDeviceMapFailed,
		Message:   fmt.Sprintf("cannot map %s: %v", target, err),
		Hint:      "Run as root on the target board, or pass --devmem to point at another memory device",
		Retryable: false,
		ExitCode:  ExitDevice,
		cause:     err,
	}
}

// InvalidOffset creates an error for a register offset outside the window or
// not 32-bit aligned.
func InvalidOffset(offset uint32, err error) *CLIError {
	return &CLIError{
		Code:      CodeInvalidOffset,
		Message:   fmt.Sprintf("invalid register offset %#x: %v", offset, err),
		Hint:      "Offsets are 4-byte aligned and below the window size; run 'dmactl regs dump' to list registers",
		Retryable: false,
		ExitCode:  ExitUsage,
		cause:     err,
	}
}

// InvalidArgument creates an error for a malformed command argument.
func InvalidArgument(arg string, err error) *CLIError {
	return &CLIError{
		Code:      CodeInvalidArgument,
		Message:   fmt.Sprintf("invalid argument %q: %v", arg, err),
		Retryable: false,
		ExitCode:  ExitUsage,
		cause:     err,
	}
}

// ConnectionFailed creates an error for connection failures.
func ConnectionFailed(target string, err error) *CLIError {
	msg := fmt.Sprintf("failed to connect to '%s'", target)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &CLIError{
		Code:      CodeConnectionFailed,
		Message:   msg,
		Hint:      "Check that dmastreamd is running and the address is reachable",
		Retryable: true,
		ExitCode:  ExitConnection,
		cause:     err,
	}
}

// DMATimeout creates an error for a transfer the core never completed.
func DMATimeout(err error) *CLIError {
	return &CLIError{
		Code:      CodeDMATimeout,
		Message:   fmt.Sprintf("DMA transfer did not complete: %v", err),
		Hint:      "Inspect the core with 'dmactl regs dump'; a set START bit means the transfer is still pending",
		Retryable: true,
		ExitCode:  ExitTimeout,
		cause:     err,
	}
}

// InternalError creates an error for unexpected internal errors.
func InternalError(err error) *CLIError {
	msg := "an unexpected internal error occurred"
	if err != nil {
		msg = fmt.Sprintf("internal error: %s", err.Error())
	}
	return &CLIError{
		Code:      CodeInternalError,
		Message:   msg,
		Hint:      "",
		Retryable: false,
		ExitCode:  ExitGeneral,
		cause:     err,
	}
}

// FormatError returns the error formatted for the given output format.
// Supported formats: "json" for JSON output, anything else for human-readable table format.
func FormatError(err *CLIError, outputFormat string) string {
	if outputFormat == "json" {
		data, jsonErr := json.MarshalIndent(err, "", "  ")
		if jsonErr != nil {
			// Fallback to simple JSON if marshaling fails
			return fmt.Sprintf(`{"code":"%s","message":"%s"}`, err.Code, err.Message)
		}
		return string(data)
	}

	// Human-readable table format
	output := fmt.Sprintf("Error [%s]: %s", err.Code, err.Message)
	if err.Hint != "" {
		output += fmt.Sprintf("\nHint: %s", err.Hint)
	}
	return output
}

// FprintError prints the error to w in the appropriate format.
func FprintError(w io.Writer, err *CLIError, outputFormat string) {
	fmt.Fprintln(w, FormatError(err, outputFormat))
}
