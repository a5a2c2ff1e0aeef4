package cmd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gobeyondidentity/dmastream/internal/testutil/cli"
	"github.com/gobeyondidentity/dmastream/internal/version"
	"github.com/gobeyondidentity/dmastream/pkg/clierror"
	"github.com/stretchr/testify/assert"
)

func TestRoot_Help(t *testing.T) {
	t.Parallel()
	result := cli.Run(newRootCmd(), "--help")
	result.AssertSuccess(t)
	for _, sub := range []string{"regs", "push", "pull", "stream", "version", "completion"} {
		result.AssertContains(t, sub)
	}
}

func TestRoot_RejectsUnknownOutputFormat(t *testing.T) {
	t.Parallel()
	result := cli.Run(newRootCmd(), "version", "-o", "xml")
	result.AssertError(t)
	requireCLIError(t, result.Err, clierror.CodeInvalidArgument)
}

func TestVersionCommand_BasicOutput(t *testing.T) {
	t.Parallel()
	t.Log("Test that version command shows current version")

	result := cli.Run(newRootCmd(), "version")
	result.AssertSuccess(t)
	result.AssertPrefix(t, "dmactl version "+version.String())
	result.AssertContains(t, version.Banner("dmactl"))
}

func TestCompletion(t *testing.T) {
	t.Parallel()
	result := cli.Run(newRootCmd(), "completion", "bash")
	result.AssertSuccess(t)
	result.AssertContains(t, "dmactl")

	result = cli.Run(newRootCmd(), "completion", "tcsh")
	result.AssertError(t)
}

func TestReportError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		format   string
		wantCode int
		wantOut  string
	}{
		{"success", nil, "table", clierror.ExitSuccess, ""},
		{"cli error table", clierror.ConnectionFailed("board:8000", nil), "table", clierror.ExitConnection, "Error [CONNECTION_FAILED]: failed to connect to 'board:8000'"},
		{"cli error json", clierror.DMATimeout(errors.New("after 2s")), "json", clierror.ExitTimeout, `"code": "DMA_TIMEOUT"`},
		{"plain error", errors.New(`unknown command "frob"`), "table", clierror.ExitGeneral, `Error: unknown command "frob"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			code := reportError(&stderr, tt.err, tt.format)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantOut == "" {
				assert.Empty(t, stderr.String())
			} else {
				assert.Contains(t, stderr.String(), tt.wantOut)
			}
		})
	}
}
