package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/gobeyondidentity/dmastream/pkg/bridge"
	"github.com/gobeyondidentity/dmastream/pkg/clierror"
	"github.com/gobeyondidentity/dmastream/pkg/netretry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
)

// connOptions are the flags shared by the commands that talk to dmastreamd.
type connOptions struct {
	*globalOptions
	retries int
	timeout time.Duration
}

func (o *connOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.retries, "retries", 5, "Dial attempts before giving up")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "Overall time limit, 0 for none")
}

// dial connects to addr and returns a context bounded by --timeout. Cancelling
// the context unblocks any pending read or write on the connection.
func (o *connOptions) dial(parent context.Context, addr string) (*net.TCPConn, context.Context, context.CancelFunc, error) {
	ctx, cancel := parent, context.CancelFunc(func() {})
	if o.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, o.timeout)
	}

	cfg := netretry.DefaultRetryConfig()
	cfg.MaxAttempts = o.retries
	conn, err := netretry.DialTCP(ctx, cfg, addr)
	if err != nil {
		cancel()
		return nil, nil, nil, clierror.ConnectionFailed(addr, err)
	}

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	return conn, ctx, func() { stop(); cancel() }, nil
}

// transferSummary reports what one command moved.
type transferSummary struct {
	Addr         string  `json:"addr" yaml:"addr"`
	SentBytes    int64   `json:"sent_bytes" yaml:"sent_bytes"`
	SentChunks   int64   `json:"sent_chunks" yaml:"sent_chunks"`
	Dropped      int64   `json:"dropped_bytes" yaml:"dropped_bytes"`
	RecvBytes    int64   `json:"recv_bytes" yaml:"recv_bytes"`
	RecvChunks   int64   `json:"recv_chunks" yaml:"recv_chunks"`
	DurationSecs float64 `json:"duration_seconds" yaml:"duration_seconds"`
}

func (s *transferSummary) setSent(n int64, chunk int) {
	s.SentBytes = n
	s.SentChunks = n / int64(chunk)
	s.Dropped = n % int64(chunk)
}

func (s *transferSummary) setRecv(n int64, chunk int) {
	s.RecvBytes = n
	s.RecvChunks = n / int64(chunk)
}

func printSummary(w io.Writer, format string, s *transferSummary) error {
	if ok, err := formatOutput(w, format, s); ok {
		return err
	}
	if s.SentBytes > 0 || s.RecvBytes == 0 {
		fmt.Fprintf(w, "%s sent %d bytes (%d chunks) to %s\n", okFmt("✓"), s.SentBytes, s.SentChunks, s.Addr)
		if s.Dropped > 0 {
			fmt.Fprintf(w, "%s trailing %d bytes are less than a chunk and were not transferred\n", warnFmt("!"), s.Dropped)
		}
	}
	if s.RecvBytes > 0 {
		fmt.Fprintf(w, "%s received %d bytes (%d chunks) from %s\n", okFmt("✓"), s.RecvBytes, s.RecvChunks, s.Addr)
	}
	fmt.Fprintf(w, "  elapsed %.3fs\n", s.DurationSecs)
	return nil
}

// openInput returns the file at path, or stdin for "" and "-".
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, clierror.InvalidArgument(path, err)
	}
	return f, nil
}

// openOutput returns the file at path, or stdout for "" and "-".
func openOutput(cmd *cobra.Command, path string) (io.WriteCloser, bool, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{cmd.OutOrStdout()}, true, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, false, clierror.InvalidArgument(path, err)
	}
	return f, false, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// send copies in to conn and half-closes the connection so the daemon sees
// end of stream.
func send(conn *net.TCPConn, in io.Reader) (int64, error) {
	n, err := io.Copy(conn, in)
	if err != nil {
		return n, err
	}
	return n, conn.CloseWrite()
}

// awaitDaemon blocks until the daemon closes the connection or starts sending,
// either of which means it has consumed everything pushed so far.
func awaitDaemon(conn *net.TCPConn) error {
	var b [1]byte
	_, err := conn.Read(b[:])
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// receive reads exactly count chunks from conn into out.
func receive(conn *net.TCPConn, out io.Writer, count, chunk int) (int64, error) {
	n, err := io.CopyN(out, conn, int64(count)*int64(chunk))
	if errors.Is(err, io.EOF) {
		return n, fmt.Errorf("connection closed after %d of %d chunks", n/int64(chunk), count)
	}
	return n, err
}

// streamError classifies a failure during a transfer.
func streamError(ctx context.Context, addr string, err error) error {
	if ctx.Err() != nil {
		return clierror.ConnectionFailed(addr, fmt.Errorf("timed out: %w", err))
	}
	return clierror.ConnectionFailed(addr, err)
}

func newPushCmd(global *globalOptions) *cobra.Command {
	opts := &connOptions{globalOptions: global}
	var file string
	var chunk int

	cmd := &cobra.Command{
		Use:   "push <addr>",
		Short: "Send data to the device through dmastreamd",
		Long: `Send a file (or stdin) to dmastreamd, which moves it to the device one
chunk per MM2S transfer. The connection is half-closed after the last byte so
the daemon ends the receive phase immediately, and push returns once the daemon
has consumed every chunk. Trailing bytes that do not fill a whole chunk are not
transferred.`,
		Example: `  dmactl push board:8000 --file frames.bin
  cat frames.bin | dmactl push board:8000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]
			in, err := openInput(cmd, file)
			if err != nil {
				return err
			}
			defer in.Close()

			conn, ctx, done, err := opts.dial(cmd.Context(), addr)
			if err != nil {
				return err
			}
			defer done()
			defer conn.Close()

			start := time.Now()
			n, err := send(conn, in)
			if err != nil {
				return streamError(ctx, addr, err)
			}
			if err := awaitDaemon(conn); err != nil {
				return streamError(ctx, addr, err)
			}

			summary := &transferSummary{Addr: addr, DurationSecs: time.Since(start).Seconds()}
			summary.setSent(n, chunk)
			return printSummary(cmd.OutOrStdout(), opts.outputFormat, summary)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "Input file (default stdin)")
	cmd.Flags().IntVar(&chunk, "chunk", bridge.HostToDeviceChunk, "Daemon host-to-device chunk size, for the summary")
	return cmd
}

func newPullCmd(global *globalOptions) *cobra.Command {
	opts := &connOptions{globalOptions: global}
	var out string
	var count, chunk int

	cmd := &cobra.Command{
		Use:   "pull <addr>",
		Short: "Receive device data through dmastreamd",
		Long: `Receive a number of device-to-host chunks from dmastreamd and write them to
a file (or stdout). Nothing is sent: the connection is half-closed right away
so a sequential daemon skips its receive phase.

When data goes to stdout the summary is written to stderr.`,
		Example: `  dmactl pull board:8000 --count 100 --out capture.bin
  dmactl pull board:8000 --count 10 | xxd | head`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]
			if count <= 0 {
				return clierror.InvalidArgument(fmt.Sprint(count), errors.New("--count must be positive"))
			}
			w, toStdout, err := openOutput(cmd, out)
			if err != nil {
				return err
			}
			defer w.Close()

			conn, ctx, done, err := opts.dial(cmd.Context(), addr)
			if err != nil {
				return err
			}
			defer done()
			defer conn.Close()

			start := time.Now()
			if err := conn.CloseWrite(); err != nil {
				return streamError(ctx, addr, err)
			}
			n, err := receive(conn, w, count, chunk)
			if err != nil {
				return streamError(ctx, addr, err)
			}

			summary := &transferSummary{Addr: addr, DurationSecs: time.Since(start).Seconds()}
			summary.setRecv(n, chunk)
			report := cmd.OutOrStdout()
			if toStdout {
				report = cmd.ErrOrStderr()
			}
			return printSummary(report, opts.outputFormat, summary)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVar(&out, "out", "", "Output file (default stdout)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of chunks to receive")
	cmd.Flags().IntVar(&chunk, "chunk", bridge.DeviceToHostChunk, "Daemon device-to-host chunk size")
	return cmd
}

func newStreamCmd(global *globalOptions) *cobra.Command {
	opts := &connOptions{globalOptions: global}
	var file, out string
	var count, sendChunk, recvChunk int

	cmd := &cobra.Command{
		Use:   "stream <addr>",
		Short: "Send and receive at the same time",
		Long: `Send a file to dmastreamd while receiving device-to-host chunks on the same
connection. Against a daemon in concurrent mode both directions overlap;
against a sequential daemon the chunks arrive once the file has been sent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]
			if count <= 0 {
				return clierror.InvalidArgument(fmt.Sprint(count), errors.New("--count must be positive"))
			}
			in, err := openInput(cmd, file)
			if err != nil {
				return err
			}
			defer in.Close()
			w, _, err := openOutput(cmd, out)
			if err != nil {
				return err
			}
			defer w.Close()

			conn, ctx, done, err := opts.dial(cmd.Context(), addr)
			if err != nil {
				return err
			}
			defer done()
			defer conn.Close()

			start := time.Now()
			var sent, recv int64
			g, gctx := errgroup.WithContext(ctx)
			unblock := context.AfterFunc(gctx, func() { conn.SetDeadline(time.Now()) })
			defer unblock()
			g.Go(func() error {
				n, err := send(conn, in)
				sent = n
				return err
			})
			g.Go(func() error {
				n, err := receive(conn, w, count, recvChunk)
				recv = n
				return err
			})
			if err := g.Wait(); err != nil {
				return streamError(ctx, addr, err)
			}

			summary := &transferSummary{Addr: addr, DurationSecs: time.Since(start).Seconds()}
			summary.setSent(sent, sendChunk)
			summary.setRecv(recv, recvChunk)
			return printSummary(cmd.ErrOrStderr(), opts.outputFormat, summary)
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "Input file (default stdin)")
	cmd.Flags().StringVar(&out, "out", "", "Output file (default stdout)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of chunks to receive")
	cmd.Flags().IntVar(&sendChunk, "send-chunk", bridge.HostToDeviceChunk, "Daemon host-to-device chunk size, for the summary")
	cmd.Flags().IntVar(&recvChunk, "chunk", bridge.DeviceToHostChunk, "Daemon device-to-host chunk size")
	return cmd
}
