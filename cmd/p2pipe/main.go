// Command p2pipe runs the P2 debug-stream ingestion/distribution pipeline
// against an already-configured device file.
//
// The USB driver itself is an external collaborator this module never
// implements (it supplies raw byte chunks; the pipeline specifies only the
// producer contract) — an operator points --device at whatever character
// device or named pipe their own USB/serial tooling already exposes
// (e.g. a port pre-configured with stty), and this command does nothing
// more than open it and copy bytes.
//
// Grounded on sakateka-yanet2's coordinator/cmd/coordinator/main.go: a
// single cobra.Command with a required --device flag, an errgroup running
// the long-lived service alongside a signal-wait goroutine, and a typed
// Interrupted error so a clean shutdown doesn't get reported as a failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/parallax-p2/p2pipe"
	"github.com/parallax-p2/p2pipe/internal/config"
	"github.com/parallax-p2/p2pipe/internal/logging"
)

type cmdArgs struct {
	ConfigPath string
	DevicePath string
	Verbose    bool
}

var args cmdArgs

var rootCmd = &cobra.Command{
	Use:   "p2pipe",
	Short: "Ingest and distribute a Propeller 2 serial debug stream",
	RunE: func(_ *cobra.Command, _ []string) error {
		if err := run(args); err != nil {
			if errors.Is(err, Interrupted{}) {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&args.ConfigPath, "config", "c", "", "Path to the pipeline configuration file")
	rootCmd.Flags().StringVarP(&args.DevicePath, "device", "d", "", "Path to the already-configured USB/serial device file (required)")
	rootCmd.Flags().BoolVarP(&args.Verbose, "verbose", "v", false, "Enable debug-level logging")
	rootCmd.MarkFlagRequired("device")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(args cmdArgs) error {
	logCfg := logging.DefaultConfig()
	if args.Verbose {
		logCfg.Level = logging.LevelDebug
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	var cfg *config.Config
	if args.ConfigPath != "" {
		cfg, err = config.LoadConfig(args.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	device, err := os.OpenFile(args.DevicePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open device %s: %w", args.DevicePath, err)
	}
	defer device.Close()

	pipe, err := p2pipe.New(cfg, device, log)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer pipe.Close()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error { return pipe.Run(ctx) })
	wg.Go(func() error { return pumpDevice(ctx, device, pipe) })
	wg.Go(func() error { return logEvents(ctx, pipe, log) })
	wg.Go(func() error {
		sig, err := WaitInterrupted(ctx)
		if err != nil {
			return err
		}
		log.Info("shutting down", "signal", sig.String())
		pipe.Stop()
		return Interrupted{Signal: sig}
	})

	return wg.Wait()
}

// pumpDevice copies bytes from device into the pipeline's ring buffer
// until ctx is canceled or the device returns an error. The device is
// treated as an opaque byte source: any framing, baud rate, or line
// discipline it needs is the external USB driver's concern, not this
// command's.
func pumpDevice(ctx context.Context, device *os.File, pipe *p2pipe.Pipeline) error {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := device.Read(buf)
		if n > 0 {
			pipe.Ingest(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return fmt.Errorf("device read: %w", err)
		}
	}
}

// logEvents drains the pipeline's event channel and logs each one, so the
// operator sees buffer warnings, mode changes and system reboots on the
// console even with no richer UI attached.
func logEvents(ctx context.Context, pipe *p2pipe.Pipeline, log *logging.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-pipe.Events():
			log.Debug("pipeline event", "event", fmt.Sprintf("%#v", ev))
		}
	}
}

// Interrupted marks a shutdown triggered by SIGINT/SIGTERM, distinct from
// a real failure.
type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string { return m.String() }

// WaitInterrupted blocks until SIGINT or SIGTERM arrives or ctx is
// canceled.
func WaitInterrupted(ctx context.Context) (os.Signal, error) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
