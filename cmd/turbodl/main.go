// Command turbodl is a thin CLI front-end around the turbodl engine. Per
// the engine's own scope (it is headless by design), this command owns
// only flag parsing, signal-to-cancel translation, and the exit-code
// contract; it does no byte-level work itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cognusion/turbodl"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		output         string
		maxConnections string
		mbps           float64
		useRAMBuffer   string
		overwrite      bool
		timeoutSecs    int
		expectedHash   string
		hashType       string
		showProgress   bool
	)

	cmd := &cobra.Command{
		Use:   "turbodl <url>",
		Short: "Parallel ranged-download engine",
		Args:  cobra.ExactArgs(1),
	}

	cmd.Flags().StringVarP(&output, "output", "o", ".", "destination file or directory")
	cmd.Flags().StringVar(&maxConnections, "max-connections", "auto", "auto or 1-24")
	cmd.Flags().Float64Var(&mbps, "connection-speed", 80, "advertised connection speed in Mbps")
	cmd.Flags().StringVar(&useRAMBuffer, "ram-buffer", "auto", "auto, on, or off")
	cmd.Flags().BoolVar(&overwrite, "overwrite", true, "overwrite an existing destination file")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "overall job timeout in seconds, 0 for none")
	cmd.Flags().StringVar(&expectedHash, "expected-hash", "", "hex digest to verify after download")
	cmd.Flags().StringVar(&hashType, "hash-type", "md5", "md5, sha1, sha224, sha256, sha384, sha512, blake2b, blake2s")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "render a progress bar")

	var exitCode int

	cmd.RunE = func(c *cobra.Command, args []string) error {
		maxConn, err := parseMaxConnections(maxConnections)
		if err != nil {
			exitCode = 1
			return err
		}

		ramMode, err := parseRAMBufferMode(useRAMBuffer)
		if err != nil {
			exitCode = 1
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()
		defer signal.Stop(sigCh)
		defer cancel()

		var bar *turbodl.BarSink
		opts := turbodl.Options{
			MaxConnections:      maxConn,
			ConnectionSpeedMbps: mbps,
			UseRAMBuffer:        ramMode,
			Overwrite:           overwrite,
			TimeoutSeconds:      timeoutSecs,
			ExpectedHash:        expectedHash,
			HashType:            turbodl.HashType(hashType),
			ShowProgress:        showProgress,
		}
		if showProgress {
			bar = turbodl.NewBarSink()
			opts.Sink = bar
		}

		path, err := turbodl.Download(ctx, args[0], output, opts)
		if bar != nil {
			bar.Finish()
		}
		if err != nil {
			var te *turbodl.Error
			if errors.As(err, &te) && te.Kind == turbodl.KindHashMismatch {
				exitCode = 2
			} else if errors.Is(ctx.Err(), context.Canceled) {
				exitCode = 130
			} else {
				exitCode = 1
			}
			return err
		}

		fmt.Fprintln(c.OutOrStdout(), path)
		return nil
	}

	if err := cmd.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = 1
		}
		fmt.Fprintln(os.Stderr, "turbodl:", err)
	}
	return exitCode
}

func parseMaxConnections(v string) (int, error) {
	if v == "" || v == "auto" {
		return 0, nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid --max-connections %q", v)
	}
	if n < 1 || n > turbodl.MaxWorkers {
		return 0, fmt.Errorf("--max-connections must be 1-%d or auto", turbodl.MaxWorkers)
	}
	return n, nil
}

func parseRAMBufferMode(v string) (turbodl.RAMBufferMode, error) {
	switch v {
	case "auto", "":
		return turbodl.RAMBufferAuto, nil
	case "on":
		return turbodl.RAMBufferOn, nil
	case "off":
		return turbodl.RAMBufferOff, nil
	default:
		return 0, fmt.Errorf("invalid --ram-buffer %q", v)
	}
}
