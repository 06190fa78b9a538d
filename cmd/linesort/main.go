// Linesort sorts files of `<digits>.<letters>` records and checks sorted
// output.
//
// Usage:
//
//	linesort sort [flags] INPUT OUTPUT
//	linesort verify [--input INPUT] OUTPUT
//	linesort config [flags]
//
// Flags can also be set through a YAML file (--config) or LINESORT_*
// environment variables. Run "linesort sort --help" for the full list.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/tamirms/groupsort"
	"github.com/tamirms/groupsort/internal/config"
	"github.com/tamirms/groupsort/verify"
)

const usage = `usage:
  linesort sort [flags] INPUT OUTPUT
  linesort verify [--input INPUT] OUTPUT
  linesort config [flags]
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "linesort: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errors.New("missing command")
	}
	switch args[0] {
	case "sort":
		return runSort(ctx, args[1:], stderr)
	case "verify":
		return runVerify(args[1:], stdout)
	case "config":
		return runConfig(args[1:], stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	fmt.Fprint(stderr, usage)
	return fmt.Errorf("unknown command %q", args[0])
}

// loadConfig parses args with the configuration flags plus --config.
func loadConfig(name string, args []string) (*config.Config, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		return nil, nil, err
	}
	return cfg, fs, nil
}

func runSort(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, fs, err := loadConfig("sort", args)
	if err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("sort needs INPUT and OUTPUT, got %d arguments", fs.NArg())
	}
	input, output := fs.Arg(0), fs.Arg(1)

	logger, err := cfg.Logger(stderr)
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	if cfg.Metrics.Addr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var registerer prometheus.Registerer
	if reg != nil {
		registerer = reg
	}
	opts, err := cfg.Options(logger, registerer)
	if err != nil {
		return err
	}

	start := time.Now()
	stats, err := groupsort.Sort(ctx, input, output, opts...)
	if err != nil {
		return err
	}
	logger.Info().
		Uint64("lines", stats.Lines).
		Uint64("bytes", stats.Bytes).
		Int("buckets", stats.Buckets).
		Uint16("largest_bucket", stats.LargestBucket).
		Uint64("largest_bucket_bytes", stats.LargestBucketBytes).
		Int("peak_buffers", stats.PeakBuffers).
		Str("output_hash", fmt.Sprintf("%016x", stats.OutputHash)).
		Dur("elapsed", time.Since(start)).
		Msg("sorted")
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}

func runVerify(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	input := fs.String("input", "", "also check that OUTPUT is a permutation of this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("verify needs OUTPUT, got %d arguments", fs.NArg())
	}
	output := fs.Arg(0)

	report, err := verify.File(output)
	if err != nil {
		return err
	}
	if !report.Sorted {
		return fmt.Errorf("%s: line %d is out of order", output, report.FirstViolation)
	}
	if *input != "" {
		same, err := verify.SamePermutation(*input, output)
		if err != nil {
			return err
		}
		if !same {
			return fmt.Errorf("%s does not hold the same lines as %s", output, *input)
		}
	}
	fmt.Fprintf(stdout, "%s: sorted, %d lines, %d bytes, digest %s\n", output, report.Lines, report.Bytes, report.Digest)
	return nil
}

func runConfig(args []string, stdout io.Writer) error {
	cfg, _, err := loadConfig("config", args)
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = stdout.Write(out)
	return err
}
