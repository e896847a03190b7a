package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/agentworkforce/orbital/internal/apiclient"
	"github.com/agentworkforce/orbital/internal/catalog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var validFormats = []string{"text", "json"}

type rootOptions struct {
	baseURL string
	timeout time.Duration
	format  string
	verbose bool

	logger *zap.Logger
	client *apiclient.Client
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "orbital-sync",
		Short:         "Trigger and inspect orbital catalog syncs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.format, validFormats)
			}
			if opts.timeout <= 0 {
				opts.timeout = 10 * time.Minute
			}
			if opts.logger == nil {
				logger, err := buildLogger(opts.verbose)
				if err != nil {
					return err
				}
				opts.logger = logger
			}
			if opts.client == nil {
				opts.client = apiclient.New(opts.baseURL, apiclient.Options{
					HTTPClient: &http.Client{Timeout: opts.timeout},
				})
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", envOrDefault("ORBITAL_BASE_URL", "http://127.0.0.1:8080"), "orbital service base URL")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", durationEnv("ORBITAL_SYNC_TIMEOUT", 10*time.Minute), "per-request timeout")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(newTriggerCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newRunsCommand(opts))
	return cmd
}

func newTriggerCommand(opts *rootOptions) *cobra.Command {
	var resources []string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Run one sync pass and print its outcome",
		Example: `  orbital-sync trigger
  orbital-sync trigger --resource rockets --resource launches`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := opts.client.TriggerSync(cmd.Context(), resources)
			if err != nil {
				if errors.Is(err, apiclient.ErrAlreadyRunning) {
					return fmt.Errorf("a sync is already in progress; try again later")
				}
				return err
			}
			if err := printRun(cmd.OutOrStdout(), opts.format, run); err != nil {
				return err
			}
			if run.Status == catalog.RunTotalFailure {
				return fmt.Errorf("sync %s failed for every resource", run.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&resources, "resource", nil, "resource to sync (repeatable; default all)")
	return cmd
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var (
		resources []string
		interval  time.Duration
		jitter    float64
		count     int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Trigger syncs on a jittered interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			return watch(cmd.Context(), opts, cmd.OutOrStdout(), resources, interval, clampJitterRatio(jitter), count)
		},
	}
	cmd.Flags().StringSliceVar(&resources, "resource", nil, "resource to sync (repeatable; default all)")
	cmd.Flags().DurationVar(&interval, "interval", durationEnv("ORBITAL_SYNC_INTERVAL", 15*time.Minute), "base interval between syncs")
	cmd.Flags().Float64Var(&jitter, "jitter", floatEnv("ORBITAL_SYNC_INTERVAL_JITTER", 0.2), "interval jitter ratio (0.0-1.0)")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many passes (0 runs until interrupted)")
	return cmd
}

func watch(ctx context.Context, opts *rootOptions, out io.Writer, resources []string, interval time.Duration, jitter float64, count int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for pass := 1; ; pass++ {
		run, err := opts.client.TriggerSync(ctx, resources)
		switch {
		case errors.Is(err, apiclient.ErrAlreadyRunning):
			opts.logger.Info("sync already running; skipping pass", zap.Int("pass", pass))
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			opts.logger.Warn("sync pass failed", zap.Int("pass", pass), zap.Error(err))
		default:
			opts.logger.Info("sync pass completed", zap.Int("pass", pass), zap.String("runId", run.ID), zap.String("status", string(run.Status)))
			if err := printRun(out, opts.format, run); err != nil {
				return err
			}
		}
		if count > 0 && pass >= count {
			return nil
		}

		timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			opts.logger.Info("watch stopping", zap.Error(ctx.Err()))
			return nil
		case <-timer.C:
		}
	}
}

func newRunsCommand(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recent sync runs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				run, err := opts.client.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printRun(cmd.OutOrStdout(), opts.format, run)
			}
			runs, err := opts.client.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), opts.format, runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func printRun(out io.Writer, format string, run catalog.SyncRun) error {
	if format == "json" {
		return writeJSON(out, run)
	}
	elapsed := run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(out, "run %s  %s  (%s)\n", run.ID, run.Status, elapsed)
	names := append([]string(nil), run.Resources...)
	if len(names) == 0 {
		for name := range run.PerResource {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tFETCHED\tUPSERTED\tSKIPPED\tFAILED\tERROR")
	for _, name := range names {
		stats := run.PerResource[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", name, stats.Fetched, stats.Upserted, stats.Skipped, stats.Failed, stats.Error)
	}
	return tw.Flush()
}

func printRuns(out io.Writer, format string, runs []catalog.SyncRun) error {
	if format == "json" {
		return writeJSON(out, runs)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tRESOURCES")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", run.ID, run.StartedAt.UTC().Format(time.RFC3339), run.Status, strings.Join(run.Resources, ","))
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %f\n", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
