package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/paramtune/internal/config"
	"github.com/copyleftdev/paramtune/internal/runner"
)

type runOptions struct {
	file    string
	workers int
	output  string
	seed    int64
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the jobs listed in a job file",
		Long: `Runs every job in the file and prints one report per job.
An interrupt cancels the remaining work; cancelled jobs still report
the best point they found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJobs(ctx, cmd.OutOrStdout(), root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Job file (YAML or JSON, required)")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", config.GetEnvAsInt("PARAMTUNE_WORKERS", 0), "Jobs run at once; 0 uses OPT_MAX_CONCURRENT_RUNS")
	cmd.Flags().StringVarP(&opts.output, "output", "o", config.GetEnv("PARAMTUNE_OUTPUT", "text"), "Report format: text, json or yaml")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "Random seed for jobs that do not set one")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runJobs(ctx context.Context, out io.Writer, root *rootOptions, opts *runOptions) error {
	write, err := reportWriter(opts.output)
	if err != nil {
		return err
	}

	jobs, err := runner.LoadJobs(opts.file)
	if err != nil {
		return err
	}

	defaults := root.cfg.Optimization
	if opts.seed != 0 {
		defaults.RandomSeed = opts.seed
	}
	workers := opts.workers
	if workers <= 0 {
		workers = defaults.MaxConcurrentRuns
	}

	root.logger.Info("running jobs", map[string]interface{}{
		"file":    opts.file,
		"jobs":    len(jobs),
		"workers": workers,
	})

	results := runner.RunAll(ctx, jobs, defaults, workers, root.optimizerLogger())
	reports := make([]runner.Report, len(results))
	failed := 0
	for i, r := range results {
		reports[i] = r.Report()
		if r.Err != nil {
			failed++
		}
	}

	if err := write(out, reports); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(results))
	}
	return nil
}

type writeFunc func(io.Writer, []runner.Report) error

func reportWriter(format string) (writeFunc, error) {
	switch strings.ToLower(format) {
	case "text":
		return writeText, nil
	case "json":
		return func(w io.Writer, reports []runner.Report) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(reports)
		}, nil
	case "yaml":
		return func(w io.Writer, reports []runner.Report) error {
			enc := yaml.NewEncoder(w)
			defer enc.Close()
			return enc.Encode(reports)
		}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

func writeText(w io.Writer, reports []runner.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMETHOD\tCAUSE\tITERATIONS\tEVALUATIONS\tBEST\tVERIFIED\tPARAMETERS")
	for _, r := range reports {
		cause := r.Cause
		if r.Error != "" {
			cause = "error: " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.Name, r.Method, cause, r.Iterations, r.Evaluations,
			formatValue(r.BestValue), formatValue(r.VerifiedValue), formatParams(r.BestParameters))
	}
	return tw.Flush()
}

func formatValue(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', 6, 64)
}

func formatParams(p []float64) string {
	if len(p) == 0 {
		return "-"
	}
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.FormatFloat(v, 'g', 6, 64)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
