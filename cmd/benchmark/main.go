package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/TFMV/sqlgate/bench"
	"github.com/TFMV/sqlgate/client"
)

type options struct {
	server      string
	concurrency int
	iterations  int
	format      string
	queries     []string
	flight      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "sqlgate-bench",
		Short:        "Drive concurrent query load against a sqlgate server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			workloads, err := opts.workloads()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := client.New(opts.server)
			if err != nil {
				return err
			}
			defer c.Close()

			return run(ctx, bench.NewRunner(c, opts.concurrency), workloads, opts.format, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "localhost:8815", "sqlgate server address")
	f.IntVar(&opts.concurrency, "concurrency", 8, "queries in flight at once")
	f.IntVar(&opts.iterations, "iterations", 100, "executions per workload")
	f.StringVar(&opts.format, "format", "text", "report format: text, json, csv, markdown")
	f.StringArrayVarP(&opts.queries, "query", "q", nil, "workload as name=SQL (repeatable)")
	f.BoolVar(&opts.flight, "flight", false, "run custom workloads as Flight SQL statements")
	return cmd
}

// workloads parses --query flags, or returns a default mix covering the
// allowed and rejected paths of both transports.
func (o *options) workloads() ([]bench.Workload, error) {
	if len(o.queries) == 0 {
		return []bench.Workload{
			{Name: "select_action", SQL: "SELECT 1", Mode: bench.ModeAction, Iterations: o.iterations},
			{Name: "select_flight", SQL: "SELECT 1", Mode: bench.ModeFlight, Iterations: o.iterations},
			{Name: "rejected_write", SQL: "DELETE FROM sqlgate_probe", Mode: bench.ModeAction, Iterations: o.iterations},
		}, nil
	}

	mode := bench.ModeAction
	if o.flight {
		mode = bench.ModeFlight
	}
	workloads := make([]bench.Workload, 0, len(o.queries))
	for _, q := range o.queries {
		name, sql, ok := strings.Cut(q, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(sql) == "" {
			return nil, fmt.Errorf("invalid workload %q: want name=SQL", q)
		}
		workloads = append(workloads, bench.Workload{
			Name:       strings.TrimSpace(name),
			SQL:        sql,
			Mode:       mode,
			Iterations: o.iterations,
		})
	}
	return workloads, nil
}

func run(ctx context.Context, runner *bench.Runner, workloads []bench.Workload, format string, out, logOut io.Writer) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: logOut}).With().Timestamp().Logger()
	logger.Info().Int("workloads", len(workloads)).Msg("Starting benchmark")

	results, err := runner.Run(ctx, workloads)
	if err != nil {
		return fmt.Errorf("benchmark interrupted: %w", err)
	}
	for _, r := range results {
		logger.Info().
			Str("workload", r.Name).
			Int("succeeded", r.Succeeded).
			Int("rejected", r.Rejected).
			Int("failed", r.Failed).
			Dur("p99", r.P99).
			Msg("Workload finished")
	}

	switch format {
	case "json":
		return bench.WriteJSON(results, out)
	case "csv":
		return bench.WriteCSV(results, out)
	case "markdown", "md":
		return bench.WriteMarkdown(results, out)
	case "text":
		for _, r := range results {
			fmt.Fprintln(out, r.String())
		}
		return nil
	}
	return fmt.Errorf("unsupported format %q", format)
}
