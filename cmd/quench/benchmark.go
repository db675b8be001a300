package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/benchmark"
	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/internal/ui"
)

const defaultPayload = "The acting was wonderful and the story kept me hooked until the end."

var (
	benchPayload    []string
	benchWarmup     int
	benchIterations int
)

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark <artifact-dir>...",
	Short: "Measure inference latency of artifacts",
	Long: `Runs a fixed payload through each artifact, discarding warmup runs, and
reports latency statistics. With two artifacts the second is compared against
the first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(benchmarkCmd)

	benchmarkCmd.Flags().StringArrayVar(&benchPayload, "payload", nil, "text to classify, repeat for a batch")
	benchmarkCmd.Flags().IntVar(&benchWarmup, "warmup", 0, "untimed runs (default from config)")
	benchmarkCmd.Flags().IntVar(&benchIterations, "iterations", 0, "timed runs (default from config)")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	c := config.Get()
	opts := benchmark.Options{Warmup: c.Benchmark.Warmup, Iterations: c.Benchmark.Iterations}
	if cmd.Flags().Changed("warmup") {
		opts.Warmup = benchWarmup
	}
	if cmd.Flags().Changed("iterations") {
		opts.Iterations = benchIterations
	}
	payload := benchPayload
	if len(payload) == 0 {
		payload = make([]string, max(c.Benchmark.BatchSize, 1))
		for i := range payload {
			payload[i] = defaultPayload
		}
	}

	reports := make([]*benchmark.Report, 0, len(args))
	rows := make([][]string, 0, len(args))
	for _, dir := range args {
		art, err := artifact.Open(dir)
		if err != nil {
			return err
		}
		r, err := benchmark.RunArtifact(cmd.Context(), art, payload, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
		r.Name = dir
		reports = append(reports, r)
		s := r.Stats
		rows = append(rows, []string{
			dir,
			art.Metadata().Precision,
			strconv.Itoa(s.Count),
			ui.FormatDuration(s.Mean),
			ui.FormatDuration(s.P50),
			ui.FormatDuration(s.P95),
			ui.FormatDuration(s.P99),
			ui.FormatDuration(s.Std),
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Batch of %d, %d warmup, %d timed runs\n\n", len(payload), opts.Warmup, opts.Iterations)
	ui.Table(out, []string{"ARTIFACT", "PRECISION", "RUNS", "MEAN", "P50", "P95", "P99", "STD"}, rows)

	if len(reports) == 2 {
		cmp := benchmark.Compare(reports[0], reports[1])
		style := ui.Success
		if !cmp.Faster() {
			style = ui.Warning
		}
		fmt.Fprintf(out, "\n%s %.2fx (mean delta %v, p95 delta %v)\n",
			style.Render("speedup:"), cmp.Speedup, cmp.MeanDelta, cmp.P95Delta)
	}
	return nil
}
