package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/evaluate"
	"github.com/silmaril/quench/internal/ui"
)

var (
	evalDataset   string
	evalMetrics   []string
	evalLimit     int
	evalBatchSize int
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <artifact-dir>...",
	Short: "Score artifacts on a labeled dataset",
	Long: `Runs every sample of a labeled dataset through each artifact and reports
the requested metrics. Precision, recall and F1 are macro-averaged over the
labels.

Datasets are JSONL files with "text" and "label" fields or CSV files with a
header naming text and label columns. Labels must match the artifact's labels.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVarP(&evalDataset, "dataset", "d", "", "labeled dataset (.jsonl or .csv)")
	evaluateCmd.Flags().StringSliceVarP(&evalMetrics, "metric", "m", []string{evaluate.MetricAccuracy}, "metrics to compute (accuracy, precision, recall, f1)")
	evaluateCmd.Flags().IntVar(&evalLimit, "limit", 0, "evaluate only the first n samples")
	evaluateCmd.Flags().IntVar(&evalBatchSize, "batch-size", 0, "samples per forward pass")
	_ = evaluateCmd.MarkFlagRequired("dataset")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ds, err := evaluate.LoadDataset(evalDataset)
	if err != nil {
		return err
	}
	if evalLimit > 0 {
		ds = ds.Head(evalLimit)
	}

	header := append([]string{"ARTIFACT", "PRECISION"}, evalMetrics...)
	rows := make([][]string, 0, len(args))
	for _, dir := range args {
		art, err := artifact.Open(dir)
		if err != nil {
			return err
		}
		res, err := evaluate.EvaluateArtifact(cmd.Context(), art, ds, evaluate.Options{
			Metrics:   evalMetrics,
			BatchSize: evalBatchSize,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
		row := []string{dir, art.Metadata().Precision}
		for _, m := range evalMetrics {
			v, _ := res.Get(m)
			row = append(row, fmt.Sprintf("%.4f", v))
		}
		rows = append(rows, row)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Evaluated %d samples from %s\n\n", len(ds.Samples), evalDataset)
	ui.Table(out, header, rows)
	return nil
}
