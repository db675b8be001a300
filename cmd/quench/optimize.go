package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/internal/optimize"
	"github.com/silmaril/quench/internal/pipeline"
	"github.com/silmaril/quench/internal/storage"
	"github.com/silmaril/quench/internal/ui"
)

var (
	optLevel     string
	optGPU       bool
	optFP16      bool
	optNoVerify  bool
	optTolerance float64
	optOutput    string
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize <artifact-dir>",
	Short: "Apply graph rewrites to an artifact",
	Long: `Rewrites the graph of an artifact without changing what it computes.

Levels:
  disabled  - copy the graph unchanged
  basic     - identity elimination, constant folding, dead node pruning
  extended  - basic plus MatMul+Add and activation fusion
  all       - every rewrite

Unless --no-verify is given the optimized graph is run against the input on
random token probes and rejected when outputs drift past the tolerance.
FP16 conversion requires --gpu.`,
	Args: cobra.ExactArgs(1),
	RunE: runOptimize,
}

func init() {
	rootCmd.AddCommand(optimizeCmd)

	optimizeCmd.Flags().StringVar(&optLevel, "level", "", "optimization level (default from config)")
	optimizeCmd.Flags().BoolVar(&optGPU, "gpu", false, "target GPU execution")
	optimizeCmd.Flags().BoolVar(&optFP16, "fp16", false, "convert weights to float16 (requires --gpu)")
	optimizeCmd.Flags().BoolVar(&optNoVerify, "no-verify", false, "skip output verification")
	optimizeCmd.Flags().Float64Var(&optTolerance, "tolerance", 0, "maximum absolute logit difference (default from config)")
	optimizeCmd.Flags().StringVarP(&optOutput, "output", "o", "", "artifact directory (default next to the input)")
}

// optimizeStep merges flags over the configured defaults.
func optimizeStep(cmd *cobra.Command) pipeline.OptimizeStep {
	plan := pipeline.Plan{}
	plan.ApplyDefaults(config.Get())
	s := plan.Optimize
	if optLevel != "" {
		s.Level = optLevel
	}
	s.OptimizeForGPU = optGPU
	s.FP16 = optFP16
	if optNoVerify {
		verify := false
		s.Verify = &verify
	}
	if cmd.Flags().Changed("tolerance") {
		s.Tolerance = &optTolerance
	}
	return s
}

func runOptimize(cmd *cobra.Command, args []string) error {
	cfg, err := optimizeStep(cmd).Config()
	if err != nil {
		return err
	}
	in, err := artifact.Open(args[0])
	if err != nil {
		return err
	}
	target := optOutput
	if target == "" {
		target = siblingDir(args[0], storage.OptimizedDir)
	}

	art, report, err := optimize.Optimize(cmd.Context(), in, cfg, target)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Optimized at level %s: %d nodes -> %d nodes\n",
		ui.Success.Render("✓"), cfg.Level(), report.NodesBefore, report.NodesAfter)
	rows := make([][]string, 0, len(report.Passes))
	for _, p := range report.Passes {
		rows = append(rows, []string{p.Name, strconv.Itoa(p.Changed)})
	}
	if len(rows) > 0 {
		ui.Table(out, []string{"PASS", "CHANGED"}, rows)
	}
	if report.Verified {
		fmt.Fprintf(out, "Verified: max |diff| %.2e, label agreement %.1f%%\n",
			report.MaxAbsDiff, report.LabelAgreement*100)
	}
	printArtifact(out, art)
	return nil
}
