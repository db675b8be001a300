package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/internal/evaluate"
	"github.com/silmaril/quench/internal/pipeline"
	"github.com/silmaril/quench/internal/publish"
	"github.com/silmaril/quench/internal/ui"
)

var (
	runModel       string
	runDataset     string
	runWorkDir     string
	runPublishRepo string
	runMaxDrop     float64
	runOverwrite   bool
	runJSON        bool
	runToken       string
	runNoSign      bool
	runSavePlan    string
)

var runCmd = &cobra.Command{
	Use:   "run [plan.yaml]",
	Short: "Run the whole pipeline: export, optimize, quantize, evaluate, benchmark, publish",
	Long: `Runs every stage of the pipeline for one model and prints a report comparing
the exported baseline with the quantized candidate.

The plan is read from a YAML file; flags override the plan and unset plan
fields fall back to the configuration. Without a plan file --model and
--dataset are required.

The candidate is published only when a publish repository is set and it is
accepted: with --max-drop (or evaluate.max_accuracy_drop in the plan) a
candidate whose accuracy drops by more than that fraction is rejected.

Example plan:

  model: demo/sentiment-bow
  optimize:
    level: all
  quantize:
    isa: avx512_vnni
    per_channel: true
  evaluate:
    dataset: reviews.jsonl
    metrics: [accuracy, f1]
    max_accuracy_drop: 0.01
  publish:
    repo: acme/sentiment@stable`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVar(&runModel, "model", "", "model id or git URL")
	f.StringVarP(&runDataset, "dataset", "d", "", "labeled evaluation dataset")
	f.StringVar(&runWorkDir, "work-dir", "", "directory for stage artifacts (default <base>/artifacts/<model>)")
	f.StringVar(&runPublishRepo, "publish", "", "publish an accepted candidate to owner/name[@ref]")
	f.Float64Var(&runMaxDrop, "max-drop", 0, "largest accepted accuracy drop, as a fraction")
	f.BoolVar(&runOverwrite, "overwrite", false, "replace artifacts left by an earlier run")
	f.BoolVar(&runJSON, "json", false, "print the report as JSON")
	f.StringVar(&runToken, "token", "", "hub token (default hub.token)")
	f.BoolVar(&runNoSign, "no-sign", false, "do not sign the published manifest")
	f.StringVar(&runSavePlan, "save-plan", "", "write the effective plan to this file")
}

func runRun(cmd *cobra.Command, args []string) error {
	plan, err := buildPlan(cmd, args)
	if err != nil {
		return err
	}
	if runSavePlan != "" {
		if err := plan.Save(runSavePlan); err != nil {
			return err
		}
	}

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	var remote publish.Remote
	var popts publish.Options
	if plan.Publish != nil {
		remote = hubRemote(cmd)
		popts.Token = hubToken(runToken)
		kp, err := signingKey(cmd, runNoSign)
		if err != nil {
			return err
		}
		if kp != nil {
			popts.SigningKey = kp.PrivateKey
		}
	}

	var progress io.Writer
	if !runJSON {
		progress = cmd.ErrOrStderr()
	}
	stages := ui.NewStageProgress(progress, progressWriter(cmd) != nil)
	opts := pipeline.Options{
		Publish:   popts,
		Overwrite: runOverwrite,
		Observer:  pipeline.Observer{Stage: stages.Stage, Progress: stages.Progress},
	}

	report, err := pipeline.New(reg, remote).Run(cmd.Context(), plan, opts)
	stages.Done()
	if report != nil {
		if runJSON {
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
		} else {
			printReport(cmd.OutOrStdout(), report)
		}
	}
	if errors.Is(err, pipeline.ErrRejected) {
		return fmt.Errorf("candidate not published: %w", err)
	}
	return err
}

// buildPlan loads the plan file, applies flag overrides and fills the rest
// from configuration.
func buildPlan(cmd *cobra.Command, args []string) (*pipeline.Plan, error) {
	plan := &pipeline.Plan{}
	if len(args) == 1 {
		p, err := pipeline.LoadPlan(args[0])
		if err != nil {
			return nil, err
		}
		plan = p
	}
	if runModel != "" {
		plan.Model = runModel
	}
	if runDataset != "" {
		plan.Evaluate.Dataset = runDataset
	}
	if runWorkDir != "" {
		plan.WorkDir = runWorkDir
	}
	if plan.WorkDir == "" && plan.Model != "" {
		plan.WorkDir = appPaths().WorkspacePath(plan.Model)
	}
	if runPublishRepo != "" {
		if plan.Publish == nil {
			plan.Publish = &pipeline.PublishStep{}
		}
		plan.Publish.Repo = runPublishRepo
	}
	if cmd.Flags().Changed("max-drop") {
		plan.Evaluate.MaxAccuracyDrop = &runMaxDrop
	}
	plan.ApplyDefaults(config.Get())
	return plan, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printReport(w io.Writer, r *pipeline.Report) {
	fmt.Fprintf(w, "\n%s %s\n\n", ui.Bold.Render("Pipeline report for"), r.Model)

	rows := make([][]string, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		rows = append(rows, []string{a.Stage, a.Precision, ui.FormatBytes(a.ModelSize), a.Dir})
	}
	ui.Table(w, []string{"STAGE", "PRECISION", "SIZE", "DIRECTORY"}, rows)

	fmt.Fprintln(w)
	names := slices.Sorted(maps.Keys(r.Baseline))
	rows = rows[:0]
	for _, name := range names {
		rows = append(rows, []string{
			name,
			formatMetric(name, r.Baseline[name]),
			formatMetric(name, r.Candidate[name]),
		})
	}
	ui.Table(w, []string{"METRIC", "BASELINE", "CANDIDATE"}, rows)

	fmt.Fprintln(w)
	pairs := [][2]string{
		{"Accuracy drop", fmt.Sprintf("%.4f", r.AccuracyDrop)},
		{"Latency", fmt.Sprintf("%s -> %s (%.2fx)",
			ui.FormatDuration(r.BaselineLatency.Mean), ui.FormatDuration(r.CandidateLatency.Mean), r.Latency.Speedup)},
		{"Duration", ui.FormatDuration(r.Duration)},
	}
	if r.Quantization != nil {
		pairs = append(pairs, [2]string{"Size ratio", fmt.Sprintf("%.2f", r.Quantization.Ratio())})
	}
	ui.KeyValue(w, pairs)
	for _, c := range r.Caveats {
		fmt.Fprintf(w, "  %s %s\n", ui.Warning.Render("caveat:"), c)
	}

	fmt.Fprintln(w)
	switch {
	case !r.Accepted:
		fmt.Fprintf(w, "%s %s\n", ui.Error.Render("rejected:"), r.Rejection)
	case r.Published != nil:
		fmt.Fprintf(w, "%s published %s@%s\n", ui.Success.Render("accepted:"), r.Published.Name, r.Published.Version)
	default:
		fmt.Fprintf(w, "%s final artifact in %s\n", ui.Success.Render("accepted:"), r.Final().Dir)
	}
}

func formatMetric(name string, v float64) string {
	if name == evaluate.MetricSamples {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.4f", v)
}
