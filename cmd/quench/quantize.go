package main

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/internal/evaluate"
	"github.com/silmaril/quench/internal/pipeline"
	"github.com/silmaril/quench/internal/quantize"
	"github.com/silmaril/quench/internal/storage"
	"github.com/silmaril/quench/internal/ui"
)

var (
	quantISA         string
	quantPerChannel  bool
	quantStatic      bool
	quantMethod      string
	quantSamples     int
	quantPercentile  float64
	quantEmbeddings  bool
	quantReduceRange bool
	quantHostCheck   bool
	quantCalibration string
	quantOutput      string
)

var quantizeCmd = &cobra.Command{
	Use:   "quantize <artifact-dir>",
	Short: "Quantize an artifact to 8-bit integers",
	Long: `Quantizes the MatMul and Gemm weights of an artifact to int8.

Dynamic quantization (the default) computes activation scales at run time.
Static quantization fixes them from a calibration dataset (--static with
--calibration <file>); --method picks minmax or percentile ranges.

ISAs: avx2, avx512, avx512_vnni, arm64. Each ISA starts from its preset:
avx2 and avx512 default to --reduce-range, since uint8 activations saturate
there without it. --host-check refuses to quantize for an ISA this machine
does not support.`,
	Args: cobra.ExactArgs(1),
	RunE: runQuantize,
}

func init() {
	rootCmd.AddCommand(quantizeCmd)

	f := quantizeCmd.Flags()
	f.StringVar(&quantISA, "isa", "", "target instruction set (default from config)")
	f.BoolVar(&quantPerChannel, "per-channel", false, "one scale per output channel")
	f.BoolVar(&quantStatic, "static", false, "calibrate activation ranges ahead of time")
	f.StringVar(&quantMethod, "method", "", "static calibration method: minmax or percentile")
	f.IntVar(&quantSamples, "samples", 0, "calibration samples (default from config)")
	f.Float64Var(&quantPercentile, "percentile", 0, "percentile for the percentile method")
	f.BoolVar(&quantEmbeddings, "embeddings", false, "also quantize embedding tables")
	f.BoolVar(&quantReduceRange, "reduce-range", false, "limit weights to 7 bits (default from the ISA preset)")
	f.BoolVar(&quantHostCheck, "host-check", false, "fail when this CPU lacks the ISA")
	f.StringVar(&quantCalibration, "calibration", "", "calibration dataset (.jsonl or .csv)")
	f.StringVarP(&quantOutput, "output", "o", "", "artifact directory (default next to the input)")
}

// quantizeStep merges flags over the configured defaults.
func quantizeStep(cmd *cobra.Command) pipeline.QuantizeStep {
	plan := pipeline.Plan{}
	plan.ApplyDefaults(config.Get())
	s := plan.Quantize

	f := cmd.Flags()
	if quantISA != "" {
		s.ISA = quantISA
	}
	if quantMethod != "" {
		s.Method = quantMethod
	}
	override := func(name string, dst **bool, v bool) {
		if f.Changed(name) {
			*dst = &v
		}
	}
	override("per-channel", &s.PerChannel, quantPerChannel)
	override("static", &s.Static, quantStatic)
	override("embeddings", &s.Embeddings, quantEmbeddings)
	override("reduce-range", &s.ReduceRange, quantReduceRange)
	override("host-check", &s.HostCheck, quantHostCheck)
	if f.Changed("samples") {
		s.Samples = &quantSamples
	}
	if f.Changed("percentile") {
		s.Percentile = &quantPercentile
	}
	return s
}

func runQuantize(cmd *cobra.Command, args []string) error {
	cfg, err := quantizeStep(cmd).Config()
	if err != nil {
		return err
	}
	in, err := artifact.Open(args[0])
	if err != nil {
		return err
	}

	var calibration []string
	if quantCalibration != "" {
		ds, err := evaluate.LoadDataset(quantCalibration)
		if err != nil {
			return err
		}
		calibration = ds.Texts()
	}

	target := quantOutput
	if target == "" {
		target = siblingDir(args[0], storage.QuantizedDir)
	}
	art, report, err := quantize.Quantize(cmd.Context(), in, cfg, calibration, target)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Quantized for %s (%s): %s -> %s (%.0f%%)\n",
		ui.Success.Render("✓"), cfg.ISA(), cfg.Calibration(),
		ui.FormatBytes(report.SizeBefore), ui.FormatBytes(report.SizeAfter), report.Ratio()*100)

	ops := slices.Sorted(maps.Keys(report.Nodes))
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, []string{op, strconv.Itoa(report.Nodes[op])})
	}
	if len(rows) > 0 {
		ui.Table(out, []string{"OPERATOR", "QUANTIZED"}, rows)
	}
	printArtifact(out, art)
	return nil
}
