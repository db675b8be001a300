package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/export"
	"github.com/silmaril/quench/internal/storage"
	"github.com/silmaril/quench/internal/ui"
)

var (
	exportTask   string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <model-id | git-url>",
	Short: "Trace a checkpoint into a graph artifact",
	Long: `Exports a sequence-classification checkpoint into a graph artifact: the
computation graph, the tokenizer it was trained with and metadata describing
labels, precision and lineage.

The model is looked up in the models directory. A git URL is cloned first.
The artifact is written to <base>/artifacts/<model>/exported unless --output
is given; the target directory must be empty.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportTask, "task", export.TaskTextClassification, "task to export for")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "artifact directory")
}

func runExport(cmd *cobra.Command, args []string) error {
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	model := args[0]
	target := exportOutput
	if target == "" {
		target = appPaths().StagePath(model, storage.ExportedDir)
	}

	art, err := export.New(reg).Export(cmd.Context(), model, exportTask, target)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Exported %s\n", ui.Success.Render("✓"), model)
	printArtifact(out, art)
	return nil
}
