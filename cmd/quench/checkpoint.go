package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/checkpoint"
	"github.com/silmaril/quench/internal/registry"
	"github.com/silmaril/quench/internal/storage"
	"github.com/silmaril/quench/internal/ui"
)

var (
	demoSeed    uint64
	demoDataset string
	demoSamples int
	demoForce   bool

	cloneBranch string
	cloneDepth  int
	cloneToken  string
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage source checkpoints",
}

var createDemoCmd = &cobra.Command{
	Use:   "create-demo [model-id]",
	Short: "Create a small deterministic sentiment checkpoint and dataset",
	Long: `Creates a bag-of-words sentiment classifier checkpoint in the models
directory together with a labeled JSONL dataset it can be evaluated on.

The checkpoint uses the same layout as a Hugging Face sequence-classification
repository (config.json, vocab.txt, model.safetensors), so it can be fed to
'quench export' or 'quench run' like any downloaded model.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCreateDemo,
}

var cloneCmd = &cobra.Command{
	Use:   "clone <git-url>",
	Short: "Clone a checkpoint repository into the models directory",
	Long: `Clones a git repository holding a sequence-classification checkpoint
(for example https://huggingface.co/<owner>/<name>) into the models directory.
The model id is derived from the URL path.`,
	Args: cobra.ExactArgs(1),
	RunE: runClone,
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(createDemoCmd, cloneCmd)

	createDemoCmd.Flags().Uint64Var(&demoSeed, "seed", 42, "seed for weights and dataset")
	createDemoCmd.Flags().StringVar(&demoDataset, "dataset", "", "dataset output path (default <base>/datasets/<model>.jsonl)")
	createDemoCmd.Flags().IntVar(&demoSamples, "samples", 200, "number of dataset samples, 0 to skip the dataset")
	createDemoCmd.Flags().BoolVar(&demoForce, "force", false, "replace an existing checkpoint")

	cloneCmd.Flags().StringVar(&cloneBranch, "branch", "", "branch to clone (default remote HEAD)")
	cloneCmd.Flags().IntVar(&cloneDepth, "depth", 1, "history depth")
	cloneCmd.Flags().StringVar(&cloneToken, "token", "", "access token for private repositories")
}

func runCreateDemo(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	id := checkpoint.DemoModelID
	if len(args) == 1 {
		id = args[0]
	}

	paths := appPaths()
	dir := paths.ModelPath(id)
	if checkpoint.IsCheckpoint(dir) {
		if !demoForce {
			return fmt.Errorf("checkpoint %s already exists in %s (use --force to replace it)", id, dir)
		}
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}

	if _, err := checkpoint.CreateDemo(dir, checkpoint.DemoOptions{Seed: demoSeed}); err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	fmt.Fprintf(out, "%s Created checkpoint %s in %s\n", ui.Success.Render("✓"), id, dir)

	if demoSamples <= 0 {
		return nil
	}
	path := demoDataset
	if path == "" {
		path = filepath.Join(paths.BaseDir(), "datasets", storage.SafeName(id)+".jsonl")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := checkpoint.WriteJSONL(path, checkpoint.GenerateDataset(demoSeed, demoSamples)); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	fmt.Fprintf(out, "%s Wrote %d samples to %s\n", ui.Success.Render("✓"), demoSamples, path)
	return nil
}

func runClone(cmd *cobra.Command, args []string) error {
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	id, err := reg.Clone(cmd.Context(), registry.CloneOptions{
		URL:      args[0],
		Branch:   cloneBranch,
		Depth:    cloneDepth,
		Token:    cloneToken,
		Progress: progressWriter(cmd),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Cloned %s as %s\n", ui.Success.Render("✓"), args[0], id)
	return nil
}
