package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/internal/signing"
	"github.com/silmaril/quench/internal/storage"
	"github.com/silmaril/quench/internal/ui"
)

var (
	initForce bool
	initPath  string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize quench directories, configuration and signing keys",
	Long: `Initialize the quench environment by creating the working directories, a
default configuration file and a manifest signing key if they don't already
exist.

This command will create:
  - Base directory (~/.quench by default)
  - Models directory for checkpoints
  - Artifacts directory for pipeline outputs
  - Hub directory for locally published bundles
  - Cache directory for pulled bundles
  - Keys directory with an RSA signing key
  - Configuration file (<base>/config.yaml)

Use --path to initialize in a custom location instead of the default.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing configuration")
	initCmd.Flags().StringVar(&initPath, "path", "", "initialize in a custom path instead of default")
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	baseDir := config.Get().Storage.BaseDir
	if initPath != "" {
		abs, err := filepath.Abs(initPath)
		if err != nil {
			return fmt.Errorf("invalid path %q: %w", initPath, err)
		}
		baseDir = abs
	}
	paths := storage.NewPaths(baseDir)
	if initPath == "" {
		paths = appPaths()
	}

	fmt.Fprintf(out, "Initializing quench in: %s\n\n", baseDir)

	dirs := []struct {
		path string
		desc string
	}{
		{paths.BaseDir(), "Base directory"},
		{paths.ModelsDir(), "Models directory"},
		{paths.ArtifactsDir(), "Artifacts directory"},
		{paths.HubDir(), "Hub directory"},
		{paths.CacheDir(), "Cache directory"},
		{paths.KeysDir(), "Keys directory"},
	}
	for _, dir := range dirs {
		if err := createDirectory(out, dir.path, dir.desc); err != nil {
			return err
		}
	}
	if err := os.Chmod(paths.KeysDir(), 0o700); err != nil {
		return fmt.Errorf("failed to secure keys directory: %w", err)
	}

	if err := createConfigFile(out, filepath.Join(baseDir, "config.yaml"), baseDir); err != nil {
		return err
	}

	kp, created, err := signing.LoadOrCreate(paths.KeysDir())
	if err != nil {
		return fmt.Errorf("failed to prepare signing key: %w", err)
	}
	fp, err := signing.Fingerprint(kp.PublicKey)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "  %s Created signing key %s\n", ui.Success.Render("✓"), fp)
	} else {
		fmt.Fprintf(out, "  %s Signing key already exists: %s\n", ui.Dim.Render("•"), fp)
	}

	fmt.Fprintf(out, "\n%s\n", ui.Success.Render("quench initialization complete!"))
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Run 'quench checkpoint create-demo' to create a demo checkpoint and dataset")
	fmt.Fprintln(out, "  2. Run 'quench run --model demo/sentiment-bow --dataset <file>' to run the pipeline")
	fmt.Fprintln(out, "  3. Run 'quench list' to see checkpoints and artifacts")

	if initPath != "" {
		fmt.Fprintf(out, "\nNote: You initialized in a custom location: %s\n", baseDir)
		fmt.Fprintf(out, "Set QUENCH_HOME=%s to use this location by default\n", baseDir)
	}
	return nil
}

func createDirectory(out io.Writer, path, description string) error {
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			fmt.Fprintf(out, "  %s %s already exists: %s\n", ui.Dim.Render("•"), description, path)
			return nil
		}
		return fmt.Errorf("%s exists but is not a directory: %s", description, path)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", description, err)
	}
	fmt.Fprintf(out, "  %s Created %s: %s\n", ui.Success.Render("✓"), description, path)
	return nil
}

func createConfigFile(out io.Writer, configPath, baseDir string) error {
	if _, err := os.Stat(configPath); err == nil {
		if !initForce {
			fmt.Fprintf(out, "  %s Configuration already exists: %s\n", ui.Dim.Render("•"), configPath)
			fmt.Fprintln(out, "    (use --force to overwrite)")
			return nil
		}
		fmt.Fprintf(out, "  %s Overwriting existing configuration\n", ui.Warning.Render("!"))
	}

	v := config.GetViper()
	v.Set("storage.base_dir", baseDir)
	if err := config.SaveConfig(configPath); err != nil {
		return fmt.Errorf("failed to create configuration file: %w", err)
	}
	fmt.Fprintf(out, "  %s Created configuration: %s\n", ui.Success.Render("✓"), configPath)
	return nil
}
