package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/internal/errdefs"
	"github.com/silmaril/quench/internal/hub"
	"github.com/silmaril/quench/internal/logger"
	"github.com/silmaril/quench/internal/publish"
	"github.com/silmaril/quench/internal/registry"
	"github.com/silmaril/quench/internal/signing"
	"github.com/silmaril/quench/internal/storage"
	"github.com/silmaril/quench/internal/ui"
)

var (
	cfgFile string
	verbose bool
	noColor bool
	initErr error

	rootCmd = &cobra.Command{
		Use:   "quench",
		Short: "Export, optimize and quantize transformer classifiers for CPU inference",
		Long: `Quench turns a sequence-classification checkpoint into a compact int8 graph
artifact and checks that the result still does its job.

Key Commands:
  export    - Trace a checkpoint into a graph artifact
  optimize  - Apply graph rewrites (fusion, folding, pruning)
  quantize  - Quantize weights and activations to 8 bits
  evaluate  - Score artifacts on a labeled dataset
  benchmark - Measure inference latency
  run       - Execute the whole pipeline from a plan file
  publish   - Push an artifact to a hub
  pull      - Fetch and verify a published artifact`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/quench/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func initConfig() {
	initErr = nil
	if err := config.Initialize(cfgFile); err != nil {
		initErr = fmt.Errorf("error initializing config: %w", err)
		return
	}
	if err := config.CreateAllDirs(); err != nil {
		initErr = fmt.Errorf("error creating directories: %w", err)
	}
}

// setup runs before every command: it installs the logger into the command
// context and decides whether output is styled.
func setup(cmd *cobra.Command, _ []string) error {
	if initErr != nil {
		return initErr
	}
	c := config.Get()

	level := c.UI.LogLevel
	if verbose || c.UI.Verbose {
		level = "debug"
	}
	log := logger.FromConfig(cmd.ErrOrStderr(), c.UI.LogFormat, level)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logger.WithContext(ctx, log))

	ui.SetColor(c.UI.Color && !noColor && ui.IsTerminal(cmd.OutOrStdout()))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process status so scripts can tell a bad
// invocation from a stage that failed.
func exitCode(err error) int {
	switch errdefs.KindOf(err) {
	case nil:
		return 1
	case errdefs.ErrConfiguration:
		return 2
	case errdefs.ErrMismatch:
		return 3
	case errdefs.ErrExport, errdefs.ErrOptimization, errdefs.ErrQuantization:
		return 4
	case errdefs.ErrEvaluation:
		return 5
	default:
		// publish and load
		return 6
	}
}

func appPaths() *storage.Paths {
	return storage.FromConfig(config.Get())
}

func newRegistry() (*registry.Registry, error) {
	return registry.New(appPaths())
}

// progressWriter returns where transfer and stage progress is drawn, or nil
// when progress bars are off.
func progressWriter(cmd *cobra.Command) io.Writer {
	if !config.Get().UI.ProgressBar || !ui.IsTerminal(cmd.ErrOrStderr()) {
		return nil
	}
	return cmd.ErrOrStderr()
}

// hubRemote returns the configured hub with retries. An empty hub.url means
// the directory hub under storage.hub_dir.
func hubRemote(cmd *cobra.Command) publish.Remote {
	c := config.Get()
	var remote publish.Remote
	if c.Hub.URL == "" {
		remote = hub.NewDir(c.Storage.HubDir)
	} else {
		opts := []hub.ClientOption{hub.WithUploadRate(c.Hub.UploadRate)}
		if w := progressWriter(cmd); w != nil {
			opts = append(opts, hub.WithProgress(ui.NewProgressBar(w, -1, "transferring", true)))
		}
		remote = hub.NewClient(c.Hub.URL, opts...)
	}
	return publish.Retrying(remote, hub.RetryPolicy{
		Attempts: max(c.Hub.Retries, 1),
		Backoff:  c.Hub.Backoff,
	})
}

// hubToken picks the push token. The directory hub does not authenticate, so
// it gets a placeholder when none is configured.
func hubToken(flag string) string {
	c := config.Get()
	switch {
	case flag != "":
		return flag
	case c.Hub.Token != "":
		return c.Hub.Token
	case c.Hub.URL == "":
		return "local"
	}
	return ""
}

// signingKey returns the private key used for manifests, creating one on
// first use. It returns nil when signing is disabled.
func signingKey(cmd *cobra.Command, disabled bool) (*signing.KeyPair, error) {
	c := config.Get()
	if disabled || !c.Security.SignManifests {
		return nil, nil
	}
	kp, created, err := signing.LoadOrCreate(c.Security.KeysDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	if created {
		fmt.Fprintf(cmd.ErrOrStderr(), "Generated signing key in %s\n", c.Security.KeysDir)
	}
	return kp, nil
}

// verificationKey returns the public key pulled manifests are checked
// against, or nil when verification is off or no key exists.
func verificationKey() (*rsa.PublicKey, error) {
	c := config.Get()
	if !c.Security.VerifyManifests {
		return nil, nil
	}
	path := filepath.Join(c.Security.KeysDir, signing.PublicKeyFile)
	pub, err := signing.LoadPublicKey(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// siblingDir places a stage output next to the input artifact.
func siblingDir(input, stage string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(input)), stage)
}

func printArtifact(w io.Writer, a *artifact.Artifact) {
	meta := a.Metadata()
	ui.KeyValue(w, [][2]string{
		{"Directory", a.Dir()},
		{"Model", meta.SourceModel},
		{"Stage", meta.Stage},
		{"Precision", meta.Precision},
		{"Model size", ui.FormatBytes(a.ModelSize())},
		{"Labels", fmt.Sprintf("%v", a.Labels())},
	})
	for _, c := range meta.Caveats {
		fmt.Fprintf(w, "  %s %s\n", ui.Warning.Render("caveat:"), c)
	}
}
