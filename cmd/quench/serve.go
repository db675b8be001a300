package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/internal/logger"
	"github.com/silmaril/quench/internal/serve"
	"github.com/silmaril/quench/pkg/types"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve <artifact-dir | owner/name[@ref]>",
	Short: "Serve an artifact over HTTP for classification",
	Long: `Loads an artifact from a directory, or pulls it from the hub, and serves it:

  GET  /v1/health    liveness
  GET  /v1/model     labels, precision, lineage and caveats
  POST /v1/classify  {"text": "..."} or {"texts": ["...", ...]}`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default serve.addr)")
	serveCmd.Flags().BoolVar(&pullRequireSignature, "require-signature", false, "reject unsigned bundles when pulling")
}

func runServe(cmd *cobra.Command, args []string) error {
	art, err := openOrPull(cmd, args[0])
	if err != nil {
		return err
	}
	srv, err := serve.New(art, logger.FromContext(cmd.Context()))
	if err != nil {
		return err
	}
	addr := serveAddr
	if addr == "" {
		addr = config.Get().Serve.Addr
	}
	return srv.ListenAndServe(cmd.Context(), addr)
}

// openOrPull opens target as an artifact directory when it exists and pulls
// it from the hub otherwise.
func openOrPull(cmd *cobra.Command, target string) (*artifact.Artifact, error) {
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return artifact.Open(target)
	}
	ref, err := types.ParseRepoRef(target)
	if err != nil {
		return nil, fmt.Errorf("%s is neither an artifact directory nor a repository: %w", target, err)
	}
	loaded, err := loadBundle(cmd, ref)
	if err != nil {
		return nil, err
	}
	return loaded.Artifact, nil
}
