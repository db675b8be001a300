package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/publish"
	"github.com/silmaril/quench/internal/ui"
	"github.com/silmaril/quench/pkg/types"
)

var pullRequireSignature bool

var pullCmd = &cobra.Command{
	Use:   "pull <owner/name[@ref]>",
	Short: "Fetch and verify a published artifact",
	Long: `Downloads a bundle from the hub into the local cache, checks every file
against the manifest hashes and the manifest signature, and confirms that the
tokenizer and labels still match the model.

Without a ref the newest version ("main") is pulled.`,
	Args: cobra.ExactArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().BoolVar(&pullRequireSignature, "require-signature", false, "reject unsigned bundles")
}

func runPull(cmd *cobra.Command, args []string) error {
	ref, err := types.ParseRepoRef(args[0])
	if err != nil {
		return err
	}
	loaded, err := loadBundle(cmd, ref)
	if err != nil {
		return err
	}
	printManifest(cmd, loaded.Manifest)
	printArtifact(cmd.OutOrStdout(), loaded.Artifact)
	return nil
}

func loadBundle(cmd *cobra.Command, ref types.RepoRef) (*publish.Loaded, error) {
	pub, err := verificationKey()
	if err != nil {
		return nil, fmt.Errorf("failed to load public key: %w", err)
	}
	if pullRequireSignature && pub == nil {
		return nil, fmt.Errorf("--require-signature needs a public key in the keys directory")
	}
	loader := publish.NewLoader(hubRemote(cmd), appPaths(), publish.LoadOptions{
		PublicKey:        pub,
		RequireSignature: pullRequireSignature,
	})
	loaded, err := loader.Load(cmd.Context(), ref)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s Pulled %s into %s\n", ui.Dim.Render("•"), ref.String(), loaded.Artifact.Dir())
	return loaded, nil
}
