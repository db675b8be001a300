package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/internal/signing"
	"github.com/silmaril/quench/internal/ui"
)

var keysForce bool

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the manifest signing key",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new RSA signing key",
	Long: `Generates a 2048-bit RSA key pair in security.keys_dir. Bundles signed
with an old key no longer verify once it is replaced.`,
	Args: cobra.NoArgs,
	RunE: runKeysGenerate,
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the fingerprint of the signing key",
	Args:  cobra.NoArgs,
	RunE:  runKeysShow,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd, keysShowCmd)

	keysGenerateCmd.Flags().BoolVar(&keysForce, "force", false, "replace an existing key")
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	dir := config.Get().Security.KeysDir
	if _, err := os.Stat(filepath.Join(dir, signing.PrivateKeyFile)); err == nil && !keysForce {
		return fmt.Errorf("a signing key already exists in %s (use --force to replace it)", dir)
	}
	kp, err := signing.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := kp.Save(dir); err != nil {
		return err
	}
	fp, err := signing.Fingerprint(kp.PublicKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Generated key %s in %s\n", ui.Success.Render("✓"), fp, dir)
	return nil
}

func runKeysShow(cmd *cobra.Command, args []string) error {
	dir := config.Get().Security.KeysDir
	pub, err := signing.LoadPublicKey(filepath.Join(dir, signing.PublicKeyFile))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no signing key in %s, run 'quench keys generate'", dir)
	}
	if err != nil {
		return err
	}
	fp, err := signing.Fingerprint(pub)
	if err != nil {
		return err
	}
	ui.KeyValue(cmd.OutOrStdout(), [][2]string{
		{"Fingerprint", fp},
		{"Directory", dir},
	})
	return nil
}
