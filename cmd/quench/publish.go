package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/artifact"
	"github.com/silmaril/quench/internal/publish"
	"github.com/silmaril/quench/internal/ui"
	"github.com/silmaril/quench/pkg/types"
)

var (
	pubVersion     string
	pubDescription string
	pubLicense     string
	pubToken       string
	pubNoSign      bool
	pubNoMagnet    bool
)

var publishCmd = &cobra.Command{
	Use:   "publish <artifact-dir> <owner/name[@ref]>",
	Short: "Push an artifact to the hub",
	Long: `Publishes an artifact as a versioned bundle: every file is hashed into a
manifest, the manifest is signed with the local key and the bundle is pushed
to the hub configured in hub.url (or the local hub directory).

Published versions are immutable. "main" always points at the newest version;
an @ref suffix points an additional ref at it.`,
	Args: cobra.ExactArgs(2),
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringVar(&pubVersion, "version", "", "version name (default derived from the current time)")
	publishCmd.Flags().StringVar(&pubDescription, "description", "", "bundle description")
	publishCmd.Flags().StringVar(&pubLicense, "license", "", "license identifier")
	publishCmd.Flags().StringVar(&pubToken, "token", "", "hub token (default hub.token)")
	publishCmd.Flags().BoolVar(&pubNoSign, "no-sign", false, "do not sign the manifest")
	publishCmd.Flags().BoolVar(&pubNoMagnet, "no-magnet", false, "omit the magnet URI from the manifest")
}

func runPublish(cmd *cobra.Command, args []string) error {
	art, err := artifact.Open(args[0])
	if err != nil {
		return err
	}
	dest, err := types.ParseRepoRef(args[1])
	if err != nil {
		return err
	}
	opts := publish.Options{
		Version:     pubVersion,
		Description: pubDescription,
		License:     pubLicense,
		Token:       hubToken(pubToken),
	}
	if pubNoMagnet {
		opts.PieceLength = -1
	}
	kp, err := signingKey(cmd, pubNoSign)
	if err != nil {
		return err
	}
	if kp != nil {
		opts.SigningKey = kp.PrivateKey
	}

	m, err := publish.NewPublisher(hubRemote(cmd)).Publish(cmd.Context(), art, dest, opts)
	if err != nil {
		return err
	}
	printManifest(cmd, m)
	return nil
}

func printManifest(cmd *cobra.Command, m *types.BundleManifest) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s@%s\n", ui.Success.Render("✓"), m.Name, m.Version)
	signed := "no"
	if m.Signature != "" {
		signed = "yes"
	}
	pairs := [][2]string{
		{"Precision", m.Precision},
		{"Stage", m.Stage},
		{"Files", fmt.Sprintf("%d (%s)", len(m.Files), ui.FormatBytes(m.TotalSize))},
		{"Signed", signed},
	}
	if m.MagnetURI != "" {
		pairs = append(pairs, [2]string{"Magnet", ui.TruncateString(m.MagnetURI, 72)})
	}
	ui.KeyValue(out, pairs)
	for _, c := range m.Caveats {
		fmt.Fprintf(out, "  %s %s\n", ui.Warning.Render("caveat:"), c)
	}
}
