package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/registry"
	"github.com/silmaril/quench/internal/ui"
)

var listKinds []string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local checkpoints, artifacts and pulled bundles",
	Long: `Shows the checkpoints in the models directory, the artifacts produced by
pipeline runs and the bundles pulled into the cache.

Use --kind to restrict the listing to checkpoint, artifact or bundle.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringSliceVar(&listKinds, "kind", nil, "only show these kinds")
}

func runList(cmd *cobra.Command, args []string) error {
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	kinds := make([]registry.Kind, 0, len(listKinds))
	for _, k := range listKinds {
		switch kind := registry.Kind(k); kind {
		case registry.KindCheckpoint, registry.KindArtifact, registry.KindBundle:
			kinds = append(kinds, kind)
		default:
			return fmt.Errorf("unknown kind %q", k)
		}
	}

	out := cmd.OutOrStdout()
	entries := reg.List(kinds...)
	if len(entries) == 0 {
		fmt.Fprintln(out, "No models found.")
		fmt.Fprintln(out, "\nUse 'quench checkpoint create-demo' to create a demo checkpoint.")
		fmt.Fprintln(out, "Use 'quench checkpoint clone <url>' to clone one from a git host.")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.ID,
			string(e.Kind),
			dash(e.Stage),
			dash(e.Precision),
			dash(e.Version),
			ui.FormatBytes(e.Size),
		})
	}
	ui.Table(out, []string{"ID", "KIND", "STAGE", "PRECISION", "VERSION", "SIZE"}, rows)

	usage := appPaths().GetDiskUsage()
	fmt.Fprintf(out, "\n%d entries, %s on disk (models %s, artifacts %s, hub %s, cache %s)\n",
		len(entries),
		ui.FormatBytes(usage.Total),
		ui.FormatBytes(usage.Models),
		ui.FormatBytes(usage.Artifacts),
		ui.FormatBytes(usage.Hub),
		ui.FormatBytes(usage.Cache))
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
