package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/silmaril/quench/internal/config"
	"github.com/silmaril/quench/internal/hub"
	"github.com/silmaril/quench/internal/logger"
	"github.com/silmaril/quench/internal/ui"
	"github.com/silmaril/quench/pkg/types"
)

var (
	hubServeAddr  string
	hubServeToken string
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Serve or inspect a bundle hub",
}

var hubServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local hub directory over HTTP",
	Long: `Serves storage.hub_dir so other machines can pull bundles and, with a
token, publish them. Without a token the hub is read-only.

Clients point hub.url at http://<addr>.`,
	Args: cobra.NoArgs,
	RunE: runHubServe,
}

var hubListCmd = &cobra.Command{
	Use:   "ls [owner/name]",
	Short: "List repositories, or the versions of one repository",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHubList,
}

func init() {
	rootCmd.AddCommand(hubCmd)
	hubCmd.AddCommand(hubServeCmd, hubListCmd)

	hubServeCmd.Flags().StringVar(&hubServeAddr, "addr", "", "listen address (default hub.listen_addr)")
	hubServeCmd.Flags().StringVar(&hubServeToken, "token", "", "token required for uploads (default hub.token)")
}

func runHubServe(cmd *cobra.Command, args []string) error {
	c := config.Get()
	addr := hubServeAddr
	if addr == "" {
		addr = c.Hub.ListenAddr
	}
	token := hubServeToken
	if token == "" {
		token = c.Hub.Token
	}
	log := logger.FromContext(cmd.Context())
	if token == "" {
		log.Warn("no token configured, hub is read-only")
	}
	srv := hub.NewServer(hub.NewDir(c.Storage.HubDir), token, log)
	srv.SetUploadTTL(c.Hub.UploadTTL)
	return srv.ListenAndServe(cmd.Context(), addr)
}

func runHubList(cmd *cobra.Command, args []string) error {
	c := config.Get()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var client *hub.Client
	dir := hub.NewDir(c.Storage.HubDir)
	if c.Hub.URL != "" {
		client = hub.NewClient(c.Hub.URL)
		if err := client.Health(ctx); err != nil {
			return fmt.Errorf("hub %s is not reachable: %w", c.Hub.URL, err)
		}
	}

	if len(args) == 0 {
		var repos []string
		var err error
		if client != nil {
			repos, err = client.Repositories(ctx)
		} else {
			repos, err = dir.Repositories()
		}
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Fprintln(out, "No repositories published yet.")
			return nil
		}
		for _, r := range repos {
			fmt.Fprintln(out, r)
		}
		return nil
	}

	ref, err := types.ParseRepoRef(args[0])
	if err != nil {
		return err
	}
	var refs hub.Refs
	if client != nil {
		refs, err = client.Refs(ctx, ref)
	} else {
		refs, err = dir.Refs(ref)
	}
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(refs.Revisions))
	for _, rev := range slices.Backward(refs.Revisions) {
		var names []string
		for name, target := range refs.Refs {
			if target == rev {
				names = append(names, name)
			}
		}
		slices.Sort(names)
		rows = append(rows, []string{rev, fmt.Sprint(names)})
	}
	fmt.Fprintln(out, ui.Bold.Render(ref.Repo()))
	ui.Table(out, []string{"VERSION", "REFS"}, rows)
	return nil
}
