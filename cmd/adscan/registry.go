package main

import (
	"fmt"
	"io"

	"github.com/FranksOps/adscan/internal/registry"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newRegistryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and manage the cached sellers registry",
	}
	cmd.AddCommand(
		newRegistryShowCmd(a),
		newRegistryRefreshCmd(a),
		newRegistrySetURLCmd(a),
	)
	return cmd
}

func newRegistryShowCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the cached registry, refreshing it first when stale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cache, store, err := a.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			cache.Get(ctx)
			cache.Wait()
			if err := cache.LastError(); err != nil {
				a.logger.Warn("registry refresh failed, showing cached copy", "err", err)
			}
			return writeSnapshot(cmd.OutOrStdout(), cache.URL(), cache.Snapshot(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func newRegistryRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the registry now, regardless of its age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cache, store, err := a.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			sellers, err := cache.Refresh(ctx, true)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d sellers from %s\n", len(sellers), cache.URL())
			return nil
		},
	}
}

func newRegistrySetURLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-url [url]",
		Short: "Persist a custom registry URL (empty restores the default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cache, store, err := a.openRegistry(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var raw string
			if len(args) == 1 {
				raw = args[0]
			}
			if err := cache.SetURL(ctx, raw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registry url: %s\n", cache.URL())
			return nil
		},
	}
}

func writeSnapshot(w io.Writer, url string, snap registry.Snapshot, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			URL string `json:"url"`
			registry.Snapshot
		}{url, snap})
	}

	fetched := "never"
	if !snap.FetchedAt.IsZero() {
		fetched = snap.FetchedAt.Format("2006-01-02 15:04:05")
	}
	fmt.Fprintf(w, "registry: %s\nfetched:  %s\nsellers:  %d\n\n", url, fetched, len(snap.Sellers))
	for _, s := range snap.Sellers {
		fmt.Fprintln(w, s.String())
	}
	return nil
}
