package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "adscan",
		Short:         "Scan publisher ads.txt and app-ads.txt manifests for a brand",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "path to a YAML config file")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text or json)")
	pf.String("registry-url", "", "sellers.json registry URL")
	pf.String("brand", "", "brand token to match (default derived from the registry host)")
	pf.String("storage", "", "storage backend (memory, sqlite, postgres, json)")
	pf.String("dsn", "", "storage DSN or file path")
	pf.String("fingerprint", "", "TLS fingerprint profile (go, chrome, firefox, safari, random)")
	pf.String("proxy-file", "", "file with one proxy URL per line")
	pf.Float64("rps", 0, "requests per second per host (0 = unlimited)")

	root.AddCommand(
		newServeCmd(a),
		newScanCmd(a),
		newRegistryCmd(a),
	)
	return root
}
