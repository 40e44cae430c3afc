package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/muandane/special-stack/edgeworker/internal/config"
	"github.com/muandane/special-stack/edgeworker/internal/lifecycle"
)

var pruneNamespaces bool

func init() {
	namespacesCmd.Flags().BoolVar(&pruneNamespaces, "prune", false, "delete namespaces that are not current for CACHE_VERSION")
	rootCmd.AddCommand(namespacesCmd)
}

var namespacesCmd = &cobra.Command{
	Use:   "namespaces",
	Short: "List cache namespaces in the configured store",
	Long:  "List cache namespaces in the configured store. Only useful with CACHE_BACKEND=s3,\nsince the in-memory store does not outlive the server process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)
		ctx := cmd.Context()

		wcfg, err := cfg.Worker()
		if err != nil {
			return err
		}
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if pruneNamespaces {
			deleted, err := lifecycle.NewManager(wcfg, store, nil, nil, logger).Activate(ctx)
			for _, name := range deleted {
				fmt.Fprintf(out, "deleted %s\n", name)
			}
			if err != nil {
				return err
			}
		}

		names, err := store.Names(ctx)
		if err != nil {
			return err
		}
		current := wcfg.Namespaces().Current()
		for _, name := range names {
			marker := " "
			if slices.Contains(current, name) {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s\n", marker, name)
		}
		return nil
	},
}
