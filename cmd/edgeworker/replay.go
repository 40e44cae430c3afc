package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muandane/special-stack/edgeworker/internal/config"
	"github.com/muandane/special-stack/edgeworker/internal/queue"
	"github.com/muandane/special-stack/edgeworker/internal/replay"
)

func init() {
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Deliver buffered analytics events once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)

		wcfg, err := cfg.Worker()
		if err != nil {
			return err
		}
		q, err := queue.Open(cfg.QueuePath)
		if err != nil {
			return err
		}
		defer q.Close()

		r, err := replay.New(q, replay.Options{
			Endpoint: wcfg.AnalyticsEndpoint,
			APIKey:   wcfg.APIKey,
			Rate:     cfg.ReplayRate,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		report, err := r.Replay(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}
