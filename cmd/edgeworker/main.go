package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
	"github.com/muandane/special-stack/edgeworker/internal/config"
	"github.com/muandane/special-stack/edgeworker/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "edgeworker",
	Short: "Offline-first caching worker for the ROLÊ web app",
	Long: "edgeworker sits between the ROLÊ web app and its origin. It pre-caches the app shell,\n" +
		"serves requests cache-first or network-first, buffers analytics while offline and\n" +
		"replays them when connectivity returns.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
}

// openStore builds the cache store selected by CACHE_BACKEND.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Store, error) {
	switch cfg.CacheBackend {
	case "s3":
		client, err := storage.NewMinioClient(cfg.Storage)
		if err != nil {
			return nil, err
		}
		if err := storage.EnsureBucket(ctx, client, cfg.Storage.Bucket); err != nil {
			return nil, err
		}
		logger.Info("using s3 cache store", "endpoint", cfg.Storage.Endpoint, "bucket", cfg.Storage.Bucket)
		return cache.NewS3Store(client, cfg.Storage.Bucket)
	case "memory":
		logger.Info("using in-memory cache store")
		return cache.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.CacheBackend)
	}
}
