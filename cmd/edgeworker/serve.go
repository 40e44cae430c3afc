package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/muandane/special-stack/edgeworker/internal/clients"
	"github.com/muandane/special-stack/edgeworker/internal/config"
	"github.com/muandane/special-stack/edgeworker/internal/connectivity"
	"github.com/muandane/special-stack/edgeworker/internal/events"
	"github.com/muandane/special-stack/edgeworker/internal/fetch"
	"github.com/muandane/special-stack/edgeworker/internal/handlers"
	"github.com/muandane/special-stack/edgeworker/internal/queue"
	"github.com/muandane/special-stack/edgeworker/internal/replay"
	"github.com/muandane/special-stack/edgeworker/internal/router"
	"github.com/muandane/special-stack/edgeworker/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install the worker and serve traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)
		gin.SetMode(gin.ReleaseMode)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		wcfg, err := cfg.Worker()
		if err != nil {
			return err
		}
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		origin, err := fetch.NewOrigin(cfg.OriginURL, cfg.Timeout)
		if err != nil {
			return err
		}

		q, err := queue.Open(cfg.QueuePath)
		if err != nil {
			return err
		}
		defer q.Close()

		replayer, err := replay.New(q, replay.Options{
			Endpoint: wcfg.AnalyticsEndpoint,
			APIKey:   wcfg.APIKey,
			Rate:     cfg.ReplayRate,
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		registry := clients.NewRegistry(logger)
		w, err := worker.New(worker.Options{
			Config:   wcfg,
			Store:    store,
			Fetcher:  origin,
			Replayer: replayer,
			Windows:  registry,
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		bus := events.NewBus()
		w.Register(bus)
		if err := w.Start(ctx, bus); err != nil {
			logger.Error("worker did not activate, passing requests through", "error", err)
		}

		stats := handlers.NewStats()
		proxy, err := handlers.NewProxyHandler(w, origin.URL(), stats, logger)
		if err != nil {
			return err
		}
		control := handlers.NewControlAPI(handlers.ControlOptions{
			Bus:     bus,
			Queue:   q,
			Store:   store,
			Current: wcfg.Namespaces().Current(),
			Clients: registry,
			Stats:   handlers.NewStatsHandler(stats, w, q, logger),
			Logger:  logger,
		})

		srv := &http.Server{
			Addr: cfg.ListenAddr,
			Handler: router.NewRouter(logger).Setup(router.Routes{
				Proxy:      proxy,
				Control:    control,
				Health:     handlers.NewHealthHandler(w, logger),
				AllowedIPs: cfg.ControlAllowedIPs,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		monitor := connectivity.NewMonitor(origin.URL().String(), cfg.ConnectivityInterval, nil, bus, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("server starting",
				"addr", cfg.ListenAddr,
				"origin", cfg.OriginURL,
				"version", wcfg.Version,
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			return monitor.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}
