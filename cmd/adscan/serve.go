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

	"github.com/FranksOps/adscan/internal/bridge"
	"github.com/FranksOps/adscan/internal/config"
	"github.com/FranksOps/adscan/internal/metrics"
	"github.com/FranksOps/adscan/internal/scan"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scanner core behind the HTTP message bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address for the message bridge")
	cmd.Flags().Int("metrics-port", 0, "expose Prometheus metrics on this port (0 = off)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cache, store, err := a.openRegistry(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	defer cache.Wait()

	probeFetcher, err := a.newFetcher(probeFetch)
	if err != nil {
		return err
	}
	fallbackFetcher, err := a.newFetcher(fallbackFetch)
	if err != nil {
		return err
	}

	var metricsSrv *metrics.Server
	if a.cfg.Serve.MetricsPort > 0 {
		metricsSrv = metrics.Start(a.cfg.Serve.MetricsPort, a.logger)
		defer metricsSrv.Stop(context.Background())
	}

	tabs := bridge.NewTabs()
	badge := bridge.NewBadge(a.logger)
	sched := scan.NewScheduler(scan.Config{
		InitialDelay:  a.cfg.Scan.InitialDelay,
		RetryInterval: a.cfg.Scan.RetryInterval,
		Cooldown:      a.cfg.Scan.Cooldown,
		MaxRetries:    a.cfg.Scan.MaxRetries,
		ProbeTimeout:  a.cfg.Scan.ProbeTimeout,
		Brand:         a.brand(cache.URL()),
	}, scan.Deps{
		Probe:    scan.HTTPProbe{Fetcher: probeFetcher},
		Tabs:     tabs,
		Sink:     badge,
		Fallback: fallbackFetcher,
		Logger:   a.logger,
	})
	defer sched.Close()

	current := a.cfg.Registry.URL
	a.loader.Watch(func(cfg config.Config, err error) {
		if err != nil {
			a.logger.Warn("ignoring config change", "err", err)
			return
		}
		if cfg.Registry.URL == current {
			return
		}
		if err := cache.UseURL(cfg.Registry.URL); err != nil {
			a.logger.Warn("ignoring registry url change", "url", cfg.Registry.URL, "err", err)
			return
		}
		current = cfg.Registry.URL
		a.logger.Info("registry url changed", "url", cfg.Registry.URL)
	})

	// Warm the registry if the persisted copy is stale or missing.
	cache.Get(ctx)

	handler := bridge.NewHandler(cache, sched, tabs, badge, a.logger)
	srv := &http.Server{
		Addr:              a.cfg.Serve.Addr,
		Handler:           handler.Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("message bridge listening", "addr", srv.Addr, "registry", cache.URL())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("message bridge: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
