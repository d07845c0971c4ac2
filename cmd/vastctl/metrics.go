package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/szaher/vastctl/internal/credentials"
)

func newMetricsCmd() *cobra.Command {
	var (
		listen   string
		schedule string
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics about the account's instances",
		Long: `Serve Prometheus metrics on --listen. The instance list is refreshed on
--schedule, a cron expression or "@every <duration>", and exported as
vastctl_instances{status} next to the client's request metrics. When the
API key comes from the key file, a new key written there (for example by
'vastctl login') is used from the next refresh on.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.finish()

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			return a.serveMetrics(a.commandContext(cmd), ln, schedule)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":9101", "Address to serve /metrics on")
	cmd.Flags().StringVar(&schedule, "schedule", "@every 1m", "Instance list refresh schedule")
	return cmd
}

// serveMetrics serves /metrics on ln and refreshes the instance gauges on
// schedule until ctx is done.
func (a *app) serveMetrics(ctx context.Context, ln net.Listener, schedule string) error {
	refresher := cron.New()
	if _, err := refresher.AddFunc(schedule, func() { a.collectInstances(ctx) }); err != nil {
		_ = ln.Close()
		return fmt.Errorf("invalid --schedule %q: %w", schedule, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("metrics server starting", "addr", ln.Addr().String(), "schedule", schedule)
		errc <- server.Serve(ln)
	}()

	a.watchKey(ctx)
	a.collectInstances(ctx)
	refresher.Start()
	defer func() { <-refresher.Stop().Done() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// watchKey reloads the client's key when the key file changes. A key given
// by flag, config or environment takes precedence and is not watched.
func (a *app) watchKey(ctx context.Context) {
	if a.cfg.APIKeyFile == "" {
		return
	}
	if a.cred.Source != credentials.SourceFile && a.cred.Source != credentials.SourceNone {
		return
	}
	err := credentials.WatchKeyFile(ctx, a.cfg.APIKeyFile, a.logger, func(key string) {
		a.redact.AddSecret(key)
		a.client.SetAPIKey(key)
		a.logger.Info("api key reloaded", "path", a.cfg.APIKeyFile)
	})
	if err != nil {
		a.logger.Warn("not watching api key file", "error", err)
	}
}

// collectInstances updates the per-status instance gauge. Failures are
// logged and the previous values kept.
func (a *app) collectInstances(ctx context.Context) {
	list, err := a.client.ListInstances(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("failed to refresh instances", "error", err)
		}
		return
	}
	counts := make(map[string]int)
	for _, in := range list {
		counts[in.Status()]++
	}
	a.metrics.SetInstanceCounts(counts)
	a.logger.Debug("instances refreshed", "count", len(list))
}
