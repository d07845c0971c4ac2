package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/szaher/vastctl/internal/api"
	"github.com/szaher/vastctl/internal/config"
	"github.com/szaher/vastctl/internal/credentials"
	"github.com/szaher/vastctl/internal/display"
	"github.com/szaher/vastctl/internal/telemetry"
)

// app is the per-command wiring of config, logging, metrics and client.
type app struct {
	cfg     config.Config
	cred    credentials.Credential
	logger  *slog.Logger
	redact  *telemetry.RedactHandler
	metrics *telemetry.Metrics
	client  *api.Client
	format  display.Format
	out     io.Writer
	errOut  io.Writer
}

// clientOptions is appended to every client; tests use it to inject a
// clock.
var clientOptions []api.Option

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgFile, cmd.Root().PersistentFlags())
	if err != nil {
		return nil, err
	}

	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	var logger *slog.Logger
	if cfg.LogFormat == "json" {
		logger = telemetry.NewLogger(cmd.ErrOrStderr(), level)
	} else {
		logger = telemetry.NewCLILogger(cmd.ErrOrStderr(), level)
	}
	redact := telemetry.NewRedactHandler(logger.Handler())
	logger = slog.New(redact)

	if noColor {
		color.NoColor = true
	}

	format, err := display.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}

	cred, err := credentials.Resolve(cfg.APIKey, cfg.APIKeyFile)
	if err != nil {
		return nil, err
	}
	redact.AddSecret(cred.Key)
	logger.Debug("configuration loaded", "config_file", cfg.File, "url", cfg.URL, "key_source", string(cred.Source))

	metrics := telemetry.NewMetrics()
	opts := append([]api.Option{
		api.WithBaseURL(cfg.URL),
		api.WithAPIKey(cred.Key),
		api.WithTimeout(cfg.Timeout),
		api.WithLogger(logger),
		api.WithMetrics(metrics),
		api.WithRetry(cfg.Retry.Attempts, cfg.Retry.Delay),
	}, clientOptions...)

	return &app{
		cfg:     cfg,
		cred:    cred,
		logger:  logger,
		redact:  redact,
		metrics: metrics,
		client:  api.NewClient(opts...),
		format:  format,
		out:     cmd.OutOrStdout(),
		errOut:  cmd.ErrOrStderr(),
	}, nil
}

// commandContext returns the command context carrying the correlation ID.
func (a *app) commandContext(cmd *cobra.Command) context.Context {
	return telemetry.WithCorrelationID(cmd.Context(), correlationID)
}

// finish writes the metrics textfile when requested.
func (a *app) finish() {
	if metricsFile == "" {
		return
	}
	if err := a.metrics.WriteTextfile(metricsFile); err != nil {
		a.logger.Warn("failed to write metrics file", "path", metricsFile, "error", err)
	}
}

// render writes v with the table function for the table format and the
// structured encoder otherwise.
func (a *app) render(v any, table func(io.Writer)) error {
	if a.format == display.FormatTable {
		table(a.out)
		return nil
	}
	return display.Encode(a.out, a.format, v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
