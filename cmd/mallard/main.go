// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command mallard runs a fleet of Flight data-exchange servers over embedded
// DuckDB databases.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Query-farm/mallard/mallard"
	mallardotel "github.com/Query-farm/mallard/mallard/otel"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type options struct {
	configPath      string
	listen          string
	database        string
	serverID        string
	users           []string
	logLevel        string
	logJSON         bool
	telemetry       bool
	shutdownTimeout time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "mallard",
		Short: "Flight data-exchange server over embedded DuckDB",
		Long: `mallard serves Arrow Flight retrieve, ingest, exchange, and administer
operations over one or more embedded DuckDB databases.

With no flags it starts the default two-server in-memory fleet on
localhost:8815 and localhost:8816 with basic authentication enabled.
Use --config for a YAML fleet definition, or --listen to run a single
instance configured from flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML fleet configuration file")
	flags.StringVarP(&opts.listen, "listen", "l", "", "run a single instance bound to this host:port")
	flags.StringVar(&opts.database, "db", mallard.InMemoryDatabase, "DuckDB path for --listen mode")
	flags.StringVar(&opts.serverID, "server-id", "", "server identifier for --listen mode")
	flags.StringSliceVar(&opts.users, "user", nil, "user:secret credential for --listen mode; repeatable, enables auth")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON")
	flags.BoolVar(&opts.telemetry, "telemetry", false, "emit OpenTelemetry traces and metrics to stdout")
	flags.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", mallard.DefaultShutdownTimeout, "bound on graceful shutdown")
	cmd.MarkFlagsMutuallyExclusive("config", "listen")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	log, err := newLogger(opts)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	cfg, err := fleetConfig(opts)
	if err != nil {
		return err
	}

	fleet, err := mallard.NewFleet(cfg, log)
	if err != nil {
		return err
	}

	if opts.telemetry {
		shutdown, err := setupTelemetry(ctx)
		if err != nil {
			return fmt.Errorf("setting up telemetry: %w", err)
		}
		defer shutdown()
		hook := mallardotel.NewHook(mallardotel.DefaultConfig())
		for _, srv := range fleet.Servers() {
			srv.SetDispatchHook(hook)
		}
	}

	return fleet.Run(ctx)
}

// fleetConfig resolves the configuration from flags: an explicit YAML file, a
// single flag-built instance, or the built-in default fleet.
func fleetConfig(opts *options) (mallard.FleetConfig, error) {
	switch {
	case opts.configPath != "":
		cfg, err := mallard.LoadFleetConfig(opts.configPath)
		if err != nil {
			return mallard.FleetConfig{}, err
		}
		if opts.shutdownTimeout > 0 {
			cfg.ShutdownTimeout = opts.shutdownTimeout
		}
		return cfg, nil

	case opts.listen != "":
		users, err := parseUsers(opts.users)
		if err != nil {
			return mallard.FleetConfig{}, err
		}
		return mallard.FleetConfig{
			Servers: []mallard.ServerConfig{{
				Location:    opts.listen,
				Database:    opts.database,
				ServerID:    opts.serverID,
				AuthEnabled: len(users) > 0,
				Users:       users,
			}},
			ShutdownTimeout: opts.shutdownTimeout,
		}, nil

	default:
		cfg := mallard.DefaultFleetConfig()
		cfg.ShutdownTimeout = opts.shutdownTimeout
		return cfg, nil
	}
}

func parseUsers(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	users := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, secret, ok := strings.Cut(pair, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --user %q: expected user:secret", pair)
		}
		users[name] = secret
	}
	return users, nil
}

func newLogger(opts *options) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", opts.logLevel)
	}
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.logJSON {
		handler = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, hopts)
	}
	return slog.New(handler), nil
}

// setupTelemetry installs stdout-exporting tracer and meter providers as the
// process globals and returns a flush-and-shutdown func.
func setupTelemetry(ctx context.Context) (func(), error) {
	traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	metricExp, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(30*time.Second)),
	))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutting down tracer provider", "err", err)
		}
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutting down meter provider", "err", err)
		}
	}, nil
}
