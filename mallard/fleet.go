// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Fleet owns a set of server instances and coordinates their startup,
// signal-driven graceful shutdown with a bounded wait, and forced
// termination fallback.
type Fleet struct {
	servers []*Server
	log     *slog.Logger
	timeout time.Duration
	started int
}

// NewFleet builds a fleet from cfg. Call Start or Run to bring it up.
func NewFleet(cfg FleetConfig, log *slog.Logger) (*Fleet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	f := &Fleet{log: log, timeout: timeout}
	for _, sc := range cfg.Servers {
		f.servers = append(f.servers, NewServer(sc, log))
	}
	return f, nil
}

// Servers returns the fleet's instances in configuration order.
func (f *Fleet) Servers() []*Server { return f.servers }

// Start brings up every instance in turn. If any instance fails to
// initialize, the instances started so far are shut down and the failure is
// propagated.
func (f *Fleet) Start(ctx context.Context) error {
	for i, srv := range f.servers {
		if err := srv.Start(ctx); err != nil {
			f.log.Error("fleet startup failed, rolling back", "failed_index", i, "err", err)
			f.shutdownStarted()
			return fmt.Errorf("starting fleet: %w", err)
		}
		f.started = i + 1
	}
	f.log.Info("fleet started", "servers", len(f.servers))
	return nil
}

// Run starts the fleet and blocks until a termination signal arrives, the
// context is cancelled, or every serve loop exits; it then performs the
// bounded graceful shutdown. Signal handlers are registered once, fleet-wide.
func (f *Fleet) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := f.Start(ctx); err != nil {
		return err
	}

	exited := make(chan struct{})
	go func() {
		for _, srv := range f.servers {
			<-srv.Done()
		}
		close(exited)
	}()

	select {
	case <-ctx.Done():
		f.log.Info("shutdown requested, stopping all servers")
	case <-exited:
		f.log.Warn("all serve loops exited")
	}
	f.Shutdown()
	return nil
}

// Shutdown shuts down every started instance and joins each serving
// goroutine against a shared deadline. Instances still running at the
// deadline are logged as warnings; Shutdown always returns within the
// configured timeout rather than blocking indefinitely.
func (f *Fleet) Shutdown() {
	f.shutdownStarted()

	deadline := time.Now().Add(f.timeout)
	stragglers := 0
	for _, srv := range f.servers[:f.started] {
		wait := time.Until(deadline)
		if wait <= 0 {
			stragglers++
			f.log.Warn("server did not stop in time", "server_id", srv.Config().ServerID)
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-srv.Done():
			timer.Stop()
		case <-timer.C:
			stragglers++
			f.log.Warn("server did not stop in time", "server_id", srv.Config().ServerID)
		}
	}
	if stragglers > 0 {
		f.log.Warn("proceeding to exit with servers still running", "count", stragglers)
	} else {
		f.log.Info("all servers shut down cleanly")
	}
}

// shutdownStarted calls Shutdown on every instance that was started.
func (f *Fleet) shutdownStarted() {
	for _, srv := range f.servers[:f.started] {
		srv.Shutdown()
	}
}
