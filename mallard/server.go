// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package mallard

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/flight"
)

// State is a server instance's lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateServing
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateServing:
		return "serving"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Server is one serving instance: one engine connection, one protocol
// handler, one Flight serve loop on a dedicated goroutine. Create with
// NewServer, then Start. Shutdown is idempotent.
type Server struct {
	cfg  ServerConfig
	log  *slog.Logger
	hook DispatchHook

	engine  *Engine
	handler *Handler
	fs      flight.Server

	state        atomic.Int32
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	done         chan struct{}
}

// NewServer creates a server instance from cfg. Nothing is opened or bound
// until Start.
func NewServer(cfg ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Server{
		cfg:  cfg,
		log:  log.With("server_id", cfg.ServerID, "location", cfg.Location),
		done: make(chan struct{}),
	}
}

// Config returns the instance configuration.
func (s *Server) Config() ServerConfig { return s.cfg }

// State returns the current lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// SetDispatchHook installs an observability hook on the handler. Must be
// called before Start.
func (s *Server) SetDispatchHook(hook DispatchHook) { s.hook = hook }

// Done is closed when the serving goroutine has exited.
func (s *Server) Done() <-chan struct{} { return s.done }

// Addr returns the bound listener address, valid once Start has returned.
func (s *Server) Addr() net.Addr {
	if s.fs == nil {
		return nil
	}
	return s.fs.Addr()
}

// Start opens the engine connection, verifies it with a health check,
// registers the default exchanger, binds the listener, and spawns the
// serving goroutine. Any failure here is fatal to the instance and leaves no
// resources behind.
func (s *Server) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateInitializing)) {
		return fmt.Errorf("server %s: already started (state %s)", s.cfg.ServerID, s.State())
	}

	engine, err := OpenEngine(ctx, s.cfg.Database)
	if err != nil {
		s.state.Store(int32(StateStopped))
		close(s.done)
		return fmt.Errorf("server %s: opening engine at %s: %w", s.cfg.ServerID, s.cfg.Database, err)
	}
	s.engine = engine
	s.log.Info("connected to engine", "database", s.cfg.Database)

	registry := NewRegistry()
	handler := NewHandler(engine, registry, s.cfg.ServerID, s.log)
	handler.SetDispatchHook(s.hook)
	registry.Register(NewMarkProcessedExchanger(DefaultExchangeCommand, DefaultProcessedColumn, s.log))
	s.handler = handler

	var middleware []flight.ServerMiddleware
	if s.cfg.AuthEnabled {
		auth := NewAuthMiddleware(s.cfg.Users, s.log)
		middleware = append(middleware, auth.Middleware())
	}

	fs := flight.NewServerWithMiddleware(middleware)
	fs.RegisterFlightService(handler)
	if err := fs.Init(s.cfg.Location); err != nil {
		_ = engine.Close()
		s.state.Store(int32(StateStopped))
		close(s.done)
		return fmt.Errorf("server %s: binding %s: %w", s.cfg.ServerID, s.cfg.Location, err)
	}
	s.fs = fs

	s.state.Store(int32(StateServing))
	s.log.Info("server started", "addr", fs.Addr().String())
	go s.serveLoop()
	return nil
}

// serveLoop runs the transport's blocking serve loop. An unexpected exit
// (without Shutdown being requested) is logged and triggers cleanup.
func (s *Server) serveLoop() {
	defer close(s.done)
	err := s.fs.Serve()
	if !s.shuttingDown.Load() {
		if err != nil {
			s.log.Error("serve loop exited unexpectedly", "err", err)
		} else {
			s.log.Warn("serve loop exited unexpectedly")
		}
		s.Shutdown()
	}
}

// HealthCheck verifies the engine connection with a liveness query.
func (s *Server) HealthCheck(ctx context.Context) bool {
	if s.engine == nil || s.State() != StateServing {
		return false
	}
	if err := s.engine.Ping(ctx); err != nil {
		s.log.Error("health check failed", "err", err)
		return false
	}
	return true
}

// Shutdown stops the serve loop and closes the engine connection. Invoking
// it more than once is safe: subsequent calls are no-ops. Close failures are
// logged as warnings, never propagated.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.shuttingDown.Store(true)
		s.state.Store(int32(StateShuttingDown))
		if s.fs != nil {
			s.fs.Shutdown()
		}
		if s.engine != nil {
			if err := s.engine.Close(); err != nil {
				s.log.Warn("closing engine connection", "err", err)
			} else {
				s.log.Info("closed engine connection")
			}
		}
		s.state.Store(int32(StateStopped))
		s.log.Info("server shut down")
	})
}
