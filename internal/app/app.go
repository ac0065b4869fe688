// Package app wires the circlecall subsystems together.
//
// [App] is the relay server: it owns the signaling hub, the health checks,
// the metrics endpoint and the optional rooms database. New builds
// everything synchronously, Run serves until the context ends and Shutdown
// drains connected clients before releasing resources.
//
// [SessionManager] is the client side: it owns one call adapter and
// projects its events into a [SessionState].
//
// For testing, inject doubles via functional options ([WithRooms],
// [WithMetrics], [WithListener]). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/circlecall/internal/config"
	"github.com/MrWong99/circlecall/internal/health"
	"github.com/MrWong99/circlecall/internal/observe"
	"github.com/MrWong99/circlecall/internal/resilience"
	"github.com/MrWong99/circlecall/internal/rooms"
	"github.com/MrWong99/circlecall/internal/signaling"
)

// ShutdownTimeout bounds the drain started when Run's context ends.
const ShutdownTimeout = 15 * time.Second

// shutdownMessage is sent to every signaling client on graceful stop.
const shutdownMessage = "relay is shutting down"

// App owns the relay's subsystem lifetimes.
type App struct {
	cfg *config.Config

	hub      *signaling.Hub
	health   *health.Handler
	rooms    rooms.Resolver
	metrics  *observe.Metrics
	server   *http.Server
	listener net.Listener

	// closers run in order at the end of Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRooms injects a room resolver instead of opening the configured
// database. A resolver with a Check method is added to the readiness
// check.
func WithRooms(r rooms.Resolver) Option {
	return func(a *App) { a.rooms = r }
}

// WithMetrics sets the metrics instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves on l instead of listening on the configured address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates the relay. It connects the rooms database when one is
// configured and binds the listen address, so a returned App is ready to
// Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.hub = signaling.NewHub(signaling.Config{
		SendBuffer:     cfg.Relay.SendBuffer,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		IdleTimeout:    cfg.Relay.IdleTimeout,
		ReapInterval:   cfg.Relay.ReapInterval,
		MaxPerMatch:    cfg.Relay.MaxPerMatch,
		RateLimit:      cfg.Relay.RateLimit,
		RateInterval:   cfg.Relay.RateInterval,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
	}, signaling.WithMetrics(a.metrics))

	if err := a.initRooms(ctx); err != nil {
		return nil, fmt.Errorf("app: init rooms: %w", err)
	}

	checkers := []health.Checker{health.Dependency("signaling", a.hub)}
	if c, ok := a.rooms.(interface{ Check(context.Context) error }); ok {
		checkers = append(checkers, health.Dependency("rooms", c))
	}
	a.health = health.New(checkers...)

	if a.listener == nil {
		l, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: listen on %q: %w", cfg.Server.ListenAddr, err)
		}
		a.listener = l
	}

	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(a.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) initRooms(ctx context.Context) error {
	if a.rooms != nil || a.cfg.Rooms.PostgresDSN == "" {
		return nil
	}
	db, err := rooms.Open(ctx, a.cfg.Rooms.PostgresDSN, rooms.BreakerConfig{
		MaxFailures:  a.cfg.Rooms.MaxFailures,
		ResetTimeout: a.cfg.Rooms.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		},
	})
	if err != nil {
		return err
	}
	a.rooms = db
	a.closers = append(a.closers, func() error {
		db.Close()
		return nil
	})
	slog.Info("rooms database connected")
	return nil
}

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.hub)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /matches/{match}", a.handleMatch)
	if a.rooms != nil {
		mux.HandleFunc("GET /rooms/{room}/recap", a.handleRecap)
	}
	a.health.Register(mux)
	return mux
}

// Addr returns the address the relay listens on.
func (a *App) Addr() net.Addr { return a.listener.Addr() }

// Hub returns the signaling relay.
func (a *App) Hub() *signaling.Hub { return a.hub }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and reaps idle signaling clients until ctx is cancelled
// or the server fails. When ctx ends, Run drains the relay via Shutdown
// bounded by [ShutdownTimeout]; a later Shutdown call is a no-op.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error {
		slog.Info("relay listening", "addr", a.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		err := a.serve()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), ShutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) serve() error {
	if tls := a.cfg.Server.TLS; tls != nil {
		return a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
	}
	return a.server.Serve(a.listener)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the relay as draining, tells every signaling client the
// server is going away, stops the HTTP server and runs the closers. It is
// safe to call more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "connections", a.hub.Connections(), "closers", len(a.closers))
		a.health.SetDraining(true)

		var errs []error
		if err := a.hub.Shutdown(ctx, shutdownMessage); err != nil {
			errs = append(errs, err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		if err := a.runClosers(); err != nil {
			errs = append(errs, err)
		}
		a.stopErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return a.stopErr
}

func (a *App) runClosers() error {
	var errs []error
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
