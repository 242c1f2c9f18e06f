package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"handoff-go/internal/client"
	"handoff-go/internal/config"
	"handoff-go/internal/control"
	"handoff-go/internal/coordinator"
	"handoff-go/internal/handler"
	"handoff-go/internal/handoff"
	"handoff-go/internal/metrics"
	"handoff-go/internal/middleware"
	"handoff-go/internal/model"
	"handoff-go/internal/service"
	"handoff-go/internal/supervisor"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("handoffd"),
		kong.Description("HTTP server farm that hands requests and connections between worker processes."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	common := fx.Provide(
		func() *config.CLI { return &cli },
		func() handler.Version { return handler.Version(version) },
		config.Load,
		newLogger,
		metrics.New,
	)

	switch kctx.Command() {
	case "worker":
		fx.New(common, workerModule(model.WorkerID(cli.Worker.ID)), fx.NopLogger).Run()
	default:
		fx.New(common, coordinatorModule(), fx.NopLogger).Run()
	}
}

func coordinatorModule() fx.Option {
	return fx.Options(
		fx.Provide(
			coordinator.New,
			func(c *coordinator.Coordinator) handler.StatusSource { return c },
			func(c *coordinator.Coordinator) supervisor.Registrar { return c },
			supervisor.New,
			handler.NewAdminHandler,
			newAdminEcho,
		),
		fx.Invoke(handler.RegisterAdminRoutes, warnConfigPermissions, startAdminServer, startWorkers),
	)
}

func workerModule(id model.WorkerID) fx.Option {
	return fx.Options(
		fx.Provide(
			func() model.WorkerID { return id },
			supervisor.Inherited,
			client.NewPeerClient,
			handoff.NewWorker,
			func(w *handoff.Worker) service.Passer { return w },
			service.NewDispatcher,
			handler.NewAppHandler,
			newPublicEcho,
		),
		fx.Invoke(handler.RegisterAppRoutes, startWorker),
	)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With("pid", os.Getpid())
}

func newAdminEcho(logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, slog.LevelDebug))
	e.Use(middleware.MetricsMiddleware(m, middleware.ServerAdmin))
	return e
}

// newPublicEcho builds the application server of a worker. The same echo
// instance serves the public listener, migrated connections and requests
// handed over by peers.
func newPublicEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, w *handoff.Worker) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Relayed bodies and responses stream for as long as they need to, so
	// only the header read and idle time are bounded.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second
	w.InstallHooks(e.Server)

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, slog.LevelInfo))
	e.Use(middleware.PublicIngress())
	e.Use(middleware.MetricsMiddleware(m, middleware.ServerPublic))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond, func(c echo.Context) bool {
			return handoff.IsForwarded(c.Request())
		}))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	// Last, so requests on a passed connection skip the application.
	e.Use(w.Intercept())

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	w.SetApp(e)
	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startAdminServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Coordinator.AdminAddr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}

// startWorkers binds the public listener in the coordinator and forks the
// workers that share it.
func startWorkers(lc fx.Lifecycle, s *supervisor.Supervisor, c *coordinator.Coordinator, cfg *config.Config, logger *slog.Logger) {
	var ln net.Listener
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			var err error
			ln, err = net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting workers", "addr", addr, "workers", cfg.Coordinator.Workers)
			return s.Start(ln)
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping workers")
			err := s.Stop(ctx)
			c.Stop()
			if ln != nil {
				ln.Close()
			}
			return err
		},
	})
}

func startWorker(lc fx.Lifecycle, sd fx.Shutdowner, w *handoff.Worker, e *echo.Echo, ln net.Listener, link *control.Link, logger *slog.Logger) {
	// Without a coordinator there is nothing to hand off to or from.
	link.OnExit(func(err error) {
		logger.Warn("control link closed, shutting down", "err", err)
		sd.Shutdown()
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			serve := func(l net.Listener, name string) {
				if err := e.Server.Serve(l); err != nil && err != http.ErrServerClosed && err != net.ErrClosed {
					logger.Error("server error", "listener", name, "err", err)
				}
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			go serve(ln, "public")
			go serve(w.Migrated(), "migrated")
			logger.Info("worker serving", "addr", ln.Addr().String(), "internal", w.Addr())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down worker")
			err := e.Shutdown(ctx)
			if werr := w.Stop(ctx); err == nil {
				err = werr
			}
			link.Stop()
			return err
		},
	})
}
