package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/paycore/internal/config"
	"github.com/congo-pay/paycore/internal/logging"
	"github.com/congo-pay/paycore/internal/routes"
)

// janitorInterval is how often idle in-memory caller state is reclaimed.
const janitorInterval = 5 * time.Minute

// Server wraps the Fiber application and the background loops that keep
// transactions, vendor health and webhooks moving.
type Server struct {
	app        *fiber.App
	cfg        config.Config
	components *routes.Components
	logger     *slog.Logger
}

// New instantiates the HTTP server and delegates wiring to routes.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	deps := routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger}
	components, err := routes.Build(deps)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.VendorTimeout + 30*time.Second,
	})
	routes.Setup(app, deps, components)

	return &Server{app: app, cfg: cfg, components: components, logger: logging.Component(logger, "server")}, nil
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// RunBackground runs the delivery worker, the vendor health engine, the
// reconciliation sweeper and the throttle janitor until ctx is done or one
// of them fails.
func (s *Server) RunBackground(ctx context.Context) error {
	c := s.components
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Worker.Run(ctx) })
	g.Go(func() error { return c.Engine.Run(ctx, s.cfg.VendorHealthInterval, c.Locker) })
	g.Go(func() error { return c.Transactions.RunSweeper(ctx, s.cfg.ReconcileInterval, c.Locker) })
	g.Go(func() error { return c.Limiter.RunJanitor(ctx, janitorInterval) })
	s.logger.Info("background tasks started")
	err := g.Wait()
	s.logger.Info("background tasks stopped")
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
