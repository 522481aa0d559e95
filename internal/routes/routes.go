package routes

import (
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/paycore/internal/balance"
	"github.com/congo-pay/paycore/internal/config"
	"github.com/congo-pay/paycore/internal/delivery"
	"github.com/congo-pay/paycore/internal/failover"
	"github.com/congo-pay/paycore/internal/gateway"
	"github.com/congo-pay/paycore/internal/ledger"
	"github.com/congo-pay/paycore/internal/lock"
	"github.com/congo-pay/paycore/internal/metrics"
	"github.com/congo-pay/paycore/internal/middleware"
	"github.com/congo-pay/paycore/internal/notification"
	"github.com/congo-pay/paycore/internal/pin"
	"github.com/congo-pay/paycore/internal/throttle"
	"github.com/congo-pay/paycore/internal/transaction"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Components are the long-lived services built for the routes. The server
// runs their background loops.
type Components struct {
	Transactions *transaction.Service
	Engine       *failover.Engine
	Worker       *delivery.Worker
	Limiter      *throttle.Limiter
	Locker       lock.Locker
	Breakers     *gateway.Breakers
	Router       *failover.Router
	Health       failover.HealthStore
	Guard        *balance.Guard
	Queue        *delivery.Queue
	Pins         *pin.Service
}

// Build wires every service. Postgres and Redis backends are used when
// present; otherwise in-memory stores are selected, which is only allowed in
// development.
func Build(d Deps) (*Components, error) {
	cfg := d.Cfg
	if !cfg.IsDevelopment() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", cfg.AppEnv)
		}
	}
	logger := d.Logger

	var (
		ledgerStore  ledger.Store
		txRepo       transaction.Repository
		deliveryRepo delivery.Repository
		pinRepo      pin.Repository
	)
	if d.DB != nil {
		ledgerStore = ledger.NewPostgresStore(d.DB)
		txRepo = transaction.NewPostgresRepository(d.DB)
		deliveryRepo = delivery.NewPostgresRepository(d.DB)
		pinRepo = pin.NewPostgresRepository(d.DB)
	} else {
		ledgerStore = ledger.NewInMemory()
		txRepo = transaction.NewMemoryRepository()
		deliveryRepo = delivery.NewMemoryRepository()
		pinRepo = pin.NewMemoryRepository()
	}

	var (
		throttleStore throttle.Store
		health        failover.HealthStore
		locker        lock.Locker
	)
	if d.Cache != nil {
		throttleStore = throttle.NewRedisStore(d.Cache)
		health = failover.NewRedisHealthStore(d.Cache)
		locker = lock.NewRedis(d.Cache, logger)
	} else {
		throttleStore = throttle.NewMemoryStore()
		health = failover.NewMemoryHealthStore()
		locker = lock.NewLocal()
	}

	limiter, err := throttle.NewLimiter(throttleStore, throttle.Policy{
		Limit:      cfg.RateLimitMax,
		Window:     cfg.RateLimitWindow,
		Suspension: cfg.RateLimitSuspension,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("caller throttle: %w", err)
	}

	queue := delivery.NewQueue(deliveryRepo, cfg.DeliveryMaxAttempts)
	var alerter notification.Alerter = notification.NewLoggerAlerter(logger)
	if cfg.OpsAlertURL != "" {
		alerter = notification.NewQueueAlerter(queue, cfg.OpsAlertURL, logger)
	}
	worker := delivery.NewWorker(deliveryRepo,
		delivery.NewHTTPSender(cfg.DeliveryTimeout, cfg.WebhookSigningSecret),
		delivery.WorkerConfig{
			BatchSize:    cfg.DeliveryBatchSize,
			Concurrency:  cfg.DeliveryWorkers,
			PollInterval: cfg.DeliveryPollInterval,
			StaleAfter:   cfg.DeliveryStaleAfter,
			Timeout:      cfg.DeliveryTimeout,
		}, logger,
		delivery.WithGiveUp(notification.GiveUpAlert(alerter, logger)))

	vendorGateways := make(map[string]gateway.Gateway, len(cfg.Vendors))
	for _, v := range cfg.Vendors {
		if v.BaseURL == "" {
			logger.Warn("vendor has no base url, using static gateway", slog.String("vendor_id", v.ID))
			vendorGateways[v.ID] = gateway.StaticGateway{}
			continue
		}
		vendorGateways[v.ID] = gateway.NewHTTPGateway(v.BaseURL, cfg.VendorAPIKey, cfg.VendorTimeout)
	}
	breakers := gateway.NewBreakers(gateway.NewMux(vendorGateways), gateway.DefaultBreakerConfig(), logger)
	router := failover.NewRouter(cfg.VendorIDs(), health, breakers, logger)

	guard := balance.NewGuard(ledgerStore, logger)
	txs := transaction.NewService(transaction.Deps{
		Repo:     txRepo,
		Guard:    guard,
		Gateway:  breakers,
		Vendors:  router,
		Throttle: limiter,
		Notifier: notification.NewQueueNotifier(queue),
		Alerter:  alerter,
	}, transaction.Config{
		ReconcileDelay: cfg.ReconcileDelay,
		AlertAfter:     cfg.ReconcileAlertAfter,
	}, logger)

	engine := failover.NewEngine(txRepo, health, cfg.VendorIDs(), failover.Thresholds{
		Window:        cfg.VendorHealthWindow,
		UnstableRatio: cfg.VendorUnstableRatio,
		DownRatio:     cfg.VendorDownRatio,
		MinSamples:    cfg.VendorMinSamples,
	}, alerter, logger)

	return &Components{
		Transactions: txs,
		Engine:       engine,
		Worker:       worker,
		Limiter:      limiter,
		Locker:       locker,
		Breakers:     breakers,
		Router:       router,
		Health:       health,
		Guard:        guard,
		Queue:        queue,
		Pins:         pin.NewService(pinRepo, logger),
	}, nil
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps, c *Components) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Caller())
	app.Use(middleware.Metrics())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", metrics.Handler())

	api := app.Group("/api/v1")
	callerThrottle := middleware.CallerThrottle(c.Limiter, d.Logger)

	requireAdmin := middleware.RequireAdmin(d.Cfg.AdminAPIKey)

	txh := transaction.NewHandler(c.Transactions, middleware.CallerID,
		transaction.WithCallbackSecrets(d.Cfg.CallbackSecrets()))
	api.Post("/transactions", middleware.RequireCaller(), txh.Submit)
	api.Get("/transactions/:id", middleware.RequireCaller(), txh.Get)
	api.Post("/transactions/:id/reconcile", requireAdmin, txh.Reconcile)

	vendors := failover.NewHandler(c.Router, c.Health, c.Breakers)
	api.Get("/vendors/health", vendors.List)
	api.Post("/vendors/:vendorId/callback", txh.Callback)

	accounts := balance.NewHandler(c.Guard)
	api.Get("/accounts/:accountId/balance", accounts.Balance)
	api.Get("/accounts/:accountId/entries", accounts.Entries)
	api.Post("/accounts/:accountId/topups", requireAdmin, accounts.Topup)

	pins := pin.NewHandler(c.Pins, middleware.CallerID)
	pinGroup := api.Group("/pin", middleware.RequireCaller(), callerThrottle)
	pinGroup.Put("/", pins.Set)
	pinGroup.Post("/verify", pins.Verify)

	webhooks := delivery.NewHandler(c.Queue)
	webhookGroup := api.Group("/webhooks", middleware.RequireCaller(), callerThrottle)
	if d.Cache != nil {
		webhookGroup.Post("/", middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger), webhooks.Enqueue)
	} else {
		webhookGroup.Post("/", webhooks.Enqueue)
	}
	webhookGroup.Get("/:id", webhooks.Get)

	throttles := throttle.NewHandler(c.Limiter, middleware.CallerID)
	api.Get("/throttle", middleware.RequireCaller(), throttles.Check)
}
