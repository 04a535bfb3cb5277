package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/saeid-a/EnrollBack/internal/config"
	"github.com/saeid-a/EnrollBack/internal/database"
	"github.com/saeid-a/EnrollBack/internal/gateway"
	"github.com/saeid-a/EnrollBack/internal/obs"
	"github.com/saeid-a/EnrollBack/internal/routes"
	"github.com/saeid-a/EnrollBack/internal/scheduler"
	"github.com/saeid-a/EnrollBack/internal/services"
	capacityws "github.com/saeid-a/EnrollBack/internal/websocket"
	"github.com/saeid-a/EnrollBack/pkg/mq"
)

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	if cfg.IsDevelopment() {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Tracing
	if cfg.OtelEnabled {
		shutdown, err := obs.InitTracer(ctx, cfg.OtelServiceName, cfg.AppEnv)
		if err != nil {
			log.Error("Failed to init tracer", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	// 3. Connect to Database and Redis
	if err := database.ConnectDB(cfg.DBUrl, cfg.DBMaxConns); err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.CloseDB()

	database.ConnectRedis(cfg.RedisAddr)
	defer database.CloseRedis()

	// 4. Events
	var publisher services.EventPublisher
	if cfg.RabbitURL != "" {
		p, err := mq.NewPublisher(cfg.RabbitURL, cfg.EventExchange)
		if err != nil {
			log.Error("Failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer p.Close()
		publisher = p
	} else {
		log.Warn("RABBIT_URL is not set, domain events will not be published")
	}

	hub := capacityws.NewHub(log)
	go hub.Run(ctx)

	// 5. Services
	baseURL := strings.TrimRight(cfg.AppBaseURL, "/")
	kispg := gateway.NewClient(gateway.Config{
		MID:         cfg.KISPGMID,
		MerchantKey: cfg.KISPGMerchantKey,
		BaseURL:     cfg.KISPGURL,
		ReturnURL:   baseURL + "/payment/return",
		NotifyURL:   baseURL + "/api/v1/kispg/payment-notification",
		Timeout:     cfg.KISPGTimeout(),
	}, log)

	txRunner := services.NewPgxTxRunner(database.DB, cfg.LockTimeout())
	ledger := services.NewCapacityLedger(log)
	reconciliation := services.NewReconciliationService(
		txRunner,
		ledger,
		kispg,
		services.ReconciliationConfig{
			PaymentWindow:      cfg.PaymentWindow(),
			LockerFee:          cfg.LockerFee,
			HoldLockerOnEnroll: cfg.LockerHoldOnEnroll,
			LockRetryAttempts:  cfg.LockRetryAttempts,
			RefundPolicy:       services.RefundPolicy{DailyRate: cfg.LessonDailyRate},
		},
		log,
		services.WithEventPublisher(publisher),
		services.WithCapacityNotifier(hub),
	)
	capacity := services.NewCapacityService(txRunner, ledger, log)

	// 6. Scheduled jobs
	var lease scheduler.Lease = scheduler.LocalLease{}
	if database.RDB != nil {
		lease = scheduler.NewRedisLease(database.RDB)
	}
	jobs := scheduler.New(lease, log,
		scheduler.Job{
			Name:     "expire-pending",
			Interval: cfg.ExpirySweepInterval(),
			Run: func(ctx context.Context) error {
				_, err := reconciliation.ExpirePending(ctx)
				return err
			},
		},
		scheduler.Job{
			Name:     "locker-usage-sync",
			Interval: cfg.LockerSyncInterval(),
			Run: func(ctx context.Context) error {
				_, err := capacity.SyncLockerUsage(ctx)
				return err
			},
		},
	)
	jobs.Start(ctx)

	// 7. Setup Fiber
	app := fiber.New()

	// Middleware
	app.Use(cors.New())
	app.Use(logger.New())
	app.Use(recover.New())

	if err := routes.RegisterRoutes(app, cfg, routes.Dependencies{
		Reconciliation: reconciliation,
		Capacity:       capacity,
		Hub:            hub,
		Logger:         log,
		HealthCheck:    database.Ping,
	}); err != nil {
		log.Error("Failed to register routes", "error", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		log.Info("Shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("Server shutdown failed", "error", err)
		}
	}()

	// 8. Start Server
	log.Info("Server starting", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Error("Server failed to start", "error", err)
	}

	stop()
	jobs.Wait()
}
