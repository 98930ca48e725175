package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loyaltycore/internal/app"
	"loyaltycore/internal/config"
	"loyaltycore/internal/handler"
	"loyaltycore/internal/logger"
	"loyaltycore/internal/queue"
	"loyaltycore/internal/scheduler"
	transport "loyaltycore/internal/transport/http"
	"loyaltycore/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logg, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logg.Sync()

	if err := run(cfg, logg); err != nil {
		logg.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Job workers
	manager := worker.NewManager(
		queue.NewConsumer(a.Redis.Client, logg),
		worker.NewHandler(a.Dispatcher, a.Intents, logg),
		worker.DefaultManagerConfig(),
		logg,
	)
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	// Periodic tasks
	sched := scheduler.NewScheduler(scheduler.Specs{
		Birthday:        cfg.CronBirthday,
		Analyze:         cfg.CronAnalyze,
		DateBased:       cfg.CronDateBased,
		Accumulation:    cfg.CronAccumulation,
		PurchaseSync:    cfg.CronPurchaseSync,
		PushScheduled:   cfg.CronPushScheduled,
		PromotionExpiry: cfg.CronPromotionExpiry,
		IntentRedeliver: cfg.CronIntentRedeliver,
	}, scheduler.Deps{
		Promotions: a.Evaluator,
		Loyalty:    a.Loyalty,
		Purchases:  a.Purchases,
		Pushes:     a.Dispatcher,
		Intents:    a.Intents,
		Locker:     a.Redis.Locker(),
	}, cfg.Timezone, logg)
	sched.Start()
	defer sched.Stop(30 * time.Second)

	router := transport.NewRouter(transport.RouterConfig{
		DeviceHandler:   handler.NewDeviceHandler(a.Devices, logg),
		GiftHandler:     handler.NewGiftHandler(a.Gifts, logg),
		ReferralHandler: handler.NewReferralHandler(a.Referrals, logg),
		PushHandler:     handler.NewPushHandler(a.Dispatcher, logg),
		PurchaseHandler: handler.NewPurchaseHandler(a.Purchases, logg),
		JWTSecret:       cfg.JWTSecret,
		Ready: func(r *http.Request) error {
			if err := a.DB.PingContext(r.Context()); err != nil {
				return err
			}
			return a.Redis.Ping(r.Context())
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transport.NewServer(cfg.ServerPort, router, logg).Run(gctx)
	})
	return g.Wait()
}
