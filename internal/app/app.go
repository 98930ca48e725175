// Package app wires repositories, services and infrastructure from config.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"loyaltycore/internal/config"
	"loyaltycore/internal/database"
	"loyaltycore/internal/ledgersync"
	"loyaltycore/internal/model"
	"loyaltycore/internal/push"
	"loyaltycore/internal/queue"
	"loyaltycore/internal/redis"
	"loyaltycore/internal/repository"
	"loyaltycore/internal/service"
)

// App holds the long-lived components shared by the binaries.
type App struct {
	DB        *sqlx.DB
	Redis     *redis.Client
	Publisher *queue.RedisPublisher

	Devices    *service.DeviceRegistry
	Intents    *service.IntentService
	Gifts      *service.GiftService
	Evaluator  *service.Evaluator
	Loyalty    *service.LoyaltyTracker
	Referrals  *service.ReferralLedger
	Dispatcher *service.Dispatcher
	Purchases  *service.PurchaseService
}

// New connects to Postgres and Redis, applies the schema and builds every service.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := database.Connect(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	rdb, err := redis.Connect(ctx, cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, err
	}

	notifier, err := newNotifier(ctx, cfg, logger)
	if err != nil {
		rdb.Close()
		db.Close()
		return nil, err
	}

	var ledger service.Ledger
	if client := ledgersync.NewClient(cfg.LedgerURL, cfg.LedgerSecret, cfg.LedgerTimeout); client.Enabled() {
		ledger = client
	} else {
		logger.Warn("LEDGER_URL not set, ledger sync disabled")
	}

	a := &App{DB: db, Redis: rdb}
	a.Publisher = queue.NewPublisher(rdb.Client, logger)

	tx := repository.NewTransactor(db)
	users := repository.NewUserRepository(db)
	promotions := repository.NewPromotionRepository(db)
	pushes := repository.NewPushNotificationRepository(db)

	a.Devices = service.NewDeviceRegistry(tx, repository.NewDeviceTokenRepository(db), logger)
	a.Intents = service.NewIntentService(
		repository.NewNotificationEventRepository(db), a.Devices, notifier, a.Publisher, cfg.PushSendTimeout, logger)
	a.Gifts = service.NewGiftService(tx, repository.NewGiftRepository(db), a.Intents, logger)

	accumulation := service.NewAccumulationStrategy(
		tx, users, promotions, repository.NewGrantRepository(db), a.Gifts, a.Intents, logger)

	a.Evaluator = service.NewEvaluator(promotions, logger)
	a.Evaluator.Register(model.PromotionAccumulation, accumulation)
	a.Evaluator.Register(model.PromotionBirthday, service.NewBirthdayStrategy(users, a.Intents, cfg.Timezone, logger))
	a.Evaluator.Register(model.PromotionDateBased, service.NewDateBasedStrategy(tx, promotions, pushes, a.Publisher, logger))

	a.Dispatcher = service.NewDispatcher(
		pushes,
		service.NewTargetResolver(repository.NewAudienceRepository(db)),
		a.Devices,
		notifier,
		a.Publisher,
		service.DispatcherConfig{
			Timeout:      cfg.DispatchTimeout,
			SendTimeout:  cfg.PushSendTimeout,
			RetryBackoff: cfg.DispatchBackoff,
			MaxAttempts:  cfg.DispatchMaxRetries,
			Parallelism:  cfg.DispatchParallel,
		},
		logger,
	)

	a.Loyalty = service.NewLoyaltyTracker(tx, users, repository.NewLoyaltyRepository(db), a.Gifts, a.Intents, ledger, logger)
	a.Referrals = service.NewReferralLedger(tx, users, promotions, repository.NewReferralRepository(db), a.Intents, ledger, logger)
	a.Purchases = service.NewPurchaseService(tx, users, a.Referrals, a.Loyalty, accumulation, ledger, logger)

	return a, nil
}

// Close releases the connections.
func (a *App) Close() error {
	return errors.Join(a.Redis.Close(), a.DB.Close())
}

// newNotifier builds the push provider selected by PUSH_PROVIDER: fcm, expo,
// or auto (route by token format, using whichever providers are configured).
func newNotifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (push.Notifier, error) {
	expo := func() push.Notifier {
		return push.NewExpoNotifier(cfg.ExpoPushURL, cfg.ExpoAccessToken, cfg.PushSendTimeout, logger)
	}

	switch cfg.PushProvider {
	case "fcm":
		n, err := push.NewFCMNotifier(ctx, cfg.FirebaseCredFile, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	case "expo":
		return expo(), nil
	case "auto":
		var fcm push.Notifier
		if cfg.FirebaseCredFile != "" {
			n, err := push.NewFCMNotifier(ctx, cfg.FirebaseCredFile, logger)
			if err != nil {
				return nil, err
			}
			fcm = n
		}
		return push.NewRouter(fcm, expo()), nil
	default:
		return nil, fmt.Errorf("unknown PUSH_PROVIDER %q", cfg.PushProvider)
	}
}
