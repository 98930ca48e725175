// Command purchases consumes purchase events from Kafka and feeds them to the
// reward rules.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"loyaltycore/internal/app"
	"loyaltycore/internal/config"
	"loyaltycore/internal/ingest"
	"loyaltycore/internal/logger"
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
		logg.Fatal("purchase consumer failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logg *zap.Logger) error {
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer a.Close()

	consumer := ingest.NewConsumer(
		ingest.NewReader(cfg.KafkaBrokers, cfg.KafkaPurchaseTopic, cfg.KafkaGroupID),
		a.Purchases,
		logg,
	)
	defer consumer.Close()

	logg.Info("consuming purchases",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.KafkaPurchaseTopic),
		zap.String("group", cfg.KafkaGroupID),
	)
	return consumer.Run(ctx)
}
