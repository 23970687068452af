// cmd/historian/main.go drains the action queue into PostgreSQL.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/farkle/internal/cache"
	"github.com/jason-s-yu/farkle/internal/config"
	"github.com/jason-s-yu/farkle/internal/database"
	"github.com/jason-s-yu/farkle/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logger := logrus.New()
	logger.SetLevel(cfg.LogLevel)
	log := logrus.NewEntry(logger).WithField("service", "farkle-historian")

	if cfg.DatabaseURL == "" {
		log.Fatal(errors.New("DATABASE_URL is required"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		log.WithError(err).Fatal("redis")
	}
	defer rdb.Close()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database")
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		log.WithError(err).Fatal("migrate")
	}

	hs := historian.New(
		cache.NewHistorianQueue(rdb, cfg.HistorianQueueName, log),
		database.NewActionStore(pool),
		historian.Options{
			BatchSize:  cfg.HistorianBatchSize,
			FlushDelay: cfg.HistorianFlushDelay,
			Inactivity: cfg.GameInactivity,
		},
		log,
	)
	if err := hs.Run(ctx); err != nil {
		log.WithError(err).Error("historian exited")
	}
}
