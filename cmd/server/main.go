// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/farkle/internal/auth"
	"github.com/jason-s-yu/farkle/internal/cache"
	"github.com/jason-s-yu/farkle/internal/config"
	"github.com/jason-s-yu/farkle/internal/database"
	"github.com/jason-s-yu/farkle/internal/handlers"
	"github.com/jason-s-yu/farkle/internal/room"
	"github.com/jason-s-yu/farkle/internal/store"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(cfg.LogLevel)
	log := logrus.NewEntry(logger).WithField("service", "farkle")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	ttl, err := cfg.TokenTTL()
	if err != nil {
		return err
	}
	iss, err := auth.NewIssuer(cfg.AdminKeySeed, ttl)
	if err != nil {
		return err
	}
	if cfg.AdminKeySeed == "" {
		log.Warn("ADMIN_KEY_SEED not set, admin tokens are valid for this process only")
	}

	var (
		rdb     *redis.Client
		factory handlers.StoreFactory
		sweeper room.Sweeper
	)
	switch cfg.StoreBackend {
	case config.BackendRedis:
		rdb, err = cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		factory = func(id string) store.Store {
			return store.NewRedisStore(rdb, cfg.RedisPrefix, id, log)
		}
		janitor := store.NewRedisStore(rdb, cfg.RedisPrefix, "janitor-"+uuid.NewString(), log)
		defer janitor.Close()
		sweeper = janitor
	default:
		backend := store.NewMemoryBackend()
		factory = func(id string) store.Store { return backend.Connect(id) }
	}

	rs := handlers.NewRoomServer(factory, log)
	defer rs.Close()
	rs.SettleDelay = cfg.SettleDelay
	rs.FinalRoundRecheck = cfg.FinalRoundRecheck
	if rdb != nil {
		rs.Actions = cache.NewHistorianQueue(rdb, cfg.HistorianQueueName, log)
	}
	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
		rs.Recorder = database.NewResultRecorder(pool, log)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handlers.Routes(rs, iss, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "store": cfg.StoreBackend}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return rs.Directory().RunJanitor(gctx, cfg.JanitorInterval, cfg.EventLogKeep, sweeper)
	})
	return g.Wait()
}
