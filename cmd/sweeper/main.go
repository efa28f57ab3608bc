package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/config"
	kafkax "github.com/ariefcatur/go-shop-reservations/internal/kafka"
	"github.com/ariefcatur/go-shop-reservations/internal/lock"
	"github.com/ariefcatur/go-shop-reservations/internal/logger"
	"github.com/ariefcatur/go-shop-reservations/internal/metrics"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/ariefcatur/go-shop-reservations/internal/postgres"
	"github.com/ariefcatur/go-shop-reservations/internal/redisx"
	"github.com/ariefcatur/go-shop-reservations/internal/scheduler"
	"github.com/ariefcatur/go-shop-reservations/internal/subscription"
	"github.com/ariefcatur/go-shop-reservations/internal/sweeper"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.ServiceName+"-sweeper", cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: 4})
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	var (
		pub  orders.Publisher // nil: events discarded
		prod *kafkax.Producer
	)
	if cfg.KafkaEnabled() {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start(ctx)
		pub = prod
	} else {
		log.Warn("kafka disabled, events are discarded")
	}

	clock := clockwork.NewRealClock()
	m := metrics.New()
	locker := lock.NewRedis(rdb)
	sch := scheduler.New(clock, log)

	sw := &sweeper.Sweeper{
		Store:     postgres.NewStore(db),
		Locker:    locker,
		Clock:     clock,
		Publisher: pub,
		Metrics:   m,
		Log:       log,
		Config:    sweeper.Config{Interval: cfg.SweepInterval, Batch: cfg.SweepBatch, LockTTL: cfg.SweepLockTTL},
		Producer:  cfg.ServiceName + "-sweeper",
	}
	sw.Register(sch)

	gate := &subscription.Gate{
		Repo:    &postgres.SubscriptionRepo{DB: db},
		Cache:   subscription.NewRedisCache(rdb, cfg.SubscriptionCacheTTL, log),
		Clock:   clock,
		Metrics: m,
		Log:     log,
	}
	gate.Register(sch, cfg.SubscriptionSweepInterval, locker)

	// metrics only
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics listener", zap.Error(err))
		}
	}()

	sch.Start(ctx)
	log.Info("sweeper started", zap.Duration("interval", cfg.SweepInterval),
		zap.Duration("subscription_interval", cfg.SubscriptionSweepInterval))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down sweeper")

	cancel()
	sch.Wait()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	if prod != nil {
		prod.Close()
		prod.WaitClosed()
	}
}
