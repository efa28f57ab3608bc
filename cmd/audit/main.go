package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/audit"
	"github.com/ariefcatur/go-shop-reservations/internal/config"
	kafkax "github.com/ariefcatur/go-shop-reservations/internal/kafka"
	"github.com/ariefcatur/go-shop-reservations/internal/logger"
	"github.com/ariefcatur/go-shop-reservations/internal/metrics"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/ariefcatur/go-shop-reservations/internal/postgres"
	"github.com/ariefcatur/go-shop-reservations/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(cfg.ServiceName+"-audit", cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: int32(cfg.AuditWorkers) + 1})
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	m := metrics.New()
	svc := &audit.Service{
		Store:   &postgres.AuditRepo{DB: db},
		Dedup:   &audit.RedisDedup{RDB: rdb, Service: "audit", TTL: redisx.TTLDedup},
		Metrics: m,
		Log:     log,
	}

	// metrics only
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics listener", zap.Error(err))
		}
	}()

	done := make(chan struct{})
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.AuditGroup, orders.AllTopics, cfg.AuditWorkers, log)
	go func() {
		defer close(done)
		log.Info("audit consumer started", zap.String("group", cfg.AuditGroup),
			zap.Strings("topics", orders.AllTopics), zap.Int("workers", cfg.AuditWorkers))
		if err := cons.Start(ctx, svc.HandleEvent); err != nil {
			log.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down consumer")
	cancel()
	<-done
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
}
