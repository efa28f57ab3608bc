package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-shop-reservations/internal/audit"
	"github.com/ariefcatur/go-shop-reservations/internal/catalog"
	"github.com/ariefcatur/go-shop-reservations/internal/config"
	"github.com/ariefcatur/go-shop-reservations/internal/fulfillment"
	"github.com/ariefcatur/go-shop-reservations/internal/guard"
	"github.com/ariefcatur/go-shop-reservations/internal/httpx"
	kafkax "github.com/ariefcatur/go-shop-reservations/internal/kafka"
	"github.com/ariefcatur/go-shop-reservations/internal/logger"
	"github.com/ariefcatur/go-shop-reservations/internal/metrics"
	"github.com/ariefcatur/go-shop-reservations/internal/orders"
	"github.com/ariefcatur/go-shop-reservations/internal/postgres"
	"github.com/ariefcatur/go-shop-reservations/internal/redisx"
	"github.com/ariefcatur/go-shop-reservations/internal/reservation"
	"github.com/ariefcatur/go-shop-reservations/internal/subscription"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.ServiceName, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolOptions{MaxConns: 16})
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.RunMigrations(ctx, db); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}
	store := postgres.NewStore(db)

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer; with KAFKA_BROKERS set to "none" events are discarded
	var (
		pub  orders.Publisher // nil publisher: orders.Emit drops the event
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
	inflight := guard.NewRedis(rdb, redisx.TTLInflight, log)
	gate := &subscription.Gate{
		Repo:    &postgres.SubscriptionRepo{DB: db},
		Cache:   subscription.NewRedisCache(rdb, cfg.SubscriptionCacheTTL, log),
		Clock:   clock,
		Metrics: m,
		Log:     log,
	}

	h := &httpx.Handler{
		Reservations: &reservation.Service{
			Store: store, Clock: clock, Guard: inflight, Publisher: pub, Metrics: m, Log: log,
			Hold: reservation.HoldPolicy{
				Default: cfg.HoldMinutesDefault, Min: cfg.HoldMinutesMin, Max: cfg.HoldMinutesMax,
			},
			Producer: cfg.ServiceName,
		},
		Orders: &fulfillment.Service{
			Store: store, Clock: clock, Guard: inflight, Publisher: pub, Metrics: m, Log: log,
			Producer: cfg.ServiceName,
		},
		Catalog: &catalog.Service{
			Store: store, Gate: gate, Clock: clock, Publisher: pub, Log: log, Producer: cfg.ServiceName,
		},
		Subscriptions: gate,
		Audit:         &audit.Service{Store: &postgres.AuditRepo{DB: db}, Metrics: m, Log: log},
		Log:           log,
	}
	router := httpx.NewRouter(log, m)
	h.Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	if prod != nil {
		prod.Close()      // close inbox, flush and close writer
		cancel()          // stop producer loop
		prod.WaitClosed() // drain
	}
}
