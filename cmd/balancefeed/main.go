package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-canteen-wallet/internal/config"
	"github.com/ariefcatur/go-canteen-wallet/internal/feed"
	kafkax "github.com/ariefcatur/go-canteen-wallet/internal/kafka"
	"github.com/ariefcatur/go-canteen-wallet/internal/logging"
	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/ariefcatur/go-canteen-wallet/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// balancefeed projects committed wallet events into the Redis balance
// snapshots that the API streams to parents.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, sync := logging.Init(cfg.ServiceName+"-balancefeed", cfg.LogDev)
	defer sync()

	if len(cfg.KafkaBrokers) == 0 || cfg.RedisAddr == "" {
		logger.Fatal("KAFKA_BROKERS and REDIS_ADDR are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		logger.Fatal("Redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	svc := &feed.Service{
		Snapshots: &redisx.Snapshots{Client: rdb},
		Dedup:     &redisx.Dedup{Client: rdb, Service: cfg.FeedGroup},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range orders.WalletTopics {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.FeedGroup, topic, cfg.FeedWorkers)
		g.Go(func() error {
			logger.Info("Consumer started",
				zap.String("group", cfg.FeedGroup),
				zap.String("topic", topic),
				zap.Int("workers", cfg.FeedWorkers))
			return cons.Start(gctx, svc.HandleEvent)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Consumer exited", zap.Error(err))
		return
	}
	logger.Info("Balance feed stopped")
}
