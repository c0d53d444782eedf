package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-canteen-wallet/internal/config"
	"github.com/ariefcatur/go-canteen-wallet/internal/guard"
	"github.com/ariefcatur/go-canteen-wallet/internal/httpx"
	kafkax "github.com/ariefcatur/go-canteen-wallet/internal/kafka"
	"github.com/ariefcatur/go-canteen-wallet/internal/logging"
	"github.com/ariefcatur/go-canteen-wallet/internal/menu"
	"github.com/ariefcatur/go-canteen-wallet/internal/orders"
	"github.com/ariefcatur/go-canteen-wallet/internal/postgres"
	"github.com/ariefcatur/go-canteen-wallet/internal/redisx"
	"github.com/ariefcatur/go-canteen-wallet/internal/sqlitestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, sync := logging.Init(cfg.ServiceName, cfg.LogDev)
	defer sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cal, err := calendar(cfg)
	if err != nil {
		logger.Fatal("Invalid ordering calendar", zap.Error(err))
	}

	svc := &orders.Service{
		ServiceName:   cfg.ServiceName,
		Guard:         guard.Policy{MinBalance: cfg.MinBalance},
		MaxAttempts:   cfg.MaxAttempts,
		BaseBackoff:   cfg.BaseBackoff,
		CommitTimeout: cfg.CommitTimeout,
	}

	// Ledger
	var pool *pgxpool.Pool
	switch cfg.LedgerBackend {
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal("Failed to open sqlite ledger", zap.String("path", cfg.SQLitePath), zap.Error(err))
		}
		defer store.Close()
		svc.Store = store
	default:
		pool, err = postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("Failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()
		if cfg.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				logger.Fatal("Failed to migrate schema", zap.Error(err))
			}
		}
		svc.Store = &orders.Repo{DB: pool}
	}
	logger.Info("Ledger ready", zap.String("backend", cfg.LedgerBackend))

	// Menu
	switch {
	case cfg.MenuFile != "":
		m, err := menu.LoadYAML(cfg.MenuFile)
		if err != nil {
			logger.Fatal("Failed to load menu", zap.String("file", cfg.MenuFile), zap.Error(err))
		}
		m.Calendar = merge(m.Calendar, cal)
		svc.Menu = menu.Static{M: m}
		logger.Info("Menu loaded", zap.String("file", cfg.MenuFile), zap.Int("items", len(m.Items)))
	case pool != nil:
		svc.Menu = &menu.PgCatalog{DB: pool, Calendar: cal}
	default:
		logger.Fatal("MENU_FILE is required with the sqlite ledger")
	}

	// Redis (optional)
	var snapshots *redisx.Snapshots
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := redisx.Ping(ctx, rdb); err != nil {
			logger.Fatal("Redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		svc.Idempotency = &redisx.IdempotencyCache{Client: rdb}
		snapshots = &redisx.Snapshots{Client: rdb}
	}

	// Kafka producers (optional)
	var topics kafkax.Topics
	if len(cfg.KafkaBrokers) > 0 {
		topics = kafkax.NewTopics(cfg.KafkaBrokers, []string{
			orders.TopicOrderPlaced,
			orders.TopicOrderCancelled,
			orders.TopicOrderCompleted,
			orders.TopicWalletCredited,
		}, 1024)
		svc.Publisher = topics
	}

	var auth *httpx.Auth
	if cfg.JWTSecret != "" {
		auth = &httpx.Auth{Secret: []byte(cfg.JWTSecret)}
	} else {
		logger.Warn("AUTH_JWT_SECRET not set, requests are not authenticated")
	}

	api := &httpx.API{Service: svc, Snapshots: snapshots, Auth: auth, CORSOrigins: cfg.CORSOrigins}
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	// in-flight commits are done; flush their events
	if topics != nil {
		topics.Close()
	}
}

func calendar(cfg config.Config) (menu.Calendar, error) {
	loc, err := time.LoadLocation(cfg.SchoolTimezone)
	if err != nil {
		return menu.Calendar{}, err
	}
	days, err := menu.ParseWeekdays(cfg.OrderableDays)
	if err != nil {
		return menu.Calendar{}, err
	}
	return menu.Calendar{OrderableDays: days, LeadTime: cfg.OrderLeadTime, Location: loc}, nil
}

// merge fills what the menu file left unset from the environment.
func merge(file, env menu.Calendar) menu.Calendar {
	if len(file.OrderableDays) == 0 {
		file.OrderableDays = env.OrderableDays
	}
	if file.LeadTime == 0 {
		file.LeadTime = env.LeadTime
	}
	if file.Location == nil {
		file.Location = env.Location
	}
	return file
}
