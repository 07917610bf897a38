package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"ms-bidding/internal/auction"
	"ms-bidding/internal/auction/api"
	auctiondb "ms-bidding/internal/auction/db"
	rediswrap "ms-bidding/internal/auction/redis"
	"ms-bidding/internal/config"
	"ms-bidding/internal/deposit"
	"ms-bidding/internal/kafka"
	"ms-bidding/internal/logger"
	"ms-bidding/internal/settlement"
)

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting auction engine initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg := config.Load()
	ctx := context.Background()

	// --- PostgreSQL ---
	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN))
	sqldb := sql.OpenDB(connector)
	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to Postgres: %v", err))
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()

	if err := auctiondb.Migrate(ctx, bunDB); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migration failed: %v", err))
	}
	log.LogDatabase("MIGRATE", "auctions", "Schema ensured")

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("REDIS", fmt.Sprintf("Failed to connect to Redis: %v", err))
	}
	defer redisClient.Close()

	// --- Kafka ---
	producer := kafka.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, kafka.Topics); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			log.Info("KAFKA", "Required topics ensured")
		}
	}

	// --- Stripe ---
	deposit.InitStripe()

	// --- Services ---
	store := &auctiondb.DB{Bun: bunDB}
	settlementLock := rediswrap.NewRedis(redisClient)
	settings := config.EnvSettingsProvider{}
	gateway := deposit.NewRetryingGateway(deposit.NewStripeGateway(cfg.Gateway.Currency, log))

	auctionService := auction.NewService(store, producer, settings, log)
	depositService := deposit.NewService(store, gateway, settings, log, cfg.Gateway.Timeout)
	settlementService := settlement.NewService(store, settlementLock, gateway, producer, settings, log)

	handler := &api.Handler{
		Auctions:   auctionService,
		Deposits:   depositService,
		Settlement: settlementService,
		Logger:     log,
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Route("/api/auction", func(r chi.Router) {
		r.Post("/", handler.CreateAuction)
		r.Get("/{auctionId}", handler.GetAuction)
		r.Get("/{auctionId}/bids", handler.GetBids)
		r.Post("/{auctionId}/bid", handler.PlaceBid)
		r.Post("/{auctionId}/deposit", handler.AuthorizeDeposit)
		r.Post("/{auctionId}/settle", handler.SettleAuction)
		r.Post("/{auctionId}/cancel", handler.CancelAuction)
	})
	log.Info("ROUTER", "Auction routes registered under /api/auction")

	// --- Settlement sweep ---
	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweeper := settlement.NewSweeper(settlementService, cfg.Settlement.SweepInterval, cfg.Settlement.SweepBatch)
	go sweeper.Run(sweepCtx)
	log.Info("SETTLEMENT", fmt.Sprintf("Sweeper running every %s", cfg.Settlement.SweepInterval))

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Auction engine running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	stopSweep()

	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server shutdown failed: %v", err))
	}
	log.Info("APP", "Server exited gracefully")
}
