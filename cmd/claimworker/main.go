// Package main provides the claim relay worker entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/purchase-relay/internal/chain"
	"github.com/purchase-relay/internal/config"
	"github.com/purchase-relay/internal/logging"
	"github.com/purchase-relay/internal/service"
	"github.com/purchase-relay/internal/storage"
	"github.com/purchase-relay/internal/worker"
)

func main() {
	fmt.Println("Purchase Relay Claim Worker")
	log.Println("Worker starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()

	// Connect to the payment-processor database (claimable order source)
	logger.Info("Connecting to databases...")
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Connect to Redis for the persisted claim markers
	redis, err := storage.NewRedisStore(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	// ClickHouse audit archive, best-effort
	var auditRepo *storage.AuditRepository
	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Warn("ClickHouse unavailable, settlement events will not be archived")
	} else {
		defer clickhouse.Close()
		auditRepo = storage.NewAuditRepository(clickhouse)
		if err := auditRepo.CreateSchema(context.Background()); err != nil {
			logger.WithError(err).Warn("Failed to ensure audit schema")
		}
	}

	// Connect to the chain node
	logger.Info("Connecting to chain node...")
	dialCtx, dialCancel := context.WithTimeout(context.Background(), cfg.Chain.CallTimeout)
	chainClient, err := chain.Dial(dialCtx, cfg.Chain.RPCURL, cfg.Chain.ServiceAddress, logger)
	dialCancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to chain node")
	}
	defer chainClient.Close()

	// The relay must never run under-funded: verify the maker reserve before
	// touching any order.
	claimRelay := service.NewClaimRelayService(
		chainClient,
		cfg.Chain.MakerAddress,
		cfg.Chain.MakerReserve,
		cfg.Chain.ClaimFeeEstimate,
		logger,
	)
	initCtx, initCancel := context.WithTimeout(context.Background(), cfg.Chain.CallTimeout)
	err = claimRelay.Init(initCtx)
	initCancel()
	if err != nil {
		logger.WithError(err).Fatal("Claim relay refused to start")
	}

	claimSource := storage.NewClaimableOrderRepository(postgres)
	markerStore := storage.NewOrderStore(redis, time.Duration(cfg.FirstPurchase.ExpirySeconds)*time.Second)

	claimWorker := worker.NewClaimWorker(claimSource, claimRelay, markerStore, auditRepo, cfg.ClaimWorker, logger)
	if err := claimWorker.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start claim worker")
	}

	logger.WithFields(map[string]interface{}{
		"pollInterval": cfg.ClaimWorker.PollInterval.String(),
		"batchSize":    cfg.ClaimWorker.BatchSize,
	}).Info("Claim worker started successfully")

	// Wait for interrupt signal, then let the in-flight iteration finish
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	claimWorker.Stop()
	logger.Info("Worker exited")
}
