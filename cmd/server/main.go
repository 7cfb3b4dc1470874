// Package main provides the API server entry point for the purchase relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/purchase-relay/internal/api"
	"github.com/purchase-relay/internal/chain"
	"github.com/purchase-relay/internal/config"
	"github.com/purchase-relay/internal/gateway"
	"github.com/purchase-relay/internal/logging"
	"github.com/purchase-relay/internal/risk"
	"github.com/purchase-relay/internal/service"
	"github.com/purchase-relay/internal/storage"
	"github.com/purchase-relay/internal/worker"
)

func main() {
	fmt.Println("Purchase Relay API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Connect to Redis
	logger.Info("Connecting to store...")
	redis, err := storage.NewRedisStore(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	// Connect to ClickHouse for the settlement audit archive. The archive is
	// best-effort: the relay serves without it.
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

	// Wire services
	orderStore := storage.NewOrderStore(redis, time.Duration(cfg.FirstPurchase.ExpirySeconds)*time.Second)
	riskCtrl := risk.NewController(orderStore, cfg.FirstPurchase.IPDailyMax, cfg.FirstPurchase.IPHourlyMax)
	epay := gateway.NewEpayAdapter(&cfg.Gateway)
	orderService := service.NewOrderService(orderStore, riskCtrl, epay, chainClient, auditRepo, cfg.FirstPurchase, logger)

	// Background expiry sweep
	expiryWorker := worker.NewExpiryWorker(orderService, cfg.FirstPurchase.ExpirySweepInterval, logger)
	if err := expiryWorker.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start expiry worker")
	}
	defer expiryWorker.Stop()

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimitRPS:    cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst:  cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, orderService)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
