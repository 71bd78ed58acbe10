package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/finbase/tradefeed/internal/config"
	"github.com/finbase/tradefeed/internal/feed"
	"github.com/finbase/tradefeed/internal/ingest"
	"github.com/finbase/tradefeed/internal/ops"
	"github.com/finbase/tradefeed/internal/publish"
	"github.com/finbase/tradefeed/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger = zapLogger.With(zap.String("instance", uuid.NewString()))
	zapLogger.Info("starting tradefeed",
		zap.String("instrument", cfg.Feed.Instrument),
		zap.String("topic", cfg.Kafka.Topic))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer := publish.NewProducer(publish.Config{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		WriteTimeout: cfg.Kafka.WriteTimeout,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		RequiredAcks: cfg.Kafka.RequiredAcks,
		Compression:  cfg.Kafka.Compression,
		MaxAttempts:  cfg.Kafka.MaxAttempts,
	}, zapLogger)

	client, err := feed.New(ctx, feed.Config{
		URL:                  cfg.Feed.URL,
		Instrument:           cfg.Feed.Instrument,
		HandshakeFrameBudget: cfg.Feed.HandshakeFrameBudget,
		StalenessThreshold:   cfg.Feed.StalenessThreshold,
		Reconnect: feed.ReconnectPolicy{
			MaxAttempts: cfg.Feed.ReconnectMaxAttempts,
			BaseBackoff: cfg.Feed.ReconnectBaseBackoff,
			MaxBackoff:  cfg.Feed.ReconnectMaxBackoff,
		},
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to upstream feed", zap.Error(err))
	}

	opsServer := ops.NewServer(cfg.Ops.Addr, client, zapLogger)
	go func() {
		if err := opsServer.Start(); err != nil {
			zapLogger.Error("Ops server failed", zap.Error(err))
		}
	}()

	runner := ingest.NewRunner(client, producer, cfg.Ingest.Pace, zapLogger)

	// Run the loop; a signal cancels the context and shuts everything down.
	errCh := make(chan error, 1)
	go func() {
		errCh <- runner.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		zapLogger.Info("Shutting down", zap.String("signal", sig.String()))
		cancel()
		// Closing the client unblocks a Poll waiting on the socket.
		if err := client.Close(); err != nil {
			zapLogger.Error("Failed to close feed client", zap.Error(err))
		}
		<-errCh
	case err := <-errCh:
		// The loop only returns on failure, which is fatal for the process.
		zapLogger.Error("Ingestion loop terminated", zap.Error(err))
		cancel()
		if cerr := client.Close(); cerr != nil {
			zapLogger.Error("Failed to close feed client", zap.Error(cerr))
		}
		shutdown(opsServer, producer, zapLogger)
		zapLogger.Sync()
		os.Exit(1)
	}

	shutdown(opsServer, producer, zapLogger)
	zapLogger.Info("Exited properly")
}

func shutdown(opsServer *ops.Server, producer *publish.Producer, zapLogger *zap.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to stop ops server", zap.Error(err))
	}
	if err := producer.Close(); err != nil {
		zapLogger.Error("Failed to close producer", zap.Error(err))
	}
}
