package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"tvTrailBot/config"
	"tvTrailBot/internal/adapters/binanceclient"
	"tvTrailBot/internal/adapters/logger"
	"tvTrailBot/internal/adapters/sqlite"
	"tvTrailBot/internal/app"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel, cfg.LogPretty)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	// 5. Initialize Application Service
	// The sqlite repository implements all four store ports.
	service, err := app.NewService(cfg, app.Deps{
		Logger:         appLogger,
		Exchange:       binanceClient,
		Positions:      repo,
		TrailingConfig: repo,
		SignalLogs:     repo,
		Bots:           repo,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trailing stop service")
		log.Fatalf("FATAL: Failed to initialize trailing stop service: %v", err)
	}
	appLogger.Info(context.Background(), "Trailing stop service initialized")

	// 6. Start the Service
	if err := service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trailing stop service exited with error")
		log.Fatalf("FATAL: Trailing stop service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
