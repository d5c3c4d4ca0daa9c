package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/harborfin/steward/internal/chain"
	"github.com/harborfin/steward/internal/config"
	"github.com/harborfin/steward/internal/executor"
	"github.com/harborfin/steward/internal/guardian"
	"github.com/harborfin/steward/internal/logger"
	"github.com/harborfin/steward/internal/scheduler"
	"github.com/harborfin/steward/internal/state"
	"github.com/harborfin/steward/internal/web"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// main is the entry point for the steward service.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	// Load configuration from environment variables
	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("Steward Core Logic Starting...")

	// Initialize Database Connection
	dbCfg := state.DBConfig{
		Host: config.DBHost, Port: config.DBPort,
		User: config.DBUser, Password: config.DBPassword,
		DBName: config.DBName, SSLMode: config.DBSSLMode,
	}
	if err := state.InitDB(dbCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer state.CloseDB()
	if err := state.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	positionStore := state.NewPositionStore(state.DB)
	marketRepo := state.NewMarketRepository(state.DB)

	// --- 2. Chain Gateway Initialization (with Safety Switch) ---
	stewardMode := os.Getenv("STEWARD_MODE")
	if stewardMode != "live" {
		log.Fatal().Msg("STEWARD_MODE is not set to 'live'. Halting to prevent accidental execution. Set STEWARD_MODE=live to run.")
	}
	log.Warn().Msg("Initializing steward in LIVE mode. Real transactions will be dispatched.")

	gateway, err := chain.NewClient(config.GatewayRPC, config.ChainRateLimitRPS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize chain gateway client")
	}
	log.Info().Str("endpoint", config.GatewayRPC).Msg("Chain gateway client initialized")

	retryPolicy := chain.RetryPolicy{
		MaxAttempts: config.RetryMaxAttempts,
		BaseDelay:   config.RetryBackoffBase,
		MaxDelay:    config.RetryBackoffMax,
	}

	// --- 3. Core Component Wiring ---
	positionGuardian, err := guardian.New(positionStore, gateway, retryPolicy, config.SweepBatchSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create position guardian")
	}

	allocationExecutor, err := executor.New(positionStore, marketRepo, gateway, retryPolicy, positionGuardian, config.ExpectedGasUSD)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create allocation executor")
	}

	sched, err := scheduler.New(allocationExecutor, positionGuardian, marketRepo, config.AllocationCronSpec, config.GuardianSweepInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}

	// --- Start Web Server ---
	webServer := web.NewWebServer(config.WebPort, positionStore, marketRepo, allocationExecutor)
	go func() {
		log.Info().Str("port", config.WebPort).Str("url", "http://localhost:"+config.WebPort).Msg("Starting steward web server")
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server failed to start")
		}
	}()

	// --- 4. Start Loops ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, draining in-flight work...")
	sched.Stop()
	log.Info().Msg("Steward stopped.")
}
