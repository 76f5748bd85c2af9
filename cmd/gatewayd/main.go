package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/shreed27/AgentHub-sub013/pkg/api"
	"github.com/shreed27/AgentHub-sub013/pkg/apikey"
	"github.com/shreed27/AgentHub-sub013/pkg/circuit"
	"github.com/shreed27/AgentHub-sub013/pkg/config"
	"github.com/shreed27/AgentHub-sub013/pkg/gateway"
	"github.com/shreed27/AgentHub-sub013/pkg/ledger"
	"github.com/shreed27/AgentHub-sub013/pkg/payment"
	"github.com/shreed27/AgentHub-sub013/pkg/pricing"
	"github.com/shreed27/AgentHub-sub013/pkg/ratelimit"
	"github.com/shreed27/AgentHub-sub013/pkg/retry"
	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

func init() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using environment variables")
	}

	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(os.Stdout)

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Warn("Invalid log level, defaulting to info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func main() {
	log.Info("Starting compute gateway...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.WithFields(log.Fields{
		"port":        cfg.Port,
		"environment": cfg.Environment,
		"networks":    len(cfg.PaymentNetworks),
	}).Info("Configuration loaded")

	db, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	table, err := pricing.LoadTable(cfg.PricingFile)
	if err != nil {
		log.Fatalf("Failed to load pricing table: %v", err)
	}

	ldgr := ledger.New(db)
	breakers := circuit.NewRegistry(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerReset)

	var verifier *payment.Verifier
	if len(cfg.PaymentNetworks) > 0 && cfg.TreasuryAddress != "" {
		verifier = payment.NewVerifier(cfg.PaymentNetworks, cfg.TreasuryAddress, cfg.PaymentTolerancePct, db)
	} else {
		log.Warn("Payment verification disabled: no networks or treasury configured")
	}

	gw := gateway.New(gateway.Config{
		JobTimeout: cfg.JobTimeout,
		Retry: retry.Config{
			MaxRetries:        cfg.MaxRetries,
			InitialDelay:      cfg.RetryInitialDelay,
			BackoffMultiplier: cfg.RetryBackoffMultiplier,
		},
		MaxConcurrentPerWallet: cfg.MaxConcurrentPerWallet,
		WebhookSecret:          cfg.WebhookSecret,
		JobRetention:           cfg.JobRetention,
		SweepInterval:          cfg.SweepInterval,
	}, db, ldgr, breakers, verifier, table)

	if n := registerHandlers(gw, table, os.Getenv); n == 0 {
		log.Warn("No upstream handlers configured; all submissions will be rejected")
	}
	gw.StartSweeper()

	limitCfg := ratelimit.Config{
		PerWallet: cfg.RateLimitPerWallet,
		PerIP:     cfg.RateLimitPerIP,
		Window:    cfg.RateLimitWindow,
	}

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		redisClient, err := ratelimit.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		limiter = ratelimit.NewRedisLimiter(redisClient, limitCfg)
	} else {
		limiter = ratelimit.NewStoreLimiter(db, limitCfg)
	}

	keys := apikey.NewManager(db)
	server := api.NewServer(cfg, gw, keys, limiter, ldgr, db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		log.Errorf("Server error: %v", err)
	}

	log.Info("Draining in-flight jobs...")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gw.Shutdown(drainCtx); err != nil {
		log.Warnf("Shutdown incomplete: %v", err)
	}

	log.Info("Gateway stopped")
}
