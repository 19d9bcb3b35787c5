package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cryptanex/custodyguard/api"
	"github.com/cryptanex/custodyguard/internal/config"
	"github.com/cryptanex/custodyguard/internal/coordination"
	"github.com/cryptanex/custodyguard/internal/database"
	"github.com/cryptanex/custodyguard/internal/incident"
	"github.com/cryptanex/custodyguard/internal/notify"
	"github.com/cryptanex/custodyguard/internal/reserves"
	"github.com/cryptanex/custodyguard/internal/reserves/blockchain"
	"github.com/cryptanex/custodyguard/internal/reserves/pricing"
	"github.com/cryptanex/custodyguard/internal/security"
	"github.com/cryptanex/custodyguard/internal/security/antiphish"
	"github.com/cryptanex/custodyguard/internal/security/lockdown"
	"github.com/cryptanex/custodyguard/internal/security/risk"
	"github.com/cryptanex/custodyguard/internal/security/timelock"
	"github.com/cryptanex/custodyguard/internal/security/velocity"
	"github.com/cryptanex/custodyguard/internal/security/whitelist"
	"github.com/cryptanex/custodyguard/internal/tracing"
	"github.com/cryptanex/custodyguard/internal/ws"
	"github.com/cryptanex/custodyguard/pkg/logger"
	"github.com/cryptanex/custodyguard/pkg/metrics"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	zapLogger, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx := context.Background()

	// Set up tracing
	shutdownTracing, err := tracing.Setup(ctx)
	if err != nil {
		zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	// Connect to PostgreSQL
	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Connect to Redis
	redisClient, err := database.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
	if err != nil {
		zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	// Open the proof store
	proofStore, err := reserves.NewProofStore(cfg.Reserves.ProofStorePath)
	if err != nil {
		zapLogger.Fatal("Failed to open proof store", zap.Error(err))
	}

	// Notification publisher
	var publisher notify.Publisher = notify.Nop{}
	if cfg.Kafka.Enabled {
		publisher = notify.NewKafkaPublisher(cfg.Kafka.Brokers, zapLogger)
	}

	// Leader election: with etcd disabled this instance always leads
	var elector *coordination.Elector
	var snapshotLeader reserves.Elector
	var sweepLeader timelock.Elector
	if cfg.Etcd.Enabled {
		nodeID, err := os.Hostname()
		if err != nil || nodeID == "" {
			nodeID = fmt.Sprintf("custodyguard-%d", os.Getpid())
		}
		elector, err = coordination.NewElector(nodeID, coordination.Config{
			Endpoints:  cfg.Etcd.Endpoints,
			SessionTTL: cfg.Etcd.SessionTTL,
		}, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to create elector", zap.Error(err))
		}
		if err := elector.Start(ctx); err != nil {
			zapLogger.Fatal("Failed to start elector", zap.Error(err))
		}
		snapshotLeader = elector
		sweepLeader = elector
	}

	// Live security event feed
	feed := ws.NewHub(zapLogger)

	// Incident tracking
	incidentRepo, err := incident.NewGormRepository(db, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create incident repository", zap.Error(err))
	}
	incidents := incident.NewService(incidentRepo, feed, zapLogger)

	// Anti-phishing codes
	phishRepo, err := antiphish.NewGormRepository(db)
	if err != nil {
		zapLogger.Fatal("Failed to create anti-phishing repository", zap.Error(err))
	}
	phishing := antiphish.NewService(phishRepo, zapLogger)

	// Time-locked withdrawals
	timelockRepo, err := timelock.NewGormRepository(db)
	if err != nil {
		zapLogger.Fatal("Failed to create time-lock repository", zap.Error(err))
	}
	timelocks := timelock.NewManager(timelockRepo, publisher, incidents, phishing, zapLogger)
	sweeper := timelock.NewSweeper(timelocks, sweepLeader, cfg.Security.SweepInterval, zapLogger)

	// Withdrawal whitelist
	whitelistRepo, err := whitelist.NewGormRepository(db)
	if err != nil {
		zapLogger.Fatal("Failed to create whitelist repository", zap.Error(err))
	}
	gate := whitelist.NewGate(whitelistRepo, incidents, cfg.Security.WhitelistEnforced, zapLogger)

	// Emergency lockdown, shared across replicas through Redis
	lockdownCtl := lockdown.NewController(lockdown.NewRedisStore(redisClient), incidents, feed, cfg.Security.LockdownRefreshInterval, zapLogger)
	lockdownCtl.Start()

	// Withdrawal velocity limiter, counters shared through Redis
	limiter := velocity.NewLimiter(velocity.NewRedisStore(redisClient), zapLogger)
	limiter.SetThresholds(cfg.Security.VelocityWarnThreshold, cfg.Security.VelocityDenyThreshold)
	limiter.SetWindow(cfg.Security.VelocityWindow)

	// The security pipeline
	pipeline := security.NewService(lockdownCtl, limiter, gate, risk.NewScorer(), timelocks, incidents, zapLogger)

	// Proof-of-reserves: chain reader, endpoint registry, pricing, aggregator
	reader := blockchain.NewReader(zapLogger)
	reservesRepo, err := reserves.NewGormRepository(db, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create reserves repository", zap.Error(err))
	}
	if endpoints, err := blockchain.LoadEndpointsYAML(cfg.Reserves.ChainsFile); err != nil {
		zapLogger.Warn("RPC endpoint seed file not loaded",
			zap.String("path", cfg.Reserves.ChainsFile), zap.Error(err))
	} else if err := reservesRepo.SeedEndpoints(ctx, endpoints); err != nil {
		zapLogger.Error("Failed to seed RPC endpoints", zap.Error(err))
	}
	if active, err := reservesRepo.ActiveEndpoints(ctx); err != nil {
		zapLogger.Error("Failed to load RPC endpoints", zap.Error(err))
	} else {
		reader.Connect(active)
	}

	prices := pricing.NewService(pricing.NewCoinGeckoOracle(zapLogger), zapLogger)
	reservesSvc := reserves.NewService(reader, prices, reservesRepo, proofStore, zapLogger)
	scheduler := reserves.NewScheduler(reservesSvc, snapshotLeader,
		cfg.Reserves.CustodyAddresses, cfg.Reserves.Chains, cfg.Reserves.SnapshotInterval, zapLogger)

	// Start background loops
	sweeper.Start()
	if err := scheduler.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start snapshot scheduler", zap.Error(err))
	}

	// Schedule DB pool metrics collection every 30s
	poolTicker := time.NewTicker(30 * time.Second)
	go func() {
		for range poolTicker.C {
			if sqlDB, err := db.DB(); err == nil {
				stats := sqlDB.Stats()
				metrics.DBOpenConns.WithLabelValues("postgres").Set(float64(stats.OpenConnections))
				metrics.DBIdleConns.WithLabelValues("postgres").Set(float64(stats.Idle))
				metrics.DBInUseConns.WithLabelValues("postgres").Set(float64(stats.InUse))
			}
		}
	}()

	// Create API server
	apiServer := api.NewServer(api.Config{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		JWTSecret:       cfg.JWT.Secret,
		JWTIssuer:       cfg.JWT.Issuer,
		AdminTOTPSecret: cfg.Security.AdminTOTPSecret,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
	}, pipeline, timelocks, reservesSvc, gate, incidents, lockdownCtl, phishing, feed, zapLogger)

	// Start HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := apiServer.Start(addr); err != nil {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("API server shutdown failed", zap.Error(err))
	}

	poolTicker.Stop()
	if err := scheduler.Stop(); err != nil {
		zapLogger.Error("Failed to stop snapshot scheduler", zap.Error(err))
	}
	sweeper.Stop()
	lockdownCtl.Stop()
	feed.Close()
	if elector != nil {
		if err := elector.Stop(); err != nil {
			zapLogger.Error("Failed to stop elector", zap.Error(err))
		}
	}
	reader.Close()
	if err := proofStore.Close(); err != nil {
		zapLogger.Error("Failed to close proof store", zap.Error(err))
	}
	if err := publisher.Close(); err != nil {
		zapLogger.Error("Failed to close notification publisher", zap.Error(err))
	}
	if err := redisClient.Close(); err != nil {
		zapLogger.Error("Failed to close Redis client", zap.Error(err))
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down tracing", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
