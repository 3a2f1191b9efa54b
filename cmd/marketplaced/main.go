package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/undiscoveredart/marketplace/internal/api"
	"github.com/undiscoveredart/marketplace/internal/auction"
	"github.com/undiscoveredart/marketplace/internal/bidding"
	"github.com/undiscoveredart/marketplace/internal/clock"
	"github.com/undiscoveredart/marketplace/internal/config"
	"github.com/undiscoveredart/marketplace/internal/health"
	"github.com/undiscoveredart/marketplace/internal/leader"
	"github.com/undiscoveredart/marketplace/internal/settlement"
	"github.com/undiscoveredart/marketplace/internal/store"
	"github.com/undiscoveredart/marketplace/internal/sweeper"
	"github.com/undiscoveredart/marketplace/internal/telemetry"
	"github.com/undiscoveredart/marketplace/internal/wallet"

	// Register store drivers so they are available via store.Open.
	_ "github.com/undiscoveredart/marketplace/internal/store/memory"
	_ "github.com/undiscoveredart/marketplace/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver (postgres or memory).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to store", slog.String("driver", cfg.Database.Driver))

	// Initialize engines and managers.
	settlementEngine := settlement.NewEngine(repos.Txs, repos.Auctions, repos.Events, logger, tp.TracerProvider)
	biddingEngine := bidding.NewEngine(repos.Txs, settlementEngine, repos.Events, logger, tp.TracerProvider, clk)
	auctionMgr := auction.NewManager(repos.Auctions, repos.Users, repos.Txs, repos.Events, logger, tp.TracerProvider, clk)
	walletMgr := wallet.NewManager(repos.Users, repos.Events, logger, tp.TracerProvider)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	server := api.NewServer(biddingEngine, settlementEngine, auctionMgr, walletMgr,
		repos.Bids, healthHandler, logger, clk, cfg.Auth.JWTSecret)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Router(cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	// The sweeper ticker is the in-process fallback for deployments without
	// an external scheduler. With leader election enabled, only one replica
	// runs it; all replicas keep serving bids.
	if cfg.Sweeper.Enabled {
		swp := sweeper.New(settlementEngine, cfg.Sweeper.Interval, logger, clk)

		if cfg.LeaderElection.Enabled {
			go func() {
				if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, swp.Run, func() {
					logger.Info("lost sweeper leadership")
				}); leaderErr != nil {
					logger.ErrorContext(ctx, "leader election error", slog.Any("error", leaderErr))
				}
			}()
		} else {
			go swp.Run(ctx)
		}
	}

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "marketplaced is running", slog.String("version", version))

	// Wait for shutdown signal.
	<-ctx.Done()
	logger.Info("shutting down...")

	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
