package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fitwager/coordinator/internal/config"
	"github.com/fitwager/coordinator/internal/fitness"
	"github.com/fitwager/coordinator/internal/handlers"
	"github.com/fitwager/coordinator/internal/logging"
	"github.com/fitwager/coordinator/internal/middleware"
	"github.com/fitwager/coordinator/internal/p2p"
	"github.com/fitwager/coordinator/internal/services"
	"github.com/fitwager/coordinator/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.toml"
	}

	cfg, cfgErr := config.Load(configPath)
	if cfgErr != nil {
		cfg = config.DefaultConfig()
	}

	logger := slog.New(logging.Init(cfg.Log.Level, cfg.Log.Format))
	slog.SetDefault(logger)
	if cfgErr != nil {
		logger.Warn("failed to load config, using defaults", "path", configPath, "error", cfgErr)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("coordinator exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	if m, ok := store.(storage.Migrator); ok {
		if err := m.Migrate(ctx, cfg.Database.MigrationsPath); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}
	logger.Info("storage ready", "driver", cfg.Database.Driver)

	// Initialize services
	clk := clock.New()
	provider := fitness.NewGoogleFit(fitness.GoogleFitConfig{
		ClientID:     cfg.Fitness.ClientID,
		ClientSecret: cfg.Fitness.ClientSecret,
		BaseURL:      cfg.Fitness.BaseURL,
		TokenURL:     cfg.Fitness.TokenURL,
	})
	proofs := services.NewProofService(store, cfg.Verification.Secret)
	credentials := services.NewCredentialService(store, provider, clk, cfg.Fitness.RefreshTimeoutDuration(), logger)
	verifier := services.NewVerificationService(store, credentials, provider, proofs, clk, cfg.Fitness.FetchTimeoutDuration(), logger)
	rules := services.ChallengeRules{
		MaxParticipants:      cfg.Challenges.MaxParticipants,
		MaxEntryFee:          cfg.Challenges.MaxEntryFeeDecimal(),
		MaxTitleLength:       cfg.Challenges.MaxTitleLength,
		MaxDescriptionLength: cfg.Challenges.MaxDescriptionLength,
	}
	challenges := services.NewChallengeService(store, verifier, services.NewWinnerResolver(cfg.Challenges.TieBreak),
		rules, clk, cfg.Challenges.BatchConcurrency, logger)

	// Initialize P2P relay
	var publisher handlers.Publisher
	if cfg.P2P.Enabled {
		node, err := p2p.NewNode(p2p.NodeConfig{
			ListenAddresses: cfg.P2P.ListenAddresses,
			EnableTCP:       cfg.P2P.EnableTCP,
			EnableQUIC:      cfg.P2P.EnableQUIC,
			BootstrapPeers:  cfg.P2P.BootstrapPeers,
			RelayPeers:      cfg.P2P.RelayPeers,
		}, logger.With("component", "p2p"))
		if err != nil {
			return fmt.Errorf("failed to create P2P node: %w", err)
		}
		if err := node.Start(ctx); err != nil {
			return fmt.Errorf("failed to start P2P node: %w", err)
		}
		defer node.Close()

		logger.Info("P2P node started", "peer_id", node.ID().String(), "addrs", node.Addrs())
		publisher = node
	}

	// Set up HTTP server
	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(handlers.Deps{
		Store:       store,
		Challenges:  challenges,
		Verifier:    verifier,
		Proofs:      proofs,
		Credentials: credentials,
		Publisher:   publisher,
		JWTSecret:   cfg.Auth.JWTSecret,
		ServiceKeys: middleware.StaticServiceKeys(cfg.Auth.ServiceKeyHashes),
		Logger:      logger.With("component", "http"),
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      corsHandler.Handler(router),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		ErrorLog:     logging.StdlibLogger(logger.Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator HTTP server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}
