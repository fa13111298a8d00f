// README: Entry point; loads config, wires stores, solver, directions and identity, starts the HTTP server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"driveup/internal/clock"
	"driveup/internal/config"
	"driveup/internal/events"
	httptransport "driveup/internal/http"
	"driveup/internal/infra"
	"driveup/internal/logging"
	"driveup/internal/maps"
	"driveup/internal/modules/matching"
	"driveup/internal/modules/order"
	"driveup/internal/modules/pricing"
	"driveup/internal/modules/suggestion"
	"driveup/internal/solver"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("driveup-api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	tx := infra.NewTxRunner(dbPool)

	directions, closeDirections, err := newDirections(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDirections()

	loc, err := time.LoadLocation(cfg.Pricing.Timezone)
	if err != nil {
		return err
	}
	tariffs := pricing.DefaultConfig(loc)
	tariffs.DiscountPercent = cfg.Pricing.DiscountPercent
	tariffs.NISToUSD = cfg.Pricing.NISToUSD
	pricingSvc, err := pricing.NewService(tariffs)
	if err != nil {
		return err
	}

	clk := clock.System{}
	orderSvc := order.NewService(order.NewStore(dbPool), pricingSvc, directions, clk)
	suggestionSvc := suggestion.NewService(suggestion.NewStore(dbPool), tx, orderSvc)
	solverClient := solver.NewClient(cfg.Solver.URL, cfg.Solver.Timeout, clk)

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		publisher = kp
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return err
	}

	matchingSvc := matching.NewService(matching.Deps{
		Orders:      orderSvc,
		Suggestions: suggestionSvc,
		Solver:      solverClient,
		Directions:  directions,
		Pricing:     pricingSvc,
		Tx:          tx,
		Clock:       clk,
		Events:      publisher,
		Logger:      logger,
		Config:      cfg.Matching,
	})

	gin.SetMode(gin.ReleaseMode)
	server := httptransport.NewServer(httptransport.ServerDeps{
		Orders:   orderSvc,
		Matching: matchingSvc,
		Verifier: verifier,
		Logger:   logger,
		Location: loc,
	}).HTTPServer(cfg.HTTP.Addr)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}

// newDirections builds the configured provider, cached in Redis when an
// address is set. The returned func releases the Redis client.
func newDirections(ctx context.Context, cfg config.Config, logger *slog.Logger) (maps.Provider, func(), error) {
	noop := func() {}
	var provider maps.Provider
	switch cfg.Directions.Provider {
	case "google":
		g, err := maps.NewGoogleDirections(cfg.Directions.GoogleKey)
		if err != nil {
			return nil, noop, err
		}
		provider = g
	default:
		o, err := maps.NewORSDirections(cfg.Directions.ORSKey, cfg.Directions.ORSURL)
		if err != nil {
			return nil, noop, err
		}
		provider = o
	}

	if cfg.Redis.Addr == "" {
		return provider, noop, nil
	}
	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return nil, noop, err
	}
	closeRedis := func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}
	return maps.NewCachedDirections(provider, rdb, cfg.Redis.DirectionsTTL, logger), closeRedis, nil
}

func newVerifier(ctx context.Context, cfg config.Config) (infra.TokenVerifier, error) {
	if cfg.Auth.Provider == "firebase" {
		if cfg.Auth.FirebaseProject == "" {
			return nil, errors.New("DRIVEUP_FIREBASE_PROJECT_ID is required for the firebase auth provider")
		}
		return infra.NewFirebaseVerifier(ctx, cfg.Auth.FirebaseProject, cfg.Auth.FirebaseCreds)
	}
	return infra.NewUserHandlerVerifier(cfg.Auth.UserHandlerURL, &http.Client{Timeout: 10 * time.Second}), nil
}
