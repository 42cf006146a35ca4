/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the assessment platform server.
  Handles configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (viper: defaults, config file, ASSESS_* env)
  2. Configure logging (zerolog)
  3. Open SQLite store and run migrations
  4. Wire ledger, pricing, services and HTTP handler
  5. Start the sweep scheduler (valkey lease when configured)
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a config file (default: ./config.yaml when present)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close lock client and database connection

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warp/assessment-engine/access"
	"github.com/warp/assessment-engine/api"
	"github.com/warp/assessment-engine/billing"
	"github.com/warp/assessment-engine/config"
	"github.com/warp/assessment-engine/lock"
	"github.com/warp/assessment-engine/session"
	"github.com/warp/assessment-engine/store/sqlite"
	"github.com/warp/assessment-engine/wallet"
)

func main() {
	configFile := flag.String("config", "", "Path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.SetupLogging(cfg, os.Stderr)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("failed to initialize database")
	}
	defer store.Close()

	ledger := wallet.NewLedger(nil, cfg.Billing.Currency)
	pricing := billing.NewPricing(store, cfg.Billing.DefaultPricePerUser)
	coordinator := billing.NewCoordinator(store, ledger, pricing, nil)
	accessSvc := access.NewService(store, ledger, nil)
	sessions := session.NewService(store, coordinator, nil)
	handler := api.NewHandler(
		wallet.NewService(store, ledger, cfg.Billing.WelcomeBonus),
		accessSvc,
		coordinator,
		sessions,
		cfg.Debug,
	)

	var locker lock.Locker = lock.NewLocal(nil)
	if cfg.Valkey.Addr != "" {
		vl, err := lock.NewValkey(cfg.Valkey.Addr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect sweep lock")
		}
		locker = vl
	}
	defer locker.Close()

	scheduler := api.NewSweepScheduler(sessions, accessSvc, locker, cfg.Sweep.Interval)
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(handler, cfg.HTTP.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Str("db", cfg.Database.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	scheduler.Stop()

	log.Info().Msg("server stopped")
}
