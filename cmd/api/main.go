package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"pigeon/internal/auth"
	"pigeon/internal/cache"
	"pigeon/internal/config"
	"pigeon/internal/database"
	"pigeon/internal/game"
	"pigeon/internal/ledger"
	"pigeon/internal/logger"
	"pigeon/internal/server"
	"pigeon/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	closeLog, err := logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("[MAIN] exited with error")
		closeLog()
		os.Exit(1)
	}
	log.Info().Msg("[MAIN] graceful shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	var db database.Service
	if cfg.StoreBackend == config.BackendPostgres || cfg.LedgerBackend == config.BackendPostgres {
		if cfg.AutoMigrate {
			if err := migrate(cfg.MigrationsPath); err != nil {
				return err
			}
		}
		db = database.New()
	}

	// Redis is optional unless it holds the wallets
	redisCache := cache.New(cfg.Redis)
	if redisCache == nil && cfg.LedgerBackend == config.BackendRedis {
		return fmt.Errorf("LEDGER_BACKEND=redis but Redis at %s is unreachable", cfg.Redis.Addr)
	}

	hub := game.NewHub()
	deps := game.Deps{Hub: hub}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		deps.Store = store.NewPostgres(db.DB())
	default:
		log.Warn().Msg("[MAIN] using in-memory store, rounds and bets are lost on restart")
		deps.Store = store.NewMemory()
	}

	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		deps.Ledger = ledger.NewPostgres(db.DB())
	case config.BackendRedis:
		deps.Ledger = ledger.NewRedis(redisCache.GetClient())
	default:
		log.Warn().Msg("[MAIN] using in-memory ledger, balances are lost on restart")
		deps.Ledger = ledger.NewMemory()
	}

	var snapshots *cache.RoundSnapshots
	if redisCache != nil {
		snapshots = cache.NewRoundSnapshots(redisCache.GetClient())
		deps.Lock = cache.NewTableLease(redisCache.GetClient())
		deps.Snapshots = snapshots
	}

	manager := game.NewManager(cfg.Tables, cfg.Crash, deps)
	resolver := game.NewResolver(deps, manager.Settlement(), game.NewDefaultFactory(cfg.Games), cfg.Games, cfg.Crash)
	sweeper := game.NewSweeper(manager, resolver, cfg.SweepInterval, cfg.HandTimeout)

	authProvider := auth.NewProvider(cfg.JWTSecret)
	if authProvider.Trusting() {
		log.Warn().Str("header", auth.HeaderUserID).Msg("[MAIN] JWT_SECRET not set, trusting the user id header")
	}

	srv := server.New(server.Options{
		DB:              db,
		Cache:           redisCache,
		Snapshots:       snapshots,
		Ledger:          deps.Ledger,
		Manager:         manager,
		Resolver:        resolver,
		Hub:             hub,
		Auth:            authProvider,
		DefaultCurrency: cfg.Crash.DefaultCurrency,
		AppEnv:          cfg.AppEnv,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if err := manager.Start(gctx); err != nil {
		return fmt.Errorf("start tables: %w", err)
	}
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info().
			Int("port", cfg.Port).
			Str("env", cfg.AppEnv).
			Strs("tables", cfg.Tables).
			Str("store", cfg.StoreBackend).
			Str("ledger", cfg.LedgerBackend).
			Msg("[MAIN] listening")
		if err := srv.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		manager.Stop()
		return srv.Shutdown()
	})

	return g.Wait()
}

func migrate(path string) error {
	sqlDB, err := database.Open()
	if err != nil {
		return fmt.Errorf("open database for migrations: %w", err)
	}
	// the migrator closes sqlDB
	if err := database.RunMigrations(sqlDB, path); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("[DB] schema up to date")
	return nil
}
