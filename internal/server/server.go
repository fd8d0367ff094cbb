package server

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog/log"

	"pigeon/internal/auth"
	"pigeon/internal/cache"
	"pigeon/internal/database"
	"pigeon/internal/game"
	"pigeon/internal/ledger"
	"pigeon/internal/logger"
	"pigeon/internal/metrics"
)

// Options carries everything the HTTP layer talks to. DB, Cache and
// Snapshots are optional.
type Options struct {
	DB              database.Service
	Cache           cache.Service
	Snapshots       *cache.RoundSnapshots
	Ledger          ledger.Ledger
	Manager         *game.Manager
	Resolver        *game.Resolver
	Hub             *game.Hub
	Auth            *auth.Provider
	DefaultCurrency string
	RateLimit       int
	// AppEnv "production" leaves out the self-service deposit route.
	AppEnv string
}

type FiberServer struct {
	*fiber.App

	db        database.Service
	cache     cache.Service
	snapshots *cache.RoundSnapshots
	ledger    ledger.Ledger
	manager   *game.Manager
	resolver  *game.Resolver
	hub       *game.Hub
	auth      *auth.Provider
	currency  string
	deposits  bool
}

func New(opts Options) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:          "pigeon",
			AppName:               "pigeon",
			ReadTimeout:           10 * time.Second,
			WriteTimeout:          10 * time.Second,
			IdleTimeout:           120 * time.Second,
			StrictRouting:         false,
			DisableStartupMessage: true,
		}),

		db:        opts.DB,
		cache:     opts.Cache,
		snapshots: opts.Snapshots,
		ledger:    opts.Ledger,
		manager:   opts.Manager,
		resolver:  opts.Resolver,
		hub:       opts.Hub,
		auth:      opts.Auth,
		currency:  opts.DefaultCurrency,
		deposits:  opts.AppEnv != "production",
	}
	if server.auth == nil {
		server.auth = auth.NewProvider("")
	}

	rateLimit := opts.RateLimit
	if rateLimit <= 0 {
		rateLimit = 300
	}

	// Apply global middleware
	server.App.Use(recover.New())
	server.App.Use(requestid.New())
	server.App.Use(logger.RequestLogger())
	server.App.Use(metrics.HTTPMiddleware())
	server.App.Use(limiter.New(limiter.Config{
		Max:        rateLimit,
		Expiration: 1 * time.Minute,
	}))

	server.RegisterFiberRoutes()
	return server
}

// Shutdown stops accepting requests and closes the storage connections.
// The game manager is stopped by its owner.
func (s *FiberServer) Shutdown() error {
	log.Info().Msg("[SERVER] shutting down")

	err := s.App.ShutdownWithTimeout(10 * time.Second)
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return err
}
