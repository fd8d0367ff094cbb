// Package config reads process settings from the environment (.env is loaded
// automatically) and the game tables from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"pigeon/internal/cache"
	"pigeon/internal/game"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Port   int
	AppEnv string

	LogLevel  string
	LogFormat string
	LogFile   string

	Redis cache.Options

	StoreBackend  string
	LedgerBackend string
	JWTSecret     string

	Tables        []string
	Crash         game.CrashConfig
	SweepInterval time.Duration
	HandTimeout   time.Duration

	GameConfigPath string
	Games          game.Tables

	MigrationsPath string
	AutoMigrate    bool
}

// Load reads the environment and the game tables. Invalid values fall back
// to defaults; invalid game tables are an error.
func Load() (*Config, error) {
	crash := game.DefaultCrashConfig()
	crash.Countdown = getEnvAsDuration("CRASH_COUNTDOWN", crash.Countdown)
	crash.TickInterval = getEnvAsDuration("CRASH_TICK_INTERVAL", crash.TickInterval)
	crash.GrowthRate = getEnvAsFloat("CRASH_GROWTH_RATE", crash.GrowthRate)
	crash.HouseEdge = getEnvAsFloat("CRASH_HOUSE_EDGE", crash.HouseEdge)
	crash.LateBetMaxMultiplier = getEnvAsFloat("CRASH_LATE_BET_MAX_MULTIPLIER", crash.LateBetMaxMultiplier)
	crash.MinStake = getEnvAsDecimal("MIN_STAKE", crash.MinStake)
	crash.MaxStake = getEnvAsDecimal("MAX_STAKE", crash.MaxStake)
	crash.DefaultCurrency = strings.ToUpper(getEnv("DEFAULT_CURRENCY", crash.DefaultCurrency))

	cfg := &Config{
		Port:      getEnvAsInt("PORT", 8080),
		AppEnv:    getEnv("APP_ENV", "local"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogFile:   getEnv("LOG_FILE", ""),
		Redis: cache.Options{
			Addr:     getEnv("REDIS_URL", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
		LedgerBackend:  strings.ToLower(getEnv("LEDGER_BACKEND", BackendPostgres)),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		Tables:         getEnvAsList("CRASH_TABLES", []string{game.DEFAULT_TABLE}),
		Crash:          crash,
		SweepInterval:  getEnvAsDuration("SWEEP_INTERVAL", game.SWEEP_INTERVAL),
		HandTimeout:    getEnvAsDuration("HAND_TIMEOUT", game.HAND_TIMEOUT),
		GameConfigPath: getEnv("GAME_CONFIG_PATH", ""),
		MigrationsPath: getEnv("MIGRATIONS_PATH", ""),
		AutoMigrate:    getEnvAsBool("AUTO_MIGRATE", true),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	games, err := LoadTables(cfg.GameConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Games = games
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND must be memory or postgres, got %q", c.StoreBackend)
	}
	switch c.LedgerBackend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("LEDGER_BACKEND must be memory, postgres or redis, got %q", c.LedgerBackend)
	}
	if c.Crash.GrowthRate <= 0 {
		return fmt.Errorf("CRASH_GROWTH_RATE must be positive")
	}
	if c.Crash.HouseEdge < 0 || c.Crash.HouseEdge >= 1 {
		return fmt.Errorf("CRASH_HOUSE_EDGE must be in [0,1)")
	}
	if c.Crash.LateBetMaxMultiplier < game.MIN_MULTIPLIER {
		return fmt.Errorf("CRASH_LATE_BET_MAX_MULTIPLIER must be at least %.2f", game.MIN_MULTIPLIER)
	}
	if c.Crash.TickInterval <= 0 || c.Crash.Countdown < 0 {
		return fmt.Errorf("CRASH_TICK_INTERVAL must be positive and CRASH_COUNTDOWN not negative")
	}
	if !c.Crash.MinStake.IsPositive() || c.Crash.MaxStake.LessThan(c.Crash.MinStake) {
		return fmt.Errorf("MIN_STAKE must be positive and not above MAX_STAKE")
	}
	return nil
}

// LoadTables returns the built-in game tables overlaid with the YAML file at
// path. A Plinko board given without weights gets the binomial distribution.
func LoadTables(path string) (game.Tables, error) {
	tables := game.DefaultTables()
	if path == "" {
		return tables, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return game.Tables{}, fmt.Errorf("read game config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &tables); err != nil {
		return game.Tables{}, fmt.Errorf("parse game config %s: %w", path, err)
	}

	for risk, byRows := range tables.Plinko.Boards {
		for rows, board := range byRows {
			if len(board.Weights) == 0 {
				board.Weights = game.BinomialWeights(rows)
				byRows[rows] = board
			}
		}
		tables.Plinko.Boards[risk] = byRows
	}

	if err := tables.Validate(); err != nil {
		return game.Tables{}, fmt.Errorf("game config %s: %w", path, err)
	}
	return tables, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return val
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvAsDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvAsList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
