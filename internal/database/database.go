package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog/log"
)

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health() map[string]string

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error

	// DB exposes the pool for the store and ledger.
	DB() *sqlx.DB
}

type service struct {
	db *sqlx.DB
}

var (
	database   = getEnv("BLUEPRINT_DB_DATABASE", "crashdb")
	password   = getEnv("BLUEPRINT_DB_PASSWORD", "postgres")
	username   = getEnv("BLUEPRINT_DB_USERNAME", "postgres")
	port       = getEnv("BLUEPRINT_DB_PORT", "5432")
	host       = getEnv("BLUEPRINT_DB_HOST", "localhost")
	schema     = getEnv("BLUEPRINT_DB_SCHEMA", "public")
	dbInstance *service
)

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// DSN is the connection string built from the BLUEPRINT_DB_* settings.
func DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		username, password, host, port, database, schema)
}

func New() Service {
	// Reuse Connection
	if dbInstance != nil {
		return dbInstance
	}
	db, err := sqlx.Open("pgx", DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("[DB] open failed")
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	dbInstance = &service{
		db: db,
	}
	return dbInstance
}

func (s *service) DB() *sqlx.DB {
	return s.db
}

// Health checks the health of the database connection by pinging the database.
// It returns a map with keys indicating various health statistics.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	// Ping the database
	err := s.db.PingContext(ctx)
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		log.Error().Err(err).Msg("[DB] health check failed")
		return stats
	}

	// Database is up, add more statistics
	stats["status"] = "up"
	stats["message"] = "It's healthy"

	// Get database stats (like open connections, in use, idle, etc.)
	dbStats := s.db.Stats()
	stats["open_connections"] = strconv.Itoa(dbStats.OpenConnections)
	stats["in_use"] = strconv.Itoa(dbStats.InUse)
	stats["idle"] = strconv.Itoa(dbStats.Idle)
	stats["wait_count"] = strconv.FormatInt(dbStats.WaitCount, 10)
	stats["wait_duration"] = dbStats.WaitDuration.String()
	stats["max_idle_closed"] = strconv.FormatInt(dbStats.MaxIdleClosed, 10)
	stats["max_lifetime_closed"] = strconv.FormatInt(dbStats.MaxLifetimeClosed, 10)

	// Evaluate stats to provide a health message
	if dbStats.OpenConnections > 40 {
		stats["message"] = "The database is experiencing heavy load."
	}
	if dbStats.WaitCount > 1000 {
		stats["message"] = "The database has a high number of wait events, indicating potential bottlenecks."
	}

	return stats
}

// Close closes the database connection.
// It logs a message indicating the disconnection from the specific database.
// If the connection is successfully closed, it returns nil.
// If an error occurs while closing the connection, it returns the error.
func (s *service) Close() error {
	log.Info().Str("database", database).Msg("[DB] disconnected")
	dbInstance = nil
	return s.db.Close()
}

// Open returns a plain *sql.DB for tools that manage their own connection,
// such as the migration runner.
func Open() (*sql.DB, error) {
	return sql.Open("pgx", DSN())
}
