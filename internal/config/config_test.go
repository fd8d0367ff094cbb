package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pigeon/internal/game"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		defaultVal string
		envValue   string
		want       string
	}{
		{"Environment variable exists", "PIGEON_TEST_KEY_EXISTS", "default", "custom_value", "custom_value"},
		{"Environment variable does not exist", "PIGEON_TEST_KEY_NOT_EXISTS", "default_value", "", "default_value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			if got := getEnv(tt.key, tt.defaultVal); got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     int
	}{
		{"Valid integer", "42", 42},
		{"Invalid integer", "not_a_number", 10},
		{"Empty", "", 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PIGEON_TEST_INT", tt.envValue)
			if got := getEnvAsInt("PIGEON_TEST_INT", 10); got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTypedEnvHelpers(t *testing.T) {
	t.Setenv("PIGEON_TEST_BOOL", "false")
	assert.False(t, getEnvAsBool("PIGEON_TEST_BOOL", true))
	t.Setenv("PIGEON_TEST_BOOL", "maybe")
	assert.True(t, getEnvAsBool("PIGEON_TEST_BOOL", true))

	t.Setenv("PIGEON_TEST_DURATION", "1500ms")
	assert.Equal(t, 1500*time.Millisecond, getEnvAsDuration("PIGEON_TEST_DURATION", time.Second))

	t.Setenv("PIGEON_TEST_FLOAT", "0.07")
	assert.Equal(t, 0.07, getEnvAsFloat("PIGEON_TEST_FLOAT", 0.06))

	t.Setenv("PIGEON_TEST_DECIMAL", "2.50")
	assert.Equal(t, "2.5", getEnvAsDecimal("PIGEON_TEST_DECIMAL", game.DefaultCrashConfig().MinStake).String())

	t.Setenv("PIGEON_TEST_LIST", " main, , vip ")
	assert.Equal(t, []string{"main", "vip"}, getEnvAsList("PIGEON_TEST_LIST", nil))
	t.Setenv("PIGEON_TEST_LIST", " , ")
	assert.Equal(t, []string{"x"}, getEnvAsList("PIGEON_TEST_LIST", []string{"x"}))
}

func TestLoad(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("LEDGER_BACKEND", "redis")
	t.Setenv("CRASH_TABLES", "main,vip")
	t.Setenv("CRASH_COUNTDOWN", "3s")
	t.Setenv("DEFAULT_CURRENCY", "eur")
	t.Setenv("GAME_CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, BackendRedis, cfg.LedgerBackend)
	assert.Equal(t, []string{"main", "vip"}, cfg.Tables)
	assert.Equal(t, 3*time.Second, cfg.Crash.Countdown)
	assert.Equal(t, "EUR", cfg.Crash.DefaultCurrency)
	assert.Equal(t, game.DefaultTables().CoinFlip, cfg.Games.CoinFlip)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown store", "STORE_BACKEND", "mongo"},
		{"redis store", "STORE_BACKEND", "redis"},
		{"unknown ledger", "LEDGER_BACKEND", "sqlite"},
		{"house edge", "CRASH_HOUSE_EDGE", "1"},
		{"late bet window", "CRASH_LATE_BET_MAX_MULTIPLIER", "0.5"},
		{"growth rate", "CRASH_GROWTH_RATE", "-0.1"},
		{"min stake", "MIN_STAKE", "0"},
		{"stake range", "MAX_STAKE", "0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORE_BACKEND", "memory")
			t.Setenv("LEDGER_BACKEND", "memory")
			t.Setenv("MIN_STAKE", "1")
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadTables(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		tables, err := LoadTables("")
		require.NoError(t, err)
		assert.Equal(t, 6, tables.Blackjack.Decks)
	})

	t.Run("overlay fills plinko weights", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "games.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
coinflip:
  win_probability: 0.45
blackjack:
  decks: 2
  hit_soft_17: true
plinko:
  boards:
    high:
      4:
        multipliers: [10, 1, 0.2, 1, 10]
`), 0o600))

		tables, err := LoadTables(path)
		require.NoError(t, err)

		assert.Equal(t, 0.45, tables.CoinFlip.WinProbability)
		assert.Equal(t, 2.0, tables.CoinFlip.Payout, "unset keys keep their defaults")
		assert.Equal(t, 2, tables.Blackjack.Decks)
		assert.True(t, tables.Blackjack.HitSoft17)
		assert.Equal(t, []float64{1, 4, 6, 4, 1}, tables.Plinko.Boards[game.PlinkoRiskHigh][4].Weights)
		assert.NotEmpty(t, tables.Plinko.Boards[game.PlinkoRiskLow], "other risk levels survive")
	})

	t.Run("invalid table", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "games.yaml")
		require.NoError(t, os.WriteFile(path, []byte("blackjack:\n  decks: 12\n"), 0o600))

		_, err := LoadTables(path)
		assert.ErrorContains(t, err, "blackjack.decks")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTables(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}
