// Package config loads engine settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every tunable of the process.
type Config struct {
	Server  ServerConfig
	Game    GameConfig
	Lobby   LobbyConfig
	Economy EconomyConfig
}

type ServerConfig struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	LogLevel    string // debug, info, warn, error
	LogFile     string // rotate into this file instead of stdout when set
}

// GameConfig holds rules and timings of a single table.
type GameConfig struct {
	StartingBalance    int64
	StartBonus         int64
	JailFine           int64
	JailMaxAttempts    int
	TurnTimeout        time.Duration
	DisconnectTimeout  time.Duration
	AuctionDuration    time.Duration
	AntiSnipeWindow    time.Duration
	AntiSnipeExtension time.Duration
	TradeTTL           time.Duration
	GracePeriod        time.Duration
	MaxTurns           int // 0 disables the cap
}

type LobbyConfig struct {
	MinPlayers    int
	MaxPlayers    int
	Countdown     time.Duration
	BotFill       bool
	PrizePerTable int64
	BotThinkMin   time.Duration
	BotThinkMax   time.Duration
}

type EconomyConfig struct {
	APRMultiplier        decimal.Decimal
	YieldRate            decimal.Decimal
	DistributionInterval time.Duration
}

// Load reads the configuration, falling back to defaults for unset or
// malformed values.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
			RedisURL:    getEnv("REDIS_URL", ""),
			CacheTTL:    getEnvDuration("CACHE_TTL", 30*time.Second),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFile:     getEnv("LOG_FILE", ""),
		},
		Game: GameConfig{
			StartingBalance:    int64(getEnvInt("STARTING_BALANCE", 1500)),
			StartBonus:         int64(getEnvInt("START_BONUS", 200)),
			JailFine:           int64(getEnvInt("JAIL_FINE", 50)),
			JailMaxAttempts:    getEnvInt("JAIL_MAX_ATTEMPTS", 3),
			TurnTimeout:        getEnvDuration("TURN_TIMEOUT", 60*time.Second),
			DisconnectTimeout:  getEnvDuration("DISCONNECT_TIMEOUT", 15*time.Second),
			AuctionDuration:    getEnvDuration("AUCTION_DURATION", 30*time.Second),
			AntiSnipeWindow:    getEnvDuration("ANTI_SNIPE_WINDOW", 5*time.Second),
			AntiSnipeExtension: getEnvDuration("ANTI_SNIPE_EXTENSION", 10*time.Second),
			TradeTTL:           getEnvDuration("TRADE_TTL", 2*time.Minute),
			GracePeriod:        getEnvDuration("GRACE_PERIOD", 60*time.Second),
			MaxTurns:           getEnvInt("MAX_TURNS", 0),
		},
		Lobby: LobbyConfig{
			MinPlayers:    getEnvInt("MIN_PLAYERS", 2),
			MaxPlayers:    getEnvInt("MAX_PLAYERS", 5),
			Countdown:     getEnvDuration("COUNTDOWN", 20*time.Second),
			BotFill:       getEnvBool("BOT_FILL", true),
			PrizePerTable: int64(getEnvInt("PRIZE_PER_TABLE", 500)),
			BotThinkMin:   getEnvDuration("BOT_THINK_MIN", 500*time.Millisecond),
			BotThinkMax:   getEnvDuration("BOT_THINK_MAX", 2*time.Second),
		},
		Economy: EconomyConfig{
			APRMultiplier:        getEnvDecimal("APR_MULTIPLIER", decimal.RequireFromString("0.8")),
			YieldRate:            getEnvDecimal("YIELD_RATE", decimal.RequireFromString("0.05")),
			DistributionInterval: getEnvDuration("DISTRIBUTION_INTERVAL", time.Hour),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return fallback
}
