package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// defaultWatchlist mirrors the keyword list shipped with the reference agent.
var defaultWatchlist = []string{
	"password", "credit card", "bank", "ssn", "login",
}

type Config struct {
	HTTPAddr  string
	JWTSecret string

	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisURL string
	NATSURL  string

	LivenessWindow    time.Duration
	CommandQueueDepth int
	Watchlist         []string
	RetentionDays     int

	AdminEmail    string
	AdminPassword string
}

// FromEnv loads the server configuration from environment variables.
// JWT_SECRET has no fallback; callers must treat an empty value as fatal.
func FromEnv() Config {
	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		JWTSecret: os.Getenv("JWT_SECRET"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBUser:     getEnv("DB_USER", "fleet_user"),
		DBPassword: getEnv("DB_PASSWORD", "fleet_pass"),
		DBName:     getEnv("DB_NAME", "fleetwatch"),

		RedisURL: os.Getenv("REDIS_URL"),
		NATSURL:  os.Getenv("NATS_URL"),

		LivenessWindow:    getEnvDuration("LIVENESS_WINDOW", 120*time.Second),
		CommandQueueDepth: getEnvInt("COMMAND_QUEUE_DEPTH", 256),
		Watchlist:         getEnvList("WATCHLIST", defaultWatchlist),
		RetentionDays:     getEnvInt("RETENTION_DAYS", 30),

		AdminEmail:    os.Getenv("ADMIN_EMAIL"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}
}

// DSN builds the Postgres connection string.
func (c Config) DSN() string {
	return "host=" + c.DBHost +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
