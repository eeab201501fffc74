package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by SEGTRAIN_ENV (or .env by default).
// Run parameters come in through the CLI; only ambient settings live here.
func Load() error {
	envFile := os.Getenv("SEGTRAIN_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Ignore error if file doesn't exist; env vars may be set directly.
	_ = godotenv.Load(envFile)

	return nil
}

// DatabaseURL returns the optional Postgres DSN for the metric and
// prototype stores. Empty means in-memory stores.
func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// MonitorPort returns the port for the HTTP monitor endpoint.
// 0 (the default) disables the monitor.
func MonitorPort() int {
	port, err := strconv.Atoi(os.Getenv("MONITOR_PORT"))
	if err != nil {
		return 0
	}
	return port
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}

// RateLimitRPS returns the monitor's requests per second limit.
// Defaults to 50 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 50
	}
	return rps
}

// RateLimitBurst returns the burst size for the monitor rate limit.
// Defaults to 10 if not set.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 10
	}
	return burst
}

// MetricKeep returns how many metric points the in-memory store retains.
// Defaults to 10000 if not set.
func MetricKeep() int {
	keep, err := strconv.Atoi(os.Getenv("METRIC_KEEP"))
	if err != nil || keep <= 0 {
		return 10000
	}
	return keep
}
