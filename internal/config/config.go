// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	Env     string `validate:"required,oneof=dev prod"`
	Storage struct {
		// Driver selects the storage backend.
		Driver string `validate:"required,oneof=postgres sqlite"`
		// DSN is the Postgres connection string. When empty it is built
		// from the PG_* parts.
		DSN        string
		PGHost     string
		PGPort     int `validate:"gte=0,lte=65535"`
		PGUser     string
		PGPassword string
		PGDatabase string
		PGSSLMode  string
		// SQLitePath is the database file for the sqlite driver.
		SQLitePath string
	}
	HTTP struct {
		Addr string `validate:"required"`
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
	Scheduler struct {
		// StopGrace is how long stop waits for terminated tasks to exit.
		StopGrace time.Duration `validate:"gt=0"`
		// StopRetries bounds how often shutdown retries a timed-out stop.
		StopRetries int `validate:"gte=1"`
		// RetentionDays is how long finished task rows are kept.
		RetentionDays int `validate:"gte=1"`
		// RetentionSchedule is the cron spec of the purge job.
		RetentionSchedule string `validate:"required"`
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and an optional
// .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	c.Env = getenv("ENV", "prod")

	c.Storage.Driver = strings.ToLower(getenv("STORAGE_DRIVER", "postgres"))
	c.Storage.DSN = os.Getenv("DATABASE_URL")
	c.Storage.PGHost = getenv("PG_HOST", "localhost")
	c.Storage.PGPort = getenvInt("PG_PORT", 5432)
	c.Storage.PGUser = os.Getenv("PG_USER")
	c.Storage.PGPassword = os.Getenv("PG_PASSWORD")
	c.Storage.PGDatabase = getenv("PG_DATABASE", "fledge")
	c.Storage.PGSSLMode = getenv("PG_SSLMODE", "disable")
	c.Storage.SQLitePath = getenv("SQLITE_PATH", "data/fledge.db")

	c.HTTP.Addr = getenv("HTTP_ADDR", ":8081")

	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/fledged.log")

	c.Scheduler.StopGrace = getenvDuration("STOP_GRACE", 100*time.Millisecond)
	c.Scheduler.StopRetries = getenvInt("STOP_RETRIES", 10)
	c.Scheduler.RetentionDays = getenvInt("TASK_RETENTION_DAYS", 30)
	c.Scheduler.RetentionSchedule = getenv("RETENTION_SCHEDULE", "0 3 * * *")

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" && c.Storage.PGUser == "" {
		return Config{}, errors.New("DATABASE_URL or PG_USER required for the postgres driver")
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
