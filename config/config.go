/*
config.go - Runtime configuration

PURPOSE:
  Reads process configuration from the environment, optionally seeded from
  a .env file in the working directory. Command-line flags in cmd/server
  override whatever is loaded here.

ENVIRONMENT:
  PORT                           HTTP port (default 8080)
  DB_DRIVER                      sqlite | mysql (default sqlite)
  SQLITE_PATH                    SQLite file, ":memory:" allowed (default settlement.db)
  DB_USER, DB_PASSWORD,
  DB_HOST, DB_PORT, DB_NAME      MySQL connection
  DB_MAX_OPEN_CONNS              Pool size (default 50)
  DB_MAX_IDLE_CONNS              Idle connections (default 25)
  DB_CONN_MAX_LIFETIME_SECONDS   Connection lifetime (default 300)
  DB_CONN_MAX_IDLE_TIME_SECONDS  Idle time (default 60)
  REDIS_ADDRESS                  Enables the cross-process note lock when set
  LOG_LEVEL                      debug | info | warn | error (default info)
  CONFLICT_MAX_ATTEMPTS          Unit-of-work attempts on CONFLICT (default 5)
  CORS_ORIGINS                   Comma-separated allowed origins

SEE ALSO:
  - logger.go: Logger construction
  - cmd/server/main.go: Flag overrides
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

type Config struct {
	Port     int
	DBDriver string

	SQLitePath string

	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	RedisAddress string

	LogLevel            string
	ConflictMaxAttempts int
	CORSOrigins         []string
}

// Load reads .env (if present) and then the environment. Callers apply
// their overrides and then call Validate.
func Load() Config {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the environment only.
func FromEnv() Config {
	cfg := Config{
		Port:                intFromEnv("PORT", 8080),
		DBDriver:            strings.ToLower(stringFromEnv("DB_DRIVER", DriverSQLite)),
		SQLitePath:          stringFromEnv("SQLITE_PATH", "settlement.db"),
		DBUser:              os.Getenv("DB_USER"),
		DBPassword:          os.Getenv("DB_PASSWORD"),
		DBHost:              stringFromEnv("DB_HOST", "127.0.0.1"),
		DBPort:              stringFromEnv("DB_PORT", "3306"),
		DBName:              os.Getenv("DB_NAME"),
		DBMaxOpenConns:      intFromEnv("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:      intFromEnv("DB_MAX_IDLE_CONNS", 25),
		DBConnMaxLifetime:   time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second,
		DBConnMaxIdleTime:   time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second,
		RedisAddress:        strings.TrimSpace(os.Getenv("REDIS_ADDRESS")),
		LogLevel:            stringFromEnv("LOG_LEVEL", "info"),
		ConflictMaxAttempts: intFromEnv("CONFLICT_MAX_ATTEMPTS", 5),
		CORSOrigins:         listFromEnv("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
	}
	return cfg
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverMySQL:
		if c.DBUser == "" || c.DBName == "" {
			return fmt.Errorf("DB_USER and DB_NAME are required for the mysql driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.ConflictMaxAttempts < 1 {
		return fmt.Errorf("CONFLICT_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func stringFromEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func listFromEnv(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
