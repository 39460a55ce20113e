/*
config.go - Server configuration

PURPOSE:
  Collects everything cmd/server needs from flags, environment variables
  and an optional .env file. Precedence, highest first:

    1. command-line flag
    2. environment variable
    3. .env file (loaded into the environment, never overriding it)
    4. built-in default

VARIABLES:
  PORT                HTTP port                          (8080)
  DB_DRIVER           sqlite | postgres | memory         (sqlite)
  DB_PATH             SQLite file, ":memory:" allowed    (ecoboard.db)
  DATABASE_URL        PostgreSQL DSN                     (required for postgres)
  KAFKA_BROKERS       comma-separated brokers            (events disabled if empty)
  KAFKA_TOPIC         completion event topic             (eco.completions)
  RECONCILE_INTERVAL  background score reconcile period  (5m, 0 disables)
  LOOKUP_TIMEOUT      task/user lookup bound             (2s)
  SEED_DEMO           seed demo data at startup          (false)
  LOG_LEVEL           debug | info | warn | error        (info)
  NO_COLOR            disable colored logs               (false)
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port              int
	DBDriver          string
	DBPath            string
	DatabaseURL       string
	KafkaBrokers      []string
	KafkaTopic        string
	ReconcileInterval time.Duration
	LookupTimeout     time.Duration
	SeedDemo          bool
	LogLevel          string
	NoColor           bool
}

// Load reads envFile (skipped if it does not exist), then parses args
// with environment-derived defaults. Pass os.Args[1:] from main.
func Load(args []string, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	var brokers string

	fs := flag.NewFlagSet("ecoboard", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", envInt("PORT", 8080), "HTTP server port")
	fs.StringVar(&cfg.DBDriver, "db-driver", envString("DB_DRIVER", DriverSQLite), "storage backend: sqlite, postgres or memory")
	fs.StringVar(&cfg.DBPath, "db", envString("DB_PATH", "ecoboard.db"), "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", envString("DATABASE_URL", ""), "PostgreSQL connection string")
	fs.StringVar(&brokers, "kafka-brokers", envString("KAFKA_BROKERS", ""), "comma-separated Kafka brokers (empty disables events)")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", envString("KAFKA_TOPIC", "eco.completions"), "Kafka topic for completion events")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", envDuration("RECONCILE_INTERVAL", 5*time.Minute), "score reconcile period (0 disables)")
	fs.DurationVar(&cfg.LookupTimeout, "lookup-timeout", envDuration("LOOKUP_TIMEOUT", 2*time.Second), "timeout for task and user lookups")
	fs.BoolVar(&cfg.SeedDemo, "seed", envBool("SEED_DEMO", false), "seed demo tasks, users and completions")
	fs.StringVar(&cfg.LogLevel, "log-level", envString("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.NoColor, "no-color", envBool("NO_COLOR", false), "disable colored log output")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.KafkaBrokers = splitList(brokers)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("sqlite driver needs a database path"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres driver needs DATABASE_URL"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.DBDriver))
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		errs = append(errs, errors.New("kafka topic must not be empty when brokers are set"))
	}
	if c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("reconcile interval must not be negative"))
	}
	if c.LookupTimeout <= 0 {
		errs = append(errs, errors.New("lookup timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// =============================================================================
// ENV HELPERS - malformed values fall back to the default
// =============================================================================

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
