/*
Package config loads runtime settings from the environment and builds the
shared logrus logger.

ENVIRONMENT:
  PORT                HTTP port (default 8080)
  DB_DRIVER           sqlite | postgres (default sqlite)
  DB_DSN              SQLite path or PostgreSQL DSN (default payments.db)
  LOG_LEVEL           logrus level name (default info)
  LOG_FORMAT          json | text (default json)
  REDIS_ADDRESS       enables Redis counterparty locks when set
  LOCK_TTL            Redis lock lifetime (default 30s)
  KAFKA_BROKERS       comma-separated; enables event publishing when set
  KAFKA_TOPIC_PREFIX  topic namespace (default payments)
  ASYNC_ALLOCATION    run allocations after responding (default false)
  RECONCILE_INTERVAL  scheduler period, 0 disables (default 0)

A .env file in the working directory is loaded first when present; real
environment variables win over it.
*/
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds every setting the server and CLI read.
type Config struct {
	Port              int
	DBDriver          string
	DBDSN             string
	LogLevel          string
	LogFormat         string
	RedisAddress      string
	LockTTL           time.Duration
	KafkaBrokers      []string
	KafkaTopicPrefix  string
	AsyncAllocation   bool
	ReconcileInterval time.Duration
}

// Load reads .env (if any) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Port:             8080,
		DBDriver:         "sqlite",
		DBDSN:            "payments.db",
		LogLevel:         "info",
		LogFormat:        "json",
		LockTTL:          30 * time.Second,
		KafkaTopicPrefix: "payments",
	}

	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := getenv("DB_DRIVER"); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	switch cfg.DBDriver {
	case "sqlite", "postgres":
	default:
		return cfg, fmt.Errorf("DB_DRIVER: unsupported driver %q", cfg.DBDriver)
	}
	if v := getenv("DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	cfg.RedisAddress = getenv("REDIS_ADDRESS")
	if v := getenv("LOCK_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("LOCK_TTL: %w", err)
		}
		cfg.LockTTL = d
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if v, ok := lookup(getenv, "KAFKA_TOPIC_PREFIX"); ok {
		cfg.KafkaTopicPrefix = v
	}
	if v := getenv("ASYNC_ALLOCATION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("ASYNC_ALLOCATION: %w", err)
		}
		cfg.AsyncAllocation = b
	}
	if v := getenv("RECONCILE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("RECONCILE_INTERVAL: %w", err)
		}
		cfg.ReconcileInterval = d
	}
	return cfg, nil
}

// lookup treats "-" as an explicit empty value, so a prefix can be disabled.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	if v == "" {
		return "", false
	}
	if v == "-" {
		return "", true
	}
	return v, true
}

// NewLogger builds the process logger from the config.
func NewLogger(cfg Config, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	switch cfg.LogFormat {
	case "json", "":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("LOG_FORMAT: unsupported format %q", cfg.LogFormat)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logger.SetLevel(level)
	return logger, nil
}

// LogError logs err with the calling module and function.
func LogError(logger logrus.FieldLogger, module, funcName, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   module,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
