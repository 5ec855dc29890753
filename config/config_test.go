package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) string {
	return func(k string) string { return values[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "payments.db", cfg.DBDSN)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, "payments", cfg.KafkaTopicPrefix)
	assert.Empty(t, cfg.RedisAddress)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.AsyncAllocation)
	assert.Zero(t, cfg.ReconcileInterval)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"PORT":               "3000",
		"DB_DRIVER":          "Postgres",
		"DB_DSN":             "postgres://localhost/allocator",
		"LOG_LEVEL":          "debug",
		"LOG_FORMAT":         "text",
		"REDIS_ADDRESS":      "localhost:6379",
		"LOCK_TTL":           "5s",
		"KAFKA_BROKERS":      "k1:9092, k2:9092,",
		"KAFKA_TOPIC_PREFIX": "-",
		"ASYNC_ALLOCATION":   "true",
		"RECONCILE_INTERVAL": "15m",
	}))
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "postgres://localhost/allocator", cfg.DBDSN)
	assert.Equal(t, "localhost:6379", cfg.RedisAddress)
	assert.Equal(t, 5*time.Second, cfg.LockTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "", cfg.KafkaTopicPrefix)
	assert.True(t, cfg.AsyncAllocation)
	assert.Equal(t, 15*time.Minute, cfg.ReconcileInterval)
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"port":      {"PORT": "eighty"},
		"driver":    {"DB_DRIVER": "mysql"},
		"lock ttl":  {"LOCK_TTL": "forever"},
		"async":     {"ASYNC_ALLOCATION": "maybe"},
		"reconcile": {"RECONCILE_INTERVAL": "hourly"},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnv(env(values))
			assert.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{LogLevel: "warn", LogFormat: "json"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	LogError(logger, "api", "CreateLedgerEntry", "allocation", map[string]string{"id": "L1"}, errors.New("boom"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "boom", line["msg"])
	assert.Equal(t, "api", line["module"])
	assert.Equal(t, "CreateLedgerEntry", line["funcName"])

	_, err = NewLogger(Config{LogLevel: "loud"}, &buf)
	assert.Error(t, err)
	_, err = NewLogger(Config{LogLevel: "info", LogFormat: "xml"}, &buf)
	assert.Error(t, err)
}
