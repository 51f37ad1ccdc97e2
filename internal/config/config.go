// Package config loads hub configuration from the environment, an optional
// .env file, command-line flags and a YAML endpoints file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dgnsrekt/tunnelhub/internal/mirror"
	"github.com/dgnsrekt/tunnelhub/internal/upstream"
)

const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreJSONL    = "jsonl"
	StoreMemory   = "memory"
)

// Config holds all configuration for the hub.
type Config struct {
	// Listeners
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool
	StreamSplit      bool
	StreamBindAddr   string

	// Logging
	LogLevel string
	LogFile  string

	// Endpoints
	EndpointsFile string

	// Persistence
	DatabaseURL      string
	RedisURL         string
	EventStore       string
	MirrorStore      string
	ArchiveDir       string
	ArchiveMaxSizeMB int
	PersistQueue     int
	PersistTimeoutMS int
	CounterPolicy    string

	// Upstream reconnect policy
	StaleAfterMS     int
	MaxRetries       int
	BackoffBaseMS    int
	BackoffMaxMS     int
	ConnectTimeoutMS int
	ProbeTimeoutMS   int

	// Downstream
	SubscriberBuffer int
	KeepAliveMS      int

	// Alerts
	NtfyURL string
}

// Load reads configuration from environment variables, after loading envFile
// (or ./.env when envFile is empty) if present.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		BindAddr:         getEnvOrDefault("TUNNELHUB_BIND_ADDR", "127.0.0.1:8280"),
		PortCandidates:   splitList(getEnvOrDefault("TUNNELHUB_PORT_CANDIDATES", "")),
		PortAutoFallback: getEnvBoolOrDefault("TUNNELHUB_PORT_AUTO_FALLBACK", false),
		StreamSplit:      getEnvBoolOrDefault("TUNNELHUB_STREAM_SPLIT", false),
		StreamBindAddr:   getEnvOrDefault("TUNNELHUB_STREAM_BIND_ADDR", "127.0.0.1:8281"),
		LogLevel:         strings.ToLower(getEnvOrDefault("TUNNELHUB_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("TUNNELHUB_LOG_FILE", "logs/tunnelhub.log"),
		EndpointsFile:    getEnvOrDefault("TUNNELHUB_ENDPOINTS_FILE", "./config/endpoints.yaml"),
		DatabaseURL:      getEnvOrDefault("DATABASE_URL", ""),
		RedisURL:         getEnvOrDefault("REDIS_URL", ""),
		EventStore:       strings.ToLower(getEnvOrDefault("TUNNELHUB_EVENT_STORE", StoreMemory)),
		MirrorStore:      strings.ToLower(getEnvOrDefault("TUNNELHUB_MIRROR_STORE", StoreMemory)),
		ArchiveDir:       getEnvOrDefault("TUNNELHUB_ARCHIVE_DIR", "./event_archive"),
		ArchiveMaxSizeMB: getEnvIntOrDefault("TUNNELHUB_ARCHIVE_MAX_SIZE_MB", 100),
		PersistQueue:     getEnvIntOrDefault("TUNNELHUB_PERSIST_QUEUE", 1024),
		PersistTimeoutMS: getEnvIntOrDefault("TUNNELHUB_PERSIST_TIMEOUT_MS", 5000),
		CounterPolicy:    strings.ToLower(getEnvOrDefault("TUNNELHUB_COUNTER_POLICY", string(mirror.CounterReset))),
		StaleAfterMS:     getEnvIntOrDefault("TUNNELHUB_STALE_AFTER_MS", 0),
		MaxRetries:       getEnvIntOrDefault("TUNNELHUB_MAX_RETRIES", 10),
		BackoffBaseMS:    getEnvIntOrDefault("TUNNELHUB_BACKOFF_BASE_MS", 1000),
		BackoffMaxMS:     getEnvIntOrDefault("TUNNELHUB_BACKOFF_MAX_MS", 30000),
		ConnectTimeoutMS: getEnvIntOrDefault("TUNNELHUB_CONNECT_TIMEOUT_MS", 10000),
		ProbeTimeoutMS:   getEnvIntOrDefault("TUNNELHUB_PROBE_TIMEOUT_MS", 5000),
		SubscriberBuffer: getEnvIntOrDefault("TUNNELHUB_SUBSCRIBER_BUFFER", 256),
		KeepAliveMS:      getEnvIntOrDefault("TUNNELHUB_KEEPALIVE_MS", 15000),
		NtfyURL:          getEnvOrDefault("TUNNELHUB_NTFY_URL", ""),
	}
	if cfg.ProbeTimeoutMS < 100 {
		cfg.ProbeTimeoutMS = 100
	}
	return cfg, cfg.Validate()
}

// Validate checks store selections and listener settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.EventStore {
	case StoreMemory, StoreJSONL:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("TUNNELHUB_EVENT_STORE=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TUNNELHUB_EVENT_STORE %q", c.EventStore))
	}
	switch c.MirrorStore {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("TUNNELHUB_MIRROR_STORE=postgres requires DATABASE_URL"))
		}
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("TUNNELHUB_MIRROR_STORE=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TUNNELHUB_MIRROR_STORE %q", c.MirrorStore))
	}
	if c.CounterPolicy != string(mirror.CounterReset) && c.CounterPolicy != string(mirror.CounterHold) {
		errs = append(errs, fmt.Errorf("unknown TUNNELHUB_COUNTER_POLICY %q", c.CounterPolicy))
	}
	if c.StreamSplit && c.StreamBindAddr == c.BindAddr {
		errs = append(errs, errors.New("TUNNELHUB_STREAM_BIND_ADDR must differ from TUNNELHUB_BIND_ADDR when streams are split"))
	}
	return errors.Join(errs...)
}

// UpstreamPolicy returns the connector reconnect policy.
func (c *Config) UpstreamPolicy() upstream.Policy {
	return upstream.Policy{
		BaseDelay:      ms(c.BackoffBaseMS),
		MaxDelay:       ms(c.BackoffMaxMS),
		MaxRetries:     c.MaxRetries,
		StaleAfter:     ms(c.StaleAfterMS),
		ConnectTimeout: ms(c.ConnectTimeoutMS),
	}
}

// PersistTimeout bounds a single storage write.
func (c *Config) PersistTimeout() time.Duration { return ms(c.PersistTimeoutMS) }

// ProbeTimeout bounds a one-shot connection test.
func (c *Config) ProbeTimeout() time.Duration { return ms(c.ProbeTimeoutMS) }

// KeepAlive is the interval between keep-alive comments on downstream streams.
func (c *Config) KeepAlive() time.Duration { return ms(c.KeepAliveMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
