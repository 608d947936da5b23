// Package config loads the server configuration from environment variables
// on top of the package defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/thelinks/realtime/internal/messaging"
	"github.com/thelinks/realtime/internal/ws"
)

var ErrMissingSecret = errors.New("config: JWT_SECRET is required")

// Config is the complete configuration of a wsserver instance.
type Config struct {
	Server ws.ServerConfig
	NATS   messaging.NATSConfig

	JWTSecret   string
	RedisAddr   string
	DatabaseURL string // empty selects the in-memory event log
	ServerName  string

	UpdatesLookback time.Duration // /updates window when since is omitted
	EventRetention  time.Duration // Postgres events older than this are pruned; 0 disables
	MemoryLogSize   int           // events kept per target by the in-memory log
	PresenceRefresh time.Duration // how often live sessions refresh their Redis TTL
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "rt-1"
	}
	return Config{
		Server:          ws.DefaultServerConfig(),
		NATS:            messaging.DefaultNATSConfig(),
		RedisAddr:       "localhost:6379",
		ServerName:      name,
		UpdatesLookback: 30 * time.Second,
		EventRetention:  7 * 24 * time.Hour,
		MemoryLogSize:   256,
		PresenceRefresh: 15 * time.Minute,
	}
}

// Load reads the environment. Malformed values are errors rather than being
// ignored, so a typo cannot silently fall back to a default.
func Load() (Config, error) {
	cfg := Default()
	e := &env{}

	e.str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	e.positive("WORKER_POOL_SIZE", &cfg.Server.WorkerPoolSize)
	e.positive("MAX_CONNECTIONS", &cfg.Server.MaxConnections)
	e.duration("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	e.duration("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	e.positive("SEND_QUEUE_SIZE", &cfg.Server.SendQueueSize)
	e.duration("HEARTBEAT_INTERVAL", &cfg.Server.Heartbeat.Interval)
	e.duration("AUTH_TIMEOUT", &cfg.Server.Heartbeat.AuthTimeout)
	e.duration("AUTH_ERROR_GRACE", &cfg.Server.AuthErrorGrace)

	e.str("JWT_SECRET", &cfg.JWTSecret)
	e.str("REDIS_ADDR", &cfg.RedisAddr)
	e.str("NATS_URL", &cfg.NATS.URL)
	e.str("DATABASE_URL", &cfg.DatabaseURL)
	e.str("SERVER_NAME", &cfg.ServerName)
	e.duration("UPDATES_LOOKBACK", &cfg.UpdatesLookback)
	e.duration("EVENT_RETENTION", &cfg.EventRetention)
	e.positive("MEMORY_LOG_SIZE", &cfg.MemoryLogSize)
	e.duration("PRESENCE_REFRESH", &cfg.PresenceRefresh)

	cfg.NATS.Name = "realtime-" + cfg.ServerName

	if cfg.JWTSecret == "" {
		e.errs = append(e.errs, ErrMissingSecret)
	}
	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type env struct {
	errs []error
}

func (e *env) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *env) positive(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		e.errs = append(e.errs, fmt.Errorf("config: %s=%q: want a positive integer", key, v))
		return
	}
	*dst = n
}

func (e *env) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		e.errs = append(e.errs, fmt.Errorf("config: %s=%q: want a duration like 30s", key, v))
		return
	}
	*dst = d
}
