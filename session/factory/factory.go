package factory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PipeOpsHQ/qoe-assistant/session"
	"github.com/PipeOpsHQ/qoe-assistant/session/hybrid"
	"github.com/PipeOpsHQ/qoe-assistant/session/memory"
	redisstore "github.com/PipeOpsHQ/qoe-assistant/session/redis"
	sqlitestore "github.com/PipeOpsHQ/qoe-assistant/session/sqlite"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendHybrid = "hybrid"

	DefaultSQLitePath = "./.qoe-assistant/state.db"
	DefaultRedisAddr  = "127.0.0.1:6379"
)

type Config struct {
	Backend    string
	SQLitePath string
	Redis      RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// FromConfig opens the configured backend. The hybrid backend degrades to
// sqlite alone when redis is unreachable.
func FromConfig(ctx context.Context, cfg Config, log logrus.FieldLogger) (session.Store, error) {
	_ = ctx
	if log == nil {
		log = logrus.StandardLogger()
	}
	path := cfg.SQLitePath
	if strings.TrimSpace(path) == "" {
		path = DefaultSQLitePath
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", BackendSQLite:
		s, err := sqlitestore.New(path)
		if err != nil {
			return nil, err
		}
		return s, nil

	case BackendMemory:
		return memory.New(), nil

	case BackendRedis:
		s, err := newRedisStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil

	case BackendHybrid:
		durable, err := sqlitestore.New(path)
		if err != nil {
			return nil, err
		}
		opts := []hybrid.Option{hybrid.WithLogger(log.WithField("component", "session.hybrid"))}
		cache, err := newRedisStore(cfg.Redis)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, hybrid session store running without cache")
			return hybrid.New(durable, nil, opts...)
		}
		return hybrid.New(durable, cache, opts...)

	default:
		return nil, fmt.Errorf("unsupported state backend %q (use memory, sqlite, redis, or hybrid)", backend)
	}
}

// FromEnv reads QOE_STATE_BACKEND, QOE_SQLITE_PATH and the QOE_REDIS_*
// variables.
func FromEnv(ctx context.Context) (session.Store, error) {
	return FromConfig(ctx, ConfigFromEnv(), nil)
}

func ConfigFromEnv() Config {
	return Config{
		Backend:    getenv("QOE_STATE_BACKEND", BackendSQLite),
		SQLitePath: getenv("QOE_SQLITE_PATH", DefaultSQLitePath),
		Redis: RedisConfig{
			Addr:     getenv("QOE_REDIS_ADDR", DefaultRedisAddr),
			Password: strings.TrimSpace(os.Getenv("QOE_REDIS_PASSWORD")),
			DB:       getenvInt("QOE_REDIS_DB", 0),
			TTL:      getenvDuration("QOE_REDIS_TTL", 72*time.Hour),
			Prefix:   getenv("QOE_REDIS_PREFIX", ""),
		},
	}
}

func newRedisStore(cfg RedisConfig) (*redisstore.Store, error) {
	addr := cfg.Addr
	if strings.TrimSpace(addr) == "" {
		addr = DefaultRedisAddr
	}
	opts := []redisstore.Option{
		redisstore.WithPassword(cfg.Password),
		redisstore.WithDB(cfg.DB),
		redisstore.WithTTL(cfg.TTL),
		redisstore.WithPrefix(cfg.Prefix),
	}
	return redisstore.New(addr, opts...)
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
