// Package redispool builds the shared-store client. Authentication tries the
// primary password and falls back to the secondary so operators can rotate
// credentials without downtime; callers see a single logical client.
package redispool

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"

	"github.com/muttproject/mutt/pkg/secrets"
)

const secretName = "redis"

type Config struct {
	Addr         string        `yaml:"addr"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Addr, prefix+".addr", "localhost:6379", "Redis host:port.")
	cfg.DB = 0
	cfg.PoolSize = 16
	cfg.DialTimeout = 5 * time.Second
	cfg.ReadTimeout = 3 * time.Second
	cfg.WriteTimeout = 3 * time.Second
}

// New connects with the primary password and, if authentication fails, the
// secondary. Any other connection error is returned as-is.
func New(ctx context.Context, cfg Config, provider secrets.Provider, logger log.Logger) (*redis.Client, error) {
	primary, err := provider.Primary(secretName)
	if err != nil {
		return nil, fmt.Errorf("redis credentials unavailable: %w", err)
	}

	client := connect(cfg, primary)
	if err := client.Ping(ctx).Err(); err != nil {
		secondary := provider.Secondary(secretName)
		if secondary == "" {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
		}
		_ = client.Close()

		level.Warn(logger).Log("msg", "redis primary credential rejected, trying secondary", "err", err)
		client = connect(cfg, secondary)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s with either credential: %w", cfg.Addr, err)
		}
	}
	return client, nil
}

func connect(cfg Config, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}
