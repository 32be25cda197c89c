// Package overrides is the process-wide dynamic configuration registry.
// Values are persisted in the shared store under a key prefix; a pub/sub
// channel invalidates each process's short-TTL local cache, so a change an
// operator makes is visible everywhere within a few seconds without
// restarts.
package overrides

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/grafana/dskit/services"
)

// The recognized option set. Consumers parse and validate; unknown keys are
// rejected on write.
const (
	KeyAlerterQueueWarnThreshold = "alerter_queue_warn_threshold"
	KeyAlerterQueueShedThreshold = "alerter_queue_shed_threshold"
	KeyAlerterShedMode           = "alerter_shed_mode"
	KeyAlerterDeferSleepMS       = "alerter_defer_sleep_ms"
	KeyCacheReloadInterval       = "cache_reload_interval"
	KeyRateLimit                 = "moog_rate_limit"
	KeyRatePeriod                = "moog_rate_period"
	KeyCBFailureThreshold        = "moog_cb_failure_threshold"
	KeyCBOpenSeconds             = "moog_cb_open_seconds"
)

// Shed modes for the alerter backpressure policy.
const (
	ShedModeDLQ   = "dlq"
	ShedModeDefer = "defer"
)

type option struct {
	def      string
	validate func(string) error
}

func intOption(def int) option {
	return option{
		def: strconv.Itoa(def),
		validate: func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("not an integer: %q", v)
			}
			if n < 0 {
				return fmt.Errorf("must be non-negative: %d", n)
			}
			return nil
		},
	}
}

var registry = map[string]option{
	KeyAlerterQueueWarnThreshold: intOption(5000),
	KeyAlerterQueueShedThreshold: intOption(10000),
	KeyAlerterShedMode: {
		def: ShedModeDLQ,
		validate: func(v string) error {
			if v != ShedModeDLQ && v != ShedModeDefer {
				return fmt.Errorf("must be %q or %q: %q", ShedModeDLQ, ShedModeDefer, v)
			}
			return nil
		},
	},
	KeyAlerterDeferSleepMS: intOption(500),
	KeyCacheReloadInterval: intOption(300),
	KeyRateLimit:           intOption(100),
	KeyRatePeriod:          intOption(60),
	KeyCBFailureThreshold:  intOption(5),
	KeyCBOpenSeconds:       intOption(60),
}

type Config struct {
	KeyPrefix string        `yaml:"key_prefix"`
	Channel   string        `yaml:"channel"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(_ string, _ *flag.FlagSet) {
	cfg.KeyPrefix = "config:"
	cfg.Channel = "config:changes"
	cfg.CacheTTL = 5 * time.Second
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// Overrides serves dynamic configuration values with a short-TTL local cache
// and a change-notification subscriber that invalidates entries immediately.
type Overrides struct {
	services.Service

	cfg    Config
	rdb    redis.UniversalClient
	logger log.Logger

	mtx       sync.Mutex
	cache     map[string]cacheEntry
	callbacks map[string][]func(value string)
}

func New(cfg Config, rdb redis.UniversalClient, logger log.Logger) *Overrides {
	o := &Overrides{
		cfg:       cfg,
		rdb:       rdb,
		logger:    log.With(logger, "component", "overrides"),
		cache:     map[string]cacheEntry{},
		callbacks: map[string][]func(string){},
	}
	o.Service = services.NewBasicService(nil, o.running, nil)
	return o
}

// running subscribes to the change channel. Its only responsibility is to
// invalidate cache entries and invoke registered callbacks; callbacks run on
// their own goroutine and must not block.
func (o *Overrides) running(ctx context.Context) error {
	pubsub := o.rdb.Subscribe(ctx, o.cfg.Channel)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			key := msg.Payload
			o.invalidate(key)

			o.mtx.Lock()
			cbs := o.callbacks[key]
			o.mtx.Unlock()
			if len(cbs) == 0 {
				continue
			}

			value := o.Get(ctx, key)
			for _, cb := range cbs {
				go cb(value)
			}
		}
	}
}

func (o *Overrides) invalidate(key string) {
	o.mtx.Lock()
	delete(o.cache, key)
	o.mtx.Unlock()
}

// OnChange registers a callback invoked with the new value whenever key
// changes. Must be called before the service starts.
func (o *Overrides) OnChange(key string, fn func(value string)) {
	o.mtx.Lock()
	o.callbacks[key] = append(o.callbacks[key], fn)
	o.mtx.Unlock()
}

// Get returns the current value for a recognized key, consulting the local
// cache first. Store errors fall back to the default so a Redis blip never
// stalls a worker loop.
func (o *Overrides) Get(ctx context.Context, key string) string {
	opt, known := registry[key]
	if !known {
		return ""
	}

	o.mtx.Lock()
	if e, ok := o.cache[key]; ok && time.Now().Before(e.expires) {
		o.mtx.Unlock()
		return e.value
	}
	o.mtx.Unlock()

	value := opt.def
	v, err := o.rdb.Get(ctx, o.cfg.KeyPrefix+key).Result()
	switch {
	case err == redis.Nil:
		// unset, serve the default
	case err != nil:
		level.Warn(o.logger).Log("msg", "failed to read dynamic config, serving default", "key", key, "err", err)
		return opt.def
	default:
		if verr := opt.validate(v); verr != nil {
			level.Warn(o.logger).Log("msg", "malformed dynamic config value, serving default", "key", key, "err", verr)
		} else {
			value = v
		}
	}

	o.mtx.Lock()
	o.cache[key] = cacheEntry{value: value, expires: time.Now().Add(o.cfg.CacheTTL)}
	o.mtx.Unlock()
	return value
}

// Set validates and persists a value, then publishes a change notification.
func (o *Overrides) Set(ctx context.Context, key, value string) error {
	opt, known := registry[key]
	if !known {
		return fmt.Errorf("unrecognized config key %q", key)
	}
	if err := opt.validate(value); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := o.rdb.Set(ctx, o.cfg.KeyPrefix+key, value, 0).Err(); err != nil {
		return err
	}
	o.invalidate(key)
	return o.rdb.Publish(ctx, o.cfg.Channel, key).Err()
}

// All returns the current value of every recognized key.
func (o *Overrides) All(ctx context.Context) map[string]string {
	out := make(map[string]string, len(registry))
	for key := range registry {
		out[key] = o.Get(ctx, key)
	}
	return out
}

func (o *Overrides) getInt(ctx context.Context, key string) int {
	v := o.Get(ctx, key)
	n, err := strconv.Atoi(v)
	if err != nil {
		// registry validation keeps this from happening, belt and braces
		n, _ = strconv.Atoi(registry[key].def)
	}
	return n
}

func (o *Overrides) AlerterQueueWarnThreshold(ctx context.Context) int {
	return o.getInt(ctx, KeyAlerterQueueWarnThreshold)
}

func (o *Overrides) AlerterQueueShedThreshold(ctx context.Context) int {
	return o.getInt(ctx, KeyAlerterQueueShedThreshold)
}

func (o *Overrides) AlerterShedMode(ctx context.Context) string {
	return o.Get(ctx, KeyAlerterShedMode)
}

func (o *Overrides) AlerterDeferSleep(ctx context.Context) time.Duration {
	return time.Duration(o.getInt(ctx, KeyAlerterDeferSleepMS)) * time.Millisecond
}

func (o *Overrides) CacheReloadInterval(ctx context.Context) time.Duration {
	return time.Duration(o.getInt(ctx, KeyCacheReloadInterval)) * time.Second
}

func (o *Overrides) RateLimit(ctx context.Context) int {
	return o.getInt(ctx, KeyRateLimit)
}

func (o *Overrides) RatePeriod(ctx context.Context) time.Duration {
	return time.Duration(o.getInt(ctx, KeyRatePeriod)) * time.Second
}

func (o *Overrides) CBFailureThreshold(ctx context.Context) int {
	return o.getInt(ctx, KeyCBFailureThreshold)
}

func (o *Overrides) CBOpenSeconds(ctx context.Context) time.Duration {
	return time.Duration(o.getInt(ctx, KeyCBOpenSeconds)) * time.Second
}
