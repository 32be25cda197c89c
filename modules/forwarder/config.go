package forwarder

import (
	"flag"
	"time"

	"github.com/grafana/dskit/backoff"
)

type Config struct {
	Workers      int           `yaml:"workers"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"`

	// WebhookURL is the incident-management endpoint alerts are posted to.
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`

	// Retry policy for transient webhook failures. After MaxRetries the
	// alert dead-letters.
	Retry backoff.Config `yaml:"retry"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	JanitorInterval   time.Duration `yaml:"janitor_interval"`

	// BlockedSleep is how long a worker idles after requeueing an alert it
	// could not send because the circuit was open.
	BlockedSleep time.Duration `yaml:"blocked_sleep"`

	// RateLimitSleep is how long a worker holds a claimed alert when the
	// shared rate limiter refuses admission.
	RateLimitSleep time.Duration `yaml:"rate_limit_sleep"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, prefix+".workers", 2, "Number of forwarder workers.")
	cfg.ClaimTimeout = 5 * time.Second

	f.StringVar(&cfg.WebhookURL, prefix+".webhook-url", "", "Incident-management webhook URL.")
	cfg.WebhookTimeout = 10 * time.Second

	cfg.Retry.MinBackoff = time.Second
	cfg.Retry.MaxBackoff = time.Minute
	cfg.Retry.MaxRetries = 5

	cfg.HeartbeatInterval = 10 * time.Second
	cfg.JanitorInterval = 30 * time.Second

	cfg.BlockedSleep = 5 * time.Second
	cfg.RateLimitSleep = 250 * time.Millisecond
}
