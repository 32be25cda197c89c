package alerter

import (
	"flag"
	"time"

	"github.com/grafana/dskit/backoff"
)

type Config struct {
	Workers      int           `yaml:"workers"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"`

	// Retry policy for the audit write + alert enqueue side effects. After
	// MaxRetries the event dead-letters.
	Retry backoff.Config `yaml:"retry"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	JanitorInterval   time.Duration `yaml:"janitor_interval"`

	// DefaultTeam receives alerts when neither the matched rule nor the
	// device-team table assigns one.
	DefaultTeam string `yaml:"default_team"`

	// Unmatched events accumulate per (hostname, severity); crossing the
	// threshold within the TTL window emits one meta-alert.
	UnhandledThreshold int           `yaml:"unhandled_threshold"`
	UnhandledTTL       time.Duration `yaml:"unhandled_ttl"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, prefix+".workers", 4, "Number of alerter workers.")
	cfg.ClaimTimeout = 5 * time.Second

	cfg.Retry.MinBackoff = 500 * time.Millisecond
	cfg.Retry.MaxBackoff = 30 * time.Second
	cfg.Retry.MaxRetries = 3

	cfg.HeartbeatInterval = 10 * time.Second
	cfg.JanitorInterval = 30 * time.Second

	f.StringVar(&cfg.DefaultTeam, prefix+".default-team", "unassigned", "Team for alerts with no rule or device assignment.")

	cfg.UnhandledThreshold = 100
	cfg.UnhandledTTL = 24 * time.Hour
}
