package ingestor

import (
	"flag"

	"github.com/grafana/dskit/flagext"
)

type Config struct {
	// APIKeys authorized to post events. At least one must be configured.
	APIKeys flagext.StringSliceCSV `yaml:"api_keys"`

	// QueueCap is the ingest_queue depth above which admission control
	// returns 503.
	QueueCap int64 `yaml:"queue_cap"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.APIKeys, prefix+".api-keys", "Comma-separated API keys accepted on ingest.")
	f.Int64Var(&cfg.QueueCap, prefix+".queue-cap", 50000, "Reject ingestion when ingest_queue is deeper than this.")
}
