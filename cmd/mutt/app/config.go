package app

import (
	"flag"
	"fmt"

	dslog "github.com/grafana/dskit/log"

	"github.com/muttproject/mutt/modules/alerter"
	"github.com/muttproject/mutt/modules/forwarder"
	"github.com/muttproject/mutt/modules/ingestor"
	"github.com/muttproject/mutt/modules/overrides"
	"github.com/muttproject/mutt/pkg/audit"
	"github.com/muttproject/mutt/pkg/redispool"
)

// Targets. All runs every pipeline stage in one process, useful for small
// installs and local development.
const (
	TargetIngestor  = "ingestor"
	TargetAll       = "all"
	TargetAlerter   = "alerter"
	TargetForwarder = "forwarder"
)

type ServerConfig struct {
	// HTTPListenPort 0 picks the target's conventional port: ingestor and
	// all 8080, alerter 8081, forwarder 8082.
	HTTPListenPort int         `yaml:"http_listen_port"`
	LogLevel       dslog.Level `yaml:"log_level"`
	LogFormat      string      `yaml:"log_format"`
}

// Config is the root configuration of one process.
type Config struct {
	Target string `yaml:"target,omitempty"`

	// SecretsFile optionally points at a YAML credentials file; unset,
	// credentials come from the environment.
	SecretsFile string `yaml:"secrets_file,omitempty"`

	Server    ServerConfig     `yaml:"server,omitempty"`
	Redis     redispool.Config `yaml:"redis,omitempty"`
	Audit     audit.Config     `yaml:"audit,omitempty"`
	Overrides overrides.Config `yaml:"overrides,omitempty"`
	Ingestor  ingestor.Config  `yaml:"ingestor,omitempty"`
	Alerter   alerter.Config   `yaml:"alerter,omitempty"`
	Forwarder forwarder.Config `yaml:"forwarder,omitempty"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(_ string, f *flag.FlagSet) {
	f.StringVar(&c.Target, "target", TargetAll, "Pipeline stage to run: ingestor, alerter, forwarder or all.")
	f.StringVar(&c.SecretsFile, "secrets.file", "", "YAML file holding store credentials. Unset, credentials come from MUTT_*_PASSWORD env vars.")

	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 0, "HTTP listen port, 0 uses the target's default.")
	c.Server.LogLevel.RegisterFlags(f)
	f.StringVar(&c.Server.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")

	c.Redis.RegisterFlagsAndApplyDefaults("redis", f)
	c.Audit.RegisterFlagsAndApplyDefaults("audit", f)
	c.Overrides.RegisterFlagsAndApplyDefaults("overrides", f)
	c.Ingestor.RegisterFlagsAndApplyDefaults("ingestor", f)
	c.Alerter.RegisterFlagsAndApplyDefaults("alerter", f)
	c.Forwarder.RegisterFlagsAndApplyDefaults("forwarder", f)
}

// ApplyTargetDefaults fills in values that depend on the chosen target.
func (c *Config) ApplyTargetDefaults() {
	if c.Server.HTTPListenPort != 0 {
		return
	}
	switch c.Target {
	case TargetAlerter:
		c.Server.HTTPListenPort = 8081
	case TargetForwarder:
		c.Server.HTTPListenPort = 8082
	default:
		c.Server.HTTPListenPort = 8080
	}
}

func (c *Config) needsIngestor() bool {
	return c.Target == TargetIngestor || c.Target == TargetAll
}

func (c *Config) needsAlerter() bool {
	return c.Target == TargetAlerter || c.Target == TargetAll
}

func (c *Config) needsForwarder() bool {
	return c.Target == TargetForwarder || c.Target == TargetAll
}

// ConfigWarning bundles a warning message with an explanation for the
// operator.
type ConfigWarning struct {
	Message string
	Explain string
}

// CheckConfig surfaces misconfigurations that New would otherwise reject
// after startup began.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	switch c.Target {
	case TargetIngestor, TargetAlerter, TargetForwarder, TargetAll:
	default:
		warnings = append(warnings, ConfigWarning{
			Message: fmt.Sprintf("unknown target %q", c.Target),
			Explain: "valid targets are ingestor, alerter, forwarder and all",
		})
	}

	if c.needsIngestor() && len(c.Ingestor.APIKeys) == 0 {
		warnings = append(warnings, ConfigWarning{
			Message: "no ingest API keys configured",
			Explain: "the ingestor rejects every request without at least one key in ingestor.api-keys",
		})
	}
	if c.needsForwarder() && c.Forwarder.WebhookURL == "" {
		warnings = append(warnings, ConfigWarning{
			Message: "no webhook URL configured",
			Explain: "the forwarder cannot deliver alerts without forwarder.webhook-url",
		})
	}
	return warnings
}
