// Package audit is the write side of the persistent audit store and the read
// side of the operator-managed lookup tables (alert rules, development hosts,
// device teams). event_audit_log is append-only and range-partitioned by
// month; a partition for the current month must exist before startup.
package audit

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/muttproject/mutt/pkg/event"
	"github.com/muttproject/mutt/pkg/rules"
	"github.com/muttproject/mutt/pkg/secrets"
)

const secretName = "db"

var metricDBWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "mutt",
	Name:      "db_write_latency_ms",
	Help:      "Latency of audit store writes in milliseconds.",
	Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
})

type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Database     string        `yaml:"database"`
	User         string        `yaml:"user"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Host, prefix+".host", "localhost", "Audit store host.")
	f.IntVar(&cfg.Port, prefix+".port", 5432, "Audit store port.")
	f.StringVar(&cfg.Database, prefix+".database", "mutt", "Audit store database name.")
	f.StringVar(&cfg.User, prefix+".user", "mutt", "Audit store user.")
	cfg.SSLMode = "prefer"
	cfg.MaxOpenConns = 10
	cfg.MaxIdleConns = 5
	cfg.ConnLifetime = 30 * time.Minute
}

func (cfg Config) dsn(password string) string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, password, cfg.SSLMode)
}

// Connect opens the audit store pool, trying the primary password first and
// the secondary on failure (zero-downtime credential rotation).
func Connect(ctx context.Context, cfg Config, provider secrets.Provider, logger log.Logger) (*sqlx.DB, error) {
	primary, err := provider.Primary(secretName)
	if err != nil {
		return nil, fmt.Errorf("audit store credentials unavailable: %w", err)
	}

	db, err := open(ctx, cfg, primary)
	if err != nil {
		secondary := provider.Secondary(secretName)
		if secondary == "" {
			return nil, errors.Wrap(err, "failed to connect to audit store")
		}
		level.Warn(logger).Log("msg", "audit store primary credential rejected, trying secondary", "err", err)
		db, err = open(ctx, cfg, secondary)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to audit store with either credential")
		}
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)
	return db, nil
}

func open(ctx context.Context, cfg Config, password string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", cfg.dsn(password))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// EventAuditRow is one row of event_audit_log.
type EventAuditRow struct {
	EventTimestamp string  `db:"event_timestamp"`
	IngestedAt     string  `db:"ingested_at"`
	CorrelationID  string  `db:"correlation_id"`
	Hostname       string  `db:"hostname"`
	Severity       *int    `db:"severity"`
	MatchedRuleID  *int64  `db:"matched_rule_id"`
	Action         string  `db:"action"`
	Team           string  `db:"team"`
}

const insertAuditSQL = `
INSERT INTO event_audit_log (event_timestamp, ingested_at, correlation_id, hostname, severity, matched_rule_id, action, team)
VALUES (:event_timestamp, :ingested_at, :correlation_id, :hostname, :severity, :matched_rule_id, :action, :team)`

// Store writes audit rows and loads the cached lookup tables. Writes run
// behind a local breaker so a dead database fails fast into the worker's
// retry path instead of stacking up blocked transactions.
type Store struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

func NewStore(db *sqlx.DB, logger log.Logger) *Store {
	return &Store{
		db: db,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "audit-db",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: log.With(logger, "component", "audit"),
	}
}

// InsertEventAudit writes one row per processed event. Failures are
// transient: the caller keeps the message claimed and retries.
func (s *Store) InsertEventAudit(ctx context.Context, row *EventAuditRow) error {
	start := time.Now()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return s.db.NamedExecContext(ctx, insertAuditSQL, row)
	})
	metricDBWriteLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return &event.TransientError{Op: "audit insert", Err: err}
	}
	return nil
}

const selectRulesSQL = `
SELECT id, match_string, match_type, syslog_severity, trap_oid, priority, prod_handling, dev_handling, team_assignment, is_active
FROM alert_rules
WHERE is_active`

// LoadRules fetches the active rule set and compiles each rule's matcher.
// Rules that fail to compile are skipped with a warning so one bad regex
// cannot take classification down.
func (s *Store) LoadRules(ctx context.Context) ([]rules.Rule, error) {
	var rows []rules.Rule
	if err := s.db.SelectContext(ctx, &rows, selectRulesSQL); err != nil {
		return nil, errors.Wrap(err, "failed to load alert rules")
	}

	out := rows[:0]
	for i := range rows {
		if err := rows[i].Compile(); err != nil {
			level.Warn(s.logger).Log("msg", "skipping uncompilable rule", "err", err)
			continue
		}
		out = append(out, rows[i])
	}
	return out, nil
}

// LoadDevHosts fetches the development host set.
func (s *Store) LoadDevHosts(ctx context.Context) (map[string]struct{}, error) {
	var hosts []string
	if err := s.db.SelectContext(ctx, &hosts, `SELECT hostname FROM development_hosts`); err != nil {
		return nil, errors.Wrap(err, "failed to load development hosts")
	}
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		set[h] = struct{}{}
	}
	return set, nil
}

type teamRow struct {
	Hostname string `db:"hostname"`
	Team     string `db:"team"`
}

// LoadDeviceTeams fetches the hostname to team assignments.
func (s *Store) LoadDeviceTeams(ctx context.Context) (map[string]string, error) {
	var rows []teamRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT hostname, team FROM device_teams`); err != nil {
		return nil, errors.Wrap(err, "failed to load device teams")
	}
	teams := make(map[string]string, len(rows))
	for _, r := range rows {
		teams[r.Hostname] = r.Team
	}
	return teams, nil
}

// Ping reports store reachability for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
