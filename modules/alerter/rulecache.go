package alerter

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/muttproject/mutt/modules/overrides"
	"github.com/muttproject/mutt/pkg/audit"
	"github.com/muttproject/mutt/pkg/rules"
)

var metricRuleCacheLoadSuccess = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "mutt",
	Name:      "rule_cache_load_success",
	Help:      "1 when the most recent rule cache load succeeded, 0 otherwise.",
})

// Snapshot is one immutable view of the rule set and lookup tables. Workers
// read whichever snapshot was current when their iteration started; a
// refresh swaps the whole snapshot at once.
type Snapshot struct {
	Rules    []rules.Rule
	DevHosts map[string]struct{}
	Teams    map[string]string
	LoadedAt time.Time
}

// RuleCache holds the in-memory snapshot of operator-managed rules, dev
// hosts and team assignments. The initial load is fail-fast: a worker that
// cannot see the rule table must not classify. Runtime refresh failures keep
// serving the stale snapshot.
type RuleCache struct {
	services.Service

	store     *audit.Store
	overrides *overrides.Overrides
	logger    log.Logger

	mtx  sync.RWMutex
	snap *Snapshot

	reloadCh chan struct{}
}

func NewRuleCache(store *audit.Store, o *overrides.Overrides, logger log.Logger) *RuleCache {
	c := &RuleCache{
		store:     store,
		overrides: o,
		logger:    log.With(logger, "component", "rule-cache"),
		reloadCh:  make(chan struct{}, 1),
	}

	// a change to the reload interval takes effect on the spot
	o.OnChange(overrides.KeyCacheReloadInterval, func(string) { c.Poke() })

	c.Service = services.NewBasicService(c.starting, c.running, nil)
	return c
}

// Poke requests an immediate refresh.
func (c *RuleCache) Poke() {
	select {
	case c.reloadCh <- struct{}{}:
	default:
	}
}

func (c *RuleCache) starting(ctx context.Context) error {
	// refuse to start without a rule set, silent misclassification is worse
	// than a crash loop
	return c.Load(ctx)
}

func (c *RuleCache) running(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		interval := c.overrides.CacheReloadInterval(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		case <-hup:
			level.Info(c.logger).Log("msg", "SIGHUP received, refreshing rule cache")
		case <-c.reloadCh:
		}

		if err := c.Load(ctx); err != nil {
			// stale cache keeps serving, next attempt after the normal interval
			level.Error(c.logger).Log("msg", "rule cache refresh failed, serving stale snapshot", "err", err)
		}
	}
}

// Load fetches all three tables and atomically swaps the snapshot.
func (c *RuleCache) Load(ctx context.Context) error {
	rs, err := c.store.LoadRules(ctx)
	if err != nil {
		metricRuleCacheLoadSuccess.Set(0)
		return err
	}
	devHosts, err := c.store.LoadDevHosts(ctx)
	if err != nil {
		metricRuleCacheLoadSuccess.Set(0)
		return err
	}
	teams, err := c.store.LoadDeviceTeams(ctx)
	if err != nil {
		metricRuleCacheLoadSuccess.Set(0)
		return err
	}

	snap := &Snapshot{
		Rules:    rs,
		DevHosts: devHosts,
		Teams:    teams,
		LoadedAt: time.Now(),
	}

	c.mtx.Lock()
	c.snap = snap
	c.mtx.Unlock()

	metricRuleCacheLoadSuccess.Set(1)
	level.Info(c.logger).Log("msg", "rule cache loaded", "rules", len(rs), "dev_hosts", len(devHosts), "teams", len(teams))
	return nil
}

// Snapshot returns the current immutable view.
func (c *RuleCache) Snapshot() *Snapshot {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.snap
}
