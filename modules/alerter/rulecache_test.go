package alerter

import (
	"context"
	"flag"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muttproject/mutt/modules/overrides"
	"github.com/muttproject/mutt/pkg/audit"
)

func newRuleCache(t *testing.T) (*RuleCache, sqlmock.Sqlmock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ocfg := overrides.Config{}
	ocfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))

	logger := log.NewNopLogger()
	store := audit.NewStore(sqlx.NewDb(db, "sqlmock"), logger)
	return NewRuleCache(store, overrides.New(ocfg, rdb, logger), logger), mock
}

func expectFullLoad(mock sqlmock.Sqlmock) {
	cols := []string{"id", "match_string", "match_type", "syslog_severity", "trap_oid", "priority", "prod_handling", "dev_handling", "team_assignment", "is_active"}
	mock.ExpectQuery("SELECT (.+) FROM alert_rules").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "down", "contains", nil, "", 100, "alert", "suppress", "netops", true))
	mock.ExpectQuery("SELECT hostname FROM development_hosts").
		WillReturnRows(sqlmock.NewRows([]string{"hostname"}).AddRow("lab-sw-01"))
	mock.ExpectQuery("SELECT hostname, team FROM device_teams").
		WillReturnRows(sqlmock.NewRows([]string{"hostname", "team"}).AddRow("sw-core-01", "netops"))
}

func TestRuleCacheLoadBuildsSnapshot(t *testing.T) {
	c, mock := newRuleCache(t)
	expectFullLoad(mock)

	require.NoError(t, c.Load(context.Background()))

	snap := c.Snapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Rules, 1)
	assert.Equal(t, int64(1), snap.Rules[0].ID)
	assert.Contains(t, snap.DevHosts, "lab-sw-01")
	assert.Equal(t, "netops", snap.Teams["sw-core-01"])
	assert.False(t, snap.LoadedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleCacheInitialLoadIsFailFast(t *testing.T) {
	c, mock := newRuleCache(t)
	mock.ExpectQuery("SELECT (.+) FROM alert_rules").WillReturnError(assert.AnError)

	require.Error(t, c.starting(context.Background()))
	assert.Nil(t, c.Snapshot())
}

func TestRuleCacheRefreshFailureServesStale(t *testing.T) {
	c, mock := newRuleCache(t)
	expectFullLoad(mock)
	require.NoError(t, c.Load(context.Background()))
	stale := c.Snapshot()

	mock.ExpectQuery("SELECT (.+) FROM alert_rules").WillReturnError(assert.AnError)
	require.Error(t, c.Load(context.Background()))

	// the previous snapshot stays in place
	assert.Equal(t, stale, c.Snapshot())
}
