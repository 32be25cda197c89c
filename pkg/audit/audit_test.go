package audit

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muttproject/mutt/pkg/event"
	"github.com/muttproject/mutt/pkg/rules"
)

func intPtr(n int) *int       { return &n }
func int64Ptr(n int64) *int64 { return &n }

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewStore(sqlx.NewDb(db, "sqlmock"), log.NewNopLogger()), mock
}

func TestInsertEventAudit(t *testing.T) {
	store, mock := testStore(t)

	mock.ExpectExec("INSERT INTO event_audit_log").
		WithArgs("2024-03-01T10:00:00Z", "2024-03-01T10:00:01Z", "abc-123", "sw-core-01", 3, int64(7), "alert", "netops").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.InsertEventAudit(context.Background(), &EventAuditRow{
		EventTimestamp: "2024-03-01T10:00:00Z",
		IngestedAt:     "2024-03-01T10:00:01Z",
		CorrelationID:  "abc-123",
		Hostname:       "sw-core-01",
		Severity:       intPtr(3),
		MatchedRuleID:  int64Ptr(7),
		Action:         "alert",
		Team:           "netops",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEventAuditFailureIsTransient(t *testing.T) {
	store, mock := testStore(t)

	mock.ExpectExec("INSERT INTO event_audit_log").
		WillReturnError(assert.AnError)

	err := store.InsertEventAudit(context.Background(), &EventAuditRow{Action: "log"})
	require.Error(t, err)
	assert.True(t, event.IsRetryable(err))
}

func TestLoadRulesSkipsUncompilable(t *testing.T) {
	store, mock := testStore(t)

	cols := []string{"id", "match_string", "match_type", "syslog_severity", "trap_oid", "priority", "prod_handling", "dev_handling", "team_assignment", "is_active"}
	mock.ExpectQuery("SELECT (.+) FROM alert_rules").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "link down", "contains", nil, "", 100, "alert", "suppress", "netops", true).
			AddRow(2, "([", "regex", nil, "", 100, "alert", "alert", "", true).
			AddRow(3, ".1.3.6", "oid_prefix", 3, "", 50, "log", "log", "", true))

	rs, err := store.LoadRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, int64(1), rs[0].ID)
	assert.Equal(t, int64(3), rs[1].ID)
	assert.Equal(t, rules.HandlingAlert, rs[0].ProdHandling)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadDevHosts(t *testing.T) {
	store, mock := testStore(t)

	mock.ExpectQuery("SELECT hostname FROM development_hosts").
		WillReturnRows(sqlmock.NewRows([]string{"hostname"}).
			AddRow("lab-sw-01").
			AddRow("lab-sw-02"))

	hosts, err := store.LoadDevHosts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"lab-sw-01": {}, "lab-sw-02": {}}, hosts)
}

func TestLoadDeviceTeams(t *testing.T) {
	store, mock := testStore(t)

	mock.ExpectQuery("SELECT hostname, team FROM device_teams").
		WillReturnRows(sqlmock.NewRows([]string{"hostname", "team"}).
			AddRow("sw-core-01", "netops").
			AddRow("db-01", "dba"))

	teams, err := store.LoadDeviceTeams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sw-core-01": "netops", "db-01": "dba"}, teams)
}
