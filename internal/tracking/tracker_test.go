package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rerunner/config"
	"rerunner/internal/params"
	"rerunner/internal/retry"
	"rerunner/internal/runner"
)

func newMemoryTracker(t *testing.T) *HistoryTracker {
	t.Helper()
	tracker, err := NewHistoryTracker(&Config{
		Enabled:         true,
		DatabasePath:    ":memory:",
		BufferSize:      50,
		BatchSize:       5,
		FlushInterval:   100 * time.Millisecond,
		RetentionDays:   30,
		CleanupInterval: 24 * time.Hour,
	}, "UTC")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracker.Close() })
	return tracker
}

func newRunner(tracker *HistoryTracker) *runner.Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return runner.New(runner.WithLogger(logger), runner.WithListener(tracker))
}

func flush(t *testing.T, tracker *HistoryTracker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tracker.Flush(ctx))
}

func TestHistoryTracker_Lifecycle(t *testing.T) {
	tracker := newMemoryTracker(t)

	assert.True(t, tracker.Enabled())
	assert.Equal(t, "sqlite", tracker.adapter.GetDatabaseType())
	assert.NoError(t, tracker.HealthCheck(context.Background()))

	require.NoError(t, tracker.Close())
	// 重复关闭是安全的
	assert.NoError(t, tracker.Close())
	assert.ErrorIs(t, tracker.Flush(context.Background()), ErrTrackerClosed)
}

func TestHistoryTracker_Disabled(t *testing.T) {
	tracker, err := NewHistoryTracker(&Config{Enabled: false})
	require.NoError(t, err)

	assert.False(t, tracker.Enabled())
	tracker.CaseStarted(runner.CaseInfo{RunID: "x"})
	tracker.CaseFinished(runner.CaseResult{RunID: "x"})
	assert.NoError(t, tracker.Flush(context.Background()))
	assert.NoError(t, tracker.HealthCheck(context.Background()))
	assert.NoError(t, tracker.Close())

	_, err = tracker.RecentRuns(context.Background(), QueryOptions{})
	assert.Error(t, err)
}

func TestHistoryTracker_RecordsFlakyPass(t *testing.T) {
	tracker := newMemoryTracker(t)
	r := newRunner(tracker)

	calls := 0
	result, err := r.Run(context.Background(), runner.TestCase{
		Name:   "flaky",
		Policy: retry.Policy{Repeats: 3},
		Body: func(context.Context, params.Tuple) error {
			calls++
			if calls < 3 {
				return errors.New("connection reset")
			}
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, retry.VerdictPassed, result.Verdict)
	flush(t, tracker)

	run, err := tracker.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, "flaky", run.CaseName)
	assert.Equal(t, RunStatusPassed, run.Status)
	assert.False(t, run.Parameterized)
	assert.Equal(t, 3, run.Repeats)
	assert.Equal(t, 1, run.TupleCount)
	assert.Equal(t, 3, run.Started)
	assert.Equal(t, 1, run.Passed)
	assert.Equal(t, 2, run.Aborted)
	assert.Equal(t, 0, run.Failed)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.FinishedAt)
	assert.False(t, run.StartedAt.IsZero())

	attempts, err := tracker.RunAttempts(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	statuses := make([]string, len(attempts))
	for i, a := range attempts {
		statuses[i] = a.Status
		assert.Equal(t, i+1, a.Attempt)
		assert.Equal(t, 4, a.Total)
		assert.True(t, a.Executed)
	}
	assert.Equal(t, []string{"aborted", "aborted", "passed"}, statuses)
	assert.Equal(t, "connection reset", attempts[0].Error)
	assert.Empty(t, attempts[2].Error)

	tuples, err := tracker.RunTuples(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, "passed", tuples[0].Verdict)
	assert.Equal(t, 3, tuples[0].Attempts)
	assert.Equal(t, 1, tuples[0].Successes)
	assert.Equal(t, 2, tuples[0].Failures)

	stats, err := tracker.CaseStats(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Runs)
	assert.Equal(t, int64(1), stats[0].Flaky)
	assert.InDelta(t, 1.0, stats[0].FlakyRate, 0.0001)
}

func TestHistoryTracker_RecordsParameterizedFailure(t *testing.T) {
	tracker := newMemoryTracker(t)
	r := newRunner(tracker)

	result, err := r.Run(context.Background(), runner.TestCase{
		Name:   "params",
		Policy: retry.Policy{Repeats: 1},
		Source: params.Values(1, "two"),
		Body: func(context.Context, params.Tuple) error {
			return errors.New("boom")
		},
	})
	require.NoError(t, err)
	require.Equal(t, retry.VerdictFailed, result.Verdict)
	flush(t, tracker)

	run, err := tracker.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.True(t, run.Parameterized)
	assert.Equal(t, 2, run.TupleCount)
	assert.Equal(t, 4, run.Started)
	assert.Equal(t, 2, run.Aborted)
	assert.Equal(t, 2, run.Failed)

	tuples, err := tracker.RunTuples(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, `[1]`, tuples[0].Arguments)
	assert.Equal(t, `["two"]`, tuples[1].Arguments)
	assert.Equal(t, "failed", tuples[1].Verdict)

	attempts, err := tracker.RunAttempts(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	assert.Equal(t, 1, attempts[0].TupleIndex)
	assert.Equal(t, 2, attempts[3].TupleIndex)
	assert.Equal(t, "failed", attempts[3].Status)
}

func TestHistoryTracker_RecordsSkippedAttempts(t *testing.T) {
	tracker := newMemoryTracker(t)
	r := newRunner(tracker)

	calls := 0
	result, err := r.Run(context.Background(), runner.TestCase{
		Name:   "infeasible",
		Policy: retry.Policy{Repeats: 3, MinSuccess: 3},
		Body: func(context.Context, params.Tuple) error {
			calls++
			if calls <= 2 {
				return errors.New("flake")
			}
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, retry.VerdictFailed, result.Verdict)
	flush(t, tracker)

	attempts, err := tracker.RunAttempts(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, attempts, result.Policy.Budget())

	run, err := tracker.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	counts := result.Counts()
	assert.Equal(t, counts.Started, run.Started)
	assert.Equal(t, 2, run.Started)
	assert.Equal(t, 2, run.Skipped)
	for _, a := range attempts {
		if a.Status == "skipped" {
			assert.False(t, a.Executed)
		}
	}
}

func TestHistoryTracker_ConfigurationError(t *testing.T) {
	tracker := newMemoryTracker(t)
	r := newRunner(tracker)

	result, err := r.Run(context.Background(), runner.TestCase{Name: "no-body"})
	require.ErrorIs(t, err, runner.ErrNoBody)
	flush(t, tracker)

	run, err := tracker.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusError, run.Status)
	assert.Contains(t, run.Error, "no-body")
	assert.Equal(t, 0, run.Started)

	stats, err := tracker.CaseStats(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Errored)
}

func TestHistoryTracker_GetRunNotFound(t *testing.T) {
	tracker := newMemoryTracker(t)

	_, err := tracker.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestHistoryTracker_RecentRunsFilters(t *testing.T) {
	tracker := newMemoryTracker(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, tc := range []struct {
		id, name string
		verdict  retry.Verdict
	}{
		{"r1", "alpha", retry.VerdictPassed},
		{"r2", "beta", retry.VerdictFailed},
		{"r3", "alpha", retry.VerdictFailed},
	} {
		started := base.Add(time.Duration(i) * time.Minute)
		tracker.CaseFinished(runner.CaseResult{
			RunID:      tc.id,
			Name:       tc.name,
			Verdict:    tc.verdict,
			StartedAt:  started,
			FinishedAt: started.Add(time.Second),
		})
	}
	flush(t, tracker)

	runs, err := tracker.RecentRuns(context.Background(), QueryOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "r3", runs[0].RunID)
	assert.Equal(t, int64(1000), runs[0].DurationMs)

	runs, err = tracker.RecentRuns(context.Background(), QueryOptions{Case: "alpha"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = tracker.RecentRuns(context.Background(), QueryOptions{Status: RunStatusFailed, Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r3", runs[0].RunID)

	since := base.Add(30 * time.Second)
	runs, err = tracker.RecentRuns(context.Background(), QueryOptions{Since: &since})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	stats, err := tracker.GetDatabaseStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRuns)
	require.NotNil(t, stats.EarliestRecord)
	require.NotNil(t, stats.LatestRecord)
	assert.True(t, stats.EarliestRecord.Equal(base))
	assert.True(t, stats.LatestRecord.Equal(base.Add(2*time.Minute)))
}

func TestHistoryTracker_CleanupOldRecords(t *testing.T) {
	tracker := newMemoryTracker(t)

	now := time.Now()
	for id, started := range map[string]time.Time{
		"old": now.AddDate(0, 0, -40),
		"new": now.Add(-time.Hour),
	} {
		tracker.CaseFinished(runner.CaseResult{RunID: id, Name: "c", StartedAt: started, FinishedAt: started})
		tracker.AttemptFinished(runner.AttemptRecord{RunID: id, Case: "c", TupleIndex: 1, Attempt: 1, Total: 2, StartedAt: started})
	}
	flush(t, tracker)

	deleted, err := tracker.cleanupOldRecords(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	runs, err := tracker.RecentRuns(context.Background(), QueryOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].RunID)

	attempts, err := tracker.RunAttempts(context.Background(), "old")
	require.NoError(t, err)
	assert.Empty(t, attempts)

	// 保留天数为 0 表示永久保留
	tracker.UpdateRetention(0)
	deleted, err = tracker.cleanupOldRecords(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestHistoryTracker_DropsWhenBufferFull(t *testing.T) {
	adapter, err := NewSQLiteAdapter(DatabaseConfig{Type: "sqlite", DatabasePath: ":memory:"})
	require.NoError(t, err)

	// 不启动处理协程，队列只能容纳一个事件
	tracker := &HistoryTracker{
		config:    &Config{Enabled: true},
		adapter:   adapter,
		location:  time.UTC,
		eventChan: make(chan HistoryEvent, 1),
	}

	for i := 0; i < 3; i++ {
		tracker.AttemptFinished(runner.AttemptRecord{RunID: "r", Attempt: i + 1})
	}
	stats := tracker.Stats()
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, int64(2), stats.Dropped)
}

func TestBuildDatabaseConfig(t *testing.T) {
	t.Run("sqlite path", func(t *testing.T) {
		cfg := buildDatabaseConfig(&Config{DatabasePath: "data/x.db"}, "UTC")
		assert.Equal(t, "sqlite", cfg.Type)
		assert.Equal(t, "data/x.db", cfg.DatabasePath)
		assert.Equal(t, "UTC", cfg.Timezone)
	})

	t.Run("database section takes precedence", func(t *testing.T) {
		cfg := buildDatabaseConfig(&Config{
			DatabasePath: "data/x.db",
			Database: &config.DatabaseBackendConfig{
				Type:     "mysql",
				Host:     "db",
				Database: "history",
				Username: "root",
				Timezone: "Asia/Tokyo",
			},
		}, "UTC")
		assert.Equal(t, "mysql", cfg.Type)
		assert.Equal(t, "db", cfg.Host)
		assert.Equal(t, "Asia/Tokyo", cfg.Timezone)
	})

	t.Run("type inferred from host", func(t *testing.T) {
		assert.Equal(t, "mysql", getDatabaseType(DatabaseConfig{Host: "db"}))
		assert.Equal(t, "sqlite", getDatabaseType(DatabaseConfig{}))
	})
}

func TestNewDatabaseAdapter_Unsupported(t *testing.T) {
	_, err := NewDatabaseAdapter(DatabaseConfig{Type: "postgres"})
	assert.Error(t, err)
}

func TestBuildUpsertQuery(t *testing.T) {
	sqlite, err := NewSQLiteAdapter(DatabaseConfig{Type: "sqlite"})
	require.NoError(t, err)
	mysql, err := NewMySQLAdapter(DatabaseConfig{Type: "mysql"})
	require.NoError(t, err)

	columns := []string{"run_id", "status", "started_at"}

	assert.Equal(t,
		"INSERT INTO case_runs (run_id, status, started_at) VALUES (?, ?, ?) ON CONFLICT(run_id) DO UPDATE SET "+
			"status = EXCLUDED.status, started_at = COALESCE(case_runs.started_at, EXCLUDED.started_at)",
		sqlite.BuildUpsertQuery("case_runs", columns, []string{"run_id"}))

	assert.Equal(t,
		"INSERT INTO case_runs (run_id, status, started_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE "+
			"status = VALUES(status), started_at = COALESCE(started_at, VALUES(started_at))",
		mysql.BuildUpsertQuery("case_runs", columns, []string{"run_id"}))

	assert.Equal(t, "INSERT OR IGNORE INTO t (id) VALUES (?)", sqlite.BuildUpsertQuery("t", []string{"id"}, []string{"id"}))
	assert.Equal(t, "INSERT IGNORE INTO t (id) VALUES (?)", mysql.BuildUpsertQuery("t", []string{"id"}, []string{"id"}))

	assert.Equal(t, "", sqlite.BuildLimitOffset(0, 10))
	assert.Equal(t, " LIMIT 5", mysql.BuildLimitOffset(5, 0))
	assert.Equal(t, " LIMIT 5 OFFSET 10", sqlite.BuildLimitOffset(5, 10))
}

func TestMySQLAdapter_BuildDSN(t *testing.T) {
	adapter, err := NewMySQLAdapter(DatabaseConfig{
		Type:     "mysql",
		Host:     "localhost",
		Database: "history",
		Username: "user",
		Password: "secret",
		Timezone: "Asia/Shanghai",
	})
	require.NoError(t, err)

	dsn, err := adapter.buildDSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "user:secret@tcp(localhost:3306)/history?")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
	assert.Contains(t, dsn, "loc=Asia%2FShanghai")
	assert.Contains(t, dsn, "timeout=30s")

	parsed, err := mysqldriver.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "history", parsed.DBName)
	assert.True(t, parsed.ParseTime)

	badTZ, err := NewMySQLAdapter(DatabaseConfig{Type: "mysql", Host: "h", Database: "d", Username: "u", Timezone: "Mars/Olympus"})
	require.NoError(t, err)
	_, err = badTZ.buildDSN()
	assert.Error(t, err)

	missing, err := NewMySQLAdapter(DatabaseConfig{Type: "mysql", Host: "localhost"})
	require.NoError(t, err)
	_, err = missing.buildDSN()
	assert.Error(t, err)
}

func TestSplitSQLStatements(t *testing.T) {
	schema, err := mysqlSchemaFS.ReadFile("mysql_schema.sql")
	require.NoError(t, err)

	statements := splitSQLStatements(string(schema))
	require.Len(t, statements, 3)
	for _, stmt := range statements {
		assert.True(t, len(stmt) > 0 && stmt[len(stmt)-1] == ';')
		assert.Contains(t, stmt, "CREATE TABLE IF NOT EXISTS")
	}
}

func TestClassifyDatabaseError(t *testing.T) {
	tests := []struct {
		err  string
		kind DatabaseErrorKind
	}{
		{"write failed: no space left on device", ErrorKindDiskSpace},
		{"database disk image is malformed (11)", ErrorKindCorruption},
		{"database is locked (5) (SQLITE_BUSY)", ErrorKindLocked},
		{"Error 1205: Lock wait timeout exceeded", ErrorKindLocked},
		{"driver: bad connection", ErrorKindConnection},
		{"syntax error", ErrorKindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			assert.Equal(t, tt.kind, classifyDatabaseError(errors.New(tt.err)))
		})
	}
}
