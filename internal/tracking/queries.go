package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRunNotFound 运行记录不存在
var ErrRunNotFound = errors.New("run not found")

// QueryOptions represents options for querying run history
type QueryOptions struct {
	Case   string
	Status string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// RunRecord 一次用例运行的汇总
type RunRecord struct {
	RunID                string     `json:"run_id"`
	CaseName             string     `json:"case_name"`
	Parameterized        bool       `json:"parameterized"`
	Repeats              int        `json:"repeats"`
	MinSuccess           int        `json:"min_success"`
	MaxIdenticalFailures int        `json:"max_identical_failures"`
	SuspendMs            int64      `json:"suspend_ms"`
	Status               string     `json:"status"`
	TupleCount           int        `json:"tuple_count"`
	Started              int        `json:"started"`
	Passed               int        `json:"passed"`
	Aborted              int        `json:"aborted"`
	Failed               int        `json:"failed"`
	Skipped              int        `json:"skipped"`
	Error                string     `json:"error,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
	DurationMs           int64      `json:"duration_ms"`
}

// TupleRecord 参数元组判定
type TupleRecord struct {
	RunID       string `json:"run_id"`
	CaseName    string `json:"case_name"`
	Index       int    `json:"index"`
	DisplayName string `json:"display_name"`
	Arguments   string `json:"arguments,omitempty"`
	Verdict     string `json:"verdict"`
	Reason      string `json:"reason"`
	Attempts    int    `json:"attempts"`
	Executed    int    `json:"executed"`
	Successes   int    `json:"successes"`
	Failures    int    `json:"failures"`
	Suppressed  int    `json:"suppressed"`
	Skipped     int    `json:"skipped"`
}

// AttemptRow 单次尝试记录
type AttemptRow struct {
	RunID       string    `json:"run_id"`
	CaseName    string    `json:"case_name"`
	TupleIndex  int       `json:"tuple_index"`
	Attempt     int       `json:"attempt"`
	Total       int       `json:"total"`
	DisplayName string    `json:"display_name"`
	Arguments   string    `json:"arguments,omitempty"`
	Status      string    `json:"status"`
	Executed    bool      `json:"executed"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// CaseStat 单个用例的历史稳定性统计
type CaseStat struct {
	CaseName  string  `json:"case_name"`
	Runs      int64   `json:"runs"`
	Passed    int64   `json:"passed"`
	Failed    int64   `json:"failed"`
	Errored   int64   `json:"errored"`
	Flaky     int64   `json:"flaky"` // 通过但中途有被中止的尝试
	Started   int64   `json:"started"`
	Aborted   int64   `json:"aborted"`
	Skipped   int64   `json:"skipped"`
	FlakyRate float64 `json:"flaky_rate"`
}

const runColumns = `run_id, case_name, parameterized, repeats, min_success, max_identical_failures,
	suspend_ms, status, tuple_count, started_count, passed_count, aborted_count, failed_count,
	skipped_count, error_message, started_at, finished_at, duration_ms`

// RecentRuns 按开始时间倒序查询运行记录
func (ht *HistoryTracker) RecentRuns(ctx context.Context, opts QueryOptions) ([]RunRecord, error) {
	if !ht.Enabled() {
		return nil, fmt.Errorf("history tracking not enabled")
	}

	var (
		conds []string
		args  []interface{}
	)
	if opts.Case != "" {
		conds = append(conds, "case_name = ?")
		args = append(args, opts.Case)
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.Since != nil {
		conds = append(conds, "started_at >= ?")
		args = append(args, ht.in(*opts.Since))
	}
	if opts.Until != nil {
		conds = append(conds, "started_at <= ?")
		args = append(args, ht.in(*opts.Until))
	}

	query := "SELECT " + runColumns + " FROM case_runs"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC" + ht.adapter.BuildLimitOffset(opts.Limit, opts.Offset)

	rows, err := ht.adapter.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun 查询单次运行
func (ht *HistoryTracker) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if !ht.Enabled() {
		return nil, fmt.Errorf("history tracking not enabled")
	}

	row := ht.adapter.GetDB().QueryRowContext(ctx, "SELECT "+runColumns+" FROM case_runs WHERE run_id = ?", runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (RunRecord, error) {
	var (
		run        RunRecord
		errMsg     sql.NullString
		finishedAt sql.NullTime
		durationMs sql.NullInt64
	)
	err := s.Scan(
		&run.RunID, &run.CaseName, &run.Parameterized, &run.Repeats, &run.MinSuccess,
		&run.MaxIdenticalFailures, &run.SuspendMs, &run.Status, &run.TupleCount,
		&run.Started, &run.Passed, &run.Aborted, &run.Failed, &run.Skipped,
		&errMsg, &run.StartedAt, &finishedAt, &durationMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Error = errMsg.String
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	run.DurationMs = durationMs.Int64
	return run, nil
}

// RunTuples 查询一次运行的所有元组判定
func (ht *HistoryTracker) RunTuples(ctx context.Context, runID string) ([]TupleRecord, error) {
	if !ht.Enabled() {
		return nil, fmt.Errorf("history tracking not enabled")
	}

	query := `SELECT run_id, case_name, tuple_index, display_name, arguments, verdict, reason,
		attempts, executed, successes, failures, suppressed, skipped
		FROM tuple_results WHERE run_id = ? ORDER BY tuple_index`
	rows, err := ht.adapter.GetDB().QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tuples: %w", err)
	}
	defer rows.Close()

	var tuples []TupleRecord
	for rows.Next() {
		var (
			t                          TupleRecord
			display, arguments, reason sql.NullString
		)
		if err := rows.Scan(&t.RunID, &t.CaseName, &t.Index, &display, &arguments, &t.Verdict, &reason,
			&t.Attempts, &t.Executed, &t.Successes, &t.Failures, &t.Suppressed, &t.Skipped); err != nil {
			return nil, fmt.Errorf("failed to scan tuple: %w", err)
		}
		t.DisplayName = display.String
		t.Arguments = arguments.String
		t.Reason = reason.String
		tuples = append(tuples, t)
	}
	return tuples, rows.Err()
}

// RunAttempts 查询一次运行的所有尝试，按元组和尝试序号排序
func (ht *HistoryTracker) RunAttempts(ctx context.Context, runID string) ([]AttemptRow, error) {
	if !ht.Enabled() {
		return nil, fmt.Errorf("history tracking not enabled")
	}

	query := `SELECT run_id, case_name, tuple_index, attempt, total, display_name, arguments,
		status, executed, error_message, started_at, duration_ms
		FROM attempt_records WHERE run_id = ? ORDER BY tuple_index, attempt`
	rows, err := ht.adapter.GetDB().QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []AttemptRow
	for rows.Next() {
		var (
			a                          AttemptRow
			display, arguments, errMsg sql.NullString
		)
		if err := rows.Scan(&a.RunID, &a.CaseName, &a.TupleIndex, &a.Attempt, &a.Total, &display,
			&arguments, &a.Status, &a.Executed, &errMsg, &a.StartedAt, &a.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.DisplayName = display.String
		a.Arguments = arguments.String
		a.Error = errMsg.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// CaseStats 按用例聚合运行历史，since 为空时统计全部
func (ht *HistoryTracker) CaseStats(ctx context.Context, since *time.Time) ([]CaseStat, error) {
	if !ht.Enabled() {
		return nil, fmt.Errorf("history tracking not enabled")
	}

	query := `SELECT case_name,
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'passed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'passed' AND aborted_count > 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(started_count), 0),
		COALESCE(SUM(aborted_count), 0),
		COALESCE(SUM(skipped_count), 0)
		FROM case_runs WHERE status <> 'running'`
	var args []interface{}
	if since != nil {
		query += " AND started_at >= ?"
		args = append(args, ht.in(*since))
	}
	query += " GROUP BY case_name ORDER BY case_name"

	rows, err := ht.adapter.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query case stats: %w", err)
	}
	defer rows.Close()

	var stats []CaseStat
	for rows.Next() {
		var s CaseStat
		if err := rows.Scan(&s.CaseName, &s.Runs, &s.Passed, &s.Failed, &s.Errored, &s.Flaky,
			&s.Started, &s.Aborted, &s.Skipped); err != nil {
			return nil, fmt.Errorf("failed to scan case stats: %w", err)
		}
		if s.Passed > 0 {
			s.FlakyRate = float64(s.Flaky) / float64(s.Passed)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
