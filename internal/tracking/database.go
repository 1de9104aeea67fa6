package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"rerunner/internal/retry"
	"rerunner/internal/runner"
)

// processEvents 异步事件处理循环
func (ht *HistoryTracker) processEvents() {
	defer ht.wg.Done()

	ticker := time.NewTicker(ht.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]HistoryEvent, 0, ht.config.BatchSize)

	slog.Debug("History event processor started")

	for {
		select {
		case event := <-ht.eventChan:
			batch = ht.accept(batch, event)

		case <-ticker.C:
			if len(batch) > 0 {
				ht.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ht.ctx.Done():
			// 优雅关闭，处理通道中剩余的事件
			for {
				select {
				case event := <-ht.eventChan:
					batch = ht.accept(batch, event)
				default:
					if len(batch) > 0 {
						ht.flushBatch(batch)
					}
					slog.Debug("History event processor stopped")
					return
				}
			}
		}
	}
}

// accept 把事件加入批次，批次满或收到刷新请求时立即写入
func (ht *HistoryTracker) accept(batch []HistoryEvent, event HistoryEvent) []HistoryEvent {
	if event.Type == eventFlush {
		if len(batch) > 0 {
			ht.flushBatch(batch)
			batch = batch[:0]
		}
		if done, ok := event.Data.(chan struct{}); ok {
			close(done)
		}
		return batch
	}

	batch = append(batch, event)
	if len(batch) >= ht.config.BatchSize {
		ht.flushBatch(batch)
		batch = batch[:0] // 重置切片但保留容量
	}
	return batch
}

// flushBatch 批量写入事件到数据库，失败时按递增间隔重试
func (ht *HistoryTracker) flushBatch(events []HistoryEvent) {
	if len(events) == 0 {
		return
	}

	for retryCount := 0; retryCount < ht.config.MaxRetry; {
		err := ht.processBatch(events)
		if err == nil {
			ht.written.Add(int64(len(events)))
			if retryCount > 0 {
				slog.Info("Batch processed successfully after retry",
					"retry_count", retryCount,
					"batch_size", len(events))
			}
			return
		}

		retryCount++
		if ht.errorHandler != nil && ht.errorHandler.HandleDatabaseError(err, "flushBatch") {
			slog.Info("Database error handled successfully, retrying",
				"retry", retryCount,
				"batch_size", len(events))
		} else {
			slog.Warn("Failed to flush batch, retrying",
				"error", err,
				"retry", retryCount,
				"max_retry", ht.config.MaxRetry,
				"batch_size", len(events))
		}
		if retryCount < ht.config.MaxRetry {
			time.Sleep(time.Duration(retryCount) * 100 * time.Millisecond)
		}
	}

	slog.Error("Failed to process batch after all retries",
		"batch_size", len(events),
		"max_retry", ht.config.MaxRetry)
}

// processBatch 在一个事务中写入整批事件
func (ht *HistoryTracker) processBatch(events []HistoryEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := ht.adapter.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, event := range events {
		var err error
		switch data := event.Data.(type) {
		case runner.CaseInfo:
			err = ht.insertCaseStart(ctx, tx, data)
		case runner.AttemptRecord:
			err = ht.insertAttempt(ctx, tx, data)
		case runner.TupleResult:
			err = ht.insertTuple(ctx, tx, data)
		case runner.CaseResult:
			err = ht.updateCaseFinish(ctx, tx, data)
		default:
			slog.Warn("Unknown history event", "type", event.Type, "run_id", event.RunID)
		}
		if err != nil {
			return fmt.Errorf("failed to process %s event for run %s: %w", event.Type, event.RunID, err)
		}
	}

	return tx.Commit()
}

func (ht *HistoryTracker) insertCaseStart(ctx context.Context, tx *sql.Tx, info runner.CaseInfo) error {
	columns := []string{"run_id", "case_name", "parameterized", "repeats", "min_success",
		"max_identical_failures", "suspend_ms", "status", "started_at"}
	query := ht.adapter.BuildUpsertQuery("case_runs", columns, []string{"run_id"})

	_, err := tx.ExecContext(ctx, query,
		info.RunID,
		info.Name,
		info.Parameterized,
		info.Policy.Repeats,
		info.Policy.MinSuccess,
		info.Policy.MaxIdenticalFailures,
		info.Policy.Suspend.Milliseconds(),
		RunStatusRunning,
		ht.in(info.StartedAt))
	return err
}

func (ht *HistoryTracker) insertAttempt(ctx context.Context, tx *sql.Tx, rec runner.AttemptRecord) error {
	columns := []string{"run_id", "case_name", "tuple_index", "attempt", "total", "display_name",
		"arguments", "status", "executed", "error_message", "started_at", "duration_ms"}
	query := ht.adapter.BuildUpsertQuery("attempt_records", columns, []string{"run_id", "tuple_index", "attempt"})

	_, err := tx.ExecContext(ctx, query,
		rec.RunID,
		rec.Case,
		rec.TupleIndex,
		rec.Attempt,
		rec.Total,
		rec.DisplayName,
		encodeArguments(rec.Arguments),
		rec.Status.String(),
		rec.Executed,
		errorMessage(rec.Err),
		ht.in(rec.StartedAt),
		rec.Duration.Milliseconds())
	return err
}

func (ht *HistoryTracker) insertTuple(ctx context.Context, tx *sql.Tx, res runner.TupleResult) error {
	columns := []string{"run_id", "case_name", "tuple_index", "display_name", "arguments", "verdict",
		"reason", "attempts", "executed", "successes", "failures", "suppressed", "skipped"}
	query := ht.adapter.BuildUpsertQuery("tuple_results", columns, []string{"run_id", "tuple_index"})

	_, err := tx.ExecContext(ctx, query,
		res.RunID,
		res.Case,
		res.Index,
		res.DisplayName,
		encodeArguments(res.Arguments),
		res.Verdict().String(),
		res.Reason,
		res.State.Attempts,
		res.State.Executed,
		res.State.Successes,
		res.State.Failures,
		res.State.Suppressed,
		res.State.Skipped)
	return err
}

func (ht *HistoryTracker) updateCaseFinish(ctx context.Context, tx *sql.Tx, res runner.CaseResult) error {
	columns := []string{"run_id", "case_name", "repeats", "min_success", "max_identical_failures",
		"suspend_ms", "status", "tuple_count", "started_count", "passed_count", "aborted_count",
		"failed_count", "skipped_count", "error_message", "started_at", "finished_at", "duration_ms"}
	query := ht.adapter.BuildUpsertQuery("case_runs", columns, []string{"run_id"})

	counts := res.Counts()
	_, err := tx.ExecContext(ctx, query,
		res.RunID,
		res.Name,
		res.Policy.Repeats,
		res.Policy.MinSuccess,
		res.Policy.MaxIdenticalFailures,
		res.Policy.Suspend.Milliseconds(),
		runStatus(res),
		len(res.Tuples),
		counts.Started,
		counts.Passed,
		counts.Aborted,
		counts.Failed,
		counts.Skipped,
		errorMessage(res.Err),
		ht.in(res.StartedAt),
		ht.in(res.FinishedAt),
		res.Duration().Milliseconds())
	return err
}

// 用例运行状态
const (
	RunStatusRunning = "running"
	RunStatusPassed  = "passed"
	RunStatusFailed  = "failed"
	RunStatusError   = "error" // 配置错误，没有执行任何尝试
)

func runStatus(res runner.CaseResult) string {
	switch {
	case res.Err != nil && len(res.Tuples) == 0:
		return RunStatusError
	case res.Verdict == retry.VerdictPassed:
		return RunStatusPassed
	default:
		return RunStatusFailed
	}
}

func errorMessage(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}

// periodicCleanup 定期清理过期记录
func (ht *HistoryTracker) periodicCleanup() {
	defer ht.wg.Done()

	ticker := time.NewTicker(ht.config.CleanupInterval)
	defer ticker.Stop()

	slog.Debug("Periodic cleanup task started", "interval", ht.config.CleanupInterval)

	for {
		select {
		case <-ticker.C:
			if _, err := ht.cleanupOldRecords(ht.ctx); err != nil {
				slog.Error("Failed to cleanup old records", "error", err)
			}

		case <-ht.ctx.Done():
			slog.Debug("Periodic cleanup task stopped")
			return
		}
	}
}

// cleanupOldRecords 删除保留期之前开始的运行及其元组和尝试，返回删除的运行数
func (ht *HistoryTracker) cleanupOldRecords(ctx context.Context) (int64, error) {
	ht.mu.RLock()
	days := ht.retentionDays
	ht.mu.RUnlock()

	if days <= 0 {
		return 0, nil // 永久保留
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cutoff := ht.now().AddDate(0, 0, -days)
	deleted, err := ht.deleteRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	// 运行VACUUM以回收空间（仅在删除了数据时）
	if deleted > 0 {
		if err := ht.adapter.VacuumDatabase(ctx); err != nil {
			slog.Warn("Failed to vacuum database after cleanup", "error", err)
		}
		slog.Info("🧹 清理过期执行历史",
			"deleted_runs", deleted,
			"cutoff_date", cutoff.Format("2006-01-02"),
			"retention_days", days)
	}
	return deleted, nil
}

func (ht *HistoryTracker) deleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := ht.adapter.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup transaction: %w", err)
	}
	defer tx.Rollback()

	expired := "SELECT run_id FROM case_runs WHERE started_at < ?"
	for _, table := range []string{"attempt_records", "tuple_results"} {
		query := fmt.Sprintf("DELETE FROM %s WHERE run_id IN (%s)", table, expired)
		if _, err := tx.ExecContext(ctx, query, cutoff); err != nil {
			return 0, fmt.Errorf("failed to delete old %s: %w", table, err)
		}
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM case_runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old case runs: %w", err)
	}
	deleted, _ := result.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup transaction: %w", err)
	}
	return deleted, nil
}
