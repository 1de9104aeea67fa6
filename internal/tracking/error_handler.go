package tracking

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// DatabaseErrorKind 数据库错误分类
type DatabaseErrorKind int

const (
	ErrorKindUnknown DatabaseErrorKind = iota
	ErrorKindDiskSpace
	ErrorKindCorruption
	ErrorKindLocked
	ErrorKindConnection
)

func (k DatabaseErrorKind) String() string {
	switch k {
	case ErrorKindDiskSpace:
		return "disk_space"
	case ErrorKindCorruption:
		return "corruption"
	case ErrorKindLocked:
		return "locked"
	case ErrorKindConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// ErrorHandler handles errors and provides recovery mechanisms
type ErrorHandler struct {
	tracker *HistoryTracker
	logger  *slog.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(tracker *HistoryTracker, logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{
		tracker: tracker,
		logger:  logger,
	}
}

// HandleDatabaseError 尝试从数据库错误中恢复，返回 true 表示可以立即重试
func (eh *ErrorHandler) HandleDatabaseError(err error, operation string) bool {
	if err == nil {
		return true
	}

	kind := classifyDatabaseError(err)
	eh.logger.Error("Database operation failed",
		"operation", operation,
		"kind", kind.String(),
		"error", err.Error())

	switch kind {
	case ErrorKindDiskSpace:
		return eh.handleDiskSpaceError()
	case ErrorKindCorruption:
		return eh.handleCorruptionError()
	case ErrorKindLocked:
		return eh.waitForDatabase("Database lock detected, waiting for release...", 10)
	case ErrorKindConnection:
		return eh.waitForDatabase("Database connection error, waiting for reconnection...", 3)
	default:
		return false
	}
}

// handleDiskSpaceError 按保留期清理旧数据腾出空间
func (eh *ErrorHandler) handleDiskSpaceError() bool {
	eh.logger.Warn("Disk space error detected, attempting cleanup...")

	if eh.tracker == nil {
		return false
	}
	deleted, err := eh.tracker.cleanupOldRecords(context.Background())
	if err != nil {
		eh.logger.Error("Emergency cleanup failed", "error", err)
		return false
	}
	eh.logger.Info("Emergency cleanup completed", "deleted_runs", deleted)
	return deleted > 0
}

// handleCorruptionError 只做完整性检查，不自动恢复
func (eh *ErrorHandler) handleCorruptionError() bool {
	if eh.tracker == nil || eh.tracker.adapter.GetDatabaseType() != "sqlite" {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var result string
	if err := eh.tracker.adapter.GetDB().QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		eh.logger.Error("Integrity check failed", "error", err)
		return false
	}
	if result != "ok" {
		eh.logger.Error("Database integrity compromised", "result", result)
		return false
	}

	eh.logger.Info("Database integrity check passed")
	return true
}

// waitForDatabase 以递增间隔探测数据库直到恢复可用
func (eh *ErrorHandler) waitForDatabase(msg string, probes int) bool {
	if eh.tracker == nil {
		return false
	}
	eh.logger.Warn(msg)

	for i := 0; i < probes; i++ {
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := eh.tracker.adapter.Ping(ctx)
		cancel()

		if err == nil {
			eh.logger.Info("Database available again", "probes", i+1)
			return true
		}
	}

	eh.logger.Error("Database still unavailable", "probes", probes)
	return false
}

// classifyDatabaseError 按驱动错误文本分类，SQLite和MySQL的错误都在这里识别
func classifyDatabaseError(err error) DatabaseErrorKind {
	msg := err.Error()
	switch {
	case containsAny(msg, "no space left", "disk full", "SQLITE_FULL", "Error 1114"):
		return ErrorKindDiskSpace
	case containsAny(msg, "SQLITE_CORRUPT", "database disk image is malformed", "file is not a database"):
		return ErrorKindCorruption
	case containsAny(msg, "SQLITE_BUSY", "SQLITE_LOCKED", "database is locked", "Error 1205", "Error 1213"):
		return ErrorKindLocked
	case containsAny(msg, "connection", "bad connection", "unable to open database", "driver: bad connection"):
		return ErrorKindConnection
	default:
		return ErrorKindUnknown
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
