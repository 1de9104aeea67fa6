package tracking

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchemaFS embed.FS

// SQLiteAdapter SQLite数据库适配器实现
type SQLiteAdapter struct {
	config   DatabaseConfig
	db       *sql.DB
	logger   *slog.Logger
	location *time.Location // 配置的时区
}

// NewSQLiteAdapter 创建SQLite适配器实例
func NewSQLiteAdapter(config DatabaseConfig) (*SQLiteAdapter, error) {
	setDefaultConfig(&config)

	timezone := strings.TrimSpace(config.Timezone)
	location, err := loadLocation(timezone)
	if err != nil {
		// 时区解析失败不终止，使用系统本地时区
		slog.Warn("SQLite时区解析失败，使用系统本地时区",
			"configured_timezone", timezone,
			"error", err,
			"fallback_timezone", location.String())
	}

	return &SQLiteAdapter{
		config:   config,
		logger:   slog.Default(),
		location: location,
	}, nil
}

// Open 建立SQLite数据库连接
func (s *SQLiteAdapter) Open() error {
	dbPath := s.config.DatabasePath
	s.logger.Info("正在连接SQLite数据库", "path", dbPath)

	// 确保数据库目录存在
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite写操作需要单一连接，:memory: 也依赖它共享同一个库
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s.db = db
	s.logger.Info("✅ SQLite数据库连接成功", "timezone", s.location.String())
	return nil
}

// Close 关闭数据库连接
func (s *SQLiteAdapter) Close() error {
	if s.db != nil {
		s.logger.Info("正在关闭SQLite数据库连接")
		return s.db.Close()
	}
	return nil
}

// Ping 测试数据库连接
func (s *SQLiteAdapter) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not connected")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteAdapter) GetDB() *sql.DB {
	return s.db
}

// BeginTx 开始事务
func (s *SQLiteAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	return s.db.BeginTx(ctx, opts)
}

// InitSchema 初始化SQLite数据库Schema
func (s *SQLiteAdapter) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("正在初始化SQLite数据库Schema")

	schema, err := sqliteSchemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	// SQLite可以直接执行整个schema
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	s.logger.Info("✅ SQLite数据库Schema初始化完成")
	return nil
}

// BuildUpsertQuery 构建插入或更新查询（SQLite语法）
// 使用 INSERT ... ON CONFLICT DO UPDATE 保留冲突行上未提供的列
func (s *SQLiteAdapter) BuildUpsertQuery(table string, columns []string, keys []string) string {
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders(len(columns)))

	var updatePairs []string
	for _, col := range columns {
		if isKey(col, keys) {
			continue
		}
		if col == "started_at" {
			// 只在原值为NULL时才更新
			updatePairs = append(updatePairs, fmt.Sprintf("%s = COALESCE(%s.%s, EXCLUDED.%s)", col, table, col, col))
		} else {
			updatePairs = append(updatePairs, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}

	if len(updatePairs) == 0 {
		return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
			table, strings.Join(columns, ", "), placeholders(len(columns)))
	}
	return query + fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s",
		strings.Join(keys, ", "), strings.Join(updatePairs, ", "))
}

// BuildLimitOffset 构建分页查询
func (s *SQLiteAdapter) BuildLimitOffset(limit, offset int) string {
	return buildLimitOffset(limit, offset)
}

// VacuumDatabase SQLite执行VACUUM操作
func (s *SQLiteAdapter) VacuumDatabase(ctx context.Context) error {
	s.logger.Info("正在执行SQLite VACUUM操作")

	// VACUUM不能在事务中运行
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum SQLite database: %w", err)
	}

	s.logger.Info("✅ SQLite VACUUM操作完成")
	return nil
}

// GetDatabaseStats 获取SQLite数据库统计信息
func (s *SQLiteAdapter) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats, err := countHistory(ctx, s.db)
	if err != nil {
		return nil, err
	}

	// 数据库文件大小（SQLite特有）
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.DatabaseSize = pageCount * pageSize
		}
	}

	return stats, nil
}

// GetConnectionStats 获取连接池统计信息
func (s *SQLiteAdapter) GetConnectionStats() ConnectionStats {
	if s.db == nil {
		return ConnectionStats{}
	}

	dbStats := s.db.Stats()
	return ConnectionStats{
		OpenConnections:  dbStats.OpenConnections,
		IdleConnections:  dbStats.Idle,
		InUseConnections: dbStats.InUse,
		WaitCount:        dbStats.WaitCount,
		WaitDuration:     dbStats.WaitDuration,
		MaxLifetime:      0, // SQLite不限制连接生命周期
	}
}

func (s *SQLiteAdapter) GetDatabaseType() string {
	return "sqlite"
}

// countHistory 两种后端通用的计数和时间范围统计
func countHistory(ctx context.Context, db *sql.DB) (*DatabaseStats, error) {
	stats := &DatabaseStats{}

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM case_runs").Scan(&stats.TotalRuns); err != nil {
		return nil, fmt.Errorf("failed to count case runs: %w", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tuple_results").Scan(&stats.TotalTuples); err != nil {
		return nil, fmt.Errorf("failed to count tuple results: %w", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attempt_records").Scan(&stats.TotalAttempts); err != nil {
		return nil, fmt.Errorf("failed to count attempt records: %w", err)
	}

	// 不用 MIN/MAX：聚合结果会丢失列类型，驱动无法还原为 time.Time
	var earliest, latest time.Time
	err := db.QueryRowContext(ctx, "SELECT started_at FROM case_runs ORDER BY started_at ASC LIMIT 1").Scan(&earliest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get earliest record: %w", err)
	}
	if err == nil {
		stats.EarliestRecord = &earliest
	}
	err = db.QueryRowContext(ctx, "SELECT started_at FROM case_runs ORDER BY started_at DESC LIMIT 1").Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get latest record: %w", err)
	}
	if err == nil {
		stats.LatestRecord = &latest
	}

	return stats, nil
}

func buildLimitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	if offset <= 0 {
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isKey(col string, keys []string) bool {
	for _, k := range keys {
		if k == col {
			return true
		}
	}
	return false
}
