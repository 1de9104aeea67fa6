package tracking

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

//go:embed mysql_schema.sql
var mysqlSchemaFS embed.FS

// MySQLAdapter MySQL数据库适配器实现
type MySQLAdapter struct {
	config DatabaseConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewMySQLAdapter 创建MySQL适配器实例
func NewMySQLAdapter(config DatabaseConfig) (*MySQLAdapter, error) {
	setDefaultConfig(&config)

	return &MySQLAdapter{
		config: config,
		logger: slog.Default(),
	}, nil
}

// Open 连接MySQL并校验连通性
func (m *MySQLAdapter) Open() error {
	dsn, err := m.buildDSN()
	if err != nil {
		return fmt.Errorf("failed to build DSN: %w", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(m.config.MaxOpenConns)
	db.SetMaxIdleConns(m.config.MaxIdleConns)
	db.SetConnMaxLifetime(m.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(m.config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping MySQL database %s/%s: %w", m.config.Host, m.config.Database, err)
	}
	m.trySetSessionTimezone(ctx, db)

	m.db = db
	m.logger.Info("✅ MySQL历史库已连接",
		"host", m.config.Host,
		"database", m.config.Database,
		"max_open_conns", m.config.MaxOpenConns)
	return nil
}

// buildDSN 通过驱动自带的 Config 生成连接串
func (m *MySQLAdapter) buildDSN() (string, error) {
	switch {
	case m.config.Host == "":
		return "", errors.New("MySQL host is required")
	case m.config.Database == "":
		return "", errors.New("MySQL database name is required")
	case m.config.Username == "":
		return "", errors.New("MySQL username is required")
	}

	cfg := mysql.NewConfig()
	cfg.User = m.config.Username
	cfg.Passwd = m.config.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(m.config.Host, strconv.Itoa(m.config.Port))
	cfg.DBName = m.config.Database
	cfg.ParseTime = true
	cfg.Timeout = 30 * time.Second
	cfg.ReadTimeout = 30 * time.Second
	cfg.WriteTimeout = 30 * time.Second

	if tz := strings.TrimSpace(m.config.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("invalid MySQL timezone %q: %w", tz, err)
		}
		cfg.Loc = loc
	}

	cfg.Params = map[string]string{
		"charset":  m.config.Charset,
		"sql_mode": "'STRICT_TRANS_TABLES,NO_ZERO_DATE,NO_ZERO_IN_DATE,ERROR_FOR_DIVISION_BY_ZERO'",
	}
	return cfg.FormatDSN(), nil
}

// Close 关闭数据库连接
func (m *MySQLAdapter) Close() error {
	if m.db != nil {
		m.logger.Info("正在关闭MySQL数据库连接")
		return m.db.Close()
	}
	return nil
}

// Ping 测试数据库连接
func (m *MySQLAdapter) Ping(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("database not connected")
	}
	return m.db.PingContext(ctx)
}

func (m *MySQLAdapter) GetDB() *sql.DB {
	return m.db
}

// BeginTx 开始事务
func (m *MySQLAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if m.db == nil {
		return nil, fmt.Errorf("database not connected")
	}
	return m.db.BeginTx(ctx, opts)
}

// InitSchema 初始化MySQL数据库Schema
func (m *MySQLAdapter) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.logger.Info("正在初始化MySQL数据库Schema")

	schema, err := mysqlSchemaFS.ReadFile("mysql_schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read mysql_schema.sql: %w", err)
	}

	// MySQL驱动默认不支持多语句，逐条执行
	for i, stmt := range splitSQLStatements(string(schema)) {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			m.logger.Error("执行Schema语句失败",
				"statement_index", i,
				"error", err,
				"sql", stmt[:min(100, len(stmt))])
			return fmt.Errorf("failed to execute schema statement %d: %w", i, err)
		}
	}

	m.logger.Info("✅ MySQL数据库Schema初始化完成")
	return nil
}

// BuildUpsertQuery 构建插入或更新查询（MySQL语法）
func (m *MySQLAdapter) BuildUpsertQuery(table string, columns []string, keys []string) string {
	var updateParts []string
	for _, col := range columns {
		if col == "id" || isKey(col, keys) {
			continue
		}
		if col == "started_at" {
			updateParts = append(updateParts, fmt.Sprintf("%s = COALESCE(%s, VALUES(%s))", col, col, col))
		} else {
			updateParts = append(updateParts, fmt.Sprintf("%s = VALUES(%s)", col, col))
		}
	}

	if len(updateParts) == 0 {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
			table, strings.Join(columns, ", "), placeholders(len(columns)))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(columns, ", "), placeholders(len(columns)), strings.Join(updateParts, ", "))
}

// BuildLimitOffset 构建分页查询
func (m *MySQLAdapter) BuildLimitOffset(limit, offset int) string {
	return buildLimitOffset(limit, offset)
}

// VacuumDatabase MySQL没有VACUUM操作，执行OPTIMIZE TABLE
func (m *MySQLAdapter) VacuumDatabase(ctx context.Context) error {
	m.logger.Info("正在优化MySQL表结构")

	for _, table := range historyTables {
		if _, err := m.db.ExecContext(ctx, "OPTIMIZE TABLE "+table); err != nil {
			// OPTIMIZE TABLE失败不是致命问题
			m.logger.Warn("表优化失败", "table", table, "error", err)
		}
	}

	m.logger.Info("✅ MySQL表结构优化完成")
	return nil
}

// GetDatabaseStats 获取MySQL数据库统计信息
func (m *MySQLAdapter) GetDatabaseStats(ctx context.Context) (*DatabaseStats, error) {
	stats, err := countHistory(ctx, m.db)
	if err != nil {
		return nil, err
	}

	var dataLength, indexLength sql.NullInt64
	query := `SELECT
		SUM(data_length) as data_length,
		SUM(index_length) as index_length
		FROM information_schema.tables
		WHERE table_schema = DATABASE()`

	if err := m.db.QueryRowContext(ctx, query).Scan(&dataLength, &indexLength); err == nil {
		stats.DatabaseSize = dataLength.Int64 + indexLength.Int64
	}

	return stats, nil
}

// GetConnectionStats 获取连接池统计信息
func (m *MySQLAdapter) GetConnectionStats() ConnectionStats {
	if m.db == nil {
		return ConnectionStats{}
	}

	dbStats := m.db.Stats()
	return ConnectionStats{
		OpenConnections:  dbStats.OpenConnections,
		IdleConnections:  dbStats.Idle,
		InUseConnections: dbStats.InUse,
		WaitCount:        dbStats.WaitCount,
		WaitDuration:     dbStats.WaitDuration,
		MaxLifetime:      m.config.ConnMaxLifetime,
	}
}

func (m *MySQLAdapter) GetDatabaseType() string {
	return "mysql"
}

// splitSQLStatements 按分号切分schema，跳过空行和注释行
func splitSQLStatements(schema string) []string {
	var result []string
	var current strings.Builder

	for _, line := range strings.Split(schema, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		current.WriteString(line)
		current.WriteString(" ")

		if strings.HasSuffix(line, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				result = append(result, stmt)
			}
			current.Reset()
		}
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		result = append(result, stmt)
	}
	return result
}

// trySetSessionTimezone 根据配置设置会话时区
// 支持 "Asia/Shanghai"、"+08:00"、"UTC" 等格式，失败只记录警告
func (m *MySQLAdapter) trySetSessionTimezone(ctx context.Context, db *sql.DB) {
	timezone := strings.TrimSpace(m.config.Timezone)
	if timezone == "" {
		return
	}

	if _, err := db.ExecContext(ctx, "SET time_zone = ?", timezone); err != nil {
		m.logger.Warn("⚠️  MySQL会话时区设置失败，可能出现时区不一致",
			"target_timezone", timezone,
			"error", err)
		return
	}

	var sessionTZ string
	if err := db.QueryRowContext(ctx, "SELECT @@session.time_zone").Scan(&sessionTZ); err != nil {
		m.logger.Debug("无法验证MySQL会话时区", "error", err)
		return
	}
	m.logger.Info("✅ MySQL会话时区设置完成",
		"expected", timezone,
		"actual_session_tz", sessionTZ)
}
