package detectiondb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/defect-dataset-exporter/internal/core/domain"
	"github.com/kirillkom/defect-dataset-exporter/internal/infrastructure/resilience"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"

	timeLayout = "2006-01-02 15:04:05"
)

var errConnect = errors.New("detection db unreachable")

// ConnSettings addresses one detection database.
type ConnSettings struct {
	Driver         string
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	ConnectTimeout time.Duration
}

type Opener func(driverName, dsn string) (*sql.DB, error)

type Option func(*Pool)

func WithOpener(open Opener) Option {
	return func(p *Pool) {
		if open != nil {
			p.open = open
		}
	}
}

func WithExecutor(executor *resilience.Executor) Option {
	return func(p *Pool) {
		p.executor = executor
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pool owns the handle to the detection database. The handle is opened on
// first use and dropped after a connection failure so the next checkout
// reconnects.
type Pool struct {
	mu       sync.Mutex
	settings ConnSettings
	db       *sql.DB

	open     Opener
	executor *resilience.Executor
	logger   *slog.Logger
}

func NewPool(settings ConnSettings, opts ...Option) *Pool {
	p := &Pool{
		settings: settings,
		open:     sql.Open,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.executor == nil {
		p.executor = resilience.NewExecutor(resilience.DetectionDBConfig(), p.logger)
	}
	return p
}

// DSN renders driver specific connection strings.
func DSN(s ConnSettings) (string, string, error) {
	driverName := strings.ToLower(strings.TrimSpace(s.Driver))
	if driverName == "" {
		driverName = DriverMySQL
	}
	if s.Host == "" {
		return "", "", fmt.Errorf("db host is required")
	}
	timeout := s.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	switch driverName {
	case DriverMySQL:
		port := s.Port
		if port <= 0 {
			port = 3306
		}
		cfg := mysql.NewConfig()
		cfg.User = s.User
		cfg.Passwd = s.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(s.Host, strconv.Itoa(port))
		cfg.DBName = s.Database
		cfg.ParseTime = true
		cfg.Loc = time.Local
		cfg.Timeout = timeout
		cfg.Collation = "utf8mb4_general_ci"
		return DriverMySQL, cfg.FormatDSN(), nil
	case DriverPostgres, "postgres", "postgresql":
		port := s.Port
		if port <= 0 {
			port = 5432
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(s.User, s.Password),
			Host:     net.JoinHostPort(s.Host, strconv.Itoa(port)),
			Path:     "/" + s.Database,
			RawQuery: url.Values{"connect_timeout": {strconv.Itoa(int(timeout.Seconds()))}}.Encode(),
		}
		return DriverPostgres, u.String(), nil
	default:
		return "", "", fmt.Errorf("unsupported db driver %q", s.Driver)
	}
}

func (p *Pool) Settings() ConnSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// Query runs sql and materializes every row. Connection failures are
// retried once against a fresh handle and reported as temporary.
func (p *Pool) Query(ctx context.Context, query string) (domain.Table, error) {
	table, err := resilience.ExecuteValue(ctx, p.executor, "detectiondb.query", func(ctx context.Context) (domain.Table, error) {
		db, err := p.handle(ctx)
		if err != nil {
			return domain.Table{}, err
		}
		table, err := queryTable(ctx, db, query)
		if err != nil && isConnectionError(err) {
			p.drop(db)
		}
		return table, err
	}, classifyDBError)
	if err != nil {
		return domain.Table{}, resilience.MarkTemporary("detectiondb query", err, classifyDBError)
	}
	return table, nil
}

// Reconfigure swaps connection settings and closes the current handle.
func (p *Pool) Reconfigure(settings ConnSettings) error {
	if _, _, err := DSN(settings); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "reconfigure detection db", err)
	}
	p.mu.Lock()
	old := p.db
	p.db = nil
	p.settings = settings
	p.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			p.logger.Warn("detectiondb_close_failed", "error", err)
		}
	}
	p.logger.Info("detectiondb_reconfigured", "driver", settings.Driver, "host", settings.Host, "database", settings.Database)
	return nil
}

// TestConnection opens and pings a throwaway handle for settings.
func (p *Pool) TestConnection(ctx context.Context, settings ConnSettings) error {
	driverName, dsn, err := DSN(settings)
	if err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "test connection", err)
	}
	db, err := p.open(driverName, dsn)
	if err != nil {
		return fmt.Errorf("open detection db: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping detection db: %w", err)
	}
	return nil
}

func (p *Pool) Close() error {
	p.mu.Lock()
	db := p.db
	p.db = nil
	p.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (p *Pool) handle(ctx context.Context) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}

	driverName, dsn, err := DSN(p.settings)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "detection db settings", err)
	}
	db, err := p.open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", errConnect, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %w", errConnect, err)
	}
	p.db = db
	p.logger.Info("detectiondb_connected", "driver", driverName, "host", p.settings.Host)
	return db, nil
}

func (p *Pool) drop(db *sql.DB) {
	p.mu.Lock()
	if p.db != db {
		p.mu.Unlock()
		return
	}
	p.db = nil
	p.mu.Unlock()
	_ = db.Close()
	p.logger.Warn("detectiondb_handle_dropped")
}

func queryTable(ctx context.Context, db *sql.DB, query string) (domain.Table, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return domain.Table{}, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return domain.Table{}, fmt.Errorf("read columns: %w", err)
	}

	table := domain.Table{Columns: columns, Rows: make([]domain.Record, 0)}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return domain.Table{}, fmt.Errorf("scan row: %w", err)
		}
		rec := make(domain.Record, len(columns))
		for i, col := range columns {
			rec[col] = normalizeValue(values[i])
		}
		table.Rows = append(table.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return domain.Table{}, fmt.Errorf("iterate rows: %w", err)
	}
	return table, nil
}

// normalizeValue maps driver values onto the cell types the table model
// understands.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.Format(timeLayout)
	case bool:
		return x
	case int64:
		return x
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int8:
		return int64(x)
	case int:
		return int64(x)
	case uint64:
		return int64(x)
	case uint32:
		return int64(x)
	case float64:
		return x
	case float32:
		return float64(x)
	default:
		return fmt.Sprint(x)
	}
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errConnect) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func classifyDBError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
	if isConnectionError(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	// Operator SQL mistakes must not open the breaker.
	return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
}
