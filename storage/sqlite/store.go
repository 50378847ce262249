// Package sqlite provides a SQLite implementation of the storage Backend.
package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/mattn/go-sqlite3"

	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/storage"
)

// Operation constants for consistent error reporting
const (
	opGet    = "sqlite.Get"
	opPut    = "sqlite.Put"
	opDelete = "sqlite.Delete"
	opKeys   = "sqlite.Keys"

	componentName = "storage/sqlite"
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = stderrors.New("store is closed")

// Config holds configuration options for the SQLite backend.
//
// DefaultConfig enables WAL mode and a small connection pool; local replicas
// are written by one process.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:replica.db"
	DataSourceName string

	// EnableWAL appends "_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// TableName is the name of the key/value table. Defaults to "kv".
	TableName string

	// QuotaBytes caps the sum of key and value sizes. Zero means unlimited.
	QuotaBytes int64

	Logger *logging.Logger

	MaxOpenConns    int           // Default: 4
	MaxIdleConns    int           // Default: 2
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "kv"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	// Every connection to ":memory:" opens its own database.
	if strings.Contains(c.DataSourceName, ":memory:") {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL enabled.
func DefaultConfig(dataSourceName string) *Config {
	return &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
}

// Backend stores each key as one row. A Put replaces the row inside a
// transaction, so a failed write leaves the previous value in place.
type Backend struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	logger    *logging.Logger
	tableName string
	quota     int64
}

// Compile-time check to ensure Backend satisfies the storage.Backend interface
var _ storage.Backend = (*Backend)(nil)

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Backend, error) {
	return New(DefaultConfig(dataSourceName))
}

// New opens the database and creates the table if needed.
func New(config *Config) (*Backend, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.OrDefault(config.Logger).WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
		slog.Int64("quota_bytes", config.QuotaBytes),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	b := &Backend{
		db:        db,
		logger:    logger,
		tableName: config.TableName,
		quota:     config.QuotaBytes,
	}
	if err := b.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	return b, nil
}

func (b *Backend) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        key         TEXT PRIMARY KEY,
        value       BLOB NOT NULL,
        size        INTEGER NOT NULL,
        updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );`, b.tableName)
	_, err := b.db.Exec(query)
	return err
}

func (b *Backend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get returns the value stored under key.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := b.checkOpen(); err != nil {
		return nil, false, err
	}
	var value []byte
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, b.tableName), key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, b.wrap(err, opGet)
	}
	return value, true, nil
}

// Put replaces the value under key. When a quota is configured the logical
// size of the table after the write is checked inside the same transaction.
func (b *Backend) Put(ctx context.Context, key string, value []byte) (err error) {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := b.checkOpen(); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return b.wrap(err, opPut)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	size := int64(len(key) + len(value))
	if b.quota > 0 {
		var used int64
		query := fmt.Sprintf(`SELECT COALESCE(SUM(size), 0) FROM %s WHERE key <> ?`, b.tableName)
		if err = tx.QueryRowContext(ctx, query, key).Scan(&used); err != nil {
			return b.wrap(err, opPut)
		}
		if used+size > b.quota {
			err = syncErrors.NewQuotaError(syncErrors.OpStore,
				fmt.Errorf("writing %q needs %d bytes, quota is %d", key, used+size, b.quota))
			return err
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (key, value, size, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, size = excluded.size, updated_at = excluded.updated_at`, b.tableName)
	if _, err = tx.ExecContext(ctx, query, key, value, size); err != nil {
		return b.wrap(err, opPut)
	}
	if err = tx.Commit(); err != nil {
		return b.wrap(err, opPut)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, b.tableName), key); err != nil {
		return b.wrap(err, opDelete)
	}
	return nil
}

// Keys lists every stored key in order.
func (b *Backend) Keys(ctx context.Context) ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM %s ORDER BY key`, b.tableName))
	if err != nil {
		return nil, b.wrap(err, opKeys)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, b.wrap(err, opKeys)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, b.wrap(err, opKeys)
	}
	return keys, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Stats returns database connection pool statistics for monitoring.
func (b *Backend) Stats() sql.DBStats {
	return b.db.Stats()
}

// wrap maps a disk-full condition to QuotaExceeded; everything else is a
// storage failure.
func (b *Backend) wrap(err error, op string) error {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull {
		return syncErrors.WrapOpComponentKind(err, op, componentName, syncErrors.KindQuotaExceeded)
	}
	return syncErrors.WrapOpComponentKind(err, op, componentName, syncErrors.KindInternal)
}
