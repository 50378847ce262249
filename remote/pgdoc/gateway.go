// Package pgdoc stores the remote document as one Postgres row per account.
// The marker is a revision counter bumped by every write, and a NOTIFY on
// each commit lets other devices pull early.
package pgdoc

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	stdSync "sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/c0deZ3R0/bizsync/document"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/remote"
)

const (
	component = "gateway/postgres"

	// DefaultTable holds one row per account.
	DefaultTable = "bizsync_documents"
	// DefaultChannel receives a notification after every committed write.
	DefaultChannel = "bizsync_documents"

	operationTimeout = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Config configures a Gateway.
type Config struct {
	// ConnectionString is the lib/pq DSN. Required unless DB is set.
	ConnectionString string
	// Account selects the document row.
	Account string
	// TableName defaults to DefaultTable.
	TableName string
	// Channel defaults to DefaultChannel.
	Channel string
	// MaxBytes rejects larger uploads with QuotaExceeded. Zero means unlimited.
	MaxBytes int
	// DB is an already opened handle; the gateway does not close it.
	DB *sql.DB

	Logger *logging.Logger
}

// Gateway implements remote.Gateway on Postgres.
type Gateway struct {
	cfg    Config
	logger *logging.Logger
	openDB sqlOpenFunc
	ownsDB bool

	initOnce stdSync.Once
	initErr  error
	db       *sql.DB
}

var (
	_ remote.Gateway        = (*Gateway)(nil)
	_ remote.ChangeNotifier = (*Gateway)(nil)
)

// New returns a gateway. The connection is opened and the table created on
// first use.
func New(cfg Config) (*Gateway, error) {
	if cfg.DB == nil && strings.TrimSpace(cfg.ConnectionString) == "" {
		return nil, fmt.Errorf("pgdoc: connection string is required")
	}
	if cfg.Account == "" {
		return nil, fmt.Errorf("pgdoc: account is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = DefaultTable
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	return &Gateway{
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger).WithComponent(logging.Component(component)),
		openDB: sql.Open,
	}, nil
}

func (g *Gateway) ensureReady(ctx context.Context) error {
	g.initOnce.Do(func() {
		db := g.cfg.DB
		if db == nil {
			opened, err := g.openDB("postgres", g.cfg.ConnectionString)
			if err != nil {
				g.initErr = err
				return
			}
			db, g.ownsDB = opened, true
		}
		ctx, cancel := context.WithTimeout(ctx, operationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				account TEXT PRIMARY KEY,
				body TEXT NOT NULL,
				revision BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(g.cfg.TableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			if g.ownsDB {
				_ = db.Close()
			}
			g.initErr = err
			return
		}
		g.db = db
	})
	return g.initErr
}

func (g *Gateway) Metadata(ctx context.Context) (remote.Metadata, error) {
	if err := g.ensureReady(ctx); err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpMetadata)
	}
	query := fmt.Sprintf(`SELECT revision, updated_at, octet_length(body) FROM %s WHERE account = $1`, quoteIdentifier(g.cfg.TableName))
	var (
		revision int64
		updated  time.Time
		size     int64
	)
	err := g.db.QueryRowContext(ctx, query, g.cfg.Account).Scan(&revision, &updated, &size)
	if stderrors.Is(err, sql.ErrNoRows) {
		return remote.Metadata{}, nil
	}
	if err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpMetadata)
	}
	return metadata(revision, updated, size), nil
}

func (g *Gateway) Fetch(ctx context.Context) (*document.Document, remote.Metadata, error) {
	if err := g.ensureReady(ctx); err != nil {
		return nil, remote.Metadata{}, classify(err, syncErrors.OpFetch)
	}
	query := fmt.Sprintf(`SELECT body, revision, updated_at FROM %s WHERE account = $1`, quoteIdentifier(g.cfg.TableName))
	var (
		body     string
		revision int64
		updated  time.Time
	)
	err := g.db.QueryRowContext(ctx, query, g.cfg.Account).Scan(&body, &revision, &updated)
	if stderrors.Is(err, sql.ErrNoRows) {
		return document.New(), remote.Metadata{}, nil
	}
	if err != nil {
		return nil, remote.Metadata{}, classify(err, syncErrors.OpFetch)
	}
	meta := metadata(revision, updated, int64(len(body)))
	doc, err := document.Decode([]byte(body))
	if err != nil {
		return nil, meta, err
	}
	return doc, meta, nil
}

// Upload writes the document. Without a base marker the row is upserted;
// with one, the update only applies while the stored revision still matches,
// and a missing row is created.
func (g *Gateway) Upload(ctx context.Context, doc *document.Document, baseMarker string) (meta remote.Metadata, err error) {
	data, err := document.Encode(doc)
	if err != nil {
		return remote.Metadata{}, syncErrors.WrapOpComponentKind(err, string(syncErrors.OpUpload), component, syncErrors.KindMalformed)
	}
	if g.cfg.MaxBytes > 0 && len(data) > g.cfg.MaxBytes {
		return remote.Metadata{}, syncErrors.WrapOpComponentKind(
			fmt.Errorf("document of %d bytes exceeds the %d byte limit", len(data), g.cfg.MaxBytes),
			string(syncErrors.OpUpload), component, syncErrors.KindQuotaExceeded)
	}
	var base int64
	if baseMarker != "" {
		if base, err = strconv.ParseInt(baseMarker, 10, 64); err != nil {
			return remote.Metadata{}, syncErrors.NewConflictError(syncErrors.OpUpload,
				fmt.Errorf("marker %q is not a revision of this store", baseMarker))
		}
	}
	if err := g.ensureReady(ctx); err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpUpload)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpUpload)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	table := quoteIdentifier(g.cfg.TableName)
	var (
		revision int64
		updated  time.Time
	)
	if baseMarker == "" {
		query := fmt.Sprintf(`
			INSERT INTO %s (account, body, revision, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (account) DO NOTHING
			RETURNING revision, updated_at`, table)
		err = tx.QueryRowContext(ctx, query, g.cfg.Account, string(data)).Scan(&revision, &updated)
		if stderrors.Is(err, sql.ErrNoRows) {
			err = syncErrors.NewConflictError(syncErrors.OpUpload,
				fmt.Errorf("document of %s was created meanwhile", g.cfg.Account))
			return remote.Metadata{}, err
		}
	} else {
		query := fmt.Sprintf(`
			UPDATE %s SET body = $2, revision = revision + 1, updated_at = NOW()
			WHERE account = $1 AND revision = $3
			RETURNING revision, updated_at`, table)
		err = tx.QueryRowContext(ctx, query, g.cfg.Account, string(data), base).Scan(&revision, &updated)
		if stderrors.Is(err, sql.ErrNoRows) {
			query = fmt.Sprintf(`
				INSERT INTO %s (account, body, revision, updated_at)
				VALUES ($1, $2, 1, NOW())
				ON CONFLICT (account) DO NOTHING
				RETURNING revision, updated_at`, table)
			err = tx.QueryRowContext(ctx, query, g.cfg.Account, string(data)).Scan(&revision, &updated)
			if stderrors.Is(err, sql.ErrNoRows) {
				err = syncErrors.NewConflictError(syncErrors.OpUpload,
					fmt.Errorf("revision of %s moved past %d", g.cfg.Account, base))
				return remote.Metadata{}, err
			}
		}
	}
	if err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpUpload)
	}

	payload, err := json.Marshal(Notification{Account: g.cfg.Account, Revision: revision})
	if err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpUpload)
	}
	if _, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, g.cfg.Channel, string(payload)); err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpUpload)
	}
	if err = tx.Commit(); err != nil {
		return remote.Metadata{}, classify(err, syncErrors.OpUpload)
	}

	g.logger.DebugContext(ctx, "document written",
		slog.String("account", g.cfg.Account),
		slog.Int64("revision", revision),
		slog.Int("size", len(data)),
	)
	return metadata(revision, updated, int64(len(data))), nil
}

// Close closes the connection pool if the gateway opened it.
func (g *Gateway) Close() error {
	if g.db == nil || !g.ownsDB {
		return nil
	}
	return g.db.Close()
}

func metadata(revision int64, updated time.Time, size int64) remote.Metadata {
	return remote.Metadata{
		Marker:    strconv.FormatInt(revision, 10),
		Exists:    true,
		UpdatedAt: updated.UTC(),
		Size:      size,
	}
}

// classify maps database failures onto the gateway taxonomy.
func classify(err error, op syncErrors.Operation) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "28":
			return syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindNotAuthenticated)
		case pqErr.Code == "53100" || pqErr.Code.Class() == "54":
			return syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindQuotaExceeded)
		case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57":
			return syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindNetwork)
		case pqErr.Code.Class() == "22":
			return syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindMalformed)
		default:
			return syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindInternal)
		}
	}
	// Dial failures, driver.ErrBadConn and timeouts: the database is unreachable.
	return syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindNetwork)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
