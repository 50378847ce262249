package docserver

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	stdSync "sync"

	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/remote"
	"github.com/c0deZ3R0/bizsync/remote/filedoc"
	"github.com/c0deZ3R0/bizsync/remote/pgdoc"
)

// ErrInvalidAccount is returned for account names outside [A-Za-z0-9._-]{1,64}.
var ErrInvalidAccount = stderrors.New("invalid account name")

var accountPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// OpenFunc opens the gateway holding the document of one account.
type OpenFunc func(account string) (remote.Gateway, error)

// MemoryDocuments keeps every account's document in process memory.
func MemoryDocuments(maxBytes int) OpenFunc {
	return func(string) (remote.Gateway, error) {
		gw := remote.NewMemoryGateway()
		gw.SetMaxBytes(maxBytes)
		return gw, nil
	}
}

// DirectoryDocuments keeps one <account>.json file per account under dir.
func DirectoryDocuments(dir string, maxBytes int, logger *logging.Logger) OpenFunc {
	return func(account string) (remote.Gateway, error) {
		gw, err := filedoc.New(filepath.Join(dir, account+".json"), filedoc.Options{MaxBytes: int64(maxBytes), Logger: logger})
		if err != nil {
			return nil, err
		}
		return gw, nil
	}
}

// PostgresDocuments keeps one row per account in db. connString is used
// for LISTEN; without it the change feed only reports writes made through
// this server.
func PostgresDocuments(db *sql.DB, connString string, maxBytes int, logger *logging.Logger) OpenFunc {
	return func(account string) (remote.Gateway, error) {
		gw, err := pgdoc.New(pgdoc.Config{DB: db, ConnectionString: connString, Account: account, MaxBytes: maxBytes, Logger: logger})
		if err != nil {
			return nil, err
		}
		return gw, nil
	}
}

// accounts opens gateways lazily and keeps them for the server's lifetime.
// Gateways that can report changes are watched so that the change feed also
// sees writes that did not come through this server.
type accounts struct {
	open   OpenFunc
	hub    *hub
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdSync.WaitGroup

	mu       stdSync.Mutex
	gateways map[string]remote.Gateway
	watching map[string]bool
}

func newAccounts(open OpenFunc, h *hub, logger *logging.Logger) *accounts {
	ctx, cancel := context.WithCancel(context.Background())
	return &accounts{
		open:     open,
		hub:      h,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		gateways: map[string]remote.Gateway{},
		watching: map[string]bool{},
	}
}

func (a *accounts) get(account string) (remote.Gateway, error) {
	if !accountPattern.MatchString(account) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if gw, ok := a.gateways[account]; ok {
		return gw, nil
	}
	if a.ctx.Err() != nil {
		return nil, fmt.Errorf("document server is closed")
	}

	gw, err := a.open(account)
	if err != nil {
		return nil, err
	}
	a.gateways[account] = gw
	if n, ok := gw.(remote.ChangeNotifier); ok {
		a.watching[account] = true
		a.wg.Add(1)
		go a.watch(account, gw, n)
	}
	return gw, nil
}

// watched reports whether changes of account reach the hub without help.
func (a *accounts) watched(account string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watching[account]
}

func (a *accounts) watch(account string, gw remote.Gateway, n remote.ChangeNotifier) {
	defer a.wg.Done()
	ctx := logging.WithAccount(a.ctx, account)
	err := n.Watch(ctx, func() {
		meta, err := gw.Metadata(ctx)
		if err != nil {
			a.logger.DebugContext(ctx, "change without readable metadata", slog.String("error", err.Error()))
			return
		}
		a.hub.publish(account, meta.Marker)
	})
	if err != nil && ctx.Err() == nil {
		a.logger.LogError(ctx, err, "watching document stopped", slog.String("account", account))
	}
	a.mu.Lock()
	a.watching[account] = false
	a.mu.Unlock()
}

func (a *accounts) close() error {
	a.cancel()
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for account, gw := range a.gateways {
		if err := remote.Close(gw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", account, err))
		}
		delete(a.gateways, account)
	}
	return stderrors.Join(errs...)
}
