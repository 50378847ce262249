package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/c0deZ3R0/bizsync/coordinator"
	"github.com/c0deZ3R0/bizsync/merge"
	"github.com/c0deZ3R0/bizsync/metrics"
	"github.com/c0deZ3R0/bizsync/remote"
	"github.com/c0deZ3R0/bizsync/remote/dsn"
	"github.com/c0deZ3R0/bizsync/session"
	"github.com/c0deZ3R0/bizsync/storage"
	"github.com/c0deZ3R0/bizsync/storage/sqlite"
	"github.com/c0deZ3R0/bizsync/workspace"
)

// device is this machine's replica wired to the configured remote.
type device struct {
	store    *storage.Store
	sessions *session.Store
	gateway  remote.Gateway
	coord    *coordinator.Coordinator
	ws       *workspace.Workspace
	metrics  *metrics.PrometheusCollector
}

type deviceOptions struct {
	watch bool
}

func (a *app) openDevice(ctx context.Context, opts deviceOptions) (*device, error) {
	cfg := a.cfg
	path := cfg.DatabasePath()
	if path != ":memory:" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}

	sc := sqlite.DefaultConfig(path)
	sc.QuotaBytes = cfg.LocalQuota
	sc.Logger = a.logger
	backend, err := sqlite.New(sc)
	if err != nil {
		return nil, err
	}
	store := storage.New(backend, storage.Options{
		ActivityCap: cfg.Sync.ActivityCap,
		QuotaFloor:  cfg.Sync.QuotaFloor,
		Logger:      a.logger,
	})
	sessions := session.NewStore(store, a.logger)

	gw, err := dsn.Open(cfg.Remote.DSN, dsn.Options{
		Account:  cfg.Remote.Account,
		Token:    a.tokenSource(sessions),
		MaxBytes: cfg.Remote.MaxBytes,
		Logger:   a.logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var auth session.Authenticator = session.StaticAuthenticator{}
	if cfg.Remote.Secret != "" {
		auth = &session.TokenAuthenticator{Secret: []byte(cfg.Remote.Secret)}
	}
	tie := merge.ParseTieBreak(cfg.Sync.TieBreak)
	collector := metrics.New()
	coord := coordinator.New(nil, gw, sessions, auth, coordinator.Options{
		Debounce:         cfg.Sync.Debounce,
		Heartbeat:        cfg.Sync.Heartbeat,
		StartupTimeout:   cfg.Sync.StartupTimeout,
		OperationTimeout: cfg.Sync.OperationTimeout,
		TieBreak:         tie,
		ActivityCap:      cfg.Sync.ActivityCap,
		DisableWatch:     !opts.watch,
		Metrics:          collector,
		Logger:           a.logger,
	})
	ws := workspace.Open(ctx, store, coord, workspace.Options{TieBreak: tie, Logger: a.logger})

	return &device{
		store:    store,
		sessions: sessions,
		gateway:  gw,
		coord:    coord,
		ws:       ws,
		metrics:  collector,
	}, nil
}

// tokenSource prefers the configured token over the signed-in session's.
func (a *app) tokenSource(sessions *session.Store) func(ctx context.Context) (string, error) {
	return func(context.Context) (string, error) {
		if a.cfg.Remote.Token != "" {
			return a.cfg.Remote.Token, nil
		}
		return sessions.Current().Token, nil
	}
}

func (d *device) Close() error {
	return stderrors.Join(d.coord.Stop(), remote.Close(d.gateway), d.store.Close())
}
