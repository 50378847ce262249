package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/bizsync/docserver"
	"github.com/c0deZ3R0/bizsync/metrics"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve shared documents over HTTP",
		Long: `serve hosts one document per account. server.store selects where they
live: "memory", a directory of JSON files, or a postgres:// database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.Server.Listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			open, db, err := a.documentStore()
			if err != nil {
				return err
			}
			if db != nil {
				defer db.Close()
			}

			opts := []docserver.ServerOption{
				docserver.WithLogger(a.logger),
				docserver.WithMaxRequestSize(a.cfg.Server.MaxRequestSize),
			}
			if a.cfg.Server.Secret != "" {
				opts = append(opts, docserver.WithSecret([]byte(a.cfg.Server.Secret)))
			} else {
				a.logger.Warn("server.secret is empty, documents are served without authentication")
			}
			if a.cfg.Server.Metrics {
				opts = append(opts, docserver.WithMetricsHandler(metrics.New().Handler()))
			}
			srv := docserver.New(open, opts...)

			a.logger.Info("serving documents",
				slog.String("listen", listen),
				slog.String("store", redact(a.cfg.Server.Store)),
			)
			return srv.ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default server.listen)")
	return cmd
}

// documentStore maps server.store onto a docserver.OpenFunc. The returned
// database, if any, belongs to the caller.
func (a *app) documentStore() (docserver.OpenFunc, *sql.DB, error) {
	store := strings.TrimSpace(a.cfg.Server.Store)
	maxBytes := int(a.cfg.Server.MaxRequestSize)
	switch {
	case store == "" || store == "memory":
		return docserver.MemoryDocuments(maxBytes), nil, nil
	case strings.HasPrefix(store, "postgres://"), strings.HasPrefix(store, "postgresql://"):
		db, err := sql.Open("postgres", store)
		if err != nil {
			return nil, nil, fmt.Errorf("opening document database: %w", err)
		}
		return docserver.PostgresDocuments(db, store, maxBytes, a.logger), db, nil
	default:
		if err := os.MkdirAll(store, 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating document directory: %w", err)
		}
		return docserver.DirectoryDocuments(store, maxBytes, a.logger), nil, nil
	}
}
