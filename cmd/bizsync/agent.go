package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	stdSync "sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/bizsync/coordinator"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/session"
)

func newAgentCmd(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Keep the local replica in sync until interrupted",
		Long: `agent restores the session, reconnects when the device was connected
before and keeps syncing: local edits are pushed after the debounce window
and the heartbeat pulls remote changes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runAgent(ctx, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "serve Prometheus metrics on this address")
	return cmd
}

func (a *app) runAgent(ctx context.Context, metricsAddr string) error {
	d, err := a.openDevice(ctx, deviceOptions{watch: a.cfg.Sync.Watch})
	if err != nil {
		return err
	}
	defer d.Close()

	var (
		mu   stdSync.Mutex
		last coordinator.State
	)
	if err := d.coord.Subscribe(func(st coordinator.Status) {
		mu.Lock()
		changed := st.State != last
		last = st.State
		mu.Unlock()
		if !changed {
			return
		}
		attrs := []any{slog.String("state", string(st.State)), slog.String("connection", string(st.Connection))}
		if st.LastError != "" {
			attrs = append(attrs, slog.String("error", st.LastError))
		}
		a.logger.Info("sync status changed", attrs...)
	}); err != nil {
		return err
	}
	if err := d.coord.Start(ctx); err != nil {
		return err
	}

	sess := d.coord.Session()
	if session.ShouldSync(sess) && !sess.WasConnected {
		if err := d.coord.Connect(ctx); err != nil {
			a.logger.WarnContext(ctx, "initial connect failed, retrying on heartbeat",
				slog.String("reason", syncErrors.Message(err)))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: d.metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("agent stopping")
		return d.coord.Stop()
	})
	return g.Wait()
}
