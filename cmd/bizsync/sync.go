package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/bizsync/coordinator"
)

func newSyncCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile with the remote document once and exit",
		Long: `sync connects, merges the remote document into the local replica and
pushes local changes. Read-only sessions only pull.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSync(cmd, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")
	return cmd
}

func (a *app) runSync(cmd *cobra.Command, output string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := a.openDevice(ctx, deviceOptions{})
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.coord.Start(ctx); err != nil {
		return err
	}
	sess := d.coord.Session()
	if sess.IsGuest() {
		return fmt.Errorf("not signed in; run bizsync login first")
	}

	if err := syncOnce(ctx, d); err != nil {
		return describe(err)
	}
	return render(cmd.OutOrStdout(), output, d.coord.Status())
}

// syncOnce pulls for read-only sessions and pushes otherwise. A device that
// was connected before is already reconnecting in the background, so an
// in-flight sync is waited out rather than reported.
func syncOnce(ctx context.Context, d *device) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		var err error
		switch {
		case d.coord.Session().ReadOnly():
			err = d.coord.PullOnce(ctx)
		case d.coord.Status().Connection == coordinator.Connected:
			err = d.ws.SyncNow(ctx)
		default:
			if err = d.coord.Connect(ctx); err == nil {
				err = d.ws.SyncNow(ctx)
			}
		}
		if !stderrors.Is(err, coordinator.ErrSyncInFlight) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
