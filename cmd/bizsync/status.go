package main

import (
	"context"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/workspace"
)

type statusReport struct {
	Identity        string         `json:"identity" yaml:"identity"`
	DeviceID        string         `json:"deviceId" yaml:"deviceId"`
	ReadOnly        bool           `json:"readOnly" yaml:"readOnly"`
	WasConnected    bool           `json:"wasConnected" yaml:"wasConnected"`
	Records         map[string]int `json:"records" yaml:"records"`
	Deleted         int            `json:"deleted" yaml:"deleted"`
	Activity        int            `json:"activity" yaml:"activity"`
	LastLocalSaveAt *time.Time     `json:"lastLocalSaveAt,omitempty" yaml:"lastLocalSaveAt,omitempty"`
	Remote          *remoteReport  `json:"remote,omitempty" yaml:"remote,omitempty"`
}

type remoteReport struct {
	DSN       string     `json:"dsn" yaml:"dsn"`
	Exists    bool       `json:"exists" yaml:"exists"`
	Marker    string     `json:"marker,omitempty" yaml:"marker,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
	Size      int64      `json:"size,omitempty" yaml:"size,omitempty"`
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		output string
		probe  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local replica and session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			d, err := a.openDevice(ctx, deviceOptions{})
			if err != nil {
				return err
			}
			defer d.Close()

			report, err := a.status(ctx, d, probe)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), output, report)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")
	cmd.Flags().BoolVar(&probe, "probe", false, "also read the remote document's metadata")
	return cmd
}

func (a *app) status(ctx context.Context, d *device, probe bool) (*statusReport, error) {
	sess, err := d.sessions.Restore(ctx)
	if err != nil {
		return nil, err
	}
	report := &statusReport{
		Identity:     sess.Identity,
		DeviceID:     sess.DeviceID,
		ReadOnly:     sess.ReadOnly(),
		WasConnected: sess.WasConnected,
		Records:      map[string]int{},
		Activity:     len(d.ws.Activity(0)),
	}
	for _, c := range d.store.Collections(ctx) {
		all := d.ws.List(c, workspace.ListOptions{IncludeDeleted: true})
		live := 0
		for _, r := range all {
			if !r.Deleted() {
				live++
			}
		}
		report.Records[string(c)] = live
		report.Deleted += len(all) - live
	}
	if at := d.store.LastSavedAt(); !at.IsZero() {
		report.LastLocalSaveAt = &at
	}

	if probe {
		rr := &remoteReport{DSN: redact(a.cfg.Remote.DSN)}
		pctx, cancel := context.WithTimeout(ctx, a.cfg.Sync.StartupTimeout)
		defer cancel()
		meta, err := d.gateway.Metadata(pctx)
		if err != nil {
			rr.Error = syncErrors.Message(err)
		} else {
			rr.Exists, rr.Marker, rr.Size = meta.Exists, meta.Marker, meta.Size
			if !meta.UpdatedAt.IsZero() {
				rr.UpdatedAt = &meta.UpdatedAt
			}
		}
		report.Remote = rr
	}
	return report, nil
}

func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return dsn
	}
	return u.Redacted()
}
