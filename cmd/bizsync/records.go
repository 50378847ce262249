package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/bizsync/entity"
	"github.com/c0deZ3R0/bizsync/workspace"
)

func newAddCmd(a *app) *cobra.Command {
	var push bool
	cmd := &cobra.Command{
		Use:   "add <collection> key=value...",
		Short: "Create a record in a collection",
		Example: `  bizsync add customers name=Acme tier=2
  bizsync add projects name="Roof repair" customer=01HZ... --sync`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}
			return a.withWorkspace(cmd, func(ctx context.Context, d *device) error {
				c, err := collection(ctx, d, args[0])
				if err != nil {
					return err
				}
				rec, err := d.ws.Create(ctx, c, fields)
				if err != nil {
					return describe(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
				if push {
					return describe(syncOnce(ctx, d))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&push, "sync", false, "push to the remote document right away")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var push bool
	cmd := &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Mark a record as deleted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withWorkspace(cmd, func(ctx context.Context, d *device) error {
				c, err := collection(ctx, d, args[0])
				if err != nil {
					return err
				}
				if err := d.ws.Delete(ctx, c, args[1]); err != nil {
					return describe(err)
				}
				if push {
					return describe(syncOnce(ctx, d))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&push, "sync", false, "push to the remote document right away")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var (
		output  string
		deleted bool
	)
	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "List the records of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			d, err := a.openDevice(ctx, deviceOptions{})
			if err != nil {
				return err
			}
			defer d.Close()

			c, err := collection(ctx, d, args[0])
			if err != nil {
				return err
			}
			records := d.ws.List(c, workspace.ListOptions{IncludeDeleted: deleted})
			if output == "table" {
				return writeTable(cmd.OutOrStdout(), records)
			}
			return render(cmd.OutOrStdout(), output, recordViews(records))
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, yaml or json")
	cmd.Flags().BoolVar(&deleted, "deleted", false, "include deleted records")
	return cmd
}

// withWorkspace starts the coordinator so that mutations run under the
// stored session, then stops it again.
func (a *app) withWorkspace(cmd *cobra.Command, fn func(ctx context.Context, d *device) error) error {
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
	return fn(ctx, d)
}

func collection(ctx context.Context, d *device, name string) (entity.Collection, error) {
	known := d.store.Collections(ctx)
	if c := entity.Collection(name); slices.Contains(known, c) {
		return c, nil
	}
	names := make([]string, len(known))
	for i, c := range known {
		names[i] = string(c)
	}
	return "", fmt.Errorf("unknown collection %q, want one of %s", name, strings.Join(names, ", "))
}

// parseFields reads key=value pairs. Values that parse as JSON keep their
// type; anything else is a string.
func parseFields(args []string) (workspace.Fields, error) {
	fields := workspace.Fields{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			fields[k] = decoded
		} else {
			fields[k] = v
		}
	}
	return fields, nil
}

type recordView struct {
	ID        string         `json:"id" yaml:"id"`
	UpdatedAt time.Time      `json:"updatedAt" yaml:"updatedAt"`
	DeletedAt *time.Time     `json:"deletedAt,omitempty" yaml:"deletedAt,omitempty"`
	Fields    map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
}

func recordViews(records []entity.Record) []recordView {
	out := make([]recordView, 0, len(records))
	for _, r := range records {
		v := recordView{ID: r.ID, UpdatedAt: r.UpdatedAt, DeletedAt: r.DeletedAt}
		if len(r.Fields) > 0 {
			v.Fields = make(map[string]any, len(r.Fields))
			for k, raw := range r.Fields {
				var decoded any
				if err := json.Unmarshal(raw, &decoded); err == nil {
					v.Fields[k] = decoded
				}
			}
		}
		out = append(out, v)
	}
	return out
}

func writeTable(w io.Writer, records []entity.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tFIELDS")
	for _, r := range records {
		keys := make([]string, 0, len(r.Fields))
		for k := range r.Fields {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + "=" + string(r.Fields[k])
		}
		id := r.ID
		if r.Deleted() {
			id += " (deleted)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", id, r.UpdatedAt.Format(time.RFC3339), strings.Join(pairs, " "))
	}
	return tw.Flush()
}
