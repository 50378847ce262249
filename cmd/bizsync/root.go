package main

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/internal/config"
	"github.com/c0deZ3R0/bizsync/logging"
)

const version = "v0.1.0"

// app is the state shared by every command once the config is loaded.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	cmd := &cobra.Command{
		Use:   "bizsync",
		Short: "Local-first sync for small business records",
		Long: `bizsync keeps a local replica of projects, customers, team members,
vendors and leads, and converges it with one shared document per account.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is ./bizsync.yaml, then the user config dir)")
	pf.String("data-dir", "", "directory holding the local replica")
	pf.String("remote", "", "remote document DSN (memory://, file path, https:// or postgres://)")
	pf.String("account", "", "account on shared document servers")
	pf.String("log-level", "", "debug, info, warn or error")
	for key, flag := range map[string]string{
		"data_dir":       "data-dir",
		"remote.dsn":     "remote",
		"remote.account": "account",
		"log.level":      "log-level",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	cmd.AddCommand(
		newServeCmd(a),
		newAgentCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newAddCmd(a),
		newListCmd(a),
		newDeleteCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
		newTokenCmd(a),
		newVersionCmd(),
	)
	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	lc := cfg.Log
	lc.Output = cmd.ErrOrStderr()
	a.cfg = cfg
	a.logger = logging.NewLogger(lc)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bizsync version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bizsync %s\n", version)
		},
	}
}

// describe prefixes err with the line a user would see in the app.
func describe(err error) error {
	if msg := syncErrors.Message(err); msg != "" {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return err
}

// render writes v as yaml or json.
func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q, want yaml or json", format)
	}
}
