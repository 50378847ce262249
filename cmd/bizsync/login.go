package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/bizsync/session"
)

func newLoginCmd(a *app) *cobra.Command {
	var (
		token      string
		identity   string
		capability string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign this device in",
		Long: `login stores the identity this device syncs as. With remote.secret set
the token is verified and supplies the identity; otherwise --identity is
taken as given.`,
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

			current, err := d.sessions.Restore(ctx)
			if err != nil {
				return err
			}
			sess := session.Session{
				Identity:   identity,
				Capability: session.Capability(capability),
				Token:      token,
				DeviceID:   current.DeviceID,
			}
			if secret := a.cfg.Remote.Secret; secret != "" {
				claims, err := session.ParseToken(token, []byte(secret), nil)
				if err != nil {
					return describe(err)
				}
				sess.Identity = claims.Subject
				sess.Capability = claims.Capability
				if sess.Capability == "" {
					sess.Capability = session.FullAccess
				}
			}
			if sess.Identity == "" {
				return fmt.Errorf("--identity is required without remote.secret")
			}
			if err := d.sessions.Save(ctx, sess); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", sess.Identity, sess.Capability)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&identity, "identity", "", "identity to sync as when tokens are not verified")
	cmd.Flags().StringVar(&capability, "capability", string(session.FullAccess), "full_access or read_only")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign this device out; local data is kept",
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
			if _, err := d.sessions.Restore(ctx); err != nil {
				return err
			}
			if _, err := d.sessions.SignOut(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject    string
		capability string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the server secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := a.cfg.Server.Secret
			if secret == "" {
				secret = a.cfg.Remote.Secret
			}
			if secret == "" {
				return fmt.Errorf("server.secret or remote.secret must be set")
			}
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			c := session.Capability(capability)
			if c != session.FullAccess && c != session.ReadOnly {
				return fmt.Errorf("unknown capability %q", capability)
			}
			tok, err := session.NewToken([]byte(secret), subject, c, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "identity the token is issued to")
	cmd.Flags().StringVar(&capability, "capability", string(session.FullAccess), "full_access or read_only")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
