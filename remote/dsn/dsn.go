// Package dsn builds a remote.Gateway from a connection string.
//
//	memory://                          in-process document (tests, demos)
//	file:///srv/share/acme.json        JSON file on a shared folder
//	https://docs.example.com           document server, account from Options
//	postgres://user@host/db?account=x  one row per account
package dsn

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/remote"
	"github.com/c0deZ3R0/bizsync/remote/filedoc"
	"github.com/c0deZ3R0/bizsync/remote/httpdoc"
	"github.com/c0deZ3R0/bizsync/remote/pgdoc"
)

// ErrInvalidDSN reports a connection string that names no usable location.
var ErrInvalidDSN = stderrors.New("invalid remote DSN")

// Options carries what a DSN alone cannot express.
type Options struct {
	// Account selects the document on shared servers. A postgres DSN may
	// carry it as the account query parameter instead.
	Account string
	// Token is sent as the bearer token to document servers.
	Token httpdoc.TokenSource
	// MaxBytes caps the encoded document size. Zero means unlimited.
	MaxBytes int
	Logger   *logging.Logger
}

// Open returns the gateway named by raw.
func Open(raw string, opts Options) (remote.Gateway, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDSN)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}

	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		g := remote.NewMemoryGateway()
		if opts.MaxBytes > 0 {
			g.SetMaxBytes(opts.MaxBytes)
		}
		return g, nil
	case "", "file":
		path, err := dsnPath(parsed, raw)
		if err != nil {
			return nil, err
		}
		g, err := filedoc.New(path, filedoc.Options{MaxBytes: int64(opts.MaxBytes), Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		return g, nil
	case "http", "https":
		httpOpts := []httpdoc.Option{httpdoc.WithLogger(opts.Logger)}
		if opts.Token != nil {
			httpOpts = append(httpOpts, httpdoc.WithTokenSource(opts.Token))
		}
		g, err := httpdoc.New(raw, opts.Account, httpOpts...)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "postgres", "postgresql":
		account := opts.Account
		q := parsed.Query()
		if a := q.Get("account"); a != "" {
			account = a
			q.Del("account")
			parsed.RawQuery = q.Encode()
		}
		g, err := pgdoc.New(pgdoc.Config{
			ConnectionString: parsed.String(),
			Account:          account,
			MaxBytes:         opts.MaxBytes,
			Logger:           opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDSN, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	// file://./shared/doc.json parses "." as the host.
	path := parsed.Host + parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	if path == "" {
		return "", fmt.Errorf("%w: file DSN without a path", ErrInvalidDSN)
	}
	return path, nil
}
