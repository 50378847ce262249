package docserver

import (
	"net/http"
	"time"

	"github.com/c0deZ3R0/bizsync/logging"
)

// ServerOptions configures the document server.
type ServerOptions struct {
	// MaxRequestSize caps the request body as sent, compressed or not.
	MaxRequestSize int64
	// MaxDecompressedSize caps a gzip request body after decompression.
	MaxDecompressedSize int64
	// CompressionThreshold is the smallest response worth gzipping.
	CompressionThreshold int
	// Secret verifies bearer tokens. Empty disables authentication.
	Secret []byte
	// PingInterval keeps change feed connections alive.
	PingInterval time.Duration
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
	Logger  *logging.Logger
}

// DefaultServerOptions returns the default server options.
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       10 * 1024 * 1024,
		MaxDecompressedSize:  20 * 1024 * 1024,
		CompressionThreshold: 1024,
		PingInterval:         30 * time.Second,
	}
}

// ServerOption is a function that configures a ServerOptions struct
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) { opts.MaxRequestSize = size }
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) { opts.MaxDecompressedSize = size }
}

// WithCompressionThreshold sets the minimum size for response compression
func WithCompressionThreshold(size int) ServerOption {
	return func(opts *ServerOptions) { opts.CompressionThreshold = size }
}

// WithSecret enables bearer token authentication.
func WithSecret(secret []byte) ServerOption {
	return func(opts *ServerOptions) { opts.Secret = secret }
}

// WithPingInterval sets how often idle change feed connections are pinged.
func WithPingInterval(d time.Duration) ServerOption {
	return func(opts *ServerOptions) { opts.PingInterval = d }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(opts *ServerOptions) { opts.Metrics = h }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ServerOption {
	return func(opts *ServerOptions) { opts.Logger = l }
}
