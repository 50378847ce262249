// Package httpdoc talks to a document server over HTTP. The document lives at
// /v1/documents/{account}; its marker travels as the ETag and conditional
// uploads use If-Match.
package httpdoc

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/c0deZ3R0/bizsync/document"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/remote"
)

const component = "gateway/http"

// HeaderCorrelationID carries the per-request id that both sides log.
const HeaderCorrelationID = "X-Correlation-ID"

// TokenSource returns the bearer token for a request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Limits defines size and compression limits for the client.
type Limits struct {
	MaxBodyBytes int64 // Maximum decompressed response size
	EnableGzip   bool  // Compress uploads and accept compressed responses
	GzipMinBytes int   // Smallest upload worth compressing
}

// Gateway implements remote.Gateway against a document server.
type Gateway struct {
	baseURL string
	account string
	http    *http.Client
	limits  Limits
	token   TokenSource
	logger  *logging.Logger

	// reconnectDelay is the first pause between websocket reconnects; it
	// doubles up to a minute.
	reconnectDelay time.Duration
}

var (
	_ remote.Gateway        = (*Gateway)(nil)
	_ remote.ChangeNotifier = (*Gateway)(nil)
)

// Option configures a Gateway using the functional options pattern
type Option func(*Gateway)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) Option {
	return func(g *Gateway) { g.http = cl }
}

// WithLimits sets the size and compression limits
func WithLimits(l Limits) Option {
	return func(g *Gateway) { g.limits = l }
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(g *Gateway) { g.token = ts }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a gateway for account on the server at baseURL.
func New(baseURL, account string, opts ...Option) (*Gateway, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("httpdoc: invalid base URL %q", baseURL)
	}
	if account == "" {
		return nil, fmt.Errorf("httpdoc: account is required")
	}
	g := &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		account: account,
		http:    &http.Client{Timeout: 30 * time.Second},
		limits: Limits{
			MaxBodyBytes: 32 << 20,
			EnableGzip:   true,
			GzipMinBytes: 1024,
		},
		token:          StaticToken(""),
		reconnectDelay: time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrDefault(g.logger).WithComponent(logging.Component(component))
	return g, nil
}

func (g *Gateway) documentURL() string {
	return g.baseURL + "/v1/documents/" + url.PathEscape(g.account)
}

type metaResponse struct {
	Marker    string    `json:"marker"`
	Exists    bool      `json:"exists"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	Size      int64     `json:"size,omitempty"`
}

func (m metaResponse) toMetadata() remote.Metadata {
	return remote.Metadata{Marker: m.Marker, Exists: m.Exists, UpdatedAt: m.UpdatedAt, Size: m.Size}
}

func (g *Gateway) Metadata(ctx context.Context) (remote.Metadata, error) {
	resp, body, err := g.do(ctx, syncErrors.OpMetadata, http.MethodGet, g.documentURL()+"/meta", nil, "")
	if err != nil {
		return remote.Metadata{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return remote.Metadata{}, statusError(syncErrors.OpMetadata, resp.StatusCode, body)
	}
	var m metaResponse
	if err := json.Unmarshal(body, &m); err != nil {
		return remote.Metadata{}, syncErrors.WrapOpComponentKind(err, string(syncErrors.OpMetadata), component, syncErrors.KindMalformed)
	}
	return m.toMetadata(), nil
}

func (g *Gateway) Fetch(ctx context.Context) (*document.Document, remote.Metadata, error) {
	resp, body, err := g.do(ctx, syncErrors.OpFetch, http.MethodGet, g.documentURL(), nil, "")
	if err != nil {
		return nil, remote.Metadata{}, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return document.New(), remote.Metadata{}, nil
	default:
		return nil, remote.Metadata{}, statusError(syncErrors.OpFetch, resp.StatusCode, body)
	}

	meta := remote.Metadata{Marker: unquoteETag(resp.Header.Get("ETag")), Exists: true, Size: int64(len(body))}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		meta.UpdatedAt = lm.UTC()
	}
	doc, err := document.Decode(body)
	if err != nil {
		return nil, meta, err
	}
	return doc, meta, nil
}

func (g *Gateway) Upload(ctx context.Context, doc *document.Document, baseMarker string) (remote.Metadata, error) {
	data, err := document.Encode(doc)
	if err != nil {
		return remote.Metadata{}, syncErrors.WrapOpComponentKind(err, string(syncErrors.OpUpload), component, syncErrors.KindMalformed)
	}
	resp, body, err := g.do(ctx, syncErrors.OpUpload, http.MethodPut, g.documentURL(), data, baseMarker)
	if err != nil {
		return remote.Metadata{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return remote.Metadata{}, statusError(syncErrors.OpUpload, resp.StatusCode, body)
	}
	var m metaResponse
	if err := json.Unmarshal(body, &m); err != nil {
		return remote.Metadata{}, syncErrors.WrapOpComponentKind(err, string(syncErrors.OpUpload), component, syncErrors.KindMalformed)
	}
	return m.toMetadata(), nil
}

// do performs one request and returns the response with its fully read,
// decompressed body.
func (g *Gateway) do(ctx context.Context, op syncErrors.Operation, method, target string, payload []byte, ifMatch string) (*http.Response, []byte, error) {
	correlationID := uuid.NewString()
	ctx = logging.WithCorrelationID(ctx, correlationID)
	log := g.logger.WithContext(ctx)

	token, err := g.token(ctx)
	if err != nil {
		return nil, nil, syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindNotAuthenticated)
	}

	var body io.Reader
	compressed := false
	if payload != nil {
		if g.limits.EnableGzip && len(payload) >= g.limits.GzipMinBytes {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(payload); err != nil {
				return nil, nil, syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindInternal)
			}
			if err := zw.Close(); err != nil {
				return nil, nil, syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindInternal)
			}
			body = &buf
			compressed = true
		} else {
			body = bytes.NewReader(payload)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, nil, syncErrors.WrapOpComponentKind(err, string(op), component, syncErrors.KindInternal)
	}
	req.Header.Set(HeaderCorrelationID, correlationID)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		if compressed {
			req.Header.Set("Content-Encoding", "gzip")
		}
	}
	if g.limits.EnableGzip {
		req.Header.Set("Accept-Encoding", "gzip")
	}
	switch {
	case ifMatch != "":
		req.Header.Set("If-Match", quoteETag(ifMatch))
	case method == http.MethodPut:
		// Without a base the upload may only create the document.
		req.Header.Set("If-None-Match", "*")
	}

	start := time.Now()
	resp, err := g.http.Do(req)
	if err != nil {
		log.DebugContext(ctx, "request failed", slog.String("method", method), slog.String("error", err.Error()))
		return nil, nil, syncErrors.WrapOpComponentKind(fmt.Errorf("network error: %w", err), string(op), component, syncErrors.KindNetwork)
	}
	defer resp.Body.Close()

	data, err := g.readBody(resp)
	if err != nil {
		return nil, nil, err
	}
	log.DebugContext(ctx, "request completed",
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(data)),
		slog.Bool("gzip_request", compressed),
		slog.Duration("duration", time.Since(start)),
	)
	return resp, data, nil
}

func (g *Gateway) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, syncErrors.WrapOpComponentKind(fmt.Errorf("invalid gzip response: %w", err), string(syncErrors.OpTransport), component, syncErrors.KindMalformed)
		}
		defer zr.Close()
		reader = zr
	}
	limit := g.limits.MaxBodyBytes
	if limit <= 0 {
		limit = 32 << 20
	}
	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		if stderrors.Is(err, gzip.ErrChecksum) || stderrors.Is(err, gzip.ErrHeader) {
			return nil, syncErrors.WrapOpComponentKind(err, string(syncErrors.OpTransport), component, syncErrors.KindMalformed)
		}
		return nil, syncErrors.WrapOpComponentKind(err, string(syncErrors.OpTransport), component, syncErrors.KindNetwork)
	}
	if int64(len(data)) > limit {
		return nil, syncErrors.WrapOpComponentKind(fmt.Errorf("response exceeds %d bytes", limit), string(syncErrors.OpTransport), component, syncErrors.KindQuotaExceeded)
	}
	return data, nil
}

// statusError maps an HTTP status onto the gateway taxonomy.
func statusError(op syncErrors.Operation, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	err := fmt.Errorf("server error (status %d): %s", status, msg)

	var kind syncErrors.Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = syncErrors.KindNotAuthenticated
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		kind = syncErrors.KindConflict
	case status == http.StatusRequestEntityTooLarge || status == http.StatusInsufficientStorage:
		kind = syncErrors.KindQuotaExceeded
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = syncErrors.KindMalformed
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		kind = syncErrors.KindNetwork
	default:
		kind = syncErrors.KindInternal
	}
	wrapped := syncErrors.WrapOpComponentKind(err, string(op), component, kind).(*syncErrors.SyncError)
	wrapped.Metadata = map[string]interface{}{"status": status}
	return wrapped
}

func quoteETag(marker string) string {
	if strings.HasPrefix(marker, `"`) {
		return marker
	}
	return `"` + marker + `"`
}

func unquoteETag(etag string) string {
	etag = strings.TrimPrefix(strings.TrimSpace(etag), "W/")
	return strings.Trim(etag, `"`)
}
