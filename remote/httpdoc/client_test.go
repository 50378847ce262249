package httpdoc

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/bizsync/document"
	"github.com/c0deZ3R0/bizsync/entity"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
)

func newTestGateway(t *testing.T, h http.Handler, opts ...Option) *Gateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	g, err := New(srv.URL, "acme", opts...)
	require.NoError(t, err)
	return g
}

func sampleDoc() *document.Document {
	doc := document.New()
	doc.Collections[entity.Customers] = []entity.Record{{ID: "C1", UpdatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}}
	return doc
}

func TestNewValidation(t *testing.T) {
	_, err := New("ftp://example.com", "acme")
	assert.Error(t, err)
	_, err = New("http://example.com", "")
	assert.Error(t, err)
}

func TestFetchMissingDocument(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/documents/acme", r.URL.Path)
		http.NotFound(w, r)
	}))

	doc, meta, err := g.Fetch(context.Background())
	require.NoError(t, err)
	assert.False(t, meta.Exists)
	assert.Zero(t, doc.RecordCount())
}

func TestFetchReadsETagAndBody(t *testing.T) {
	body, err := document.Encode(sampleDoc())
	require.NoError(t, err)

	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get(HeaderCorrelationID))
		w.Header().Set("ETag", `"rev-9"`)
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write(body)
		_ = zw.Close()
	}), WithTokenSource(StaticToken("secret")))

	doc, meta, err := g.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rev-9", meta.Marker)
	assert.True(t, meta.Exists)
	assert.Len(t, doc.Collections[entity.Customers], 1)
}

func TestFetchRejectsOversizedResponse(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}), WithLimits(Limits{MaxBodyBytes: 16}))

	_, _, err := g.Fetch(context.Background())
	assert.Equal(t, syncErrors.KindQuotaExceeded, syncErrors.KindOf(err))
}

func TestUploadSendsIfMatchAndGzip(t *testing.T) {
	var received []byte
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, `"rev-3"`, r.Header.Get("If-Match"))
		assert.Empty(t, r.Header.Get("If-None-Match"))
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))

		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		received, err = io.ReadAll(zr)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metaResponse{Marker: "rev-4", Exists: true, Size: int64(len(received))})
	}), WithLimits(Limits{MaxBodyBytes: 1 << 20, EnableGzip: true, GzipMinBytes: 1}))

	meta, err := g.Upload(context.Background(), sampleDoc(), "rev-3")
	require.NoError(t, err)
	assert.Equal(t, "rev-4", meta.Marker)

	doc, err := document.Decode(received)
	require.NoError(t, err)
	assert.Len(t, doc.Collections[entity.Customers], 1)
}

func TestUploadWithoutBaseOnlyCreates(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("If-Match"))
		assert.Equal(t, "*", r.Header.Get("If-None-Match"))
		assert.Empty(t, r.Header.Get("Content-Encoding"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"marker":"rev-1","exists":true}`))
	}))

	meta, err := g.Upload(context.Background(), sampleDoc(), "")
	require.NoError(t, err)
	assert.Equal(t, "rev-1", meta.Marker)
}

func TestMetadata(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/documents/acme/meta", r.URL.Path)
		_, _ = w.Write([]byte(`{"marker":"rev-2","exists":true,"size":120}`))
	}))

	meta, err := g.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rev-2", meta.Marker)
	assert.EqualValues(t, 120, meta.Size)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   syncErrors.Kind
	}{
		{http.StatusUnauthorized, syncErrors.KindNotAuthenticated},
		{http.StatusForbidden, syncErrors.KindNotAuthenticated},
		{http.StatusPreconditionFailed, syncErrors.KindConflict},
		{http.StatusConflict, syncErrors.KindConflict},
		{http.StatusRequestEntityTooLarge, syncErrors.KindQuotaExceeded},
		{http.StatusUnprocessableEntity, syncErrors.KindMalformed},
		{http.StatusTooManyRequests, syncErrors.KindNetwork},
		{http.StatusBadGateway, syncErrors.KindNetwork},
		{http.StatusTeapot, syncErrors.KindInternal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			_, err := g.Upload(context.Background(), sampleDoc(), "rev-1")
			require.Error(t, err)
			assert.Equal(t, tt.want, syncErrors.KindOf(err))

			var se *syncErrors.SyncError
			require.True(t, syncErrors.As(err, &se))
			assert.Equal(t, tt.status, se.Metadata["status"])
		})
	}
}

func TestUnreachableServerIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g, err := New(url, "acme", WithLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = g.Metadata(context.Background())
	assert.True(t, syncErrors.Is(err, syncErrors.ErrNetwork))
}

func TestTokenFailureIsNotAuthenticated(t *testing.T) {
	g := newTestGateway(t, http.NotFoundHandler(), WithTokenSource(func(context.Context) (string, error) {
		return "", io.ErrUnexpectedEOF
	}))
	_, err := g.Metadata(context.Background())
	assert.Equal(t, syncErrors.KindNotAuthenticated, syncErrors.KindOf(err))
}

func TestETagQuoting(t *testing.T) {
	assert.Equal(t, `"abc"`, quoteETag("abc"))
	assert.Equal(t, `"abc"`, quoteETag(`"abc"`))
	assert.Equal(t, "abc", unquoteETag(`W/"abc"`))
	assert.Equal(t, "abc", unquoteETag(" \"abc\" "))
}

func TestEventsURL(t *testing.T) {
	g, err := New("https://docs.example.com/", "acme")
	require.NoError(t, err)
	assert.Equal(t, "wss://docs.example.com/v1/documents/acme/events", g.eventsURL())

	g, err = New("http://localhost:8080", "a b")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(g.eventsURL(), "ws://localhost:8080/v1/documents/a%20b"))
}
