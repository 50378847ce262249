// Package docserver serves shared documents over HTTP: one document per
// account, conditional writes keyed by an opaque marker carried in ETag and
// If-Match, and a websocket feed announcing new markers.
package docserver

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/c0deZ3R0/bizsync/document"
	syncErrors "github.com/c0deZ3R0/bizsync/errors"
	"github.com/c0deZ3R0/bizsync/logging"
	"github.com/c0deZ3R0/bizsync/remote"
	"github.com/c0deZ3R0/bizsync/remote/httpdoc"
	"github.com/c0deZ3R0/bizsync/session"
)

const (
	component = "docserver"

	accountKey = "account"
	gatewayKey = "gateway"
	claimsKey  = "claims"
)

// Server is the document server.
type Server struct {
	engine   *gin.Engine
	opts     *ServerOptions
	accounts *accounts
	hub      *hub
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

// New returns a server whose documents are opened by open.
func New(open OpenFunc, options ...ServerOption) *Server {
	opts := DefaultServerOptions()
	for _, o := range options {
		o(opts)
	}
	logger := logging.OrDefault(opts.Logger).WithComponent(logging.Component(component))
	h := newHub()
	s := &Server{
		opts:     opts,
		accounts: newAccounts(open, h, logger),
		hub:      h,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	docs := r.Group("/v1/documents/:account")
	docs.Use(s.authenticate(), s.resolveAccount())
	{
		docs.GET("", s.getDocument)
		docs.PUT("", s.requireWrite(), s.putDocument)
		docs.GET("/meta", s.getMeta)
		docs.GET("/events", s.events)
	}
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close ends change feeds and releases every opened document.
func (s *Server) Close() error {
	return s.accounts.close()
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.InfoContext(ctx, "document server listening", slog.String("addr", addr))

	select {
	case err := <-errc:
		_ = s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	closeErr := s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return closeErr
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(httpdoc.HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(httpdoc.HeaderCorrelationID, id)

		start := time.Now()
		c.Next()
		s.logger.WithContext(ctx).DebugContext(ctx, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.opts.Secret) == 0 {
			c.Next()
			return
		}
		h := strings.TrimSpace(c.GetHeader("Authorization"))
		if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, err := session.ParseToken(strings.TrimSpace(h[7:]), s.opts.Secret, nil)
		if err != nil {
			s.logger.DebugContext(c.Request.Context(), "token rejected", slog.String("error", err.Error()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// requireWrite rejects tokens that carry a read-only capability.
func (s *Server) requireWrite() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v, ok := c.Get(claimsKey); ok {
			if claims, _ := v.(*session.Claims); claims != nil && claims.Capability != "" && claims.Capability != session.FullAccess {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "read-only token"})
				return
			}
		}
		c.Next()
	}
}

func (s *Server) resolveAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.Param("account")
		gw, err := s.accounts.get(account)
		if err != nil {
			if stderrors.Is(err, ErrInvalidAccount) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			s.logger.LogError(c.Request.Context(), err, "opening document failed", slog.String("account", account))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "document store unavailable"})
			return
		}
		c.Request = c.Request.WithContext(logging.WithAccount(c.Request.Context(), account))
		c.Set(accountKey, account)
		c.Set(gatewayKey, gw)
		c.Next()
	}
}

func gatewayOf(c *gin.Context) remote.Gateway {
	return c.MustGet(gatewayKey).(remote.Gateway)
}

func (s *Server) getMeta(c *gin.Context) {
	meta, err := gatewayOf(c).Metadata(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if meta.Exists {
		c.Header("ETag", quoteMarker(meta.Marker))
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) getDocument(c *gin.Context) {
	doc, meta, err := gatewayOf(c).Fetch(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if !meta.Exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	data, err := document.Encode(doc)
	if err != nil {
		s.fail(c, syncErrors.WrapOpComponentKind(err, string(syncErrors.OpFetch), component, syncErrors.KindInternal))
		return
	}
	c.Header("ETag", quoteMarker(meta.Marker))
	if !meta.UpdatedAt.IsZero() {
		c.Header("Last-Modified", meta.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	s.writeJSON(c, http.StatusOK, data)
}

func (s *Server) putDocument(c *gin.Context) {
	body, err := readBody(c.Writer, c.Request, s.opts)
	if err != nil {
		c.JSON(bodyStatus(err), gin.H{"error": err.Error()})
		return
	}
	doc, err := document.Decode(body)
	if err != nil {
		s.fail(c, err)
		return
	}

	ctx := c.Request.Context()
	gw := gatewayOf(c)
	base := parseIfMatch(c.GetHeader("If-Match"))
	createOnly := base == "" && strings.TrimSpace(c.GetHeader("If-None-Match")) == "*"
	if base == "*" || (base == "" && !createOnly) {
		// "*" and unconditional writes replace whatever is stored now.
		current, err := gw.Metadata(ctx)
		if err != nil {
			s.fail(c, err)
			return
		}
		if base == "*" && !current.Exists {
			c.JSON(http.StatusPreconditionFailed, gin.H{"error": "document does not exist", "kind": syncErrors.KindConflict})
			return
		}
		base = current.Marker
	}

	meta, err := gw.Upload(ctx, doc, base)
	if createOnly && syncErrors.IsKind(err, syncErrors.KindConflict) {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "document already exists", "kind": syncErrors.KindConflict})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if account := c.GetString(accountKey); !s.accounts.watched(account) {
		s.hub.publish(account, meta.Marker)
	}
	c.Header("ETag", quoteMarker(meta.Marker))
	c.JSON(http.StatusOK, meta)
}

func (s *Server) events(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}
	defer conn.Close()

	account := c.GetString(accountKey)
	markers, unsubscribe := s.hub.subscribe(account)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-s.accounts.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
			return
		case marker := <-markers:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(httpdoc.ChangeEvent{Marker: marker}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeJSON(c *gin.Context, status int, data []byte) {
	if len(data) < s.opts.CompressionThreshold || !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
		c.Data(status, "application/json", data)
		return
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		c.Data(status, "application/json", data)
		return
	}
	if err := zw.Close(); err != nil {
		c.Data(status, "application/json", data)
		return
	}
	c.Header("Content-Encoding", "gzip")
	c.Header("Vary", "Accept-Encoding")
	c.Data(status, "application/json", buf.Bytes())
}

// fail maps a gateway error onto a status the client maps back to the same kind.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch syncErrors.KindOf(err) {
	case syncErrors.KindConflict:
		status = http.StatusConflict
	case syncErrors.KindQuotaExceeded:
		status = http.StatusRequestEntityTooLarge
	case syncErrors.KindMalformed:
		status = http.StatusUnprocessableEntity
	case syncErrors.KindNetwork:
		status = http.StatusServiceUnavailable
	case syncErrors.KindNotAuthenticated:
		// The store rejected the server's own credentials.
		status = http.StatusBadGateway
	}
	if status >= 500 {
		s.logger.LogError(c.Request.Context(), err, "document request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": syncErrors.KindOf(err)})
}

func quoteMarker(marker string) string {
	return `"` + marker + `"`
}

// parseIfMatch returns the marker named by an If-Match header, "*" for the
// wildcard and "" when the header is absent.
func parseIfMatch(h string) string {
	h = strings.TrimSpace(h)
	if h == "" || h == "*" {
		return h
	}
	return strings.Trim(strings.TrimPrefix(h, "W/"), `"`)
}
