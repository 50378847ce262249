package httpdoc

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	syncErrors "github.com/c0deZ3R0/bizsync/errors"
)

const maxReconnectDelay = time.Minute

// ChangeEvent is the message the server sends on its change feed.
type ChangeEvent struct {
	Marker string `json:"marker"`
}

// Watch subscribes to the server's change feed and calls onChange for every
// message. Dropped connections are re-established with backoff until ctx is
// done. A rejected token ends the watch with NotAuthenticated.
func (g *Gateway) Watch(ctx context.Context, onChange func()) error {
	delay := g.reconnectDelay
	for {
		err := g.watchOnce(ctx, onChange)
		if ctx.Err() != nil {
			return nil
		}
		if syncErrors.IsKind(err, syncErrors.KindNotAuthenticated) {
			return err
		}
		g.logger.DebugContext(ctx, "change feed disconnected",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", delay),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if delay *= 2; delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (g *Gateway) watchOnce(ctx context.Context, onChange func()) error {
	token, err := g.token(ctx)
	if err != nil {
		return syncErrors.WrapOpComponentKind(err, string(syncErrors.OpTransport), component, syncErrors.KindNotAuthenticated)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, g.eventsURL(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return statusError(syncErrors.OpTransport, resp.StatusCode, nil)
		}
		return syncErrors.WrapOpComponentKind(err, string(syncErrors.OpTransport), component, syncErrors.KindNetwork)
	}
	defer conn.Close()

	// Closing the connection is the only way to unblock ReadMessage.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	g.logger.DebugContext(ctx, "change feed connected", slog.String("url", g.eventsURL()))
	for {
		var ev ChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return syncErrors.WrapOpComponentKind(err, string(syncErrors.OpTransport), component, syncErrors.KindNetwork)
		}
		onChange()
	}
}

func (g *Gateway) eventsURL() string {
	u := g.documentURL() + "/events"
	if rest, ok := strings.CutPrefix(u, "https://"); ok {
		return "wss://" + rest
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
