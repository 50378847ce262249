package pgdoc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"

	syncErrors "github.com/c0deZ3R0/bizsync/errors"
)

// Notification is the payload sent on the channel after each write.
type Notification struct {
	Account  string `json:"account"`
	Revision int64  `json:"revision"`
}

const (
	listenerMinReconnect = 5 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// Watch listens on the notification channel and calls onChange for writes to
// this gateway's account. After a reconnect onChange is also called, since
// notifications sent while disconnected are lost.
func (g *Gateway) Watch(ctx context.Context, onChange func()) error {
	if g.cfg.ConnectionString == "" {
		return fmt.Errorf("pgdoc: watching needs a connection string")
	}

	listener := pq.NewListener(g.cfg.ConnectionString, listenerMinReconnect, listenerMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			switch event {
			case pq.ListenerEventConnected:
				g.logger.DebugContext(ctx, "connected for LISTEN/NOTIFY", slog.String("channel", g.cfg.Channel))
			case pq.ListenerEventDisconnected:
				g.logger.WarnContext(ctx, "disconnected from Postgres", slog.String("error", errString(err)))
			case pq.ListenerEventReconnected:
				g.logger.InfoContext(ctx, "reconnected to Postgres")
			case pq.ListenerEventConnectionAttemptFailed:
				g.logger.DebugContext(ctx, "connection attempt failed", slog.String("error", errString(err)))
			}
		})
	defer listener.Close()

	if err := listener.Listen(g.cfg.Channel); err != nil {
		return classify(err, syncErrors.OpTransport)
	}

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// A nil notification means the connection was re-established.
			if n == nil || g.concerns(n.Extra) {
				onChange()
			}
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					g.logger.DebugContext(ctx, "listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// concerns reports whether a notification payload refers to this account.
// Unreadable payloads count as relevant; a spurious pull is harmless.
func (g *Gateway) concerns(payload string) bool {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return true
	}
	return n.Account == g.cfg.Account
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
