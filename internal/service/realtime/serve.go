package realtime

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/knightrooks/agenthub/internal/ws"
)

// Peer describes the remote end of a websocket connection.
type Peer struct {
	// Key scopes the per-client rate limit, e.g. "ip:10.0.0.1" or "user:42".
	Key string
	// Authenticated is set when an upstream proxy vouched for the peer.
	Authenticated bool
}

// Serve runs one websocket connection until the client goes away, the
// session is evicted or ctx is cancelled.
func (h *Handler) Serve(ctx context.Context, conn *websocket.Conn, peer Peer) error {
	client := ws.NewClient(conn, h.logger)
	sess, err := h.Connect(ctx, client, peer.Key)
	if err != nil {
		return err
	}
	if peer.Authenticated {
		if err := h.registry.Authenticate(sess.ConnID); err != nil {
			h.logger.Warn("mark session authenticated failed", "session_id", sess.ID, "error", err)
		}
	}
	reason := "client_disconnect"
	defer func() {
		h.Disconnect(context.WithoutCancel(ctx), sess.ConnID, reason)
	}()

	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(h.readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_, _ = h.registry.Heartbeat(sess.ConnID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.keepAlive(ctx, client, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				reason = "server_shutdown"
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				reason = "connection_error"
				h.logger.Warn("websocket read failed", "session_id", sess.ID, "error", err)
			}
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := h.HandleMessage(ctx, sess.ConnID, data); err != nil {
			// the session was released underneath the read loop
			reason = "evicted"
			return nil
		}
	}
}

// keepAlive pings the client on every interval and closes it when ctx ends.
func (h *Handler) keepAlive(ctx context.Context, client *ws.Client, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			client.Close()
			return
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				return
			}
		}
	}
}
