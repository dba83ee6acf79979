package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"negotiation-lab/domain/event"
	"negotiation-lab/errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// connection is the realtime sink of one participant. The orchestrator's
// mailbox feeds Consume, the write pump owns the socket writes.
type connection struct {
	log       *slog.Logger
	socket    *websocket.Conn
	send      chan event.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(log *slog.Logger, socket *websocket.Conn, buffer int) *connection {
	return &connection{
		log:    log,
		socket: socket,
		send:   make(chan event.Envelope, buffer),
		done:   make(chan struct{}),
	}
}

func (c *connection) Consume(ctx context.Context, e event.Envelope) error {
	select {
	case c.send <- e:
		return nil
	case <-c.done:
		return errors.ErrTransportFailure
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reply is for envelopes addressed to this connection only.
func (c *connection) reply(e event.Envelope) {
	select {
	case c.send <- e:
	case <-c.done:
	default:
		c.log.Warn("Connection buffer full, rejection dropped", "kind", e.Kind)
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case e := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(e); err != nil {
				c.log.Debug("Websocket write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump feeds inbound commands to handle until the peer goes away.
func (c *connection) readPump(handle func(inboundCommand)) {
	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("Websocket closed unexpectedly", "error", err)
			}
			return
		}
		var cmd inboundCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			handle(inboundCommand{Type: "invalid"})
			continue
		}
		handle(cmd)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	user, id := userID(r), conversationID(r)
	// Refuse outsiders before the upgrade so they get a plain status code
	if _, err := s.orchestrator.Conversation(r.Context(), user, id); err != nil {
		writeError(s.log, w, err)
		return
	}
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Websocket upgrade failed", "error", err)
		return
	}

	conn := newConnection(s.log, socket, s.config.SendBuffer)
	handle, err := s.orchestrator.Subscribe(context.WithoutCancel(r.Context()), id, user, conn)
	if err != nil {
		s.log.Warn("Unable to subscribe", "conversation", id, "user", user, "error", err)
		conn.close()
		_ = socket.Close()
		return
	}
	go conn.writePump()

	conn.readPump(func(in inboundCommand) {
		cmd, err := in.command(id)
		if err == nil {
			_, err = s.orchestrator.Dispatch(r.Context(), user, cmd)
		}
		if err != nil {
			conn.reply(event.Envelope{
				ID:             uuid.New(),
				Kind:           event.CommandRejected,
				ConversationID: id,
				At:             time.Now().UTC(),
				Rejection:      rejection(in.RequestID, err),
			})
		}
	})

	s.orchestrator.Unsubscribe(handle)
	conn.close()
}
