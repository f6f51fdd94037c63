package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-buddychat/internal/apperr"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 1024                // Commands are small; anything bigger is abuse.
	commandTimeout = 5 * time.Second
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	ID       uuid.UUID
	UserID   int64
	Username string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	topics  map[string]bool // owned by the hub goroutine
	handler *Handler
	logger  *slog.Logger
}

func newClient(h *Handler, conn *websocket.Conn, userID int64, username string) *Client {
	id := uuid.New()
	return &Client{
		ID:       id,
		UserID:   userID,
		Username: username,
		hub:      h.hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		topics:   make(map[string]bool),
		handler:  h,
		logger:   h.logger.With("connection_id", id.String(), "user_id", userID),
	}
}

// readPump reads commands until the connection fails, then unregisters.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if c.hub.Unregister(c) == 0 {
			c.handler.lastConnectionClosed(ctx, c.UserID)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.hub.send(c, errorFrame("", apperr.New(apperr.CodeInvalidArgument, "malformed command")))
			continue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		err = c.handler.execute(cmdCtx, c, cmd)
		cancel()
		if err != nil {
			c.hub.send(c, errorFrame(cmd.ID, err))
			continue
		}
		c.hub.send(c, Frame{Type: FrameAck, ID: cmd.ID, Topic: cmd.Topic})
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued frames into one message, newline separated.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
