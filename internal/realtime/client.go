package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ResultsLoader returns the current results of a poll for a viewer, enforcing access.
type ResultsLoader func(ctx context.Context, pollID string, viewer models.Identity) ([]models.OptionResultView, error)

// TokenValidator resolves a session token to an identity.
type TokenValidator func(token string) (models.Identity, error)

// Client represents a single WebSocket connection watching a poll.
type Client struct {
	ID       string
	PollID   string
	Identity models.Identity
	hub      *Hub
	conn     *websocket.Conn
	send     chan WSMessage
	done     chan struct{}
	load     ResultsLoader
	logger   *zap.Logger
}

// ServeWs handles GET /ws?poll_id=&token=. The token is optional; without one the viewer has
// no verification tier. Initial results are loaded before upgrading so access errors are
// reported as plain HTTP responses.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator, load ResultsLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		pollID := c.Query("poll_id")
		if pollID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "poll_id required"})
			return
		}
		var ident models.Identity
		if token := c.Query("token"); token != "" {
			var err error
			ident, err = validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
				return
			}
		}

		initial, err := load(c.Request.Context(), pollID, ident)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, models.ErrNotFound):
				status = http.StatusNotFound
			case errors.Is(err, models.ErrForbidden):
				status = http.StatusForbidden
			case errors.Is(err, models.ErrUnavailable):
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"success": false, "error": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			PollID:   pollID,
			Identity: ident,
			hub:      hub,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			done:     make(chan struct{}),
			load:     load,
			logger:   logger,
		}
		hub.Register(client)
		client.push(EventResults, ResultsPayload{PollID: pollID, Results: initial})
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) push(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		close(c.done)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "refresh":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			results, err := c.load(ctx, c.PollID, c.Identity)
			cancel()
			if err != nil {
				c.push(EventError, gin.H{"error": err.Error()})
				continue
			}
			c.push(EventResults, ResultsPayload{PollID: c.PollID, Results: results})
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
