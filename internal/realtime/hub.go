package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/ledger"
	"github.com/verified-polls/backend/internal/models"
	"github.com/verified-polls/backend/pkg/metrics"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60

	EventResults = "results"
	EventError   = "error"
)

// ResultsPayload is the data of a results event.
type ResultsPayload struct {
	PollID  string                    `json:"poll_id"`
	Results []models.OptionResultView `json:"results"`
}

// Hub maintains poll_id -> set of connections and pushes result updates to them.
// It is local to the instance; other instances learn of votes through the change feed
// and push from their own sync cache.
type Hub struct {
	// pollID -> map[clientID]*Client
	polls   map[string]map[string]*Client
	mu      sync.RWMutex
	logger  *zap.Logger
	metrics *metrics.Metrics
	total   int
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		polls:   make(map[string]map[string]*Client),
		logger:  logger,
		metrics: m,
	}
}

// Register adds a client to a poll room.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.polls[c.PollID] == nil {
		h.polls[c.PollID] = make(map[string]*Client)
	}
	if _, ok := h.polls[c.PollID][c.ID]; !ok {
		h.total++
	}
	h.polls[c.PollID][c.ID] = c
	total := h.total
	h.mu.Unlock()
	h.metrics.SetWebsocketClients(total)
	h.logger.Debug("client joined poll", zap.String("client_id", c.ID), zap.String("poll_id", c.PollID))
}

// Unregister removes a client from its poll room.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.polls[c.PollID]; ok {
		if _, ok := m[c.ID]; ok {
			delete(m, c.ID)
			h.total--
		}
		if len(m) == 0 {
			delete(h.polls, c.PollID)
		}
	}
	total := h.total
	h.mu.Unlock()
	h.metrics.SetWebsocketClients(total)
	h.logger.Debug("client left poll", zap.String("client_id", c.ID), zap.String("poll_id", c.PollID))
}

// ResultsChanged pushes fresh results to every client watching the poll.
func (h *Hub) ResultsChanged(pollID string, results []models.OptionResult) {
	h.BroadcastToPoll(pollID, EventResults, ResultsPayload{PollID: pollID, Results: ledger.Percentages(results)})
}

// BroadcastToPoll sends a message to all clients in a poll room. Slow clients with a full
// buffer miss the message; the next push or refresh catches them up.
func (h *Hub) BroadcastToPoll(pollID string, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal ws payload", zap.String("event", event), zap.Error(err))
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.polls[pollID] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Watched reports whether any client is subscribed to the poll.
func (h *Hub) Watched(pollID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.polls[pollID]) > 0
}

// ClientCount returns the number of connected clients for a poll.
func (h *Hub) ClientCount(pollID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.polls[pollID])
}
