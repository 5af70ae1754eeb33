package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/polls"
)

const (
	changeChannel  = "polls:changes"
	publishTimeout = 5 * time.Second
	receiveBackoff = time.Second
)

// redisPayload is the message published to Redis for cross-instance change notification.
type redisPayload struct {
	Kind   polls.ChangeKind `json:"kind"`
	PollID string           `json:"poll_id,omitempty"`
	At     int64            `json:"at"`
	Origin string           `json:"origin"`
}

// ChangeHandler receives remote changes and reconnect signals, normally the polls.Store.
type ChangeHandler interface {
	HandleRemoteChange(c polls.Change)
	HandleReconnect()
}

// RedisPubSub bridges store change notifications between instances over Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
	origin string
}

// NewRedisPubSub creates a Redis pub/sub bridge for poll changes.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger, origin: uuid.NewString()}
}

// PublishChange implements polls.Publisher.
func (r *RedisPubSub) PublishChange(ctx context.Context, c polls.Change) error {
	body, err := json.Marshal(redisPayload{Kind: c.Kind, PollID: c.PollID, At: c.At.Unix(), Origin: r.origin})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, changeChannel, body).Err()
}

// Run subscribes to the change channel and feeds handler until ctx is done.
// Messages published by this instance are skipped since the store already dispatched them.
func (r *RedisPubSub) Run(ctx context.Context, handler ChangeHandler) error {
	pubsub := r.client.Subscribe(ctx, changeChannel)
	defer pubsub.Close()

	rcv := &receiver{origin: r.origin, handler: handler, logger: r.logger}
	for {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			rcv.lost()
			r.logger.Warn("change feed receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
			continue
		}
		if err := rcv.handle(msg); err != nil {
			r.logger.Warn("change feed message dropped", zap.Error(err))
		}
	}
}

// receiver turns raw pub/sub messages into handler calls. A subscription confirmation after
// the first one, or any message after a receive error, means notifications may have been
// missed while disconnected.
type receiver struct {
	origin       string
	handler      ChangeHandler
	logger       *zap.Logger
	subscribed   bool
	disconnected bool
}

func (r *receiver) lost() {
	r.disconnected = true
}

func (r *receiver) handle(msg any) error {
	switch m := msg.(type) {
	case *redis.Subscription:
		if m.Kind != "subscribe" {
			return nil
		}
		if r.subscribed || r.disconnected {
			r.disconnected = false
			r.handler.HandleReconnect()
		}
		r.subscribed = true
	case *redis.Message:
		if r.disconnected {
			r.disconnected = false
			r.handler.HandleReconnect()
		}
		var p redisPayload
		if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
			return fmt.Errorf("decode change: %w", err)
		}
		if p.Origin == r.origin {
			return nil
		}
		r.handler.HandleRemoteChange(polls.Change{Kind: p.Kind, PollID: p.PollID, At: time.Unix(p.At, 0)})
	}
	return nil
}
