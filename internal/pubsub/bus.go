package pubsub

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel prefixes
const (
	AgentChannel        = "agent:"
	TeamChannel         = "team:"
	ConversationChannel = "conversation:"
)

// Bus fans domain events out to redis pub/sub, the replay streams, the local
// websocket hub and an optional broker. With a nil redis client it only
// reaches the hub and the broker, which suits single-process deployments.
type Bus struct {
	rdb     *redis.Client
	log     *zap.Logger
	ctx     context.Context
	wsHub   WSHub
	streams *Streams
	fanout  Forwarder
}

type WSHub interface {
	Publish(channel string, message map[string]interface{})
}

// Forwarder receives a copy of every event, e.g. a message broker
type Forwarder interface {
	Forward(ctx context.Context, channel string, event map[string]interface{}) error
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	b := &Bus{
		rdb: rdb,
		log: log,
		ctx: context.Background(),
	}
	if rdb != nil {
		b.streams = NewStreams(rdb, log)
	}
	return b
}

// SetWSHub sets the WebSocket hub for event broadcasting
func (b *Bus) SetWSHub(hub WSHub) {
	b.wsHub = hub
}

// SetForwarder sets the broker that receives a copy of every event
func (b *Bus) SetForwarder(f Forwarder) {
	b.fanout = f
}

// GetStreams returns the streams provider, nil without redis
func (b *Bus) GetStreams() *Streams {
	return b.streams
}

// PublishAgent publishes an event to an agent's channel
func (b *Bus) PublishAgent(agentID string, event map[string]interface{}) error {
	return b.Publish(AgentChannel+agentID, event)
}

// PublishTeam publishes an event to a team's channel
func (b *Bus) PublishTeam(teamID string, event map[string]interface{}) error {
	return b.Publish(TeamChannel+teamID, event)
}

// PublishConversation publishes an event to a conversation's channel
func (b *Bus) PublishConversation(conversationID string, event map[string]interface{}) error {
	return b.Publish(ConversationChannel+conversationID, event)
}

// Publish publishes an event to a channel
func (b *Bus) Publish(channel string, event map[string]interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var seq int64
	if b.rdb != nil {
		if err := b.rdb.Publish(b.ctx, channel, data).Err(); err != nil {
			b.log.Error("Failed to publish event", zap.String("channel", channel), zap.Error(err))
			return err
		}

		// Also publish to Redis Streams for replay
		seq, err = b.streams.PublishEvent(channel, event)
		if err != nil {
			b.log.Warn("Failed to publish to stream", zap.String("channel", channel), zap.Error(err))
		}
	}

	if b.wsHub != nil {
		eventWithSeq := make(map[string]interface{}, len(event)+1)
		for k, v := range event {
			eventWithSeq[k] = v
		}
		if seq > 0 {
			eventWithSeq["seq"] = seq
		}
		b.wsHub.Publish(channel, eventWithSeq)
	}

	if b.fanout != nil {
		if err := b.fanout.Forward(b.ctx, channel, event); err != nil {
			b.log.Warn("Failed to forward event", zap.String("channel", channel), zap.Error(err))
		}
	}

	b.log.Debug("Published event", zap.String("channel", channel), zap.Int64("seq", seq), zap.ByteString("event", data))
	return nil
}
