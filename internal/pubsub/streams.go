package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// streamMaxLen caps each channel's replay stream
const streamMaxLen = 1000

// StreamEvent is an event read back from a replay stream
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// Streams keeps a bounded, sequenced log per channel so websocket clients
// can resume after a reconnect
type Streams struct {
	rdb *redis.Client
	log *zap.Logger
	ctx context.Context
}

func NewStreams(rdb *redis.Client, log *zap.Logger) *Streams {
	return &Streams{
		rdb: rdb,
		log: log,
		ctx: context.Background(),
	}
}

// PublishEvent appends event to the channel's stream and returns its sequence number
func (s *Streams) PublishEvent(channel string, event map[string]interface{}) (int64, error) {
	seq, err := s.rdb.Incr(s.ctx, "seq:"+channel).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	id, err := s.rdb.XAdd(s.ctx, &redis.XAddArgs{
		Stream: "stream:" + channel,
		MaxLen: streamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"seq":  seq,
			"ts":   time.Now().UTC().Format(time.RFC3339Nano),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add to stream: %w", err)
	}

	s.log.Debug("Published event to stream",
		zap.String("channel", channel),
		zap.Int64("sequence", seq),
		zap.String("stream_id", id),
	)
	return seq, nil
}

// GetLastSequence gets the last acknowledged sequence for a channel and connection
func (s *Streams) GetLastSequence(channel, connectionID string) (int64, error) {
	seqStr, err := s.rdb.Get(s.ctx, ackKey(channel, connectionID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sequence: %w", err)
	}
	return seq, nil
}

// AcknowledgeSequence records an acknowledgment for a sequence number
func (s *Streams) AcknowledgeSequence(channel, connectionID string, sequence int64) error {
	if err := s.rdb.Set(s.ctx, ackKey(channel, connectionID), sequence, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge sequence: %w", err)
	}
	return nil
}

func ackKey(channel, connectionID string) string {
	return fmt.Sprintf("ack:%s:%s", channel, connectionID)
}

// ReplayEvents returns up to limit events with a sequence above sinceSeq, oldest first
func (s *Streams) ReplayEvents(channel string, sinceSeq int64, limit int64) ([]StreamEvent, error) {
	msgs, err := s.rdb.XRange(s.ctx, "stream:"+channel, "-", "+").Result()
	if err == redis.Nil {
		return []StreamEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	events := make([]StreamEvent, 0)
	for _, msg := range msgs {
		ev, ok := decodeStreamMessage(channel, msg.Values)
		if !ok {
			s.log.Warn("Skipping malformed stream entry", zap.String("channel", channel), zap.String("id", msg.ID))
			continue
		}
		if ev.Sequence <= sinceSeq {
			continue
		}
		events = append(events, ev)
		if limit > 0 && int64(len(events)) >= limit {
			break
		}
	}
	return events, nil
}

func decodeStreamMessage(channel string, values map[string]interface{}) (StreamEvent, bool) {
	seqStr, _ := values["seq"].(string)
	data, _ := values["data"].(string)
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil || data == "" {
		return StreamEvent{}, false
	}
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return StreamEvent{}, false
	}
	ts, _ := values["ts"].(string)
	timestamp, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		timestamp = time.Now().UTC()
	}
	return StreamEvent{Channel: channel, Sequence: seq, Event: event, Timestamp: timestamp}, true
}
