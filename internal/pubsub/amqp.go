package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RoutingPrefix leads every routing key, e.g. convroute.assignment.created
const RoutingPrefix = "convroute"

// AMQPPublisher forwards events to a durable topic exchange so other
// services can follow assignment activity without polling
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *zap.Logger
}

// DialOptions controls connection retries
type DialOptions struct {
	URL      string
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// DialWithRetry connects with exponential backoff until ctx is done
func DialWithRetry(ctx context.Context, opts DialOptions, log *zap.Logger) (*amqp091.Connection, error) {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	var lastErr error
	sleep := opts.Delay
	for i := 1; i <= opts.Attempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				log.Info("AMQP connected", zap.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == opts.Attempts {
			break
		}
		log.Warn("AMQP dial failed", zap.Int("attempt", i), zap.Duration("sleep", sleep), zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
		sleep *= 2
		if sleep > opts.MaxDelay {
			sleep = opts.MaxDelay
		}
	}
	return nil, fmt.Errorf("failed to connect to AMQP after %d attempts: %w", opts.Attempts, lastErr)
}

// NewAMQPPublisher declares the topic exchange on conn
func NewAMQPPublisher(conn *amqp091.Connection, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, exchange: exchange, log: log}, nil
}

// Forward publishes event on a channel opened in confirm mode and waits for
// the broker acknowledgement
func (p *AMQPPublisher) Forward(ctx context.Context, channel string, event map[string]interface{}) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	body, err := json.Marshal(Envelope(channel, event))
	if err != nil {
		return err
	}
	key := RoutingKey(event)
	correlation, _ := event["conversationId"].(string)
	if correlation == "" {
		correlation = uuid.NewString()
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     uuid.NewString(),
			CorrelationId: correlation,
			Timestamp:     time.Now(),
			Body:          body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to await confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("broker nacked %s", key)
	}
	p.log.Debug("Forwarded event", zap.String("exchange", p.exchange), zap.String("key", key))
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

// RoutingKey maps an event type like "assignment.created" to
// "convroute.assignment.created". Events without a type route as "convroute.event".
func RoutingKey(event map[string]interface{}) string {
	t, _ := event["type"].(string)
	t = strings.Trim(strings.ReplaceAll(t, ":", "."), ".")
	if t == "" {
		t = "event"
	}
	return RoutingPrefix + "." + t
}

// Envelope wraps an event with the channel it was published on
func Envelope(channel string, event map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"channel": channel,
		"event":   event,
	}
}
