package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"convroute/internal/auth"
	"convroute/internal/pubsub"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// replayLimit caps the events sent back for one resume request
const replayLimit = 100

// StreamsProvider interface for event replay
type StreamsProvider interface {
	GetLastSequence(channel, connectionID string) (int64, error)
	AcknowledgeSequence(channel, connectionID string, sequence int64) error
	ReplayEvents(channel string, sinceSeq int64, limit int64) ([]pubsub.StreamEvent, error)
}

// Authorizer decides which channels a caller may follow
type Authorizer interface {
	CanSubscribe(ctx context.Context, p auth.Principal, channel string) bool
}

// Hub manages WebSocket connections and channel subscriptions
type Hub struct {
	mu         sync.RWMutex
	conns      map[*Conn]bool
	subs       map[string]map[*Conn]bool // channel -> connections
	publish    chan Event
	log        *zap.Logger
	cmdHandler *CommandHandler
	authz      Authorizer
	ctx        context.Context
	streams    StreamsProvider // For sequence numbers and replay
}

// Conn represents a WebSocket connection
type Conn struct {
	ws        *websocket.Conn
	send      chan []byte
	hub       *Hub
	principal auth.Principal
	subs      map[string]bool // subscribed channels
	ctx       context.Context
}

// Event represents a message to be published
type Event struct {
	Channel string
	Message map[string]interface{}
}

// NewHub creates a new WebSocket hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[*Conn]bool),
		subs:    make(map[string]map[*Conn]bool),
		publish: make(chan Event, 256),
		log:     log,
		ctx:     context.Background(),
	}
}

// SetCommandHandler sets the command handler and, through it, channel authorization
func (h *Hub) SetCommandHandler(handler *CommandHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmdHandler = handler
	h.authz = handler
}

// SetStreamsProvider sets the streams provider for event replay
func (h *Hub) SetStreamsProvider(provider StreamsProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = provider
}

// Run starts the hub's event loop
func (h *Hub) Run() {
	for event := range h.publish {
		h.deliver(event)
	}
}

func (h *Hub) deliver(event Event) {
	msg, err := json.Marshal(map[string]interface{}{
		"type":    "event",
		"channel": event.Channel,
		"seq":     event.Message["seq"],
		"data":    event.Message,
	})
	if err != nil {
		h.log.Error("Failed to encode event", zap.String("channel", event.Channel), zap.Error(err))
		return
	}

	var slow []*Conn
	h.mu.RLock()
	for conn := range h.subs[event.Channel] {
		select {
		case conn.send <- msg:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range slow {
		h.log.Warn("Dropping slow connection", zap.String("agent_id", conn.principal.AgentID))
		h.unregister(conn)
	}
}

// Register adds a new connection to the hub
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

// unregister removes a connection from the hub and closes its send queue
func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		close(conn.send)
		for channel := range conn.subs {
			if subs := h.subs[channel]; subs != nil {
				delete(subs, conn)
				if len(subs) == 0 {
					delete(h.subs, channel)
				}
			}
		}
	}
}

// Subscribe adds a connection to a channel if the authorizer allows it
func (h *Hub) Subscribe(conn *Conn, channel string) bool {
	h.mu.RLock()
	authz := h.authz
	h.mu.RUnlock()
	if authz != nil && !authz.CanSubscribe(conn.ctx, conn.principal, channel) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return false
	}
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Conn]bool)
	}
	h.subs[channel][conn] = true
	conn.subs[channel] = true
	return true
}

// Unsubscribe removes a connection from a channel
func (h *Hub) Unsubscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[channel]; subs != nil {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
	delete(conn.subs, channel)
}

// Publish sends an event to all subscribers of a channel
func (h *Hub) Publish(channel string, message map[string]interface{}) {
	select {
	case h.publish <- Event{Channel: channel, Message: message}:
	default:
		h.log.Warn("Hub publish channel full, dropping event", zap.String("channel", channel))
	}
}

// Close stops the event loop
func (h *Hub) Close() {
	close(h.publish)
}

// NewConn creates a new connection
func NewConn(ws *websocket.Conn, hub *Hub, principal auth.Principal) *Conn {
	return &Conn{
		ws:        ws,
		send:      make(chan []byte, 256),
		hub:       hub,
		principal: principal,
		subs:      make(map[string]bool),
		ctx:       auth.WithPrincipal(hub.ctx, principal),
	}
}

// ReadPump handles reading from the WebSocket connection
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Warn("Failed to parse message", zap.Error(err))
			continue
		}

		c.handleMessage(msg)
	}
}

// WritePump handles writing to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleMessage(msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "subscribe":
		channel, _ := msg["channel"].(string)
		if channel == "" {
			return
		}
		if c.hub.Subscribe(c, channel) {
			c.sendAck("subscribed", channel)
		} else {
			c.sendJSON(map[string]interface{}{
				"type":    "error",
				"code":    "forbidden",
				"message": "not allowed to subscribe to " + channel,
			})
		}
	case "unsubscribe":
		channel, _ := msg["channel"].(string)
		if channel != "" {
			c.hub.Unsubscribe(c, channel)
			c.sendAck("unsubscribed", channel)
		}
	case "ack":
		channel, _ := msg["channel"].(string)
		seq, _ := msg["seq"].(float64)
		if channel != "" && seq > 0 {
			c.hub.Acknowledge(c, channel, int64(seq))
		}
	case "resume":
		channel, _ := msg["channel"].(string)
		since, ok := msg["since"].(float64)
		if channel != "" && c.subs[channel] {
			if !ok {
				since = -1
			}
			c.hub.Resume(c, channel, int64(since))
		}
	case "cmd":
		if c.hub.cmdHandler != nil {
			c.hub.cmdHandler.HandleCommand(c.ctx, c, msg)
		} else {
			c.hub.log.Warn("Command handler not set")
		}
	case "ping":
		c.sendAck("pong", "")
	default:
		c.hub.log.Warn("Unknown message type", zap.String("type", msgType))
	}
}

func (c *Conn) sendAck(msgType, channel string) {
	ack := map[string]interface{}{
		"type": "ack",
		"ack":  msgType,
	}
	if channel != "" {
		ack["channel"] = channel
	}
	c.sendJSON(ack)
}

// sendJSON queues msg, dropping it when the buffer is full
func (c *Conn) sendJSON(msg map[string]interface{}) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	// send is closed once the hub drops the connection
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.conns[c] {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Acknowledge records an acknowledgment for a sequence number
func (h *Hub) Acknowledge(conn *Conn, channel string, sequence int64) {
	if h.streams == nil {
		return
	}
	if err := h.streams.AcknowledgeSequence(channel, conn.principal.AgentID, sequence); err != nil {
		h.log.Warn("Failed to acknowledge sequence",
			zap.String("channel", channel),
			zap.Int64("sequence", sequence),
			zap.Error(err),
		)
	}
}

// Resume replays events after sinceSeq. A negative sinceSeq resumes from the
// caller's last acknowledged sequence.
func (h *Hub) Resume(conn *Conn, channel string, sinceSeq int64) {
	if h.streams == nil {
		h.log.Warn("Streams provider not set, cannot resume")
		return
	}
	if sinceSeq < 0 {
		last, err := h.streams.GetLastSequence(channel, conn.principal.AgentID)
		if err != nil {
			h.log.Warn("Failed to read last sequence", zap.String("channel", channel), zap.Error(err))
		}
		sinceSeq = last
	}

	events, err := h.streams.ReplayEvents(channel, sinceSeq, replayLimit)
	if err != nil {
		h.log.Error("Failed to replay events",
			zap.String("channel", channel),
			zap.Int64("since", sinceSeq),
			zap.Error(err),
		)
		return
	}

	for _, event := range events {
		if !conn.sendJSON(map[string]interface{}{
			"type":    "event",
			"channel": event.Channel,
			"seq":     event.Sequence,
			"data":    event.Event,
		}) {
			h.log.Warn("Failed to send replayed event, connection buffer full")
			return
		}
	}

	h.log.Info("Resumed events",
		zap.String("channel", channel),
		zap.String("agent_id", conn.principal.AgentID),
		zap.Int64("since", sinceSeq),
		zap.Int("count", len(events)),
	)
}
