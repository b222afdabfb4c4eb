package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/notify"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Config holds websocket hub settings
type Config struct {
	ReadBufferSize  int  `yaml:"read_buffer_size"`
	WriteBufferSize int  `yaml:"write_buffer_size"`
	SendBuffer      int  `yaml:"send_buffer"`
	CheckOrigin     bool `yaml:"check_origin"`
}

// DefaultConfig returns default hub settings
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      64,
	}
}

// MessageType identifies websocket frames
type MessageType string

const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeEvent       MessageType = "event"
	MessageTypeError       MessageType = "error"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType     `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
}

// SubscribeMessage represents a subscription request
type SubscribeMessage struct {
	Topic string `json:"topic"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TopicOf maps an event type to its topic: "deployment.failed" belongs to
// "deployments".
func TopicOf(t notify.EventType) string {
	kind, _, _ := strings.Cut(string(t), ".")
	return kind + "s"
}

type outbound struct {
	topic string
	data  []byte
}

// Hub fans notification events out to websocket clients. Clients with no
// subscriptions receive every topic.
type Hub struct {
	config   Config
	logger   logger.Interface
	upgrader websocket.Upgrader

	clients    map[*Client]bool
	clientsMux sync.RWMutex

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	shutdown  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Client represents a WebSocket client connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
	subMux        sync.RWMutex
}

// NewHub creates a hub and starts its dispatch loop
func NewHub(cfg Config, log logger.Interface) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	h := &Hub{
		config: cfg,
		logger: log.WithField("component", "websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	if !cfg.CheckOrigin {
		h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}

	go h.run()
	return h
}

// Name implements notify.Sink
func (h *Hub) Name() string { return "websocket" }

// Deliver implements notify.Sink by broadcasting e to subscribed clients
func (h *Hub) Deliver(ctx context.Context, e notify.Event) error {
	select {
	case <-h.shutdown:
		return errors.Wrap(errors.ErrServiceUnavailable, "websocket hub closed")
	default:
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	topic := TopicOf(e.Type)
	data, err := json.Marshal(Message{
		Type:      MessageTypeEvent,
		Topic:     topic,
		Payload:   payload,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}

	select {
	case h.broadcast <- outbound{topic: topic, data: data}:
		return nil
	case <-h.shutdown:
		return errors.Wrap(errors.ErrServiceUnavailable, "websocket hub closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the hub
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.logger.Info("Shutting down websocket hub")
		close(h.shutdown)
		<-h.done
	})
}

// run owns the client set; only this goroutine adds or removes clients
func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.clientsMux.Lock()
			h.clients[client] = true
			h.clientsMux.Unlock()
			h.logger.WithField("client_id", client.id).Debug("Client connected")
			h.sendTo(client, Message{Type: MessageTypePong, Timestamp: time.Now().UTC()})

		case client := <-h.unregister:
			h.drop(client)

		case msg := <-h.broadcast:
			h.clientsMux.RLock()
			var slow []*Client
			for client := range h.clients {
				if !client.wants(msg.topic) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					slow = append(slow, client)
				}
			}
			h.clientsMux.RUnlock()
			for _, client := range slow {
				h.logger.WithField("client_id", client.id).Warn("Dropping slow websocket client")
				h.drop(client)
			}

		case <-h.shutdown:
			h.clientsMux.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.clientsMux.Unlock()
			return
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.WithField("client_id", client.id).Debug("Client disconnected")
	}
}

// sendTo queues msg for one client. Called from the run loop only.
func (h *Hub) sendTo(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal client message")
		return
	}
	select {
	case client.send <- data:
	default:
		h.drop(client)
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade websocket connection")
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, h.config.SendBuffer),
		id:            uuid.NewString(),
		subscriptions: make(map[string]bool),
	}
	for _, topic := range r.URL.Query()["topic"] {
		client.subscriptions[topic] = true
	}

	select {
	case h.register <- client:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Warn("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(MessageTypeError, "", ErrorMessage{Code: http.StatusBadRequest, Message: "Invalid message format"})
			continue
		}
		c.handleMessage(msg)
	}
}

// writePump handles writing messages to the WebSocket connection
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case MessageTypeSubscribe, MessageTypeUnsubscribe:
		var sub SubscribeMessage
		if err := json.Unmarshal(msg.Payload, &sub); err != nil || sub.Topic == "" {
			c.reply(MessageTypeError, msg.RequestID, ErrorMessage{Code: http.StatusBadRequest, Message: "Invalid subscription message"})
			return
		}
		c.subMux.Lock()
		if msg.Type == MessageTypeSubscribe {
			c.subscriptions[sub.Topic] = true
		} else {
			delete(c.subscriptions, sub.Topic)
		}
		c.subMux.Unlock()

		c.hub.logger.WithFields(map[string]interface{}{
			"client_id": c.id,
			"topic":     sub.Topic,
			"action":    msg.Type,
		}).Debug("Client subscription changed")
		c.reply(msg.Type, msg.RequestID, sub)

	case MessageTypePing:
		c.reply(MessageTypePong, msg.RequestID, nil)

	default:
		c.reply(MessageTypeError, msg.RequestID, ErrorMessage{Code: http.StatusBadRequest, Message: "Unknown message type"})
	}
}

// reply writes directly to the send queue; a full queue drops the reply
func (c *Client) reply(t MessageType, requestID string, payload interface{}) {
	msg := Message{Type: t, RequestID: requestID, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		msg.Payload = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	defer func() {
		// send may already be closed by the hub
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) wants(topic string) bool {
	c.subMux.RLock()
	defer c.subMux.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[topic]
}
