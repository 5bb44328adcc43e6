package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openalpha/clob-dex/fanout"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Idle read timeout; any inbound message resets it.
	readWait = 30 * time.Second

	// Application-level ping cadence. Must be below readWait so a live
	// client that replies with pongs never times out.
	pingPeriod = 15 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Size of the outbound buffer.
	sendBufferSize = 256
)

// clientMessage is the inbound protocol.
type clientMessage struct {
	Type   string   `json:"type"` // "subscribe", "unsubscribe", "pong"
	Topics []string `json:"topics,omitempty"`
}

// serverMessage is the outbound protocol.
type serverMessage struct {
	Type     string `json:"type"` // "snapshot", "event", "ping", "close", "error"
	Topic    string `json:"topic,omitempty"`
	Kind     string `json:"kind,omitempty"`
	UpdateID string `json:"updateId,omitempty"`
	Data     any    `json:"data,omitempty"`
	Payload  any    `json:"payload,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Client is one WebSocket connection with at most one broker subscription.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	party string
	since uint64

	mu         sync.Mutex
	sub        *fanout.Subscription
	topics     map[string]struct{}
	lastOffset uint64

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn, party string, since uint64) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		party:  party,
		since:  since,
		topics: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// readPump consumes client messages until the connection drops.
func (c *Client) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(serverMessage{Type: "error", Message: "malformed message"})
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.handleSubscribe(msg.Topics)
		case "unsubscribe":
			c.handleUnsubscribe(msg.Topics)
		case "pong":
			// Deadline already extended above.
		default:
			c.enqueue(serverMessage{Type: "error", Message: "unknown message type"})
		}
	}
}

// writePump drains the send buffer and emits pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	ping, _ := json.Marshal(serverMessage{Type: "ping"})
	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
			c.hub.metrics.WSMessagesTotal.WithLabelValues("data").Inc()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
			c.hub.metrics.WSMessagesTotal.WithLabelValues("ping").Inc()
		case <-c.done:
			// Flush anything already queued, the lagged close included.
			for {
				select {
				case raw := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// handleSubscribe replaces the client's subscription with one covering the
// requested topics. Snapshots precede the live stream; the first subscribe
// replays from the client's since offset.
func (c *Client) handleSubscribe(topics []string) {
	if len(topics) == 0 {
		c.enqueue(serverMessage{Type: "error", Message: "subscribe requires topics"})
		return
	}
	for _, t := range topics {
		if err := c.authorizeTopic(t); err != "" {
			c.enqueue(serverMessage{Type: "error", Topic: t, Message: err})
			return
		}
	}

	c.mu.Lock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	merged := make([]string, 0, len(c.topics))
	for t := range c.topics {
		merged = append(merged, t)
	}
	old := c.sub
	c.mu.Unlock()

	if c.hub.snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, t := range topics {
			data, updateID, err := c.hub.snapshot(ctx, t)
			if err != nil {
				c.hub.log.Debug("snapshot unavailable", "topic", t, "err", err)
				continue
			}
			c.enqueue(serverMessage{Type: "snapshot", Topic: t, UpdateID: updateID, Data: data})
		}
		cancel()
	}

	sub := c.hub.broker.Subscribe(merged, c.replayFrom(), c.hub.bufSize)
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go c.forward(sub)
}

// replayFrom is the offset a fresh subscription resumes after: the client's
// declared since, advanced past everything already delivered.
func (c *Client) replayFrom() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastOffset > c.since {
		return c.lastOffset
	}
	return c.since
}

func (c *Client) handleUnsubscribe(topics []string) {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.topics, t)
	}
	remaining := make([]string, 0, len(c.topics))
	for t := range c.topics {
		remaining = append(remaining, t)
	}
	old := c.sub
	c.sub = nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if len(remaining) > 0 {
		sub := c.hub.broker.Subscribe(remaining, c.replayFrom(), c.hub.bufSize)
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
		go c.forward(sub)
	}
}

// forward pumps one broker subscription into the send buffer until the
// subscription closes. A lagged drop tells the client to reconnect and
// replay.
func (c *Client) forward(sub *fanout.Subscription) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				select {
				case <-sub.Lagged():
					c.enqueue(serverMessage{Type: "close", Reason: "lagged"})
					c.shutdown()
				default:
				}
				return
			}
			c.enqueue(serverMessage{
				Type:     "event",
				Topic:    c.topicFor(ev),
				Kind:     ev.Kind,
				UpdateID: ev.UpdateID,
				Payload:  ev.Payload,
			})
			c.mu.Lock()
			if ev.Offset > c.lastOffset {
				c.lastOffset = ev.Offset
			}
			c.mu.Unlock()
		case <-c.done:
			sub.Close()
			return
		}
	}
}

// topicFor picks the subscribed topic an event was routed on.
func (c *Client) topicFor(ev fanout.Event) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range ev.Topics {
		if _, ok := c.topics[t]; ok {
			return t
		}
	}
	if len(ev.Topics) > 0 {
		return ev.Topics[0]
	}
	return ""
}

// authorizeTopic validates topic shape and restricts party-scoped channels
// to the authenticated party. Returns an error message, empty when allowed.
func (c *Client) authorizeTopic(topic string) string {
	i := strings.LastIndexByte(topic, ':')
	if i <= 0 || i == len(topic)-1 {
		return "topic must be <scope>:<channel>"
	}
	scope, channel := topic[:i], topic[i+1:]
	switch channel {
	case fanout.ChannelOrderbook, fanout.ChannelTrades:
		return ""
	case fanout.ChannelOrders, fanout.ChannelBalances:
		if c.party != "" && c.party != scope {
			return "topic is restricted to the authenticated party"
		}
		return ""
	default:
		return "unknown channel"
	}
}

func (c *Client) enqueue(msg serverMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
		// Slow consumer; drop the connection rather than block the pump.
		c.shutdown()
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		sub := c.sub
		c.sub = nil
		c.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		close(c.done)
		c.hub.unregister(c)
		c.conn.Close()
	})
}
