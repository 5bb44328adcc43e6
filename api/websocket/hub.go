// Package websocket bridges the event broker to public WebSocket clients.
package websocket

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"cosmossdk.io/log"
	"github.com/gorilla/websocket"

	"github.com/openalpha/clob-dex/fanout"
	"github.com/openalpha/clob-dex/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the frontend domain is fixed
		return true
	},
}

// SnapshotFunc produces the initial state for a topic, with the update id
// the snapshot is current as of.
type SnapshotFunc func(ctx context.Context, topic string) (any, string, error)

// PartyFunc extracts the authenticated party from the upgrade request.
// Empty means unauthenticated; party-scoped topics are then rejected only
// when auth is enforced upstream.
type PartyFunc func(r *http.Request) string

// Hub tracks open client connections and hands each one a broker
// subscription.
type Hub struct {
	broker   *fanout.Broker
	snapshot SnapshotFunc
	party    PartyFunc
	bufSize  int
	log      log.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub creates a hub over the broker. A nil snapshot function disables
// snapshot replies; a nil party function leaves topics unrestricted.
func NewHub(broker *fanout.Broker, snapshot SnapshotFunc, party PartyFunc, bufSize int, logger log.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = fanout.DefaultBufferSize
	}
	return &Hub{
		broker:   broker,
		snapshot: snapshot,
		party:    party,
		bufSize:  bufSize,
		log:      logger.With("component", "ws"),
		metrics:  metrics.GetCollector(),
		clients:  make(map[*Client]struct{}),
	}
}

// ServeWS upgrades the connection and runs the client pumps. The optional
// since query parameter replays events newer than that offset on the first
// subscribe.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}

	party := ""
	if h.party != nil {
		party = h.party(r)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := newClient(h, conn, party, since)
	h.register(client)
	h.metrics.WSConnectionsActive.Inc()

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.WSConnectionsActive.Dec()
	}
}

// ClientCount reports the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
