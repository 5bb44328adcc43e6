package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cosmossdk.io/log"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/clob-dex/fanout"
)

func newTestHub(t *testing.T, party PartyFunc) (*fanout.Broker, *httptest.Server) {
	t.Helper()
	broker := fanout.NewBroker(0, log.NewNopLogger())
	snapshot := func(ctx context.Context, topic string) (any, string, error) {
		return map[string]string{"topic": topic}, "7-0", nil
	}
	hub := NewHub(broker, snapshot, party, 0, log.NewNopLogger())

	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(ts.Close)
	return broker, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + query
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *gws.Conn, msg any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func readMsg(t *testing.T, conn *gws.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func bookEvent(offset uint64, pair string) fanout.Event {
	return fanout.Event{
		Kind:     fanout.KindBookSnapshot,
		Topics:   []string{fanout.Topic(pair, fanout.ChannelOrderbook)},
		UpdateID: fmt.Sprintf("%d-0", offset),
		Offset:   offset,
		Payload:  map[string]string{"pair": pair},
	}
}

func TestSubscribeSendsSnapshotThenEvents(t *testing.T) {
	broker, ts := newTestHub(t, nil)
	conn := dial(t, ts, "")

	topic := fanout.Topic("BTC/USDT", fanout.ChannelOrderbook)
	send(t, conn, map[string]any{"type": "subscribe", "topics": []string{topic}})

	msg := readMsg(t, conn)
	assert.Equal(t, "snapshot", msg["type"])
	assert.Equal(t, topic, msg["topic"])
	assert.Equal(t, "7-0", msg["updateId"])

	// The subscription is live once the snapshot arrived.
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 },
		time.Second, 10*time.Millisecond)

	broker.Publish([]fanout.Event{bookEvent(8, "BTC/USDT")})

	msg = readMsg(t, conn)
	assert.Equal(t, "event", msg["type"])
	assert.Equal(t, topic, msg["topic"])
	assert.Equal(t, fanout.KindBookSnapshot, msg["kind"])
	assert.Equal(t, "8-0", msg["updateId"])
}

func TestEventsForOtherTopicsAreFiltered(t *testing.T) {
	broker, ts := newTestHub(t, nil)
	conn := dial(t, ts, "")

	send(t, conn, map[string]any{"type": "subscribe",
		"topics": []string{fanout.Topic("BTC/USDT", fanout.ChannelOrderbook)}})
	readMsg(t, conn) // snapshot
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 },
		time.Second, 10*time.Millisecond)

	broker.Publish([]fanout.Event{bookEvent(8, "ETH/USDT")})
	broker.Publish([]fanout.Event{bookEvent(9, "BTC/USDT")})

	msg := readMsg(t, conn)
	assert.Equal(t, "9-0", msg["updateId"], "the ETH event is not delivered")
}

func TestSinceReplaysMissedEvents(t *testing.T) {
	broker, ts := newTestHub(t, nil)

	for offset := uint64(1); offset <= 3; offset++ {
		broker.Publish([]fanout.Event{bookEvent(offset, "BTC/USDT")})
	}

	conn := dial(t, ts, "?since=1")
	send(t, conn, map[string]any{"type": "subscribe",
		"topics": []string{fanout.Topic("BTC/USDT", fanout.ChannelOrderbook)}})
	readMsg(t, conn) // snapshot

	msg := readMsg(t, conn)
	assert.Equal(t, "2-0", msg["updateId"])
	msg = readMsg(t, conn)
	assert.Equal(t, "3-0", msg["updateId"])
}

func TestRejectsMalformedSince(t *testing.T) {
	_, ts := newTestHub(t, nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?since=yesterday"
	_, resp, err := gws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejectsUnknownChannel(t *testing.T) {
	_, ts := newTestHub(t, nil)
	conn := dial(t, ts, "")

	send(t, conn, map[string]any{"type": "subscribe", "topics": []string{"BTC/USDT:candles"}})

	msg := readMsg(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "unknown channel")
}

func TestPartyScopedTopicsRestricted(t *testing.T) {
	party := func(r *http.Request) string { return "alice" }
	broker, ts := newTestHub(t, party)
	conn := dial(t, ts, "")

	send(t, conn, map[string]any{"type": "subscribe", "topics": []string{"bob:orders"}})
	msg := readMsg(t, conn)
	assert.Equal(t, "error", msg["type"])

	send(t, conn, map[string]any{"type": "subscribe", "topics": []string{"alice:orders"}})
	msg = readMsg(t, conn)
	assert.Equal(t, "snapshot", msg["type"])
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	broker, ts := newTestHub(t, nil)
	conn := dial(t, ts, "")

	topic := fanout.Topic("BTC/USDT", fanout.ChannelOrderbook)
	send(t, conn, map[string]any{"type": "subscribe", "topics": []string{topic}})
	readMsg(t, conn) // snapshot
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 },
		time.Second, 10*time.Millisecond)

	send(t, conn, map[string]any{"type": "unsubscribe", "topics": []string{topic}})
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 0 },
		time.Second, 10*time.Millisecond)
}
