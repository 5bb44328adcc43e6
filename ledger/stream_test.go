package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{}

func newStreamClient(t *testing.T, serve func(*websocket.Conn, *http.Request)) *Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		serve(conn, r)
	}))
	t.Cleanup(ts.Close)

	c, err := NewClient(&Config{BaseURL: ts.URL}, nil, log.NewNopLogger())
	require.NoError(t, err)
	return c
}

func collect(t *testing.T, ch <-chan Update) []Update {
	t.Helper()
	var out []Update
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-time.After(3 * time.Second):
			t.Fatal("stream did not close")
		}
	}
}

func TestStreamUpdatesPassesFromOffset(t *testing.T) {
	c := newStreamClient(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("from"))
		require.NoError(t, conn.WriteJSON(Update{Offset: 8}))
	})

	ch, err := c.StreamUpdates(context.Background(), 7)
	require.NoError(t, err)

	updates := collect(t, ch)
	require.Len(t, updates, 1)
	assert.Equal(t, uint64(8), updates[0].Offset)
}

func TestStreamUpdatesClosesOnRegression(t *testing.T) {
	c := newStreamClient(t, func(conn *websocket.Conn, r *http.Request) {
		require.NoError(t, conn.WriteJSON(Update{Offset: 1}))
		require.NoError(t, conn.WriteJSON(Update{Offset: 2}))
		// A non-monotone frame means the server is broken. The client may
		// already be gone for the write after it.
		require.NoError(t, conn.WriteJSON(Update{Offset: 2}))
		_ = conn.WriteJSON(Update{Offset: 3})
	})

	ch, err := c.StreamUpdates(context.Background(), 0)
	require.NoError(t, err)

	updates := collect(t, ch)
	require.Len(t, updates, 2)
	assert.Equal(t, uint64(2), updates[1].Offset)
}

func TestStreamUpdatesStopsOnCancel(t *testing.T) {
	block := make(chan struct{})
	c := newStreamClient(t, func(conn *websocket.Conn, r *http.Request) {
		require.NoError(t, conn.WriteJSON(Update{Offset: 1}))
		<-block
	})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.StreamUpdates(ctx, 0)
	require.NoError(t, err)

	u := <-ch
	assert.Equal(t, uint64(1), u.Offset)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel closes after cancel")
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close on cancel")
	}
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://host:7575", wsURL("http://host:7575/"))
	assert.Equal(t, "wss://host", wsURL("https://host"))
}
