package fanout

import (
	"fmt"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/clob-dex/book"
)

func tradeEvent(offset uint64, idx int, topic string) Event {
	return Event{
		Kind:     KindTrade,
		Topics:   []string{topic},
		UpdateID: updateID(offset, idx),
		Offset:   offset,
		Payload:  book.Trade{TradeID: updateID(offset, idx)},
	}
}

func updateID(offset uint64, idx int) string {
	return fmt.Sprintf("%d-%d", offset, idx)
}

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("got %d events, want %d", len(out), n)
		}
	}
	return out
}

func TestPublishRoutesByTopic(t *testing.T) {
	b := NewBroker(0, log.NewNopLogger())
	btc := b.Subscribe([]string{"BTC/USDT:trades"}, 0, 0)
	eth := b.Subscribe([]string{"ETH/USDT:trades"}, 0, 0)
	defer btc.Close()
	defer eth.Close()

	b.Publish([]Event{
		tradeEvent(1, 0, "BTC/USDT:trades"),
		tradeEvent(2, 0, "ETH/USDT:trades"),
	})

	got := collect(t, btc, 1)
	assert.Equal(t, uint64(1), got[0].Offset)
	got = collect(t, eth, 1)
	assert.Equal(t, uint64(2), got[0].Offset)
}

func TestSubscribeReplaysSinceOffset(t *testing.T) {
	b := NewBroker(0, log.NewNopLogger())
	b.Publish([]Event{
		tradeEvent(1, 0, "BTC/USDT:trades"),
		tradeEvent(2, 0, "BTC/USDT:trades"),
		tradeEvent(3, 0, "BTC/USDT:trades"),
	})

	// since=1 means everything strictly newer.
	sub := b.Subscribe([]string{"BTC/USDT:trades"}, 1, 0)
	defer sub.Close()

	got := collect(t, sub, 2)
	assert.Equal(t, uint64(2), got[0].Offset)
	assert.Equal(t, uint64(3), got[1].Offset)

	// Live tail follows the replay in order.
	b.Publish([]Event{tradeEvent(4, 0, "BTC/USDT:trades")})
	got = collect(t, sub, 1)
	assert.Equal(t, uint64(4), got[0].Offset)
}

func TestMultiEventUpdateKeepsInUpdateOrder(t *testing.T) {
	b := NewBroker(0, log.NewNopLogger())
	b.Publish([]Event{
		tradeEvent(5, 0, "BTC/USDT:trades"),
		tradeEvent(5, 1, "BTC/USDT:trades"),
		tradeEvent(5, 2, "BTC/USDT:trades"),
	})

	sub := b.Subscribe([]string{"BTC/USDT:trades"}, 0, 0)
	defer sub.Close()

	got := collect(t, sub, 3)
	assert.Equal(t, updateID(5, 0), got[0].UpdateID)
	assert.Equal(t, updateID(5, 1), got[1].UpdateID)
	assert.Equal(t, updateID(5, 2), got[2].UpdateID)
}

func TestSlowSubscriberIsDroppedLagged(t *testing.T) {
	b := NewBroker(0, log.NewNopLogger())
	sub := b.Subscribe([]string{"BTC/USDT:trades"}, 0, 2)

	// Never read: the third publish overflows the buffer of two.
	b.Publish([]Event{tradeEvent(1, 0, "BTC/USDT:trades")})
	b.Publish([]Event{tradeEvent(2, 0, "BTC/USDT:trades")})
	b.Publish([]Event{tradeEvent(3, 0, "BTC/USDT:trades")})

	select {
	case <-sub.Lagged():
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not dropped")
	}
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestCloseDetachesWithoutLagged(t *testing.T) {
	b := NewBroker(0, log.NewNopLogger())
	sub := b.Subscribe([]string{"BTC/USDT:trades"}, 0, 0)
	sub.Close()

	select {
	case <-sub.Lagged():
		t.Fatal("clean close must not signal lagged")
	default:
	}
	_, ok := <-sub.Events()
	assert.False(t, ok, "event channel closes on detach")
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestReplayBufferEvictsOldest(t *testing.T) {
	b := NewBroker(2, log.NewNopLogger())
	b.Publish([]Event{
		tradeEvent(1, 0, "BTC/USDT:trades"),
		tradeEvent(2, 0, "BTC/USDT:trades"),
		tradeEvent(3, 0, "BTC/USDT:trades"),
	})

	sub := b.Subscribe([]string{"BTC/USDT:trades"}, 0, 0)
	defer sub.Close()

	got := collect(t, sub, 2)
	assert.Equal(t, uint64(2), got[0].Offset)
	assert.Equal(t, uint64(3), got[1].Offset)
}
