package engine

import (
	"context"
	"testing"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/ledger/ledgertest"
	"github.com/openalpha/clob-dex/orders"
)

const (
	operator = "operator"
	pair     = book.Pair("BTC/USDT")
)

type harness struct {
	t      *testing.T
	ledger *ledgertest.Ledger
	orders *orders.Service
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := ledgertest.New()
	l.SeedBook(pair, operator, "public")

	tmpl, err := book.ResolveTemplates(context.Background(), l)
	require.NoError(t, err)
	repo := book.NewRepository(l, tmpl.OrderBook, operator, log.NewNopLogger())
	svc := orders.NewService(l, repo, tmpl, operator, log.NewNopLogger())
	eng := New(l, repo, tmpl, operator, DefaultConfig(), log.NewNopLogger())
	return &harness{t: t, ledger: l, orders: svc, engine: eng}
}

func (h *harness) sell(owner, price, qty string) *book.Order {
	h.t.Helper()
	h.ledger.SeedHolding(owner, pair.Base(), math.LegacyMustNewDecFromStr(qty), operator)
	res, err := h.orders.PlaceOrder(context.Background(), orders.PlaceRequest{
		Owner: owner, Pair: string(pair), Side: book.SideSell, Mode: book.ModeLimit,
		Price: price, Quantity: qty,
	})
	require.NoError(h.t, err)
	return res.Order
}

func (h *harness) buy(owner, price, qty string) *book.Order {
	h.t.Helper()
	cost := math.LegacyMustNewDecFromStr(price).Mul(math.LegacyMustNewDecFromStr(qty))
	h.ledger.SeedHolding(owner, pair.Quote(), cost, operator)
	res, err := h.orders.PlaceOrder(context.Background(), orders.PlaceRequest{
		Owner: owner, Pair: string(pair), Side: book.SideBuy, Mode: book.ModeLimit,
		Price: price, Quantity: qty,
	})
	require.NoError(h.t, err)
	return res.Order
}

func (h *harness) marketBuy(owner, spendCap, qty string) *book.Order {
	h.t.Helper()
	h.ledger.SeedHolding(owner, pair.Quote(), math.LegacyMustNewDecFromStr(spendCap), operator)
	res, err := h.orders.PlaceOrder(context.Background(), orders.PlaceRequest{
		Owner: owner, Pair: string(pair), Side: book.SideBuy, Mode: book.ModeMarket,
		Quantity: qty, SpendCap: spendCap,
	})
	require.NoError(h.t, err)
	return res.Order
}

func (h *harness) sweep() bool {
	h.t.Helper()
	progress, _, err := h.engine.sweep(context.Background(), pair)
	require.NoError(h.t, err)
	return progress
}

func TestCleanCrossing(t *testing.T) {
	h := newHarness(t)
	alice := h.sell("alice", "50000", "1")
	bob := h.buy("bob", "50000", "1")

	require.True(t, h.sweep(), "one sweep must settle the crossing")

	trades := h.ledger.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "bob", trades[0].Buyer)
	assert.Equal(t, "alice", trades[0].Seller)
	assert.Equal(t, "50000.000000000000000000", trades[0].Price.String())
	assert.Equal(t, "1.000000000000000000", trades[0].Quantity.String())

	a, _ := h.ledger.OrderByID(alice.OrderID)
	b, _ := h.ledger.OrderByID(bob.OrderID)
	assert.Equal(t, book.StatusFilled, a.Status)
	assert.Equal(t, book.StatusFilled, b.Status)

	bk, _, _ := h.ledger.BookFor(pair)
	assert.Empty(t, bk.BuyOrders)
	assert.Empty(t, bk.SellOrders)
	require.NotNil(t, bk.LastPrice)
	assert.Equal(t, "50000.000000000000000000", bk.LastPrice.String())

	assert.Equal(t, "50000.000000000000000000", h.ledger.FreeBalance("alice", "USDT").String())
	assert.Equal(t, "1.000000000000000000", h.ledger.FreeBalance("bob", "BTC").String())

	require.False(t, h.sweep(), "an empty book must not trade again")
}

func TestPartialFillWithRemainder(t *testing.T) {
	h := newHarness(t)
	h.sell("alice", "50000", "0.3")
	bob := h.buy("bob", "50000", "1.0")

	require.True(t, h.sweep())

	trades := h.ledger.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "0.300000000000000000", trades[0].Quantity.String())

	_, stillActive := h.ledger.OrderByID(bob.OrderID)
	assert.False(t, stillActive, "original buy must be archived")

	rem, ok := h.ledger.OrderByID(book.RemainderID(bob.OrderID, 1))
	require.True(t, ok)
	assert.Equal(t, "0.700000000000000000", rem.Remaining().String())
	assert.Equal(t, bob.Timestamp.Time, rem.Timestamp.Time, "remainder keeps time priority")

	// Paid 15000, the rest stays locked behind the remainder.
	assert.Equal(t, "35000.000000000000000000", h.ledger.LockedBalance("bob", "USDT").String())
	assert.Equal(t, "15000.000000000000000000", h.ledger.FreeBalance("alice", "USDT").String())
}

func TestPricePriorityBeatsTimePriority(t *testing.T) {
	h := newHarness(t)
	h.sell("carol", "51000", "1") // older, worse price
	h.sell("dave", "50000", "1")  // newer, better price
	h.buy("bob", "51000", "1")

	require.True(t, h.sweep())

	trades := h.ledger.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "dave", trades[0].Seller)
	assert.Equal(t, "50000.000000000000000000", trades[0].Price.String())
}

func TestTimePriorityAtEqualPrice(t *testing.T) {
	h := newHarness(t)
	h.sell("alice", "50000", "1")
	h.sell("carol", "50000", "1")
	h.buy("bob", "50000", "1")

	require.True(t, h.sweep())

	trades := h.ledger.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "alice", trades[0].Seller, "earlier sell at equal price matches first")
}

func TestSelfTradeProducesNoTrade(t *testing.T) {
	h := newHarness(t)
	h.sell("alice", "50000", "1")
	h.buy("alice", "50000", "1")

	require.False(t, h.sweep(), "a self-crossing must not trade")
	assert.Empty(t, h.ledger.Trades())

	// Both orders still rest.
	bk, _, _ := h.ledger.BookFor(pair)
	assert.Len(t, bk.BuyOrders, 1)
	assert.Len(t, bk.SellOrders, 1)
}

func TestMarketBuyAgainstEmptySideRests(t *testing.T) {
	h := newHarness(t)
	mkt := h.marketBuy("bob", "60000", "1")

	progress, populated, err := h.engine.sweep(context.Background(), pair)
	require.NoError(t, err)
	assert.False(t, progress)
	assert.False(t, populated)

	o, ok := h.ledger.OrderByID(mkt.OrderID)
	require.True(t, ok)
	assert.Equal(t, book.StatusOpen, o.Status, "market order rests until a counterparty arrives")

	// A sell arrives later; the market buy takes it at the limit price.
	h.sell("alice", "50000", "1")
	require.True(t, h.sweep())
	trades := h.ledger.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "50000.000000000000000000", trades[0].Price.String())
	// Unspent part of the 60000 cap is refunded on full fill.
	assert.Equal(t, "10000.000000000000000000", h.ledger.FreeBalance("bob", "USDT").String())
}

func TestSweepDrainsBookOverMultiplePasses(t *testing.T) {
	h := newHarness(t)
	h.sell("alice", "50000", "4")
	h.buy("bob", "100", "10") // does not cross
	h.buy("carol", "50000", "10")

	require.True(t, h.sweep(), "first pass fills 4 of carol's 10")
	require.False(t, h.sweep(), "no further cross once the sell side is empty")

	trades := h.ledger.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, "4.000000000000000000", trades[0].Quantity.String())

	bk, _, _ := h.ledger.BookFor(pair)
	assert.Empty(t, bk.SellOrders)
	assert.Len(t, bk.BuyOrders, 2, "carol's remainder and bob's low bid remain")
}

func TestHeartbeats(t *testing.T) {
	h := newHarness(t)
	h.engine.beat(pair)
	beats := h.engine.Heartbeats()
	require.Contains(t, beats, pair)
	assert.False(t, beats[pair].IsZero())
}
