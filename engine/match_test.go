package engine

import (
	"testing"
	"time"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/ledger"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

func limit(id, owner string, side book.Side, price, qty string, at time.Time) *book.Order {
	p := dec(price)
	return &book.Order{
		OrderID:   id,
		Owner:     owner,
		Side:      side,
		Mode:      book.ModeLimit,
		Pair:      "BTC/USDT",
		Price:     &p,
		Quantity:  dec(qty),
		Filled:    math.LegacyZeroDec(),
		Status:    book.StatusOpen,
		Timestamp: ledger.At(at),
	}
}

func market(id, owner string, side book.Side, qty string, at time.Time) *book.Order {
	o := limit(id, owner, side, "1", qty, at)
	o.Mode = book.ModeMarket
	o.Price = nil
	return o
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCrosses(t *testing.T) {
	tests := []struct {
		name string
		buy  *book.Order
		sell *book.Order
		want bool
	}{
		{"buy above sell", limit("b", "a", book.SideBuy, "51000", "1", t0), limit("s", "b", book.SideSell, "50000", "1", t0), true},
		{"touch", limit("b", "a", book.SideBuy, "50000", "1", t0), limit("s", "b", book.SideSell, "50000", "1", t0), true},
		{"buy below sell", limit("b", "a", book.SideBuy, "49000", "1", t0), limit("s", "b", book.SideSell, "50000", "1", t0), false},
		{"market buy", market("b", "a", book.SideBuy, "1", t0), limit("s", "b", book.SideSell, "99999", "1", t0), true},
		{"market sell", limit("b", "a", book.SideBuy, "1", "1", t0), market("s", "b", book.SideSell, "1", t0), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Crosses(tt.buy, tt.sell))
		})
	}
}

func TestTradePriceRestingOrderWins(t *testing.T) {
	older := limit("b", "alice", book.SideBuy, "51000", "1", t0)
	newer := limit("s", "bob", book.SideSell, "50000", "1", t0.Add(time.Second))

	price, err := TradePrice(older, newer, nil)
	require.NoError(t, err)
	assert.Equal(t, "51000.000000000000000000", price.String())

	// Swap arrival order: the sell rested first, its price wins.
	older.Timestamp = ledger.At(t0.Add(2 * time.Second))
	price, err = TradePrice(older, newer, nil)
	require.NoError(t, err)
	assert.Equal(t, "50000.000000000000000000", price.String())
}

func TestTradePriceMarketTakesLimitPrice(t *testing.T) {
	mkt := market("b", "alice", book.SideBuy, "1", t0)
	lim := limit("s", "bob", book.SideSell, "50000", "1", t0.Add(time.Second))

	price, err := TradePrice(mkt, lim, nil)
	require.NoError(t, err)
	assert.Equal(t, "50000.000000000000000000", price.String())
}

func TestTradePriceBothMarket(t *testing.T) {
	b := market("b", "alice", book.SideBuy, "1", t0)
	s := market("s", "bob", book.SideSell, "1", t0)

	last := dec("47000")
	price, err := TradePrice(b, s, &last)
	require.NoError(t, err)
	assert.Equal(t, "47000.000000000000000000", price.String())

	_, err = TradePrice(b, s, nil)
	assert.Error(t, err, "two market orders without a last price cannot settle")
}

func TestFillQtyIsMinRemaining(t *testing.T) {
	b := limit("b", "alice", book.SideBuy, "50000", "10", t0)
	s := limit("s", "bob", book.SideSell, "50000", "4", t0)
	assert.Equal(t, "4.000000000000000000", FillQty(b, s).String())

	s.Filled = dec("1")
	assert.Equal(t, "3.000000000000000000", FillQty(b, s).String())
}

func TestSelectCandidateNoCross(t *testing.T) {
	buys := []*book.Order{limit("b", "alice", book.SideBuy, "49000", "1", t0)}
	sells := []*book.Order{limit("s", "bob", book.SideSell, "50000", "1", t0)}

	cand, err := SelectCandidate(buys, sells, nil)
	require.NoError(t, err)
	assert.Nil(t, cand)
}

func TestSelectCandidateBestPair(t *testing.T) {
	buys := []*book.Order{
		limit("b1", "alice", book.SideBuy, "51000", "1", t0),
		limit("b2", "carol", book.SideBuy, "50000", "1", t0),
	}
	sells := []*book.Order{
		limit("s1", "bob", book.SideSell, "50000", "2", t0.Add(time.Second)),
		limit("s2", "dave", book.SideSell, "51000", "1", t0),
	}

	cand, err := SelectCandidate(buys, sells, nil)
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, "b1", cand.Buy.OrderID)
	assert.Equal(t, "s1", cand.Sell.OrderID)
	// The buy rested first, so its price wins.
	assert.Equal(t, "51000.000000000000000000", cand.Price.String())
	assert.Equal(t, "1.000000000000000000", cand.Quantity.String())
}

func TestSelectCandidateSkipsSelfTrade(t *testing.T) {
	// Alice's own orders cross; her older buy is skipped and the newer sell
	// matches the next buyer.
	buys := []*book.Order{
		limit("b1", "alice", book.SideBuy, "51000", "1", t0),
		limit("b2", "bob", book.SideBuy, "50000", "1", t0.Add(time.Second)),
	}
	sells := []*book.Order{
		limit("s1", "alice", book.SideSell, "50000", "1", t0.Add(2*time.Second)),
	}

	cand, err := SelectCandidate(buys, sells, nil)
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, "b2", cand.Buy.OrderID)
	assert.Equal(t, "s1", cand.Sell.OrderID)
}

func TestSelectCandidateSelfTradeOnlyPairYieldsNothing(t *testing.T) {
	buys := []*book.Order{limit("b1", "alice", book.SideBuy, "51000", "1", t0)}
	sells := []*book.Order{limit("s1", "alice", book.SideSell, "50000", "1", t0.Add(time.Second))}

	cand, err := SelectCandidate(buys, sells, nil)
	require.NoError(t, err)
	assert.Nil(t, cand)
}
