package book

import (
	"testing"

	"cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/clob-dex/ledger"
)

func TestParsePair(t *testing.T) {
	tests := []struct {
		in      string
		want    Pair
		wantErr bool
	}{
		{in: "BTC/USDT", want: "BTC/USDT"},
		{in: " btc/usdt ", want: "BTC/USDT"},
		{in: "eth/USDC", want: "ETH/USDC"},
		{in: "BTCUSDT", wantErr: true},
		{in: "/USDT", wantErr: true},
		{in: "BTC/", wantErr: true},
		{in: "BTC/US/DT", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePair(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestPairComponents(t *testing.T) {
	p := Pair("BTC/USDT")
	assert.Equal(t, "BTC", p.Base())
	assert.Equal(t, "USDT", p.Quote())
}

func validOrder() Order {
	price := math.LegacyNewDec(50000)
	return Order{
		OrderID:          "ord-1",
		Owner:            "alice",
		Side:             SideBuy,
		Mode:             ModeLimit,
		Pair:             "BTC/USDT",
		Price:            &price,
		Quantity:         math.LegacyNewDec(1),
		Filled:           math.LegacyZeroDec(),
		Status:           StatusOpen,
		Timestamp:        ledger.Now(),
		LockedHoldingRef: "holding-1",
		Operator:         "operator",
	}
}

func TestOrderValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Order)
		ok     bool
	}{
		{"valid limit", func(o *Order) {}, true},
		{"valid market", func(o *Order) { o.Mode = ModeMarket; o.Price = nil }, true},
		{"missing id", func(o *Order) { o.OrderID = "" }, false},
		{"missing owner", func(o *Order) { o.Owner = "" }, false},
		{"bad side", func(o *Order) { o.Side = "LONG" }, false},
		{"bad pair", func(o *Order) { o.Pair = "BTCUSDT" }, false},
		{"limit without price", func(o *Order) { o.Price = nil }, false},
		{"market with price", func(o *Order) { o.Mode = ModeMarket }, false},
		{"zero quantity", func(o *Order) { o.Quantity = math.LegacyZeroDec() }, false},
		{"filled above quantity", func(o *Order) { o.Filled = math.LegacyNewDec(2) }, false},
		{"full fill still open", func(o *Order) { o.Filled = o.Quantity }, false},
		{"filled status with partial fill", func(o *Order) { o.Status = StatusFilled }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOrder()
			tt.mutate(&o)
			err := o.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRemaining(t *testing.T) {
	o := validOrder()
	o.Filled = math.LegacyMustNewDecFromStr("0.3")
	assert.Equal(t, "0.700000000000000000", o.Remaining().String())
}

func TestRemainderIDs(t *testing.T) {
	assert.Equal(t, "ord-1-R1", RemainderID("ord-1", 1))
	assert.Equal(t, "ord-1", ParentOrderID("ord-1-R1"))
	assert.Equal(t, "ord-1", ParentOrderID("ord-1-R2"))
	assert.Equal(t, "ord-1", ParentOrderID("ord-1"))
	assert.Equal(t, 0, RemainderSeq("ord-1"))
	assert.Equal(t, 2, RemainderSeq("ord-1-R2"))

	// An id that happens to contain -R without a numeric suffix is a root id.
	assert.Equal(t, "abc-Rx", ParentOrderID("abc-Rx"))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusOpen.Terminal())
	assert.True(t, StatusFilled.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestOrderBookContains(t *testing.T) {
	bk := OrderBook{BuyOrders: []string{"c1"}, SellOrders: []string{"c2"}}
	assert.True(t, bk.Contains("c1"))
	assert.True(t, bk.Contains("c2"))
	assert.False(t, bk.Contains("c3"))
	buys, sells := bk.Depth()
	assert.Equal(t, 1, buys)
	assert.Equal(t, 1, sells)
}
