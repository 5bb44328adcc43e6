// Package engine runs the matching loop: one cooperative worker per trading
// pair, each repeatedly selecting the best crossing candidate and settling it
// through the order book's Match choice.
package engine

import (
	"cosmossdk.io/math"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/errs"
)

// Candidate is a matchable buy/sell pair with the derived settlement terms.
type Candidate struct {
	Buy      *book.Order
	Sell     *book.Order
	Price    math.LegacyDec
	Quantity math.LegacyDec
}

// Crosses reports whether the best buy and best sell are matchable.
// MARKET orders cross anything on the opposite side.
func Crosses(buy, sell *book.Order) bool {
	if buy.Mode == book.ModeMarket || sell.Mode == book.ModeMarket {
		return true
	}
	return buy.Price.GTE(*sell.Price)
}

// TradePrice derives the execution price: the resting order's price wins,
// where the resting order is the earlier one. When MARKET is involved the
// LIMIT side's price is used. Two MARKET orders settle at lastPrice; without
// one the match is an operational error.
func TradePrice(buy, sell *book.Order, lastPrice *math.LegacyDec) (math.LegacyDec, error) {
	buyMarket := buy.Mode == book.ModeMarket
	sellMarket := sell.Mode == book.ModeMarket

	switch {
	case buyMarket && sellMarket:
		if lastPrice == nil {
			return math.LegacyDec{}, errs.ErrInternal.Wrap(
				"two market orders crossed with no last price to settle at")
		}
		return *lastPrice, nil
	case buyMarket:
		return *sell.Price, nil
	case sellMarket:
		return *buy.Price, nil
	}
	if book.Older(buy, sell) == buy {
		return *buy.Price, nil
	}
	return *sell.Price, nil
}

// FillQty is the executable quantity: the smaller remaining of the two.
func FillQty(buy, sell *book.Order) math.LegacyDec {
	br, sr := buy.Remaining(), sell.Remaining()
	if br.LT(sr) {
		return br
	}
	return sr
}

// SelectCandidate walks the priority-sorted sides and returns the best
// matchable candidate, skipping self-trades by advancing past the older of
// the two orders. Returns nil when nothing crosses.
func SelectCandidate(buys, sells []*book.Order, lastPrice *math.LegacyDec) (*Candidate, error) {
	i, j := 0, 0
	for i < len(buys) && j < len(sells) {
		buy, sell := buys[i], sells[j]
		if !Crosses(buy, sell) {
			return nil, nil
		}
		if buy.Owner == sell.Owner {
			// Self-trade prevention: step past the older order, the
			// newer one keeps its shot at the next counterparty.
			if book.Older(buy, sell) == buy {
				i++
			} else {
				j++
			}
			continue
		}
		price, err := TradePrice(buy, sell, lastPrice)
		if err != nil {
			return nil, err
		}
		return &Candidate{Buy: buy, Sell: sell, Price: price, Quantity: FillQty(buy, sell)}, nil
	}
	return nil, nil
}
