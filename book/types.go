// Package book defines the exchange domain model: trading pairs, orders,
// order books, trades, and holdings, in the shapes they take on the ledger.
package book

import (
	"strconv"
	"strings"

	"cosmossdk.io/math"

	"github.com/openalpha/clob-dex/errs"
	"github.com/openalpha/clob-dex/ledger"
)

// Side represents the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is a known value.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Mode represents the order mode.
type Mode string

const (
	ModeLimit  Mode = "LIMIT"
	ModeMarket Mode = "MARKET"
)

// Valid reports whether the mode is a known value.
func (m Mode) Valid() bool {
	return m == ModeLimit || m == ModeMarket
}

// Status represents the order status.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// Pair identifies a trading pair as canonical uppercase "BASE/QUOTE".
type Pair string

// ParsePair canonicalises and validates a trading pair string.
func ParsePair(s string) (Pair, error) {
	p := Pair(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", errs.ErrValidation.Wrapf("malformed trading pair %q", s)
	}
	return p, nil
}

// Valid reports whether the pair has non-empty base and quote symbols.
func (p Pair) Valid() bool {
	base, quote, ok := strings.Cut(string(p), "/")
	return ok && base != "" && quote != "" && !strings.Contains(quote, "/")
}

// Base returns the base token symbol.
func (p Pair) Base() string {
	base, _, _ := strings.Cut(string(p), "/")
	return base
}

// Quote returns the quote token symbol.
func (p Pair) Quote() string {
	_, quote, _ := strings.Cut(string(p), "/")
	return quote
}

// Order is an order contract payload.
type Order struct {
	OrderID          string           `json:"orderId"`
	Owner            string           `json:"owner"`
	Side             Side             `json:"side"`
	Mode             Mode             `json:"mode"`
	Pair             Pair             `json:"pair"`
	Price            *math.LegacyDec  `json:"price,omitempty"` // required iff LIMIT
	Quantity         math.LegacyDec   `json:"quantity"`
	Filled           math.LegacyDec   `json:"filled"`
	Status           Status           `json:"status"`
	Timestamp        ledger.Timestamp `json:"timestamp"`
	LockedHoldingRef string           `json:"lockedHoldingRef"`
	Operator         string           `json:"operator"`
	ClientOrderID    string           `json:"clientOrderId,omitempty"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() math.LegacyDec {
	return o.Quantity.Sub(o.Filled)
}

// IsActive reports whether the order can still be matched or cancelled.
func (o *Order) IsActive() bool {
	return o.Status == StatusOpen
}

// Validate checks the order invariants.
func (o *Order) Validate() error {
	if o.OrderID == "" {
		return errs.ErrValidation.Wrap("order id is required")
	}
	if o.Owner == "" {
		return errs.ErrValidation.Wrap("order owner is required")
	}
	if !o.Side.Valid() {
		return errs.ErrValidation.Wrapf("unknown side %q", o.Side)
	}
	if !o.Mode.Valid() {
		return errs.ErrValidation.Wrapf("unknown mode %q", o.Mode)
	}
	if !o.Pair.Valid() {
		return errs.ErrValidation.Wrapf("malformed pair %q", o.Pair)
	}
	if o.Mode == ModeLimit {
		if o.Price == nil || !o.Price.IsPositive() {
			return errs.ErrValidation.Wrap("limit orders require a positive price")
		}
	} else if o.Price != nil {
		return errs.ErrValidation.Wrap("market orders must not carry a price")
	}
	if o.Quantity.IsNil() || !o.Quantity.IsPositive() {
		return errs.ErrValidation.Wrap("quantity must be positive")
	}
	if o.Filled.IsNil() || o.Filled.IsNegative() || o.Filled.GT(o.Quantity) {
		return errs.ErrValidation.Wrap("filled must satisfy 0 <= filled <= quantity")
	}
	if o.Filled.Equal(o.Quantity) && o.Status != StatusFilled {
		return errs.ErrValidation.Wrap("fully filled order must have status FILLED")
	}
	if o.Status == StatusFilled && !o.Filled.Equal(o.Quantity) {
		return errs.ErrValidation.Wrap("FILLED order must have filled == quantity")
	}
	return nil
}

const remainderSep = "-R"

// RemainderID derives the order id of the n-th remainder successor.
func RemainderID(orderID string, seq int) string {
	return orderID + remainderSep + strconv.Itoa(seq)
}

// ParentOrderID strips remainder suffixes, recovering the root order id so
// fill progress can be attributed to the original submission.
func ParentOrderID(orderID string) string {
	for {
		idx := strings.LastIndex(orderID, remainderSep)
		if idx <= 0 {
			return orderID
		}
		if _, err := strconv.Atoi(orderID[idx+len(remainderSep):]); err != nil {
			return orderID
		}
		orderID = orderID[:idx]
	}
}

// RemainderSeq returns the highest remainder sequence in an order id, 0 for
// root orders.
func RemainderSeq(orderID string) int {
	seq := 0
	for {
		idx := strings.LastIndex(orderID, remainderSep)
		if idx <= 0 {
			return seq
		}
		n, err := strconv.Atoi(orderID[idx+len(remainderSep):])
		if err != nil {
			return seq
		}
		if n > seq {
			seq = n
		}
		orderID = orderID[:idx]
	}
}

// OrderBook is the global per-pair order book contract payload. Sides hold
// Order contract ids in priority order.
type OrderBook struct {
	Pair       Pair            `json:"pair"`
	BuyOrders  []string        `json:"buyOrders"`
	SellOrders []string        `json:"sellOrders"`
	LastPrice  *math.LegacyDec `json:"lastPrice,omitempty"`
	Operator   string          `json:"operator"`
	Public     string          `json:"public"`
}

// Depth returns the number of resting orders per side.
func (b *OrderBook) Depth() (buys, sells int) {
	return len(b.BuyOrders), len(b.SellOrders)
}

// Contains reports whether the book references the given order contract.
func (b *OrderBook) Contains(contractID string) bool {
	for _, id := range b.BuyOrders {
		if id == contractID {
			return true
		}
	}
	for _, id := range b.SellOrders {
		if id == contractID {
			return true
		}
	}
	return false
}

// Trade is an executed trade contract payload. Immutable once created.
type Trade struct {
	TradeID   string           `json:"tradeId"`
	Buyer     string           `json:"buyer"`
	Seller    string           `json:"seller"`
	Pair      Pair             `json:"pair"`
	Price     math.LegacyDec   `json:"price"`
	Quantity  math.LegacyDec   `json:"quantity"`
	Timestamp ledger.Timestamp `json:"timestamp"`
}

// Holding is a tokenised asset record owned by a party. Locked holdings are
// bound to an order and excluded from the free balance.
type Holding struct {
	Owner     string         `json:"owner"`
	Symbol    string         `json:"symbol"`
	Amount    math.LegacyDec `json:"amount"`
	Locked    bool           `json:"locked"`
	LockedFor string         `json:"lockedFor,omitempty"` // order id when locked
	Operator  string         `json:"operator"`
}
