package ledgertest

import (
	"context"
	"sort"

	"cosmossdk.io/math"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/ledger"
)

// Test setup and inspection helpers.

// SeedHolding creates a free holding directly, bypassing command submission.
// Returns the holding contract id.
func (l *Ledger) SeedHolding(owner, symbol string, amount math.LegacyDec, operator string) string {
	return l.seed(l.templateID(book.ModuleToken, book.EntityHolding), "holding", &book.Holding{
		Owner:    owner,
		Symbol:   symbol,
		Amount:   amount,
		Operator: operator,
	})
}

// SeedBook creates an empty order book for a pair. Returns the contract id.
func (l *Ledger) SeedBook(pair book.Pair, operator, public string) string {
	return l.seed(l.templateID(book.ModuleExchange, book.EntityOrderBook), "book", &book.OrderBook{
		Pair:       pair,
		BuyOrders:  []string{},
		SellOrders: []string{},
		Operator:   operator,
		Public:     public,
	})
}

func (l *Ledger) seed(tmpl ledger.TemplateID, prefix string, payload any) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := &txn{l: l, offset: l.offset + 1}
	c := tx.createContract(tmpl, prefix, payload)
	l.offset = tx.offset
	update := ledger.Update{Offset: tx.offset, Events: tx.events}
	l.updates = append(l.updates, update)
	for _, sub := range l.subs {
		select {
		case sub <- update:
		default:
		}
	}
	return c.id
}

// Offset returns the current ledger end offset.
func (l *Ledger) Offset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset
}

// BookFor returns the active order book for a pair.
func (l *Ledger) BookFor(pair book.Pair) (*book.OrderBook, string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.contracts {
		if !c.active {
			continue
		}
		if bk, ok := c.payload.(*book.OrderBook); ok && bk.Pair == pair {
			cp := cloneBook(bk)
			return cp, c.id, true
		}
	}
	return nil, "", false
}

// OrderByID returns the active order with the given order id.
func (l *Ledger) OrderByID(orderID string) (*book.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, o, ok := l.activeOrder(orderID)
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// OrderAt returns the active order payload behind a contract id.
func (l *Ledger) OrderAt(contractID string) (*book.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := l.orderAt(contractID)
	if o == nil {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// Trades returns all trades in creation order.
func (l *Ledger) Trades() []book.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	type entry struct {
		at uint64
		tr book.Trade
	}
	var entries []entry
	for _, c := range l.contracts {
		if tr, ok := c.payload.(*book.Trade); ok {
			entries = append(entries, entry{at: c.createdAt, tr: *tr})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at < entries[j].at })
	out := make([]book.Trade, len(entries))
	for i, e := range entries {
		out[i] = e.tr
	}
	return out
}

// FreeBalance sums the active unlocked holdings of a party in a symbol.
func (l *Ledger) FreeBalance(owner, symbol string) math.LegacyDec {
	return l.balance(owner, symbol, false)
}

// LockedBalance sums the active locked holdings of a party in a symbol.
func (l *Ledger) LockedBalance(owner, symbol string) math.LegacyDec {
	return l.balance(owner, symbol, true)
}

func (l *Ledger) balance(owner, symbol string, locked bool) math.LegacyDec {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := math.LegacyZeroDec()
	for _, c := range l.contracts {
		if !c.active {
			continue
		}
		h, ok := c.payload.(*book.Holding)
		if ok && h.Owner == owner && h.Symbol == symbol && h.Locked == locked {
			sum = sum.Add(h.Amount)
		}
	}
	return sum
}

// Ping reports the fake ledger as always reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return ctx.Err()
}
