package fanout

import (
	"sync"

	"github.com/huandu/skiplist"

	"github.com/openalpha/clob-dex/book"
)

// defaultTradeLogDepth bounds the in-memory trade history.
const defaultTradeLogDepth = 4096

// TradeLog keeps recent trades ordered by ledger offset for the public
// trades endpoint. Oldest entries are evicted at capacity.
type TradeLog struct {
	mu    sync.Mutex
	list  *skiplist.SkipList
	depth int
}

// NewTradeLog creates a trade log with the given depth, default when zero.
func NewTradeLog(depth int) *TradeLog {
	if depth <= 0 {
		depth = defaultTradeLogDepth
	}
	return &TradeLog{
		list:  skiplist.New(skiplist.Uint64),
		depth: depth,
	}
}

// Append records trades observed at a ledger offset.
func (t *TradeLog) Append(offset uint64, trades []book.Trade) {
	if len(trades) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, tr := range trades {
		t.list.Set(offset<<16|uint64(i), tr)
	}
	for t.list.Len() > t.depth {
		t.list.RemoveFront()
	}
}

// Recent returns up to limit trades, newest first, optionally filtered by
// pair (empty matches all).
func (t *TradeLog) Recent(pair book.Pair, limit int) []book.Trade {
	if limit <= 0 {
		limit = 50
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]book.Trade, 0, limit)
	for el := t.list.Back(); el != nil && len(out) < limit; el = el.Prev() {
		tr := el.Value.(book.Trade)
		if pair != "" && tr.Pair != pair {
			continue
		}
		out = append(out, tr)
	}
	return out
}

// Len reports the number of retained trades.
func (t *TradeLog) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list.Len()
}
