package book

import (
	"sort"

	"github.com/google/btree"
)

// Price-time priority ordering. Buys rank by descending price, sells by
// ascending price; MARKET orders rank as the appropriate infinity. Ties
// break by timestamp, then lexicographic order id (sub-microsecond ties).

const btreeDegree = 16

// BuyPriority reports whether a outranks b on the buy side.
func BuyPriority(a, b *Order) bool {
	am, bm := a.Mode == ModeMarket, b.Mode == ModeMarket
	switch {
	case am != bm:
		return am // market buys price as +inf
	case !am:
		if !a.Price.Equal(*b.Price) {
			return a.Price.GT(*b.Price)
		}
	}
	return timeThenID(a, b)
}

// SellPriority reports whether a outranks b on the sell side.
func SellPriority(a, b *Order) bool {
	am, bm := a.Mode == ModeMarket, b.Mode == ModeMarket
	switch {
	case am != bm:
		return am // market sells price as -inf
	case !am:
		if !a.Price.Equal(*b.Price) {
			return a.Price.LT(*b.Price)
		}
	}
	return timeThenID(a, b)
}

func timeThenID(a, b *Order) bool {
	at, bt := a.Timestamp.Time, b.Timestamp.Time
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.OrderID < b.OrderID
}

// Older returns the order with the earlier timestamp (order id tie-break).
func Older(a, b *Order) *Order {
	if timeThenID(a, b) {
		return a
	}
	return b
}

// SortSide sorts orders in priority order for the given side.
func SortSide(side Side, orders []*Order) {
	less := BuyPriority
	if side == SideSell {
		less = SellPriority
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return less(orders[i], orders[j])
	})
}

// SideIndex is a price-time ordered index of resting orders for one side.
type SideIndex struct {
	side Side
	tree *btree.BTreeG[*Order]
	byID map[string]*Order
}

// NewSideIndex creates an empty index for the given side.
func NewSideIndex(side Side) *SideIndex {
	less := BuyPriority
	if side == SideSell {
		less = SellPriority
	}
	return &SideIndex{
		side: side,
		tree: btree.NewG(btreeDegree, btree.LessFunc[*Order](less)),
		byID: make(map[string]*Order),
	}
}

// Side returns the side this index holds.
func (x *SideIndex) Side() Side {
	return x.side
}

// Insert adds or replaces an order.
func (x *SideIndex) Insert(o *Order) {
	if prev, ok := x.byID[o.OrderID]; ok {
		x.tree.Delete(prev)
	}
	x.tree.ReplaceOrInsert(o)
	x.byID[o.OrderID] = o
}

// Delete removes an order by id.
func (x *SideIndex) Delete(orderID string) {
	if o, ok := x.byID[orderID]; ok {
		x.tree.Delete(o)
		delete(x.byID, orderID)
	}
}

// Best returns the highest-priority order, or nil when empty.
func (x *SideIndex) Best() *Order {
	best, ok := x.tree.Min()
	if !ok {
		return nil
	}
	return best
}

// Get returns an order by id.
func (x *SideIndex) Get(orderID string) (*Order, bool) {
	o, ok := x.byID[orderID]
	return o, ok
}

// Len returns the number of resting orders.
func (x *SideIndex) Len() int {
	return x.tree.Len()
}

// Ascend visits orders in priority order until fn returns false.
func (x *SideIndex) Ascend(fn func(*Order) bool) {
	x.tree.Ascend(func(o *Order) bool {
		return fn(o)
	})
}

// Orders returns all orders in priority order.
func (x *SideIndex) Orders() []*Order {
	out := make([]*Order, 0, x.tree.Len())
	x.tree.Ascend(func(o *Order) bool {
		out = append(out, o)
		return true
	})
	return out
}
