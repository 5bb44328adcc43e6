package ledgertest

import (
	"cosmossdk.io/math"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/errs"
	"github.com/openalpha/clob-dex/ledger"
)

// Choice bodies. Each runs under the ledger mutex inside one submission.

func (t *txn) addOrder(c *contract, bk *book.OrderBook, cmd *ledger.ExerciseCommand) error {
	arg, err := reshape[book.AddOrderArgument](cmd.Argument)
	if err != nil {
		return err
	}
	if !t.actsAs(arg.Owner) {
		return errs.ErrPermissionDenied.Wrapf("adding an order requires actAs %s", arg.Owner)
	}

	order := &book.Order{
		OrderID:          arg.OrderID,
		Owner:            arg.Owner,
		Side:             arg.Side,
		Mode:             arg.Mode,
		Pair:             bk.Pair,
		Quantity:         math.LegacyZeroDec(),
		Filled:           math.LegacyZeroDec(),
		Status:           book.StatusOpen,
		Timestamp:        arg.Timestamp,
		LockedHoldingRef: arg.LockedHoldingRef,
		Operator:         bk.Operator,
		ClientOrderID:    arg.ClientOrderID,
	}
	if order.Quantity, err = ledger.ParseDec(arg.Quantity); err != nil {
		return errs.ErrValidation.Wrapf("malformed quantity %q", arg.Quantity)
	}
	if arg.Price != nil {
		p, err := ledger.ParseDec(*arg.Price)
		if err != nil {
			return errs.ErrValidation.Wrapf("malformed price %q", *arg.Price)
		}
		order.Price = &p
	}
	if err := order.Validate(); err != nil {
		return err
	}
	if _, _, ok := t.l.activeOrder(order.OrderID); ok {
		return errs.ErrLedgerRejected.Wrapf("order id %s already exists", order.OrderID)
	}

	_, holding, err := t.lockedHoldingFor(arg.LockedHoldingRef, order)
	if err != nil {
		return err
	}
	if err := checkLockCovers(holding, order, bk.Pair); err != nil {
		return err
	}

	oc := t.createContract(t.l.templateID(book.ModuleExchange, book.EntityOrder), "order", order)

	side := &bk.BuyOrders
	if order.Side == book.SideSell {
		side = &bk.SellOrders
	}
	next := cloneBook(bk)
	dst := &next.BuyOrders
	if order.Side == book.SideSell {
		dst = &next.SellOrders
	}
	idx, err := t.insertionIndex(*side, order)
	if err != nil {
		return err
	}
	*dst = append(append(append([]string{}, (*side)[:idx]...), oc.id), (*side)[idx:]...)

	t.archive(c)
	t.createContract(c.tmpl, "book", next)
	return nil
}

func (t *txn) cancelOrder(c *contract, bk *book.OrderBook, cmd *ledger.ExerciseCommand) error {
	arg, err := reshape[book.CancelOrderArgument](cmd.Argument)
	if err != nil {
		return err
	}

	cid, order, side, err := t.orderOnBook(bk, arg.OrderID)
	if err != nil {
		return err
	}
	if !t.actsAs(order.Owner) && !t.actsAs(bk.Operator) {
		return errs.ErrPermissionDenied.Wrapf("cancelling %s requires actAs %s", arg.OrderID, order.Owner)
	}

	oc := t.l.contracts[cid]
	t.archive(oc)
	cancelled := *order
	cancelled.Status = book.StatusCancelled
	t.createContract(oc.tmpl, "order", &cancelled)

	// Refund the locked holding backing the order.
	if hc, holding, ok := t.l.lockedHolding(order.OrderID); ok {
		t.archive(hc)
		free := *holding
		free.Locked = false
		free.LockedFor = ""
		t.createContract(hc.tmpl, "holding", &free)
	}

	next := cloneBook(bk)
	if side == book.SideBuy {
		next.BuyOrders = removeRef(next.BuyOrders, cid)
	} else {
		next.SellOrders = removeRef(next.SellOrders, cid)
	}
	t.archive(c)
	t.createContract(c.tmpl, "book", next)
	return nil
}

func (t *txn) match(c *contract, bk *book.OrderBook, cmd *ledger.ExerciseCommand) error {
	if !t.actsAs(bk.Operator) {
		return errs.ErrPermissionDenied.Wrapf("matching requires actAs %s", bk.Operator)
	}
	arg, err := reshape[book.MatchArgument](cmd.Argument)
	if err != nil {
		return err
	}
	price, err := ledger.ParseDec(arg.Price)
	if err != nil || !price.IsPositive() {
		return errs.ErrValidation.Wrapf("malformed trade price %q", arg.Price)
	}
	qty, err := ledger.ParseDec(arg.Quantity)
	if err != nil || !qty.IsPositive() {
		return errs.ErrValidation.Wrapf("malformed trade quantity %q", arg.Quantity)
	}

	// Engine candidates are re-validated against current book state. A
	// candidate that has since left the book is contention, not rejection.
	buyCID, buy, _, err := t.orderOnBook(bk, arg.BuyOrderID)
	if err != nil {
		return errs.ErrConflict.Wrapf("buy order %s is no longer on the book", arg.BuyOrderID)
	}
	sellCID, sell, _, err := t.orderOnBook(bk, arg.SellOrderID)
	if err != nil {
		return errs.ErrConflict.Wrapf("sell order %s is no longer on the book", arg.SellOrderID)
	}
	if buy.Side != book.SideBuy || sell.Side != book.SideSell {
		return errs.ErrLedgerRejected.Wrap("candidates are on the wrong sides")
	}
	if buy.Owner == sell.Owner {
		return errs.ErrLedgerRejected.Wrapf("self trade for party %s", buy.Owner)
	}
	if qty.GT(buy.Remaining()) || qty.GT(sell.Remaining()) {
		return errs.ErrLedgerRejected.Wrap("trade quantity exceeds remaining quantity")
	}
	if buy.Mode == book.ModeLimit && buy.Price.LT(price) {
		return errs.ErrLedgerRejected.Wrap("trade price above buy limit")
	}
	if sell.Mode == book.ModeLimit && sell.Price.GT(price) {
		return errs.ErrLedgerRejected.Wrap("trade price below sell limit")
	}

	t.createContract(t.l.templateID(book.ModuleExchange, book.EntityTrade), "trade", &book.Trade{
		TradeID:   arg.TradeID,
		Buyer:     buy.Owner,
		Seller:    sell.Owner,
		Pair:      bk.Pair,
		Price:     price,
		Quantity:  qty,
		Timestamp: ledger.At(t.l.now()),
	})

	// Successor ids are fixed up front so residual locks can name them.
	buyNextID := t.successorID(buy, qty)
	sellNextID := t.successorID(sell, qty)

	if err := t.settleLeg(sell, qty, buy.Owner, sellNextID); err != nil {
		return err
	}
	if err := t.settleLeg(buy, qty.Mul(price), sell.Owner, buyNextID); err != nil {
		return err
	}

	buyRef := t.fillOrder(buyCID, buy, qty, buyNextID)
	sellRef := t.fillOrder(sellCID, sell, qty, sellNextID)

	next := cloneBook(bk)
	next.BuyOrders = replaceRef(next.BuyOrders, buyCID, buyRef)
	next.SellOrders = replaceRef(next.SellOrders, sellCID, sellRef)
	p := price
	next.LastPrice = &p
	t.archive(c)
	t.createContract(c.tmpl, "book", next)
	return nil
}

func (t *txn) lockHolding(c *contract, cmd *ledger.ExerciseCommand) error {
	holding := c.payload.(*book.Holding)
	if holding.Locked {
		return errs.ErrConflict.Wrapf("holding %s is already locked", c.id)
	}
	if !t.actsAs(holding.Owner) {
		return errs.ErrPermissionDenied.Wrapf("locking requires actAs %s", holding.Owner)
	}
	arg, err := reshape[book.LockArgument](cmd.Argument)
	if err != nil {
		return err
	}
	amount, err := ledger.ParseDec(arg.Amount)
	if err != nil || !amount.IsPositive() {
		return errs.ErrValidation.Wrapf("malformed lock amount %q", arg.Amount)
	}
	if amount.GT(holding.Amount) {
		return errs.ErrLedgerRejected.Wrapf("insufficient %s balance: have %s, need %s",
			holding.Symbol, holding.Amount, amount)
	}

	t.archive(c)
	locked := *holding
	locked.Amount = amount
	locked.Locked = true
	locked.LockedFor = arg.OrderID
	t.createContract(c.tmpl, "holding", &locked)

	if rest := holding.Amount.Sub(amount); rest.IsPositive() {
		free := *holding
		free.Amount = rest
		t.createContract(c.tmpl, "holding", &free)
	}
	return nil
}

// successorID returns the id the order carries after a fill of qty: the same
// id for a full fill, the next remainder id otherwise.
func (t *txn) successorID(o *book.Order, qty math.LegacyDec) string {
	if o.Filled.Add(qty).Equal(o.Quantity) {
		return o.OrderID
	}
	root := book.ParentOrderID(o.OrderID)
	return book.RemainderID(root, book.RemainderSeq(o.OrderID)+1)
}

// fillOrder archives the order and creates its successor. A full fill yields
// a terminal FILLED contract off the book; a partial fill yields a remainder
// with the residual quantity and the original timestamp, keeping its queue
// position. Returns the successor contract id for the book, "" when filled.
func (t *txn) fillOrder(cid string, o *book.Order, qty math.LegacyDec, nextID string) string {
	oc := t.l.contracts[cid]
	t.archive(oc)

	if nextID == o.OrderID {
		filled := *o
		filled.Filled = o.Quantity
		filled.Status = book.StatusFilled
		t.createContract(oc.tmpl, "order", &filled)
		return ""
	}

	rem := *o
	rem.OrderID = nextID
	rem.Quantity = o.Remaining().Sub(qty)
	rem.Filled = math.LegacyZeroDec()
	if hc, _, ok := t.l.lockedHolding(nextID); ok {
		rem.LockedHoldingRef = hc.id
	}
	nc := t.createContract(oc.tmpl, "order", &rem)
	return nc.id
}

// settleLeg pays `amount` out of the locked holding backing order o to the
// counterparty as a free holding. A residual stays locked for the remainder
// order, or is refunded free when the order filled completely.
func (t *txn) settleLeg(o *book.Order, amount math.LegacyDec, counterparty, nextID string) error {
	hc, holding, ok := t.l.lockedHolding(o.OrderID)
	if !ok {
		return errs.ErrLedgerRejected.Wrapf("no locked holding backs order %s", o.OrderID)
	}
	if amount.GT(holding.Amount) {
		return errs.ErrLedgerRejected.Wrapf("locked %s holding cannot cover settlement: have %s, need %s",
			holding.Symbol, holding.Amount, amount)
	}

	t.archive(hc)
	t.createContract(hc.tmpl, "holding", &book.Holding{
		Owner:    counterparty,
		Symbol:   holding.Symbol,
		Amount:   amount,
		Operator: holding.Operator,
	})

	rest := holding.Amount.Sub(amount)
	if !rest.IsPositive() {
		return nil
	}
	residual := *holding
	residual.Amount = rest
	if nextID == o.OrderID {
		// Fully filled below its limit: refund the unspent lock.
		residual.Locked = false
		residual.LockedFor = ""
	} else {
		residual.LockedFor = nextID
	}
	t.createContract(hc.tmpl, "holding", &residual)
	return nil
}

// lockedHoldingFor validates the holding referenced by an AddOrder argument.
func (t *txn) lockedHoldingFor(ref string, o *book.Order) (*contract, *book.Holding, error) {
	c, ok := t.l.contracts[ref]
	if !ok || !c.active {
		return nil, nil, errs.ErrLedgerRejected.Wrapf("locked holding %s is not active", ref)
	}
	holding, ok := c.payload.(*book.Holding)
	if !ok {
		return nil, nil, errs.ErrLedgerRejected.Wrapf("contract %s is not a holding", ref)
	}
	if !holding.Locked || holding.LockedFor != o.OrderID || holding.Owner != o.Owner {
		return nil, nil, errs.ErrLedgerRejected.Wrapf("holding %s is not locked for order %s", ref, o.OrderID)
	}
	return c, holding, nil
}

// checkLockCovers verifies the locked amount funds the order: base quantity
// for sells, price*quantity for limit buys. Market buys lock a spend cap the
// submitter chose, so any positive lock is acceptable.
func checkLockCovers(h *book.Holding, o *book.Order, pair book.Pair) error {
	switch o.Side {
	case book.SideSell:
		if h.Symbol != pair.Base() {
			return errs.ErrLedgerRejected.Wrapf("sell orders must lock %s, got %s", pair.Base(), h.Symbol)
		}
		if h.Amount.LT(o.Quantity) {
			return errs.ErrLedgerRejected.Wrapf("locked %s %s does not cover quantity %s", h.Amount, h.Symbol, o.Quantity)
		}
	case book.SideBuy:
		if h.Symbol != pair.Quote() {
			return errs.ErrLedgerRejected.Wrapf("buy orders must lock %s, got %s", pair.Quote(), h.Symbol)
		}
		if o.Mode == book.ModeLimit {
			cost := o.Price.Mul(o.Quantity)
			if h.Amount.LT(cost) {
				return errs.ErrLedgerRejected.Wrapf("locked %s %s does not cover cost %s", h.Amount, h.Symbol, cost)
			}
		}
	}
	return nil
}

// orderOnBook resolves an order id to its contract on either side of the book.
func (t *txn) orderOnBook(bk *book.OrderBook, orderID string) (string, *book.Order, book.Side, error) {
	for _, cid := range bk.BuyOrders {
		if o := t.l.orderAt(cid); o != nil && o.OrderID == orderID {
			return cid, o, book.SideBuy, nil
		}
	}
	for _, cid := range bk.SellOrders {
		if o := t.l.orderAt(cid); o != nil && o.OrderID == orderID {
			return cid, o, book.SideSell, nil
		}
	}
	return "", nil, "", errs.ErrNotFound.Wrapf("order %s is not on the %s book", orderID, bk.Pair)
}

// insertionIndex finds the price-time position for a new order among the
// side's existing contract refs.
func (t *txn) insertionIndex(refs []string, o *book.Order) (int, error) {
	less := book.BuyPriority
	if o.Side == book.SideSell {
		less = book.SellPriority
	}
	for i, cid := range refs {
		resting := t.l.orderAt(cid)
		if resting == nil {
			return 0, errs.ErrInternal.Wrapf("book references unknown order contract %s", cid)
		}
		if less(o, resting) {
			return i, nil
		}
	}
	return len(refs), nil
}

func (l *Ledger) orderAt(contractID string) *book.Order {
	c, ok := l.contracts[contractID]
	if !ok || !c.active {
		return nil
	}
	o, _ := c.payload.(*book.Order)
	return o
}

func (l *Ledger) activeOrder(orderID string) (*contract, *book.Order, bool) {
	for _, c := range l.contracts {
		if !c.active {
			continue
		}
		if o, ok := c.payload.(*book.Order); ok && o.OrderID == orderID {
			return c, o, true
		}
	}
	return nil, nil, false
}

func (l *Ledger) lockedHolding(orderID string) (*contract, *book.Holding, bool) {
	for _, c := range l.contracts {
		if !c.active {
			continue
		}
		if h, ok := c.payload.(*book.Holding); ok && h.Locked && h.LockedFor == orderID {
			return c, h, true
		}
	}
	return nil, nil, false
}

func cloneBook(bk *book.OrderBook) *book.OrderBook {
	next := *bk
	next.BuyOrders = append([]string{}, bk.BuyOrders...)
	next.SellOrders = append([]string{}, bk.SellOrders...)
	return &next
}

func removeRef(refs []string, cid string) []string {
	out := refs[:0]
	for _, r := range refs {
		if r != cid {
			out = append(out, r)
		}
	}
	return out
}

// replaceRef swaps cid for next in place, or removes it when next is empty.
func replaceRef(refs []string, cid, next string) []string {
	if next == "" {
		return removeRef(refs, cid)
	}
	for i, r := range refs {
		if r == cid {
			refs[i] = next
		}
	}
	return refs
}
