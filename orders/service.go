// Package orders implements the order lifecycle: placing, cancelling, and
// reading back orders and balances. All writes go through the ledger; the
// service holds no order state of its own.
package orders

import (
	"context"
	"sort"

	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/errs"
	"github.com/openalpha/clob-dex/ledger"
)

// DefaultMaxConflictRetries bounds refresh-and-retry cycles on stale book
// contract ids.
const DefaultMaxConflictRetries = 3

// Service exposes order lifecycle operations on top of the ledger gateway
// and the order book repository.
type Service struct {
	gw       ledger.Gateway
	repo     *book.Repository
	tmpl     *book.Templates
	operator string
	retries  uint64
	log      log.Logger
}

// NewService creates the order lifecycle service.
func NewService(gw ledger.Gateway, repo *book.Repository, tmpl *book.Templates, operator string, logger log.Logger) *Service {
	return &Service{
		gw:       gw,
		repo:     repo,
		tmpl:     tmpl,
		operator: operator,
		retries:  DefaultMaxConflictRetries,
		log:      logger.With("component", "orders"),
	}
}

// PlaceRequest describes a new order. Price is required for LIMIT orders and
// forbidden for MARKET orders. SpendCap is the quote amount a MARKET buy is
// willing to lock; it is ignored otherwise.
type PlaceRequest struct {
	Owner         string
	Pair          string
	Side          book.Side
	Mode          book.Mode
	Price         string
	Quantity      string
	SpendCap      string
	ClientOrderID string
}

// PlaceResult is the outcome of a successful placement.
type PlaceResult struct {
	Order        *book.Order
	CommandID    string
	UpdateOffset uint64
}

// PlaceOrder reserves funds and adds the order to the book. The lock completes
// before AddOrder is submitted; a stale book contract id is refreshed and
// retried a bounded number of times.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	pair, qty, price, err := s.validatePlace(req)
	if err != nil {
		return nil, err
	}

	// The book must exist before any funds move.
	if _, err := s.repo.Ref(ctx, pair); err != nil {
		return nil, err
	}

	orderID := uuid.NewString()
	lockSymbol, lockAmount, err := lockTerms(req, pair, qty, price)
	if err != nil {
		return nil, err
	}
	lockedRef, err := s.lockFunds(ctx, req.Owner, orderID, lockSymbol, lockAmount)
	if err != nil {
		return nil, err
	}

	ts := ledger.Now()
	arg := book.AddOrderArgument{
		OrderID:          orderID,
		Owner:            req.Owner,
		Side:             req.Side,
		Mode:             req.Mode,
		Quantity:         qty.String(),
		Timestamp:        ts,
		LockedHoldingRef: lockedRef,
		ClientOrderID:    req.ClientOrderID,
	}
	if price != nil {
		p := price.String()
		arg.Price = &p
	}

	commandID := "place-order:" + orderID
	var result *ledger.SubmitResult
	err = ledger.Retry(ctx, s.retries, func() error {
		ref, err := s.repo.Ref(ctx, pair)
		if err != nil {
			return err
		}
		result, err = s.gw.Submit(ctx, ledger.SubmitRequest{
			CommandID: commandID,
			ActAs:     []string{req.Owner, s.operator},
			Commands: []ledger.Command{ledger.NewExercise(
				s.tmpl.OrderBook, ref.ContractID, book.ChoiceAddOrder, arg,
			)},
		})
		if errs.IsRetryable(err) {
			s.repo.Invalidate(pair)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	order := orderFromEvents(result.Events, orderID)
	if order == nil {
		return nil, errs.ErrInternal.Wrapf("placement of %s produced no order event", orderID)
	}
	s.log.Info("order placed",
		"orderId", orderID, "owner", req.Owner, "pair", pair,
		"side", req.Side, "mode", req.Mode, "quantity", qty.String())
	return &PlaceResult{Order: order, CommandID: commandID, UpdateOffset: result.UpdateOffset}, nil
}

func (s *Service) validatePlace(req PlaceRequest) (book.Pair, math.LegacyDec, *math.LegacyDec, error) {
	var zero math.LegacyDec
	if req.Owner == "" {
		return "", zero, nil, errs.ErrValidation.Wrap("owner is required")
	}
	pair, err := book.ParsePair(req.Pair)
	if err != nil {
		return "", zero, nil, err
	}
	if !req.Side.Valid() {
		return "", zero, nil, errs.ErrValidation.Wrapf("unknown side %q", req.Side)
	}
	if !req.Mode.Valid() {
		return "", zero, nil, errs.ErrValidation.Wrapf("unknown mode %q", req.Mode)
	}
	qty, err := ledger.ParseDec(req.Quantity)
	if err != nil || !qty.IsPositive() {
		return "", zero, nil, errs.ErrValidation.Wrapf("quantity must be a positive decimal, got %q", req.Quantity)
	}

	var price *math.LegacyDec
	switch req.Mode {
	case book.ModeLimit:
		p, err := ledger.ParseDec(req.Price)
		if err != nil || !p.IsPositive() {
			return "", zero, nil, errs.ErrValidation.Wrapf("limit orders require a positive price, got %q", req.Price)
		}
		price = &p
	case book.ModeMarket:
		if req.Price != "" {
			return "", zero, nil, errs.ErrValidation.Wrap("market orders must not carry a price")
		}
	}
	return pair, qty, price, nil
}

// lockTerms returns the symbol and amount the order must reserve.
func lockTerms(req PlaceRequest, pair book.Pair, qty math.LegacyDec, price *math.LegacyDec) (string, math.LegacyDec, error) {
	if req.Side == book.SideSell {
		return pair.Base(), qty, nil
	}
	if req.Mode == book.ModeLimit {
		return pair.Quote(), qty.Mul(*price), nil
	}
	spendCap, err := ledger.ParseDec(req.SpendCap)
	if err != nil || !spendCap.IsPositive() {
		return "", math.LegacyDec{}, errs.ErrValidation.Wrapf(
			"market buys require a positive spendCap, got %q", req.SpendCap)
	}
	return pair.Quote(), spendCap, nil
}

// lockFunds picks a free holding covering the amount and locks it for the
// order. Returns the locked holding contract id.
func (s *Service) lockFunds(ctx context.Context, owner, orderID, symbol string, amount math.LegacyDec) (string, error) {
	contracts, err := s.gw.QueryActive(ctx, owner, s.tmpl.Holding)
	if err != nil {
		return "", err
	}

	var holdingCID string
	for _, c := range contracts {
		h, err := ledger.DecodePayload[book.Holding](c.Payload)
		if err != nil {
			return "", err
		}
		if h.Owner == owner && h.Symbol == symbol && !h.Locked && !h.Amount.LT(amount) {
			holdingCID = c.ContractID
			break
		}
	}
	if holdingCID == "" {
		return "", errs.ErrLedgerRejected.Wrapf("no free %s holding of %s covers %s", symbol, owner, amount)
	}

	result, err := s.gw.Submit(ctx, ledger.SubmitRequest{
		CommandID: "lock:" + orderID,
		ActAs:     []string{owner},
		Commands: []ledger.Command{ledger.NewExercise(
			s.tmpl.Holding, holdingCID, book.ChoiceLock,
			book.LockArgument{Amount: amount.String(), OrderID: orderID},
		)},
	})
	if err != nil {
		return "", err
	}
	for _, ev := range result.Events {
		if ev.Kind != ledger.EventCreated || !ev.TemplateID.Matches(book.ModuleToken, book.EntityHolding) {
			continue
		}
		h, err := ledger.DecodePayload[book.Holding](ev.Payload)
		if err != nil {
			return "", err
		}
		if h.Locked && h.LockedFor == orderID {
			return ev.ContractID, nil
		}
	}
	return "", errs.ErrInternal.Wrapf("lock for order %s produced no locked holding", orderID)
}

// CancelOrder cancels an OPEN order owned by owner. Terminal orders conflict;
// unknown orders are not found.
func (s *Service) CancelOrder(ctx context.Context, owner, orderID string) (*book.Order, uint64, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return nil, 0, err
	}
	if order.Owner != owner {
		return nil, 0, errs.ErrPermissionDenied.Wrapf("order %s is not owned by %s", orderID, owner)
	}
	if order.Status.Terminal() {
		return nil, 0, errs.ErrConflict.Wrapf("order %s is already %s", orderID, order.Status)
	}

	commandID := "cancel-order:" + orderID
	var result *ledger.SubmitResult
	err = ledger.Retry(ctx, s.retries, func() error {
		ref, err := s.repo.Ref(ctx, order.Pair)
		if err != nil {
			return err
		}
		result, err = s.gw.Submit(ctx, ledger.SubmitRequest{
			CommandID: commandID,
			ActAs:     []string{owner, s.operator},
			Commands: []ledger.Command{ledger.NewExercise(
				s.tmpl.OrderBook, ref.ContractID, book.ChoiceCancelOrderFromBook,
				book.CancelOrderArgument{OrderID: orderID},
			)},
		})
		if errs.IsRetryable(err) {
			s.repo.Invalidate(order.Pair)
		}
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	cancelled := orderFromEvents(result.Events, orderID)
	if cancelled == nil {
		return nil, 0, errs.ErrInternal.Wrapf("cancel of %s produced no order event", orderID)
	}
	s.log.Info("order cancelled", "orderId", orderID, "owner", owner, "pair", order.Pair)
	return cancelled, result.UpdateOffset, nil
}

// findOrder locates an active order by id, reading as the operator.
func (s *Service) findOrder(ctx context.Context, orderID string) (*book.Order, error) {
	contracts, err := s.gw.QueryActive(ctx, s.operator, s.tmpl.Order)
	if err != nil {
		return nil, err
	}
	for _, c := range contracts {
		o, err := ledger.DecodePayload[book.Order](c.Payload)
		if err != nil {
			return nil, err
		}
		if o.OrderID == orderID {
			return &o, nil
		}
	}
	return nil, errs.ErrNotFound.Wrapf("order %s not found", orderID)
}

// Orders returns a party's orders, newest first, optionally filtered by
// status. A zero limit means no limit.
func (s *Service) Orders(ctx context.Context, party string, status book.Status, limit int) ([]book.Order, error) {
	contracts, err := s.gw.QueryActive(ctx, s.operator, s.tmpl.Order)
	if err != nil {
		return nil, err
	}
	var out []book.Order
	for _, c := range contracts {
		o, err := ledger.DecodePayload[book.Order](c.Payload)
		if err != nil {
			return nil, err
		}
		if o.Owner != party {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o)
	}
	sortOrdersNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OrderView joins an order with its containing book.
type OrderView struct {
	Order  book.Order
	OnBook bool
	BookID string
}

// Reconcile scans a party's active orders and reports, per order, whether the
// current book still references it.
func (s *Service) Reconcile(ctx context.Context, party string) ([]OrderView, error) {
	orders, err := s.Orders(ctx, party, "", 0)
	if err != nil {
		return nil, err
	}
	books, refs, err := s.repo.All(ctx)
	if err != nil {
		return nil, err
	}

	// Book sides hold contract ids, not order ids; resolve the payloads
	// referenced by each book once.
	onBook := make(map[string]book.Pair)
	for pair, bk := range books {
		for _, cid := range append(append([]string{}, bk.BuyOrders...), bk.SellOrders...) {
			onBook[cid] = pair
		}
	}
	resolved := make(map[string]string) // orderId -> book contract id
	contracts, err := s.gw.QueryActive(ctx, s.operator, s.tmpl.Order)
	if err != nil {
		return nil, err
	}
	for _, c := range contracts {
		pair, ok := onBook[c.ContractID]
		if !ok {
			continue
		}
		o, err := ledger.DecodePayload[book.Order](c.Payload)
		if err != nil {
			return nil, err
		}
		resolved[o.OrderID] = refs[pair].ContractID
	}

	views := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		bookID, ok := resolved[o.OrderID]
		views = append(views, OrderView{Order: o, OnBook: ok, BookID: bookID})
	}
	return views, nil
}

func orderFromEvents(events []ledger.Event, orderID string) *book.Order {
	for _, ev := range events {
		if ev.Kind != ledger.EventCreated || !ev.TemplateID.Matches(book.ModuleExchange, book.EntityOrder) {
			continue
		}
		o, err := ledger.DecodePayload[book.Order](ev.Payload)
		if err != nil {
			continue
		}
		if o.OrderID == orderID {
			return &o
		}
	}
	return nil
}

func sortOrdersNewestFirst(orders []book.Order) {
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if !a.Timestamp.Time.Equal(b.Timestamp.Time) {
			return a.Timestamp.Time.After(b.Timestamp.Time)
		}
		return a.OrderID < b.OrderID
	})
}

// DepthEntry is one resting order in a book snapshot.
type DepthEntry struct {
	OrderID   string           `json:"orderId"`
	Price     string           `json:"price"`
	Quantity  math.LegacyDec   `json:"quantity"`
	Remaining math.LegacyDec   `json:"remaining"`
	Owner     string           `json:"owner"`
	Timestamp ledger.Timestamp `json:"timestamp"`
}

// BookSnapshot is the fully resolved state of one order book.
type BookSnapshot struct {
	Pair       book.Pair    `json:"pair"`
	BuyOrders  []DepthEntry `json:"buyOrders"`
	SellOrders []DepthEntry `json:"sellOrders"`
	LastPrice  string       `json:"lastPrice,omitempty"`
}

// Snapshot resolves a book's resting orders into price-sorted depth. Orders
// referenced by the book but already archived surface as a conflict; the
// caller retries after the stream catches up.
func (s *Service) Snapshot(ctx context.Context, rawPair string) (*BookSnapshot, error) {
	pair, err := book.ParsePair(rawPair)
	if err != nil {
		return nil, err
	}
	_, bk, err := s.repo.Current(ctx, pair)
	if err != nil {
		return nil, err
	}

	contracts, err := s.gw.QueryActive(ctx, s.operator, s.tmpl.Order)
	if err != nil {
		return nil, err
	}
	byContract := make(map[string]*book.Order, len(contracts))
	for _, c := range contracts {
		o, err := ledger.DecodePayload[book.Order](c.Payload)
		if err != nil {
			return nil, err
		}
		byContract[c.ContractID] = &o
	}

	resolve := func(refs []string, side book.Side) ([]DepthEntry, error) {
		resolved := make([]*book.Order, 0, len(refs))
		for _, cid := range refs {
			o, ok := byContract[cid]
			if !ok {
				return nil, errs.ErrConflict.Wrapf("book references archived order contract %s", cid)
			}
			resolved = append(resolved, o)
		}
		book.SortSide(side, resolved)
		out := make([]DepthEntry, 0, len(resolved))
		for _, o := range resolved {
			e := DepthEntry{
				OrderID:   o.OrderID,
				Quantity:  o.Quantity,
				Remaining: o.Remaining(),
				Owner:     o.Owner,
				Timestamp: o.Timestamp,
			}
			if o.Price != nil {
				e.Price = o.Price.String()
			}
			out = append(out, e)
		}
		return out, nil
	}

	snap := &BookSnapshot{Pair: pair}
	if snap.BuyOrders, err = resolve(bk.BuyOrders, book.SideBuy); err != nil {
		return nil, err
	}
	if snap.SellOrders, err = resolve(bk.SellOrders, book.SideSell); err != nil {
		return nil, err
	}
	if bk.LastPrice != nil {
		snap.LastPrice = bk.LastPrice.String()
	}
	return snap, nil
}
