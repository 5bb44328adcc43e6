package book

import (
	"context"

	"github.com/openalpha/clob-dex/ledger"
)

// Ledger template names consumed by the exchange runtime.
const (
	ModuleExchange  = "Exchange"
	EntityOrderBook = "OrderBook"
	EntityOrder     = "Order"
	EntityTrade     = "Trade"

	ModuleToken   = "Token"
	EntityHolding = "Holding"
)

// Choice names on the templates above.
const (
	ChoiceAddOrder            = "AddOrder"
	ChoiceCancelOrderFromBook = "CancelOrderFromBook"
	ChoiceMatch               = "Match"
	ChoiceLock                = "Lock"
)

// Templates holds the fully qualified identities of every template the
// runtime touches, resolved once at startup.
type Templates struct {
	OrderBook ledger.TemplateID
	Order     ledger.TemplateID
	Trade     ledger.TemplateID
	Holding   ledger.TemplateID
}

// ResolveTemplates discovers package ids for all consumed templates.
func ResolveTemplates(ctx context.Context, gw ledger.Gateway) (*Templates, error) {
	var t Templates
	for _, entry := range []struct {
		module, entity string
		dst            *ledger.TemplateID
	}{
		{ModuleExchange, EntityOrderBook, &t.OrderBook},
		{ModuleExchange, EntityOrder, &t.Order},
		{ModuleExchange, EntityTrade, &t.Trade},
		{ModuleToken, EntityHolding, &t.Holding},
	} {
		pkg, err := gw.LookupPackageID(ctx, entry.module, entry.entity)
		if err != nil {
			return nil, err
		}
		*entry.dst = ledger.TemplateID{PackageID: pkg, Module: entry.module, Entity: entry.entity}
	}
	return &t, nil
}

// AddOrderArgument is the argument of OrderBook.AddOrder.
type AddOrderArgument struct {
	OrderID          string           `json:"orderId"`
	Owner            string           `json:"owner"`
	Side             Side             `json:"side"`
	Mode             Mode             `json:"mode"`
	Price            *string          `json:"price,omitempty"`
	Quantity         string           `json:"quantity"`
	Timestamp        ledger.Timestamp `json:"timestamp"`
	LockedHoldingRef string           `json:"lockedHoldingRef"`
	ClientOrderID    string           `json:"clientOrderId,omitempty"`
}

// CancelOrderArgument is the argument of OrderBook.CancelOrderFromBook.
type CancelOrderArgument struct {
	OrderID string `json:"orderId"`
}

// MatchArgument is the argument of OrderBook.Match. The engine names the
// candidate pair and the settlement terms it derived; the ledger re-validates
// them against current contract state.
type MatchArgument struct {
	TradeID     string `json:"tradeId"`
	BuyOrderID  string `json:"buyOrderId"`
	SellOrderID string `json:"sellOrderId"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
}

// LockArgument is the argument of Holding.Lock.
type LockArgument struct {
	Amount  string `json:"amount"`
	OrderID string `json:"orderId"`
}
