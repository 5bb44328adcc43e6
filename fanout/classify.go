// Package fanout ingests the ledger update stream, classifies events, and
// publishes them to per-topic subscribers with offset-based replay.
package fanout

import (
	"fmt"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/ledger"
)

// Channel names multiplexed over topics.
const (
	ChannelOrderbook = "orderbook"
	ChannelTrades    = "trades"
	ChannelOrders    = "orders"
	ChannelBalances  = "balances"
)

// Event kinds carried in the envelope.
const (
	KindOrderNew     = "order:new"
	KindOrderUpdate  = "order:update"
	KindTrade        = "trade"
	KindBookSnapshot = "book:snapshot"
)

// Topic keys a publication: "<pair>:<channel>" or "<party>:<channel>".
func Topic(scope, channel string) string {
	return scope + ":" + channel
}

// Event is one classified, routable event.
type Event struct {
	Kind     string   `json:"kind"`
	Topics   []string `json:"-"`
	UpdateID string   `json:"updateId"`
	Offset   uint64   `json:"offset"`
	Payload  any      `json:"payload"`
}

// BookSummary is the payload of a book:snapshot event.
type BookSummary struct {
	Pair       book.Pair `json:"pair"`
	ContractID string    `json:"contractId"`
	BuyDepth   int       `json:"buyDepth"`
	SellDepth  int       `json:"sellDepth"`
	LastPrice  string    `json:"lastPrice,omitempty"`
}

// BookReplaced reports an order book successor for repository refresh.
type BookReplaced struct {
	Pair       book.Pair
	ContractID string
	Offset     uint64
}

// Classified is the outcome of classifying one ledger update.
type Classified struct {
	Events []Event
	Books  []BookReplaced
	Trades []book.Trade
}

// Classify maps a ledger update to routable events. Event order within the
// update is preserved; update ids are "<offset>-<index>".
func Classify(u ledger.Update) (Classified, error) {
	var out Classified

	// Created orders whose id was archived in the same update are fill or
	// cancel successors, not new orders.
	archived := make(map[string]bool)
	for _, ev := range u.Events {
		if ev.Kind != ledger.EventArchived || !ev.TemplateID.Matches(book.ModuleExchange, book.EntityOrder) {
			continue
		}
		o, err := ledger.DecodePayload[book.Order](ev.Payload)
		if err != nil {
			return Classified{}, err
		}
		archived[o.OrderID] = true
	}

	for i, ev := range u.Events {
		if ev.Kind != ledger.EventCreated {
			continue
		}
		updateID := fmt.Sprintf("%d-%d", u.Offset, i)

		switch {
		case ev.TemplateID.Matches(book.ModuleExchange, book.EntityOrder):
			o, err := ledger.DecodePayload[book.Order](ev.Payload)
			if err != nil {
				return Classified{}, err
			}
			kind := KindOrderNew
			if o.Status.Terminal() || archived[o.OrderID] || book.ParentOrderID(o.OrderID) != o.OrderID {
				kind = KindOrderUpdate
			}
			out.Events = append(out.Events, Event{
				Kind:     kind,
				Topics:   []string{Topic(string(o.Pair), ChannelOrderbook), Topic(o.Owner, ChannelOrders)},
				UpdateID: updateID,
				Offset:   u.Offset,
				Payload:  o,
			})

		case ev.TemplateID.Matches(book.ModuleExchange, book.EntityTrade):
			tr, err := ledger.DecodePayload[book.Trade](ev.Payload)
			if err != nil {
				return Classified{}, err
			}
			out.Trades = append(out.Trades, tr)
			out.Events = append(out.Events, Event{
				Kind: KindTrade,
				Topics: []string{
					Topic(string(tr.Pair), ChannelTrades),
					Topic(tr.Buyer, ChannelBalances),
					Topic(tr.Seller, ChannelBalances),
				},
				UpdateID: updateID,
				Offset:   u.Offset,
				Payload:  tr,
			})

		case ev.TemplateID.Matches(book.ModuleExchange, book.EntityOrderBook):
			bk, err := ledger.DecodePayload[book.OrderBook](ev.Payload)
			if err != nil {
				return Classified{}, err
			}
			out.Books = append(out.Books, BookReplaced{Pair: bk.Pair, ContractID: ev.ContractID, Offset: u.Offset})
			summary := BookSummary{
				Pair:       bk.Pair,
				ContractID: ev.ContractID,
				BuyDepth:   len(bk.BuyOrders),
				SellDepth:  len(bk.SellOrders),
			}
			if bk.LastPrice != nil {
				summary.LastPrice = bk.LastPrice.String()
			}
			out.Events = append(out.Events, Event{
				Kind:     KindBookSnapshot,
				Topics:   []string{Topic(string(bk.Pair), ChannelOrderbook)},
				UpdateID: updateID,
				Offset:   u.Offset,
				Payload:  summary,
			})
		}
	}
	return out, nil
}
