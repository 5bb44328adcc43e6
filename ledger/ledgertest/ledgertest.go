// Package ledgertest provides an in-memory ledger implementing the
// contract templates and choices the exchange runtime consumes. It executes
// commands atomically, deduplicates command ids, and feeds the update stream,
// so services and the matching engine can be tested against real choice
// semantics without a running ledger.
package ledgertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/errs"
	"github.com/openalpha/clob-dex/ledger"
)

// PackageID is the package id the fake ledger reports for every template.
const PackageID = "test-pkg-0001"

type contract struct {
	id        string
	tmpl      ledger.TemplateID
	payload   any
	active    bool
	createdAt uint64
}

// Ledger is the in-memory ledger. Safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	offset    uint64
	seq       int
	contracts map[string]*contract
	updates   []ledger.Update
	dedup     map[string]*ledger.SubmitResult
	subs      map[int]chan ledger.Update
	subSeq    int
	failQueue []error
	now       func() time.Time
}

var _ ledger.Gateway = (*Ledger)(nil)

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		contracts: make(map[string]*contract),
		dedup:     make(map[string]*ledger.SubmitResult),
		subs:      make(map[int]chan ledger.Update),
		now:       time.Now,
	}
}

// SetClock overrides the settlement clock.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// FailNext queues an error returned by the next Submit call before any
// effect takes place.
func (l *Ledger) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failQueue = append(l.failQueue, err)
}

func (l *Ledger) templateID(module, entity string) ledger.TemplateID {
	return ledger.TemplateID{PackageID: PackageID, Module: module, Entity: entity}
}

// LookupPackageID reports the fixed test package for known templates.
func (l *Ledger) LookupPackageID(ctx context.Context, module, entity string) (string, error) {
	switch module + ":" + entity {
	case "Exchange:OrderBook", "Exchange:Order", "Exchange:Trade", "Token:Holding":
		return PackageID, nil
	}
	return "", errs.ErrNotFound.Wrapf("no package hosts template %s:%s", module, entity)
}

// QueryActive returns active contracts visible to party.
func (l *Ledger) QueryActive(ctx context.Context, party string, templateIDs ...ledger.TemplateID) ([]ledger.ActiveContract, error) {
	if party == "" {
		return nil, errs.ErrValidation.Wrap("query party is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ledger.ActiveContract
	for _, c := range l.contracts {
		if !c.active || !l.visibleTo(c, party) {
			continue
		}
		for _, tmpl := range templateIDs {
			if c.tmpl == tmpl || tmpl.Matches(c.tmpl.Module, c.tmpl.Entity) {
				out = append(out, ledger.ActiveContract{
					ContractID: c.id,
					TemplateID: c.tmpl,
					Payload:    mustMarshal(c.payload),
					CreatedAt:  c.createdAt,
				})
				break
			}
		}
	}
	return out, nil
}

func (l *Ledger) visibleTo(c *contract, party string) bool {
	switch p := c.payload.(type) {
	case *book.OrderBook:
		return true // observable by the public party, i.e. everyone
	case *book.Order:
		return party == p.Owner || party == p.Operator
	case *book.Trade:
		return party == p.Buyer || party == p.Seller
	case *book.Holding:
		return party == p.Owner || party == p.Operator
	}
	return false
}

// StreamUpdates streams every update with offset > fromOffset, then the live
// tail.
func (l *Ledger) StreamUpdates(ctx context.Context, fromOffset uint64) (<-chan ledger.Update, error) {
	l.mu.Lock()
	backlog := make([]ledger.Update, 0, len(l.updates))
	for _, u := range l.updates {
		if u.Offset > fromOffset {
			backlog = append(backlog, u)
		}
	}
	sub := make(chan ledger.Update, 1024)
	id := l.subSeq
	l.subSeq++
	l.subs[id] = sub
	for _, u := range backlog {
		sub <- u
	}
	l.mu.Unlock()

	out := make(chan ledger.Update, 1024)
	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(out)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-sub:
				if !ok {
					return
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Submit executes one atomic command.
func (l *Ledger) Submit(ctx context.Context, req ledger.SubmitRequest) (*ledger.SubmitResult, error) {
	if req.CommandID == "" {
		return nil, errs.ErrValidation.Wrap("command id is required")
	}
	if len(req.ActAs) == 0 {
		return nil, errs.ErrValidation.Wrap("actAs must name at least one party")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.failQueue) > 0 {
		err := l.failQueue[0]
		l.failQueue = l.failQueue[1:]
		return nil, err
	}

	// Deduplication window: replaying a command id returns the original
	// result without a second effect.
	if prev, ok := l.dedup[req.CommandID]; ok {
		return prev, nil
	}

	// Snapshot for rollback: payloads are never mutated in place, so a
	// shallow contract copy restores full state.
	snapshot := make(map[string]*contract, len(l.contracts))
	for id, c := range l.contracts {
		cc := *c
		snapshot[id] = &cc
	}

	tx := &txn{l: l, offset: l.offset + 1, actAs: req.ActAs}
	for _, cmd := range req.Commands {
		var err error
		switch {
		case cmd.Create != nil:
			err = tx.create(cmd.Create)
		case cmd.Exercise != nil:
			err = tx.exercise(cmd.Exercise)
		default:
			err = errs.ErrValidation.Wrap("command is neither create nor exercise")
		}
		if err != nil {
			l.contracts = snapshot
			return nil, err
		}
	}

	l.offset = tx.offset
	update := ledger.Update{Offset: tx.offset, Events: tx.events}
	l.updates = append(l.updates, update)
	for _, sub := range l.subs {
		select {
		case sub <- update:
		default:
		}
	}

	result := &ledger.SubmitResult{UpdateOffset: tx.offset, Events: tx.events}
	l.dedup[req.CommandID] = result
	return result, nil
}

// txn accumulates the effects of one submission.
type txn struct {
	l      *Ledger
	offset uint64
	actAs  []string
	events []ledger.Event
}

func (t *txn) actsAs(party string) bool {
	for _, p := range t.actAs {
		if p == party {
			return true
		}
	}
	return false
}

func (t *txn) nextID(prefix string) string {
	t.l.seq++
	return fmt.Sprintf("%s-%04d", prefix, t.l.seq)
}

func (t *txn) createContract(tmpl ledger.TemplateID, prefix string, payload any) *contract {
	c := &contract{
		id:        t.nextID(prefix),
		tmpl:      tmpl,
		payload:   payload,
		active:    true,
		createdAt: t.offset,
	}
	t.l.contracts[c.id] = c
	t.events = append(t.events, ledger.Event{
		Kind:       ledger.EventCreated,
		TemplateID: tmpl,
		ContractID: c.id,
		Payload:    mustMarshal(payload),
		Offset:     t.offset,
	})
	return c
}

func (t *txn) archive(c *contract) {
	c.active = false
	t.events = append(t.events, ledger.Event{
		Kind:       ledger.EventArchived,
		TemplateID: c.tmpl,
		ContractID: c.id,
		Payload:    mustMarshal(c.payload),
		Offset:     t.offset,
	})
}

func (t *txn) create(cmd *ledger.CreateCommand) error {
	switch {
	case cmd.TemplateID.Matches(book.ModuleExchange, book.EntityOrderBook):
		payload, err := reshape[book.OrderBook](cmd.Payload)
		if err != nil {
			return err
		}
		if !payload.Pair.Valid() {
			return errs.ErrValidation.Wrapf("malformed pair %q", payload.Pair)
		}
		if !t.actsAs(payload.Operator) {
			return errs.ErrPermissionDenied.Wrapf("creating a book requires actAs %s", payload.Operator)
		}
		t.createContract(cmd.TemplateID, "book", payload)
		return nil

	case cmd.TemplateID.Matches(book.ModuleToken, book.EntityHolding):
		payload, err := reshape[book.Holding](cmd.Payload)
		if err != nil {
			return err
		}
		t.createContract(cmd.TemplateID, "holding", payload)
		return nil
	}
	return errs.ErrValidation.Wrapf("cannot create template %s", cmd.TemplateID.QualifiedName())
}

func (t *txn) exercise(cmd *ledger.ExerciseCommand) error {
	c, ok := t.l.contracts[cmd.ContractID]
	if !ok {
		return errs.ErrNotFound.Wrapf("unknown contract %s", cmd.ContractID)
	}
	if !c.active {
		// Concurrent archival: the classic optimistic-contention case.
		return errs.ErrConflict.Wrapf("contract %s is archived", cmd.ContractID)
	}

	switch {
	case c.tmpl.Matches(book.ModuleExchange, book.EntityOrderBook):
		bk := c.payload.(*book.OrderBook)
		switch cmd.Choice {
		case book.ChoiceAddOrder:
			return t.addOrder(c, bk, cmd)
		case book.ChoiceCancelOrderFromBook:
			return t.cancelOrder(c, bk, cmd)
		case book.ChoiceMatch:
			return t.match(c, bk, cmd)
		}
	case c.tmpl.Matches(book.ModuleToken, book.EntityHolding):
		if cmd.Choice == book.ChoiceLock {
			return t.lockHolding(c, cmd)
		}
	}
	return errs.ErrValidation.Wrapf("unknown choice %s on %s", cmd.Choice, c.tmpl.QualifiedName())
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// reshape round-trips an arbitrary value through JSON into the template's
// payload type, mirroring how a real ledger decodes submitted arguments.
func reshape[T any](v any) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errs.ErrValidation.Wrapf("malformed payload: %v", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.ErrValidation.Wrapf("malformed payload: %v", err)
	}
	return &out, nil
}
