package book

import (
	"context"
	"sync"

	"cosmossdk.io/log"

	"github.com/openalpha/clob-dex/errs"
	"github.com/openalpha/clob-dex/ledger"
)

// Ref points at the current OrderBook contract for a pair, together with the
// ledger offset the pointer was learned at.
type Ref struct {
	ContractID string
	Offset     uint64
}

// Repository caches the current OrderBook contract id per pair.
//
// The ledger is the source of truth; the cache is a performance hint that may
// be stale. Updates compare-and-swap on the offset so that late events cannot
// overwrite newer state.
type Repository struct {
	gw       ledger.Gateway
	tmpl     ledger.TemplateID
	operator string
	log      log.Logger

	mu    sync.Mutex
	books map[Pair]Ref
}

// NewRepository creates a repository reading books as the operator party.
func NewRepository(gw ledger.Gateway, orderBookTemplate ledger.TemplateID, operator string, logger log.Logger) *Repository {
	return &Repository{
		gw:       gw,
		tmpl:     orderBookTemplate,
		operator: operator,
		log:      logger.With("component", "book-repository"),
		books:    make(map[Pair]Ref),
	}
}

// Ref returns the cached contract pointer for a pair, querying the ledger on
// a cache miss.
func (r *Repository) Ref(ctx context.Context, pair Pair) (Ref, error) {
	r.mu.Lock()
	ref, ok := r.books[pair]
	r.mu.Unlock()
	if ok {
		return ref, nil
	}
	ref, _, err := r.Current(ctx, pair)
	return ref, err
}

// Current queries the ledger for the current OrderBook of a pair and
// refreshes the cache. Returns NotFound when no book exists.
func (r *Repository) Current(ctx context.Context, pair Pair) (Ref, *OrderBook, error) {
	contracts, err := r.gw.QueryActive(ctx, r.operator, r.tmpl)
	if err != nil {
		return Ref{}, nil, err
	}

	var (
		best       *OrderBook
		bestRef    Ref
		matchCount int
	)
	for _, c := range contracts {
		payload, err := ledger.DecodePayload[OrderBook](c.Payload)
		if err != nil {
			return Ref{}, nil, err
		}
		if payload.Pair != pair {
			continue
		}
		matchCount++
		if best == nil || c.CreatedAt > bestRef.Offset {
			b := payload
			best = &b
			bestRef = Ref{ContractID: c.ContractID, Offset: c.CreatedAt}
		}
	}
	if best == nil {
		return Ref{}, nil, errs.ErrNotFound.Wrapf("no order book for pair %s", pair)
	}
	if matchCount > 1 {
		// Operational anomaly: the operator should own exactly one book per pair.
		r.log.Warn("multiple order books for pair, using latest", "pair", pair, "count", matchCount)
	}

	r.apply(pair, bestRef)
	return bestRef, best, nil
}

// All queries every OrderBook visible to the operator and refreshes the
// cache. Used by list endpoints and engine pair discovery.
func (r *Repository) All(ctx context.Context) (map[Pair]*OrderBook, map[Pair]Ref, error) {
	contracts, err := r.gw.QueryActive(ctx, r.operator, r.tmpl)
	if err != nil {
		return nil, nil, err
	}

	books := make(map[Pair]*OrderBook)
	refs := make(map[Pair]Ref)
	for _, c := range contracts {
		payload, err := ledger.DecodePayload[OrderBook](c.Payload)
		if err != nil {
			return nil, nil, err
		}
		ref := Ref{ContractID: c.ContractID, Offset: c.CreatedAt}
		if prev, ok := refs[payload.Pair]; ok && prev.Offset >= ref.Offset {
			continue
		}
		b := payload
		books[payload.Pair] = &b
		refs[payload.Pair] = ref
	}
	for pair, ref := range refs {
		r.apply(pair, ref)
	}
	return books, refs, nil
}

// Apply records a book replacement observed on the event stream. The update
// is dropped when the cache already holds newer state. Reports whether the
// cache changed.
func (r *Repository) Apply(pair Pair, contractID string, offset uint64) bool {
	return r.apply(pair, Ref{ContractID: contractID, Offset: offset})
}

func (r *Repository) apply(pair Pair, ref Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.books[pair]; ok && prev.Offset >= ref.Offset {
		return false
	}
	r.books[pair] = ref
	return true
}

// Invalidate drops the cached pointer for a pair, forcing a re-query.
func (r *Repository) Invalidate(pair Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.books, pair)
}

// Pairs returns the pairs currently known to the cache.
func (r *Repository) Pairs() []Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	pairs := make([]Pair, 0, len(r.books))
	for p := range r.books {
		pairs = append(pairs, p)
	}
	return pairs
}
