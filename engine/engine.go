package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/errs"
	"github.com/openalpha/clob-dex/ledger"
	"github.com/openalpha/clob-dex/metrics"
)

// Config holds the engine tuning knobs.
type Config struct {
	// SweepInterval is the idle delay between sweeps that made no progress.
	SweepInterval time.Duration
	// RescanInterval is how often the engine discovers new trading pairs.
	RescanInterval time.Duration
	// MaxConflictRetries bounds immediate re-sweeps after contention before
	// the worker backs off.
	MaxConflictRetries int
	// StallWarnAfter is how long both sides may sit populated without a
	// trade before the worker warns.
	StallWarnAfter time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval:      2 * time.Second,
		RescanInterval:     30 * time.Second,
		MaxConflictRetries: 5,
		StallWarnAfter:     30 * time.Second,
	}
}

// Engine runs one matching worker per trading pair. It is the sole producer
// of Trade contracts.
type Engine struct {
	gw       ledger.Gateway
	repo     *book.Repository
	tmpl     *book.Templates
	operator string
	cfg      Config
	log      log.Logger
	metrics  *metrics.Collector

	mu         sync.Mutex
	workers    map[book.Pair]bool
	heartbeats map[book.Pair]time.Time
}

// New creates a matching engine.
func New(gw ledger.Gateway, repo *book.Repository, tmpl *book.Templates, operator string, cfg Config, logger log.Logger) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = DefaultConfig().RescanInterval
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = DefaultConfig().MaxConflictRetries
	}
	if cfg.StallWarnAfter <= 0 {
		cfg.StallWarnAfter = DefaultConfig().StallWarnAfter
	}
	return &Engine{
		gw:         gw,
		repo:       repo,
		tmpl:       tmpl,
		operator:   operator,
		cfg:        cfg,
		log:        logger.With("component", "engine"),
		metrics:    metrics.GetCollector(),
		workers:    make(map[book.Pair]bool),
		heartbeats: make(map[book.Pair]time.Time),
	}
}

// Run discovers trading pairs and runs one worker per pair until the context
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.RescanInterval)
		defer ticker.Stop()
		for {
			e.spawnWorkers(ctx, g)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// spawnWorkers starts a worker for every pair that does not have one yet.
func (e *Engine) spawnWorkers(ctx context.Context, g *errgroup.Group) {
	books, _, err := e.repo.All(ctx)
	if err != nil {
		e.log.Error("pair discovery failed", "err", err)
		return
	}
	for pair := range books {
		e.mu.Lock()
		running := e.workers[pair]
		if !running {
			e.workers[pair] = true
		}
		e.mu.Unlock()
		if running {
			continue
		}
		p := pair
		e.log.Info("starting matching worker", "pair", p)
		g.Go(func() error {
			return e.runPair(ctx, p)
		})
	}
}

// runPair is the per-pair matching loop. On progress it sweeps again
// immediately; otherwise it sleeps for the sweep interval. Conflicts trigger
// immediate refresh-and-retry up to the configured bound.
func (e *Engine) runPair(ctx context.Context, pair book.Pair) error {
	logger := e.log.With("pair", pair)
	conflicts := 0
	var stallSince time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.beat(pair)

		progress, populated, err := e.sweep(ctx, pair)
		switch {
		case err == nil && progress:
			conflicts = 0
			stallSince = time.Time{}
			e.metrics.RecordSweep(string(pair), "trade")
			continue

		case errs.IsRetryable(err):
			conflicts++
			e.metrics.MatchConflicts.WithLabelValues(string(pair)).Inc()
			e.repo.Invalidate(pair)
			if conflicts < e.cfg.MaxConflictRetries {
				continue
			}
			// Liveness guard: stop hammering a contended candidate.
			logger.Warn("match contention persists, backing off", "conflicts", conflicts)
			conflicts = 0

		case err != nil:
			e.metrics.RecordSweep(string(pair), "error")
			logger.Error("sweep failed", "err", err)

		default:
			conflicts = 0
			e.metrics.RecordSweep(string(pair), "idle")
			if populated {
				if stallSince.IsZero() {
					stallSince = time.Now()
				} else if time.Since(stallSince) > e.cfg.StallWarnAfter {
					logger.Warn("book populated on both sides but unmatchable",
						"for", time.Since(stallSince).Round(time.Second))
					e.metrics.MatchingStalls.WithLabelValues(string(pair)).Inc()
					stallSince = time.Now()
				}
			} else {
				stallSince = time.Time{}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.SweepInterval):
		}
	}
}

// sweep fetches the current book, selects the best candidate, and settles it.
// Returns whether a trade was produced and whether both sides were populated.
func (e *Engine) sweep(ctx context.Context, pair book.Pair) (bool, bool, error) {
	ref, bk, err := e.repo.Current(ctx, pair)
	if err != nil {
		return false, false, err
	}

	buys, sells, err := e.resolveSides(ctx, bk)
	if err != nil {
		return false, false, err
	}
	e.metrics.RecordDepth(string(pair), len(buys), len(sells))

	cand, err := SelectCandidate(buys, sells, bk.LastPrice)
	if err != nil {
		return false, true, err
	}
	populated := len(buys) > 0 && len(sells) > 0
	if cand == nil {
		return false, populated, nil
	}

	tradeID := uuid.NewString()
	commandID := "match:" + string(pair) + ":" + cand.Buy.OrderID + ":" + cand.Sell.OrderID
	timer := metrics.NewTimer()
	_, err = e.gw.Submit(ctx, ledger.SubmitRequest{
		CommandID: commandID,
		ActAs:     []string{e.operator},
		Commands: []ledger.Command{ledger.NewExercise(
			e.tmpl.OrderBook, ref.ContractID, book.ChoiceMatch,
			book.MatchArgument{
				TradeID:     tradeID,
				BuyOrderID:  cand.Buy.OrderID,
				SellOrderID: cand.Sell.OrderID,
				Price:       cand.Price.String(),
				Quantity:    cand.Quantity.String(),
			},
		)},
	})
	if err != nil {
		return false, populated, err
	}

	e.metrics.MatchingLatency.WithLabelValues(string(pair)).Observe(timer.ElapsedMs())
	volume, _ := cand.Quantity.Float64()
	e.metrics.RecordTrade(string(pair), volume)
	e.log.Info("trade settled",
		"pair", pair, "tradeId", tradeID,
		"buy", cand.Buy.OrderID, "sell", cand.Sell.OrderID,
		"price", cand.Price.String(), "quantity", cand.Quantity.String())
	return true, populated, nil
}

// resolveSides loads the order payloads behind the book's contract refs in
// priority order. A ref that no longer resolves means the cached book is
// stale, which is reported as contention.
func (e *Engine) resolveSides(ctx context.Context, bk *book.OrderBook) ([]*book.Order, []*book.Order, error) {
	contracts, err := e.gw.QueryActive(ctx, e.operator, e.tmpl.Order)
	if err != nil {
		return nil, nil, err
	}
	byContract := make(map[string]*book.Order, len(contracts))
	for _, c := range contracts {
		o, err := ledger.DecodePayload[book.Order](c.Payload)
		if err != nil {
			return nil, nil, err
		}
		byContract[c.ContractID] = &o
	}

	resolve := func(refs []string, side book.Side) ([]*book.Order, error) {
		out := make([]*book.Order, 0, len(refs))
		for _, cid := range refs {
			o, ok := byContract[cid]
			if !ok {
				return nil, errs.ErrConflict.Wrapf("book references archived order contract %s", cid)
			}
			out = append(out, o)
		}
		book.SortSide(side, out)
		return out, nil
	}

	buys, err := resolve(bk.BuyOrders, book.SideBuy)
	if err != nil {
		return nil, nil, err
	}
	sells, err := resolve(bk.SellOrders, book.SideSell)
	if err != nil {
		return nil, nil, err
	}
	return buys, sells, nil
}

func (e *Engine) beat(pair book.Pair) {
	e.mu.Lock()
	e.heartbeats[pair] = time.Now()
	e.mu.Unlock()
}

// Heartbeats returns the last sweep time per pair, for health reporting.
func (e *Engine) Heartbeats() map[book.Pair]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[book.Pair]time.Time, len(e.heartbeats))
	for pair, at := range e.heartbeats {
		out[pair] = at
	}
	return out
}
