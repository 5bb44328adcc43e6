// Package admin holds the operator-facing surface: order book provisioning
// and health reporting.
package admin

import (
	"context"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/errs"
	"github.com/openalpha/clob-dex/ledger"
)

// Pinger reports ledger gateway connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HeartbeatSource reports the matching engine's last sweep per pair.
type HeartbeatSource interface {
	Heartbeats() map[book.Pair]time.Time
}

// OffsetSource reports the event ingestor's last processed offset.
type OffsetSource interface {
	Offset() uint64
}

// Service provisions order books and aggregates health.
type Service struct {
	gw       ledger.Gateway
	repo     *book.Repository
	tmpl     *book.Templates
	operator string
	public   string
	log      log.Logger

	pinger     Pinger
	heartbeats HeartbeatSource
	offsets    OffsetSource
}

// NewService creates the admin service. The pinger, heartbeat, and offset
// sources may be nil; health reporting then omits those sections.
func NewService(gw ledger.Gateway, repo *book.Repository, tmpl *book.Templates, operator, public string, logger log.Logger) *Service {
	return &Service{
		gw:       gw,
		repo:     repo,
		tmpl:     tmpl,
		operator: operator,
		public:   public,
		log:      logger.With("component", "admin"),
	}
}

// WithHealthSources wires the health inputs.
func (s *Service) WithHealthSources(pinger Pinger, hb HeartbeatSource, off OffsetSource) *Service {
	s.pinger = pinger
	s.heartbeats = hb
	s.offsets = off
	return s
}

// CreateOrderBook creates the order book for a pair, or returns the current
// one. Reports whether a new book was created.
func (s *Service) CreateOrderBook(ctx context.Context, rawPair string) (book.Ref, bool, error) {
	pair, err := book.ParsePair(rawPair)
	if err != nil {
		return book.Ref{}, false, err
	}

	ref, _, err := s.repo.Current(ctx, pair)
	if err == nil {
		return ref, false, nil
	}
	if !errs.ErrNotFound.Is(err) {
		return book.Ref{}, false, err
	}

	result, err := s.gw.Submit(ctx, ledger.SubmitRequest{
		CommandID: "create-book:" + string(pair),
		ActAs:     []string{s.operator},
		Commands: []ledger.Command{ledger.NewCreate(s.tmpl.OrderBook, book.OrderBook{
			Pair:       pair,
			BuyOrders:  []string{},
			SellOrders: []string{},
			Operator:   s.operator,
			Public:     s.public,
		})},
	})
	if err != nil {
		return book.Ref{}, false, err
	}
	for _, ev := range result.Events {
		if ev.Kind == ledger.EventCreated && ev.TemplateID.Matches(book.ModuleExchange, book.EntityOrderBook) {
			ref = book.Ref{ContractID: ev.ContractID, Offset: result.UpdateOffset}
			s.repo.Apply(pair, ref.ContractID, ref.Offset)
			s.log.Info("order book created", "pair", pair, "contractId", ref.ContractID)
			return ref, true, nil
		}
	}
	return book.Ref{}, false, errs.ErrInternal.Wrapf("book creation for %s produced no contract", pair)
}

// SeedPairs provisions books for a bootstrap pair list. Failures are logged
// and the remaining pairs are still attempted; the first error is returned.
func (s *Service) SeedPairs(ctx context.Context, pairs []string) error {
	var firstErr error
	for _, p := range pairs {
		if _, created, err := s.CreateOrderBook(ctx, p); err != nil {
			s.log.Error("pair bootstrap failed", "pair", p, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		} else if created {
			s.log.Info("pair bootstrapped", "pair", p)
		}
	}
	return firstErr
}

// EngineHealth is the per-pair matching heartbeat view.
type EngineHealth struct {
	LastSweep time.Time `json:"lastSweep"`
	AgeMs     int64     `json:"ageMs"`
}

// HealthReport aggregates runtime health.
type HealthReport struct {
	Status       string                     `json:"status"`
	Gateway      string                     `json:"gateway"`
	GatewayError string                     `json:"gatewayError,omitempty"`
	Engine       map[book.Pair]EngineHealth `json:"engine,omitempty"`
	StreamOffset uint64                     `json:"streamOffset"`
}

// staleHeartbeat is the sweep age beyond which a pair worker counts as
// unhealthy.
const staleHeartbeat = 30 * time.Second

// Health reports gateway connectivity, engine heartbeats, and stream offset.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{Status: "ok", Gateway: "ok"}

	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			report.Status = "degraded"
			report.Gateway = "unreachable"
			report.GatewayError = err.Error()
		}
	}
	if s.heartbeats != nil {
		beats := s.heartbeats.Heartbeats()
		report.Engine = make(map[book.Pair]EngineHealth, len(beats))
		now := time.Now()
		for pair, at := range beats {
			age := now.Sub(at)
			report.Engine[pair] = EngineHealth{LastSweep: at, AgeMs: age.Milliseconds()}
			if age > staleHeartbeat {
				report.Status = "degraded"
			}
		}
	}
	if s.offsets != nil {
		report.StreamOffset = s.offsets.Offset()
	}
	return report
}
