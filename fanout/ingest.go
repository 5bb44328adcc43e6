package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"
	"github.com/cenkalti/backoff/v4"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/ledger"
	"github.com/openalpha/clob-dex/metrics"
)

// Ingestor pumps the ledger update stream into the broker, the trade log,
// and the order book repository. It reconnects from its last processed
// offset after stream failures.
type Ingestor struct {
	gw       ledger.Gateway
	repo     *book.Repository
	broker   *Broker
	tradeLog *TradeLog
	log      log.Logger
	metrics  *metrics.Collector

	offset atomic.Uint64
}

// NewIngestor creates an ingestor starting from the given offset (0 for a
// cold start).
func NewIngestor(gw ledger.Gateway, repo *book.Repository, broker *Broker, tradeLog *TradeLog, startOffset uint64, logger log.Logger) *Ingestor {
	in := &Ingestor{
		gw:       gw,
		repo:     repo,
		broker:   broker,
		tradeLog: tradeLog,
		log:      logger.With("component", "ingestor"),
		metrics:  metrics.GetCollector(),
	}
	in.offset.Store(startOffset)
	return in
}

// Offset returns the last processed ledger offset.
func (in *Ingestor) Offset() uint64 {
	return in.offset.Load()
}

// Run consumes the update stream until the context is cancelled,
// reconnecting with exponential backoff on stream failure.
func (in *Ingestor) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		from := in.offset.Load()
		updates, err := in.gw.StreamUpdates(ctx, from)
		if err != nil {
			in.log.Error("update stream connect failed", "from", from, "err", err)
		} else {
			in.log.Info("update stream connected", "from", from)
			bo.Reset()
			in.consume(updates)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.metrics.StreamReconnects.Inc()
			in.log.Warn("update stream ended, reconnecting", "offset", in.offset.Load())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// consume processes updates until the stream channel closes.
func (in *Ingestor) consume(updates <-chan ledger.Update) {
	for u := range updates {
		classified, err := Classify(u)
		if err != nil {
			// A payload we cannot decode is a deployment mismatch; skip
			// the update rather than wedge the stream.
			in.log.Error("unclassifiable update skipped", "offset", u.Offset, "err", err)
			in.offset.Store(u.Offset)
			in.metrics.StreamOffset.Set(float64(u.Offset))
			continue
		}
		for _, replaced := range classified.Books {
			in.repo.Apply(replaced.Pair, replaced.ContractID, replaced.Offset)
		}
		if in.tradeLog != nil {
			in.tradeLog.Append(u.Offset, classified.Trades)
		}
		in.broker.Publish(classified.Events)
		in.offset.Store(u.Offset)
		in.metrics.StreamOffset.Set(float64(u.Offset))
	}
}
