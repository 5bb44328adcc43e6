// Package cmd holds the exchanged CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openalpha/clob-dex/admin"
	"github.com/openalpha/clob-dex/api"
	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/config"
	"github.com/openalpha/clob-dex/engine"
	"github.com/openalpha/clob-dex/errs"
	"github.com/openalpha/clob-dex/fanout"
	"github.com/openalpha/clob-dex/ledger"
	"github.com/openalpha/clob-dex/metrics"
	"github.com/openalpha/clob-dex/orders"
)

// ExitCode maps a fatal startup error to the process exit code:
// 1 for configuration errors, 2 for gateway initialisation failures.
func ExitCode(err error) int {
	if errors.Is(err, errs.ErrValidation) {
		return 1
	}
	return 2
}

// NewRootCmd creates the root command for exchanged.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "exchanged",
		Short: "Exchange runtime in front of a distributed ledger",
		Long: `exchanged runs the central limit order book exchange: it matches
resting orders through ledger transactions, fans the update stream out to
WebSocket subscribers, and serves the public HTTP API.

All configuration is read from the environment; see config.FromEnv.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	rootCmd.AddCommand(newServeCmd(), newCheckConfigCmd())
	return rootCmd
}

// newServeCmd is the explicit form of the default run.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the exchange",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

// newCheckConfigCmd validates the environment without starting anything.
func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			cmd.Printf("configuration ok: ledger=%s operator=%s pairs=%v\n",
				cfg.LedgerAPIBase, cfg.OperatorPartyID, cfg.TradingPairsBootstrap)
			return nil
		},
	}
}

func run(parent context.Context) error {
	logger := log.NewLogger(os.Stderr)

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := ledger.NewTokenProvider(ledger.TokenConfig{
		TokenURL:     cfg.OAuthTokenURL,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
	})
	gateway, err := ledger.NewClient(&ledger.Config{
		BaseURL:       cfg.LedgerAPIBase,
		SubmitTimeout: cfg.LedgerSubmitTimeout,
	}, tokens, logger)
	if err != nil {
		return err
	}

	tmpl, err := book.ResolveTemplates(ctx, gateway)
	if err != nil {
		return fmt.Errorf("resolving ledger templates: %w", err)
	}

	repo := book.NewRepository(gateway, tmpl.OrderBook, cfg.OperatorPartyID, logger)
	ordersSvc := orders.NewService(gateway, repo, tmpl, cfg.OperatorPartyID, logger)
	adminSvc := admin.NewService(gateway, repo, tmpl, cfg.OperatorPartyID, cfg.PublicPartyID, logger)

	if len(cfg.TradingPairsBootstrap) > 0 {
		if err := adminSvc.SeedPairs(ctx, cfg.TradingPairsBootstrap); err != nil {
			logger.Error("pair bootstrap incomplete", "err", err)
		}
	}

	broker := fanout.NewBroker(0, logger)
	tradeLog := fanout.NewTradeLog(0)
	ingestor := fanout.NewIngestor(gateway, repo, broker, tradeLog, 0, logger)

	eng := engine.New(gateway, repo, tmpl, cfg.OperatorPartyID, engine.Config{
		SweepInterval:      cfg.SweepInterval,
		MaxConflictRetries: cfg.MaxConflictRetries,
		StallWarnAfter:     cfg.StallWarnAfter,
	}, logger)

	adminSvc.WithHealthSources(gateway, eng, ingestor)

	apiCfg := api.DefaultConfig()
	apiCfg.Port = cfg.HTTPPort
	apiCfg.WSPath = cfg.WSPath
	apiCfg.WSBufferSize = cfg.WSBufferSize
	apiCfg.JWTSecret = cfg.JWTSecret
	apiCfg.OperatorParty = cfg.OperatorPartyID
	apiServer := api.NewServer(apiCfg, ordersSvc, adminSvc, repo, tradeLog, broker, ingestor, logger)

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return ingestor.Run(ctx) })
	g.Go(apiServer.Start)
	g.Go(func() error {
		err := metricsServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		return apiServer.Stop(shutdownCtx)
	})

	logger.Info("exchanged started",
		"httpPort", cfg.HTTPPort, "metricsPort", cfg.MetricsPort,
		"operator", cfg.OperatorPartyID, "pairs", cfg.TradingPairsBootstrap)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
