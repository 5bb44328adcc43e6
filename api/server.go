// Package api serves the public HTTP and WebSocket surface of the exchange.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/clob-dex/admin"
	"github.com/openalpha/clob-dex/api/middleware"
	"github.com/openalpha/clob-dex/api/websocket"
	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/errs"
	"github.com/openalpha/clob-dex/fanout"
	"github.com/openalpha/clob-dex/metrics"
	"github.com/openalpha/clob-dex/orders"
)

// Config contains API server configuration.
type Config struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	WSPath        string
	WSBufferSize  int
	JWTSecret     string
	OperatorParty string

	DisableRateLimit bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         3001,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		WSPath:       "/ws",
		WSBufferSize: fanout.DefaultBufferSize,
	}
}

// OffsetSource reports the stream position snapshots are current as of.
type OffsetSource interface {
	Offset() uint64
}

// Server is the public API server.
type Server struct {
	config *Config
	log    log.Logger

	orders  *orders.Service
	admin   *admin.Service
	repo    *book.Repository
	trades  *fanout.TradeLog
	broker  *fanout.Broker
	offsets OffsetSource

	hub         *websocket.Hub
	rateLimiter *middleware.RateLimiter
	httpServer  *http.Server
	metrics     *metrics.Collector
}

// NewServer wires the API server over the domain services. The offset source
// may be nil; snapshot update ids then start at zero.
func NewServer(config *Config, ordersSvc *orders.Service, adminSvc *admin.Service, repo *book.Repository, trades *fanout.TradeLog, broker *fanout.Broker, offsets OffsetSource, logger log.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		config:      config,
		log:         logger.With("component", "api"),
		orders:      ordersSvc,
		admin:       adminSvc,
		repo:        repo,
		trades:      trades,
		broker:      broker,
		offsets:     offsets,
		rateLimiter: middleware.NewRateLimiter(middleware.DefaultRateLimitConfig()),
		metrics:     metrics.GetCollector(),
	}
	s.hub = websocket.NewHub(broker, s.topicSnapshot, s.wsParty, config.WSBufferSize, logger)
	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.log.Info("api server starting", "addr", addr, "wsPath", s.config.WSPath,
		"auth", s.config.JWTSecret != "")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler builds the routes wrapped in the middleware chain. Exposed for
// tests that serve through httptest instead of a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/orders", s.handleOrders)
	mux.HandleFunc("/api/orders/user/", s.handleUserOrders)
	mux.HandleFunc("/api/orders/", s.handleOrder)

	mux.HandleFunc("/api/orderbooks", s.handleBooks)
	mux.HandleFunc("/api/orderbooks/", s.handleBook)

	mux.HandleFunc("/api/balance/", s.handleBalance)
	mux.HandleFunc("/api/trades", s.handleTrades)

	mux.HandleFunc("/api/admin/orderbooks/", s.handleAdminBook)

	mux.HandleFunc(s.config.WSPath, s.hub.ServeWS)

	var handler http.Handler = mux
	handler = authMiddleware(s.config.JWTSecret)(handler)
	if !s.config.DisableRateLimit {
		handler = middleware.RateLimitMiddleware(s.rateLimiter)(handler)
	}
	return s.instrument(corsMiddleware(handler))
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// instrument records request count and latency per route prefix.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordAPIRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status), timer.ElapsedMs())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// routeLabel collapses path parameters so metric cardinality stays bounded.
func routeLabel(path string) string {
	for _, prefix := range []string{
		"/api/admin/orderbooks/",
		"/api/orders/user/",
		"/api/orderbooks/",
		"/api/balance/",
		"/api/orders/",
	} {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + ":param"
		}
	}
	return path
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// wsParty resolves the authenticated party for a WebSocket upgrade. The
// upgrade request carries the token as a query parameter or header.
func (s *Server) wsParty(r *http.Request) string {
	if s.config.JWTSecret == "" {
		return ""
	}
	id, err := authenticate(r, s.config.JWTSecret)
	if err != nil {
		return ""
	}
	return id.Party
}

// topicSnapshot produces the initial state sent on subscribe, stamped with
// the stream position it is current as of.
func (s *Server) topicSnapshot(ctx context.Context, topic string) (any, string, error) {
	i := strings.LastIndexByte(topic, ':')
	if i <= 0 {
		return nil, "", errs.ErrValidation.Wrapf("malformed topic %q", topic)
	}
	scope, channel := topic[:i], topic[i+1:]

	var offset uint64
	if s.offsets != nil {
		offset = s.offsets.Offset()
	}
	updateID := fmt.Sprintf("%d-0", offset)

	switch channel {
	case fanout.ChannelOrderbook:
		snap, err := s.orders.Snapshot(ctx, scope)
		if err != nil {
			return nil, "", err
		}
		return snap, updateID, nil
	case fanout.ChannelTrades:
		return s.trades.Recent(book.Pair(scope), 0), updateID, nil
	case fanout.ChannelOrders:
		list, err := s.orders.Orders(ctx, scope, "", 0)
		if err != nil {
			return nil, "", err
		}
		return list, updateID, nil
	case fanout.ChannelBalances:
		view, err := s.orders.Balances(ctx, scope)
		if err != nil {
			return nil, "", err
		}
		return view, updateID, nil
	default:
		return nil, "", errs.ErrValidation.Wrapf("unknown channel %q", channel)
	}
}
