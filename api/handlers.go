package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/openalpha/clob-dex/book"
	"github.com/openalpha/clob-dex/errs"
	"github.com/openalpha/clob-dex/metrics"
	"github.com/openalpha/clob-dex/orders"
)

// placeOrderBody is the POST /api/orders request.
type placeOrderBody struct {
	Owner         string `json:"owner"`
	Pair          string `json:"pair"`
	Side          string `json:"side"`
	Mode          string `json:"mode"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity"`
	SpendCap      string `json:"spendCap,omitempty"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
}

// handleOrders routes /api/orders.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var body placeOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.ErrValidation.Wrap("malformed request body"))
		return
	}
	if err := requireParty(r.Context(), body.Owner); err != nil {
		writeError(w, err)
		return
	}

	timer := metrics.NewTimer()
	res, err := s.orders.PlaceOrder(r.Context(), orders.PlaceRequest{
		Owner:         body.Owner,
		Pair:          body.Pair,
		Side:          book.Side(body.Side),
		Mode:          book.Mode(body.Mode),
		Price:         body.Price,
		Quantity:      body.Quantity,
		SpendCap:      body.SpendCap,
		ClientOrderID: body.ClientOrderID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordOrder(body.Pair, body.Side, body.Mode, "placed")
	s.metrics.RecordOrderLatency(body.Pair, body.Mode, timer.ElapsedMs())

	writeJSON(w, http.StatusCreated, map[string]any{
		"orderId":      res.Order.OrderID,
		"commandId":    res.CommandID,
		"updateOffset": res.UpdateOffset,
	})
}

// handleOrder routes /api/orders/{orderId}.
func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimPrefix(r.URL.Path, "/api/orders/")
	if orderID == "" || strings.Contains(orderID, "/") {
		writeError(w, errs.ErrNotFound.Wrap("unknown route"))
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}

	owner := s.callerParty(r)
	if owner == "" {
		writeError(w, errs.ErrValidation.Wrap("party is required when authentication is disabled"))
		return
	}
	order, _, err := s.orders.CancelOrder(r.Context(), owner, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordOrder(string(order.Pair), string(order.Side), string(order.Mode), "cancelled")

	writeJSON(w, http.StatusOK, map[string]any{
		"orderId": order.OrderID,
		"status":  string(book.StatusCancelled),
	})
}

// callerParty resolves the party a cancel acts for. With auth enabled it is
// the token subject; with auth disabled the caller declares the party via
// query parameter and the cancel path verifies ownership on the contract.
func (s *Server) callerParty(r *http.Request) string {
	if id := identityFrom(r.Context()); id != nil {
		return id.Party
	}
	return r.URL.Query().Get("party")
}

// handleBooks serves GET /api/orderbooks.
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	books, refs, err := s.repo.All(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(books))
	for pair, bk := range books {
		buys, sells := bk.Depth()
		entry := map[string]any{
			"pair":       pair,
			"contractId": refs[pair].ContractID,
			"buyDepth":   buys,
			"sellDepth":  sells,
		}
		if bk.LastPrice != nil {
			entry["lastPrice"] = bk.LastPrice.String()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"orderbooks": out})
}

// handleBook serves GET /api/orderbooks/{pair}. The pair separator arrives
// URL-escaped or as a literal slash; both forms resolve.
func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rawPair := strings.TrimPrefix(r.URL.Path, "/api/orderbooks/")
	snap, err := s.orders.Snapshot(r.Context(), rawPair)
	if err != nil {
		writeError(w, err)
		return
	}
	buys, sells := len(snap.BuyOrders), len(snap.SellOrders)
	s.metrics.RecordDepth(string(snap.Pair), buys, sells)
	writeJSON(w, http.StatusOK, snap)
}

// handleUserOrders serves GET /api/orders/user/{party}.
func (s *Server) handleUserOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	party := strings.TrimPrefix(r.URL.Path, "/api/orders/user/")
	if party == "" {
		writeError(w, errs.ErrValidation.Wrap("party is required"))
		return
	}
	if err := s.requirePartyOrOperator(r, party); err != nil {
		writeError(w, err)
		return
	}

	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}

	list, err := s.orders.Orders(r.Context(), party, status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

// handleBalance serves GET /api/balance/{party}.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	party := strings.TrimPrefix(r.URL.Path, "/api/balance/")
	if party == "" {
		writeError(w, errs.ErrValidation.Wrap("party is required"))
		return
	}
	if err := s.requirePartyOrOperator(r, party); err != nil {
		writeError(w, err)
		return
	}

	view, err := s.orders.Balances(r.Context(), party)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleTrades serves GET /api/trades?pair=&limit=.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	pair := book.Pair(strings.ToUpper(r.URL.Query().Get("pair")))
	writeJSON(w, http.StatusOK, map[string]any{
		"trades": s.trades.Recent(pair, limit),
	})
}

// handleAdminBook serves POST /api/admin/orderbooks/{pair}. Operator only.
func (s *Server) handleAdminBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if id := identityFrom(r.Context()); id != nil && id.Party != s.config.OperatorParty {
		writeError(w, errs.ErrPermissionDenied.Wrap("operator role required"))
		return
	}
	rawPair := strings.TrimPrefix(r.URL.Path, "/api/admin/orderbooks/")
	pair, err := book.ParsePair(rawPair)
	if err != nil {
		writeError(w, err)
		return
	}

	ref, created, err := s.admin.CreateOrderBook(r.Context(), rawPair)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"pair":       string(pair),
		"contractId": ref.ContractID,
		"created":    created,
	})
}

// handleHealth serves GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.admin.Health(r.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// requirePartyOrOperator allows the party itself, its actAs grantees, or the
// operator.
func (s *Server) requirePartyOrOperator(r *http.Request, party string) error {
	if id := identityFrom(r.Context()); id != nil && id.Party == s.config.OperatorParty {
		return nil
	}
	return requireParty(r.Context(), party)
}

func parseStatus(raw string) (book.Status, error) {
	switch strings.ToUpper(raw) {
	case "", "ALL":
		return "", nil
	case "OPEN":
		return book.StatusOpen, nil
	case "FILLED":
		return book.StatusFilled, nil
	case "CANCELLED":
		return book.StatusCancelled, nil
	default:
		return "", errs.ErrValidation.Wrapf("unknown status filter %q", raw)
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errs.ErrValidation.Wrapf("limit %q is not a non-negative integer", raw)
	}
	return n, nil
}
