package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openalpha/clob-dex/errs"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	c, err := NewClient(&Config{BaseURL: ts.URL}, nil, log.NewNopLogger())
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(&Config{}, nil, log.NewNopLogger())
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestSubmitValidatesRequest(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	tmpl := TemplateID{PackageID: "pkg", Module: "Exchange", Entity: "Order"}

	_, err := c.Submit(context.Background(), SubmitRequest{
		ActAs: []string{"alice"}, Commands: []Command{NewCreate(tmpl, nil)},
	})
	assert.ErrorIs(t, err, errs.ErrValidation, "missing command id")

	_, err = c.Submit(context.Background(), SubmitRequest{
		CommandID: "cmd-1", Commands: []Command{NewCreate(tmpl, nil)},
	})
	assert.ErrorIs(t, err, errs.ErrValidation, "missing actAs")

	_, err = c.Submit(context.Background(), SubmitRequest{CommandID: "cmd-1", ActAs: []string{"alice"}})
	assert.ErrorIs(t, err, errs.ErrValidation, "no commands")
}

func TestSubmitDecodesResult(t *testing.T) {
	var got SubmitRequest
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/commands/submit", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(SubmitResult{
			UpdateOffset: 42,
			Events: []Event{{
				Kind:       EventCreated,
				TemplateID: TemplateID{PackageID: "pkg", Module: "Exchange", Entity: "Order"},
				ContractID: "c-1",
			}},
		})
	})
	c := newTestClient(t, handler)

	tmpl := TemplateID{PackageID: "pkg", Module: "Exchange", Entity: "Order"}
	result, err := c.Submit(context.Background(), SubmitRequest{
		CommandID: "place-order:ord-1",
		ActAs:     []string{"alice", "operator"},
		Commands:  []Command{NewCreate(tmpl, map[string]string{"orderId": "ord-1"})},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), result.UpdateOffset)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "c-1", result.Events[0].ContractID)

	assert.Equal(t, "place-order:ord-1", got.CommandID)
	assert.Equal(t, []string{"alice", "operator"}, got.ActAs)

	submits, successes, failures := c.Counters()
	assert.Equal(t, uint64(1), submits)
	assert.Equal(t, uint64(1), successes)
	assert.Equal(t, uint64(0), failures)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, errs.ErrValidation},
		{http.StatusUnauthorized, errs.ErrUnauthenticated},
		{http.StatusForbidden, errs.ErrPermissionDenied},
		{http.StatusNotFound, errs.ErrNotFound},
		{http.StatusConflict, errs.ErrConflict},
		{http.StatusUnprocessableEntity, errs.ErrLedgerRejected},
		{http.StatusBadGateway, errs.ErrTransient},
	}
	for _, tc := range cases {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "scripted failure"})
		})
		c := newTestClient(t, handler)

		err := c.Ping(context.Background())
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		assert.Contains(t, err.Error(), "scripted failure")
	}
}

func TestTransportErrorsAreTransient(t *testing.T) {
	c, err := NewClient(&Config{BaseURL: "http://127.0.0.1:1"}, nil, log.NewNopLogger())
	require.NoError(t, err)

	pingErr := c.Ping(context.Background())
	assert.ErrorIs(t, pingErr, errs.ErrTransient)
	assert.True(t, errs.IsRetryable(pingErr))
}

func TestQueryActiveRequiresPartyAndTemplates(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	tmpl := TemplateID{PackageID: "pkg", Module: "Exchange", Entity: "Order"}

	_, err := c.QueryActive(context.Background(), "", tmpl)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = c.QueryActive(context.Background(), "operator")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestQueryActiveDecodesContracts(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/query", r.URL.Path)
		var req struct {
			TemplateIDs []TemplateID `json:"templateIds"`
			Party       string       `json:"party"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "operator", req.Party)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"contracts": []ActiveContract{
				{
					ContractID: "c-1",
					TemplateID: TemplateID{PackageID: "pkg", Module: "Exchange", Entity: "Order"},
					Payload:    json.RawMessage(`{"orderId":"ord-1"}`),
					CreatedAt:  7,
				},
			},
		})
	})
	c := newTestClient(t, handler)

	tmpl := TemplateID{PackageID: "pkg", Module: "Exchange", Entity: "Order"}
	contracts, err := c.QueryActive(context.Background(), "operator", tmpl)
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Equal(t, "c-1", contracts[0].ContractID)
	assert.Equal(t, uint64(7), contracts[0].CreatedAt)
}

func TestLookupPackageIDCachesResult(t *testing.T) {
	var calls atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/packages", r.URL.Path)
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"packages": []map[string]any{
				{"packageId": "pkg-main", "templates": []string{"Exchange:Order", "Exchange:OrderBook"}},
			},
		})
	})
	c := newTestClient(t, handler)

	id, err := c.LookupPackageID(context.Background(), "Exchange", "Order")
	require.NoError(t, err)
	assert.Equal(t, "pkg-main", id)

	id, err = c.LookupPackageID(context.Background(), "Exchange", "Order")
	require.NoError(t, err)
	assert.Equal(t, "pkg-main", id)
	assert.Equal(t, int64(1), calls.Load(), "second lookup is served from cache")

	_, err = c.LookupPackageID(context.Background(), "Exchange", "Missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 5, func() error {
		attempts++
		return errs.ErrValidation.Wrap("bad input")
	})
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, 1, attempts)
}

func TestRetryRecoversFromConflicts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 5, func() error {
		attempts++
		if attempts < 3 {
			return errs.ErrConflict.Wrap("contract archived")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 2, func() error {
		attempts++
		return errs.ErrTransient.Wrap("timeout")
	})
	assert.ErrorIs(t, err, errs.ErrTransient)
	assert.Equal(t, 3, attempts, "initial call plus two retries")
}
