// Package ledger provides the typed gateway over the ledger's JSON
// submit/query/stream APIs.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/clob-dex/errs"
	"github.com/openalpha/clob-dex/metrics"
)

// Config holds gateway client configuration.
type Config struct {
	BaseURL       string        // base URL of the ledger JSON API
	SubmitTimeout time.Duration // hard timeout per command submission
	QueryTimeout  time.Duration // timeout for query/package calls
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:       "http://localhost:7575",
		SubmitTimeout: 30 * time.Second,
		QueryTimeout:  10 * time.Second,
	}
}

// Client implements Gateway over the ledger JSON API.
type Client struct {
	config   *Config
	http     *http.Client
	tokens   *TokenProvider
	packages *PackageCache
	log      log.Logger

	// Counters
	submitCount  uint64
	successCount uint64
	failCount    uint64
}

var _ Gateway = (*Client)(nil)

// NewClient creates a gateway client.
func NewClient(config *Config, tokens *TokenProvider, logger log.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		return nil, errs.ErrValidation.Wrap("ledger base URL is required")
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = 30 * time.Second
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 10 * time.Second
	}
	return &Client{
		config:   config,
		http:     &http.Client{},
		tokens:   tokens,
		packages: NewPackageCache(),
		log:      logger.With("component", "ledger-gateway"),
	}, nil
}

// Submit submits one atomic command and waits for the result.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.CommandID == "" {
		return nil, errs.ErrValidation.Wrap("command id is required")
	}
	if len(req.ActAs) == 0 {
		return nil, errs.ErrValidation.Wrap("actAs must name at least one party")
	}
	if len(req.Commands) == 0 {
		return nil, errs.ErrValidation.Wrap("no commands to submit")
	}

	atomic.AddUint64(&c.submitCount, 1)
	timer := metrics.NewTimer()

	ctx, cancel := context.WithTimeout(ctx, c.config.SubmitTimeout)
	defer cancel()

	var result SubmitResult
	if err := c.post(ctx, "/v1/commands/submit", req, &result); err != nil {
		atomic.AddUint64(&c.failCount, 1)
		metrics.GetCollector().RecordSubmit("error", timer.ElapsedMs())
		return nil, err
	}
	atomic.AddUint64(&c.successCount, 1)
	metrics.GetCollector().RecordSubmit("ok", timer.ElapsedMs())
	return &result, nil
}

// QueryActive returns active contracts of the given templates visible to
// party. Admin-wide filters are forbidden: party is mandatory.
func (c *Client) QueryActive(ctx context.Context, party string, templateIDs ...TemplateID) ([]ActiveContract, error) {
	if party == "" {
		return nil, errs.ErrValidation.Wrap("query party is required")
	}
	if len(templateIDs) == 0 {
		return nil, errs.ErrValidation.Wrap("at least one template id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()

	req := struct {
		TemplateIDs []TemplateID `json:"templateIds"`
		Party       string       `json:"party"`
	}{TemplateIDs: templateIDs, Party: party}

	var resp struct {
		Contracts []ActiveContract `json:"contracts"`
	}
	if err := c.post(ctx, "/v1/query", req, &resp); err != nil {
		return nil, err
	}
	return resp.Contracts, nil
}

// LookupPackageID discovers the package hosting module:entity by probing the
// ledger's package list. The result is cached for the process lifetime.
func (c *Client) LookupPackageID(ctx context.Context, module, entity string) (string, error) {
	if id, ok := c.packages.Get(module, entity); ok {
		return id, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()

	var resp struct {
		Packages []struct {
			PackageID string   `json:"packageId"`
			Templates []string `json:"templates"` // module:entity names
		} `json:"packages"`
	}
	if err := c.get(ctx, "/v1/packages", &resp); err != nil {
		return "", err
	}

	want := module + ":" + entity
	for _, pkg := range resp.Packages {
		for _, tmpl := range pkg.Templates {
			if tmpl == want {
				c.packages.Put(module, entity, pkg.PackageID)
				c.log.Debug("resolved template package", "template", want, "package", pkg.PackageID)
				return pkg.PackageID, nil
			}
		}
	}
	return "", errs.ErrNotFound.Wrapf("no package hosts template %s", want)
}

// Ping checks gateway connectivity. Used by the health surface.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
	defer cancel()
	var resp struct {
		Status string `json:"status"`
	}
	return c.get(ctx, "/v1/health", &resp)
}

// Counters returns submission counters for metrics.
func (c *Client) Counters() (submits, successes, failures uint64) {
	return atomic.LoadUint64(&c.submitCount),
		atomic.LoadUint64(&c.successCount),
		atomic.LoadUint64(&c.failCount)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.ErrInternal.Wrapf("encode request: %v", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(payload), out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.BaseURL, "/")+path, body)
	if err != nil {
		return errs.ErrInternal.Wrapf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req.Header); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.ErrInternal.Wrapf("decode %s response: %v", path, err)
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, h http.Header) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.ErrTransient.Wrapf("ledger call: %v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.ErrTransient.Wrapf("ledger call: %v", err)
	}
	return errs.ErrTransient.Wrapf("ledger call: %v", err)
}

// apiError is the ledger's structured error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var body apiError
	_ = json.Unmarshal(raw, &body)
	msg := body.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return errs.ErrUnauthenticated.Wrap(msg)
	case http.StatusForbidden:
		return errs.ErrPermissionDenied.Wrap(msg)
	case http.StatusNotFound:
		return errs.ErrNotFound.Wrap(msg)
	case http.StatusConflict:
		return errs.ErrConflict.Wrap(msg)
	case http.StatusBadRequest:
		return errs.ErrValidation.Wrap(msg)
	case http.StatusUnprocessableEntity:
		return errs.ErrLedgerRejected.Wrap(msg)
	default:
		if resp.StatusCode >= 500 {
			return errs.ErrTransient.Wrap(msg)
		}
		return errs.ErrInternal.Wrap(fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, msg))
	}
}
