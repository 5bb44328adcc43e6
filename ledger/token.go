package ledger

import (
	"context"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/openalpha/clob-dex/errs"
)

// tokenEarlyRefresh is how much remaining lifetime triggers a refresh.
const tokenEarlyRefresh = 30 * time.Second

// TokenConfig holds operator client-credentials settings.
type TokenConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// TokenProvider acquires and caches the operator service token.
//
// A single token is cached per provider; it is refreshed once remaining
// lifetime drops below 30 seconds, and concurrent refreshes coalesce behind
// one in-flight fetch. Expired tokens are never returned: on refresh failure
// callers get ErrUnauthenticated.
type TokenProvider struct {
	src oauth2.TokenSource
}

// NewTokenProvider creates a provider from client-credentials configuration.
// An empty TokenURL yields a provider that issues no token; the gateway then
// omits the Authorization header (development ledgers without auth).
func NewTokenProvider(cfg TokenConfig) *TokenProvider {
	if cfg.TokenURL == "" {
		return &TokenProvider{}
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	base := cc.TokenSource(context.Background())
	return &TokenProvider{
		src: oauth2.ReuseTokenSourceWithExpiry(nil, base, tokenEarlyRefresh),
	}
}

// Token returns a currently valid bearer token, fetching or refreshing as
// needed.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if p == nil || p.src == nil {
		return "", nil
	}
	tok, err := p.src.Token()
	if err != nil {
		return "", errs.ErrUnauthenticated.Wrapf("token refresh: %v", err)
	}
	return tok.AccessToken, nil
}
