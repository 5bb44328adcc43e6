package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openalpha/clob-dex/errs"
)

type contextKey string

const identityKey contextKey = "identity"

// identity is the authenticated caller: the subject party plus any parties
// the token grants actAs rights for.
type identity struct {
	Party string
	ActAs []string
}

// claims is the accepted JWT shape. Subject carries the caller's party id.
type claims struct {
	ActAs []string `json:"actAs,omitempty"`
	jwt.RegisteredClaims
}

// authMiddleware validates bearer tokens and attaches the caller identity.
// An empty secret disables authentication; every request then acts with
// full rights, which is only suitable for local development.
func authMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || r.URL.Path == "/health" || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			id, err := authenticate(r, secret)
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

// authenticate extracts and validates the bearer token. WebSocket clients
// may pass the token as a query parameter since browsers cannot set headers
// on upgrade requests.
func authenticate(r *http.Request, secret string) (*identity, error) {
	raw := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		raw = strings.TrimPrefix(h, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		raw = q
	}
	if raw == "" {
		return nil, errs.ErrUnauthenticated.Wrap("missing bearer token")
	}

	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.ErrUnauthenticated.Wrapf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, errs.ErrUnauthenticated.Wrap("invalid token")
	}
	if c.Subject == "" {
		return nil, errs.ErrUnauthenticated.Wrap("token has no subject party")
	}
	return &identity{Party: c.Subject, ActAs: c.ActAs}, nil
}

func withIdentity(ctx context.Context, id *identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func identityFrom(ctx context.Context) *identity {
	id, _ := ctx.Value(identityKey).(*identity)
	return id
}

// requireParty checks that the caller may act as the given party. With auth
// disabled every request passes.
func requireParty(ctx context.Context, party string) error {
	id := identityFrom(ctx)
	if id == nil {
		return nil
	}
	if id.Party == party {
		return nil
	}
	for _, p := range id.ActAs {
		if p == party {
			return nil
		}
	}
	return errs.ErrPermissionDenied.Wrapf("caller %s may not act as %s", id.Party, party)
}
