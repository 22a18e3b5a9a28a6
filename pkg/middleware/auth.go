package middleware

import (
	"net/http"

	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
)

// SessionProvider resolves the authenticated user for a request. The ledger
// never authenticates anybody itself; it trusts the identifier the external
// session layer hands it.
type SessionProvider interface {
	// UserFromRequest returns the authenticated user id, or "" when the
	// request carries no valid session.
	UserFromRequest(r *http.Request) (string, error)
}

// SessionProviderFunc adapts a function to the SessionProvider interface.
type SessionProviderFunc func(r *http.Request) (string, error)

func (f SessionProviderFunc) UserFromRequest(r *http.Request) (string, error) { return f(r) }

// HeaderSessionProvider trusts a user id header set by an upstream gateway.
// Only usable behind a proxy that strips the header from client traffic.
type HeaderSessionProvider struct {
	Header string
}

func (p HeaderSessionProvider) UserFromRequest(r *http.Request) (string, error) {
	header := p.Header
	if header == "" {
		header = "X-User-ID"
	}
	return r.Header.Get(header), nil
}

// Auth rejects requests without an authenticated user and stores the user id
// in the request context for downstream handlers.
func Auth(sessions SessionProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := sessions.UserFromRequest(r)
			if err != nil {
				httputil.WriteUnauthorized(w, "session validation failed")
				return
			}
			if userID == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			ctx := observability.WithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
