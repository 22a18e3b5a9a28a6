package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/tally/pkg/costs"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/ledger"
	"github.com/platinummonkey/tally/pkg/observability"
)

// Deductor is the slice of the ledger service metering needs.
type Deductor interface {
	Deduct(ctx context.Context, userID string, amount int64, description, operation string) (*ledger.DeductResult, error)
}

// Metering charges the request's cost before the handler runs. Insufficient
// balance rejects with 402 and the remaining balance; successful deductions
// expose the new balance via X-Credits-Remaining. Zero-cost routes and
// requests without an authenticated user pass through unchanged.
func Metering(resolver *costs.Resolver, credits Deductor) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := observability.GetUserID(r.Context())
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			operation := r.Method + " " + routeTemplate(r)
			cost := resolver.Cost(r.Method, routeTemplate(r))
			if cost == 0 {
				next.ServeHTTP(w, r)
				return
			}

			result, err := credits.Deduct(r.Context(), userID, cost, "API usage", operation)
			if err != nil {
				var insufficient *ledger.InsufficientCreditsError
				if errors.As(err, &insufficient) {
					w.Header().Set("X-Credits-Remaining", strconv.FormatInt(insufficient.Balance, 10))
					httputil.WriteJSON(w, http.StatusPaymentRequired, map[string]interface{}{
						"error":             "insufficient credits",
						"remaining_balance": insufficient.Balance,
						"required":          cost,
					})
					return
				}
				observability.FromContext(r.Context()).WithError(err).Error("credit deduction failed")
				httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "credit check unavailable")
				return
			}

			w.Header().Set("X-Credits-Remaining", strconv.FormatInt(result.RemainingBalance, 10))
			next.ServeHTTP(w, r)
		})
	}
}

// routeTemplate returns the matched mux route template so metering keys on
// "/api/users/{id}" rather than each concrete URL.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
