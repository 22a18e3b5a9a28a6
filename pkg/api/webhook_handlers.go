package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
)

// maxWebhookBody bounds the payload we are willing to verify.
const maxWebhookBody = 1 << 20

// handleWebhook verifies, parses and reconciles one billing event.
// Duplicates answer 200 like first deliveries so the sender stops retrying;
// unresolvable references answer 422 so it alerts instead.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observability.FromContext(ctx)

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteBadRequest(w, "unreadable payload")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if err := billing.VerifySignature(payload, signature, s.webhookSecret, s.webhookTolerance); err != nil {
		log.WithError(err).Warn("webhook signature rejected")
		httputil.WriteBadRequest(w, "invalid signature")
		return
	}

	evt, err := billing.ParseEvent(payload)
	if err != nil {
		log.WithError(err).Warn("webhook payload rejected")
		httputil.WriteBadRequest(w, "invalid event payload")
		return
	}

	switch err := s.reconciler.Handle(ctx, evt); {
	case err == nil, errors.Is(err, billing.ErrDuplicateEvent):
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, billing.ErrUnresolvableReference):
		httputil.WriteUnprocessable(w, err.Error())
	default:
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "event processing failed")
	}
}
