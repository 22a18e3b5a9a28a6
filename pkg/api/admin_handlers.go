package api

import (
	"net/http"

	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/ledger"
	"github.com/platinummonkey/tally/pkg/observability"
)

type grantRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// grantCredits applies an administrative balance adjustment and records who
// did it in the audit log. Authorization is the session layer's problem:
// upstream must only route admins here.
func (s *Server) grantCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID := observability.GetUserID(ctx)

	var req grantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}
	if req.Amount <= 0 {
		httputil.WriteBadRequest(w, "amount must be positive")
		return
	}

	result, err := s.ledger.Add(ctx, req.UserID, req.Amount, ledger.KindAdmin, req.Reason, "")
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	entryID, err := s.audit.Record(ctx, &audit.Entry{
		Action:    audit.ActionCreditGrant,
		ActorID:   actorID,
		SubjectID: req.UserID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		RequestID: observability.GetRequestID(ctx),
	})
	if err != nil {
		// The grant is durable; a lost audit row is an operational alert,
		// not a reason to report failure to the admin.
		observability.FromContext(ctx).WithError(err).Error("audit record failed for credit grant")
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"new_balance": result.NewBalance,
		"audit_id":    entryID,
	})
}
