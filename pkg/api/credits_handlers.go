package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/ledger"
	"github.com/platinummonkey/tally/pkg/observability"
)

const maxHistoryLimit = 200

// creditsResponse is the dashboard payload: balance plus a short preview of
// recent activity and the trailing-month usage aggregate.
type creditsResponse struct {
	Balance      int64                 `json:"balance"`
	Transactions []*ledger.Transaction `json:"transactions"`
	Usage        *ledger.UsageStats    `json:"usage"`
}

func (s *Server) getCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := observability.GetUserID(ctx)

	balance, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	transactions, err := s.ledger.History(ctx, userID, s.previewLimit, 0)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	usage, err := s.ledger.UsageStats(ctx, userID, 30)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, creditsResponse{
		Balance:      balance,
		Transactions: transactions,
		Usage:        usage,
	})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := observability.GetUserID(ctx)

	limit := httputil.ParseQueryInt(r, "limit", 50)
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := httputil.ParseQueryInt(r, "offset", 0)

	transactions, err := s.ledger.History(ctx, userID, limit, offset)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	if transactions == nil {
		transactions = []*ledger.Transaction{}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
		"limit":        limit,
		"offset":       offset,
	})
}

func (s *Server) getUsageStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := observability.GetUserID(ctx)

	days := httputil.ParseQueryInt(r, "days", 30)
	stats, err := s.ledger.UsageStats(ctx, userID, days)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

type purchaseRequest struct {
	Package    string `json:"package"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (s *Server) startPurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := observability.GetUserID(ctx)

	var req purchaseRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	pkg, ok := billing.CreditPackages[req.Package]
	if !ok {
		httputil.WriteBadRequest(w, "unknown credit package")
		return
	}
	if pkg.Credits == 0 {
		httputil.WriteBadRequest(w, "credit package not purchasable via checkout")
		return
	}
	if s.checkout == nil {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "purchases are not enabled")
		return
	}

	checkoutURL, err := s.checkout.StartCheckout(ctx, userID, pkg, req.SuccessURL, req.CancelURL)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("checkout session creation failed")
		httputil.WriteInternalError(w, errors.New("failed to start checkout"))
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"checkout_url": checkoutURL})
}

func (s *Server) getOwnedOrganizations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := observability.GetUserID(ctx)

	owned, err := s.orgs.OwnedOrganizations(ctx, userID)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("owned organizations lookup failed")
		httputil.WriteInternalError(w, errors.New("failed to load organizations"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"organizations": owned})
}

// writeLedgerError maps ledger failures onto status codes without leaking
// internals.
func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context()).WithError(err).Error("ledger operation failed")
	if errors.Is(err, ledger.ErrStoreUnavailable) {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "ledger temporarily unavailable")
		return
	}
	httputil.WriteInternalError(w, errors.New("ledger operation failed"))
}
