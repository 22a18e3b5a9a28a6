package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/tally/pkg/ledger"
	"github.com/platinummonkey/tally/pkg/observability"
)

// CreditAdder is the slice of the ledger service the reconciler needs.
type CreditAdder interface {
	Add(ctx context.Context, userID string, amount int64, kind ledger.Kind, description, stripePaymentID string) (*ledger.AddResult, error)
}

// Reconciler translates verified billing events into ledger and subscription
// state changes. Safe for concurrent use.
type Reconciler struct {
	store   Store
	credits CreditAdder
	catalog *Catalog
	logger  *observability.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(store Store, credits CreditAdder, catalog *Catalog, logger *observability.Logger) *Reconciler {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Reconciler{store: store, credits: credits, catalog: catalog, logger: logger}
}

// Handle applies one event. Returns nil when applied, ErrDuplicateEvent when
// the event id was seen before (state unchanged), an
// *UnresolvableReferenceError when the event names an unknown entity, and a
// plain error for store failures (safe to retry).
func (r *Reconciler) Handle(ctx context.Context, evt *Event) error {
	log := r.logger.WithFields(map[string]interface{}{
		"event_id":   evt.ID,
		"event_type": string(evt.Kind),
	})

	var err error
	switch evt.Kind {
	case EventCheckoutCompleted:
		err = r.handleCheckoutCompleted(ctx, evt)
	case EventInvoicePaid, EventInvoiceFailed:
		err = r.handleInvoice(ctx, evt)
	case EventSubscriptionUpdated:
		sub := evt.Subscription
		if !sub.Status.Valid() {
			err = unresolvable(evt.ID, "subscription status", string(sub.Status))
			break
		}
		err = r.store.SyncSubscription(ctx, evt.ID, sub.ID, sub.Status,
			time.Unix(sub.CurrentPeriodStart, 0).UTC(), time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
			sub.CancelAtPeriodEnd)
	case EventSubscriptionDeleted:
		err = r.store.CancelSubscription(ctx, evt.ID, evt.Subscription.ID)
	default:
		// ParseEvent guarantees a valid kind; this is unreachable.
		err = fmt.Errorf("unhandled event type %q", evt.Kind)
	}

	switch {
	case err == nil:
		observability.WebhookEventsTotal.WithLabelValues(string(evt.Kind), "applied").Inc()
		log.Info("billing event applied")
	case errors.Is(err, ErrDuplicateEvent):
		observability.WebhookEventsTotal.WithLabelValues(string(evt.Kind), "duplicate").Inc()
		log.Debug("billing event replayed, no-op")
	case errors.Is(err, ErrUnresolvableReference):
		observability.WebhookEventsTotal.WithLabelValues(string(evt.Kind), "unresolvable").Inc()
		log.WithError(err).Warn("billing event references unknown entity")
	default:
		observability.WebhookEventsTotal.WithLabelValues(string(evt.Kind), "error").Inc()
		log.WithError(err).Error("billing event failed")
	}
	return err
}

// handleInvoice applies an invoice payment outcome to its subscription.
// Invoices that reference no subscription (one-off purchase receipts) carry
// no state here; the event id is still recorded so replays dedup.
func (r *Reconciler) handleInvoice(ctx context.Context, evt *Event) error {
	inv := evt.Invoice
	if inv.SubscriptionID == "" {
		return r.store.RecordProcessed(ctx, evt.ID)
	}
	if evt.Kind == EventInvoiceFailed {
		return r.store.MarkInvoiceFailed(ctx, evt.ID, inv.SubscriptionID)
	}
	return r.store.MarkInvoicePaid(ctx, evt.ID, inv.SubscriptionID,
		time.Unix(inv.PeriodStart, 0).UTC(), time.Unix(inv.PeriodEnd, 0).UTC())
}

// handleCheckoutCompleted splits on session mode: subscription checkouts
// activate a subscription row, payment checkouts grant one-off credits.
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, evt *Event) error {
	session := evt.Checkout
	userID := session.Metadata["user_id"]
	if userID == "" {
		return unresolvable(evt.ID, "purchaser", "metadata.user_id")
	}

	if session.Mode == "payment" {
		return r.grantPurchasedCredits(ctx, evt, userID)
	}

	priceID := session.Metadata["price_id"]
	if priceID == "" {
		return unresolvable(evt.ID, "price", "metadata.price_id")
	}
	product, err := r.catalog.ProductByPriceID(ctx, priceID)
	if err != nil {
		var unres *UnresolvableReferenceError
		if errors.As(err, &unres) {
			unres.EventID = evt.ID
		}
		return err
	}
	if session.SubscriptionID == "" {
		return unresolvable(evt.ID, "subscription", "session.subscription")
	}

	return r.store.ActivateSubscription(ctx, evt.ID, &Subscription{
		UserID:               userID,
		ProductID:            product.ID,
		StripeSubscriptionID: session.SubscriptionID,
		Status:               StatusActive,
		CurrentPeriodStart:   time.Unix(session.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:     time.Unix(session.CurrentPeriodEnd, 0).UTC(),
	})
}

// grantPurchasedCredits credits a one-off purchase. The ledger's unique
// payment-id constraint is the idempotence key here, so the credit is applied
// before the event id is recorded: a crash between the two leaves a retry
// that converges instead of double-crediting.
func (r *Reconciler) grantPurchasedCredits(ctx context.Context, evt *Event, userID string) error {
	session := evt.Checkout
	rawCredits := session.Metadata["credits"]
	if rawCredits == "" {
		return unresolvable(evt.ID, "credit quantity", "metadata.credits")
	}
	amount, err := strconv.ParseInt(rawCredits, 10, 64)
	if err != nil || amount <= 0 {
		return unresolvable(evt.ID, "credit quantity", rawCredits)
	}
	if session.PaymentIntentID == "" {
		return unresolvable(evt.ID, "payment", "session.payment_intent")
	}

	description := "Credit purchase"
	if tier := session.Metadata["package"]; tier != "" {
		description = fmt.Sprintf("Purchased %s credit package", tier)
	}

	_, err = r.credits.Add(ctx, userID, amount, ledger.KindPurchase, description, session.PaymentIntentID)
	if errors.Is(err, ledger.ErrDuplicatePayment) {
		return ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("grant purchased credits: %w", err)
	}

	if err := r.store.RecordProcessed(ctx, evt.ID); err != nil && !errors.Is(err, ErrDuplicateEvent) {
		// Credit is committed and payment-id-deduplicated; a failed event
		// record only costs a duplicate-detection fast path on replay.
		r.logger.WithError(err).WithField("event_id", evt.ID).Warn("failed to record processed event")
	}
	return nil
}
