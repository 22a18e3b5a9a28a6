package billing

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies a billing webhook event type. The set is closed:
// ParseEvent rejects anything else before it reaches the Reconciler.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout.session.completed"
	EventInvoicePaid         EventKind = "invoice.payment_succeeded"
	EventInvoiceFailed       EventKind = "invoice.payment_failed"
	EventSubscriptionUpdated EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted EventKind = "customer.subscription.deleted"
)

// Valid reports whether k is a handled event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventCheckoutCompleted, EventInvoicePaid, EventInvoiceFailed,
		EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	}
	return false
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// Valid reports whether s is a known subscription status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusCanceled, StatusIncomplete:
		return true
	}
	return false
}

// Subscription is one user's recurring plan. Rows are never hard-deleted;
// the terminal state is status canceled.
type Subscription struct {
	ID                   int64              `json:"id"`
	UserID               string             `json:"user_id"`
	ProductID            int64              `json:"product_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Product is a purchasable catalog entry keyed by its external price id.
type Product struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	StripePriceID string `json:"stripe_price_id"`
	Credits       int64  `json:"credits"`
	PriceCents    int64  `json:"price_cents"`
}

// CreditPackage is a static one-off purchase tier.
type CreditPackage struct {
	Tier          string `json:"tier"`
	Credits       int64  `json:"credits"`
	PriceCents    int64  `json:"price_cents"`
	StripePriceID string `json:"stripe_price_id"`
}

// CreditPackages is the static purchase catalog. The custom tier is
// negotiated out of band and cannot be bought through checkout.
var CreditPackages = map[string]CreditPackage{
	"starter":    {Tier: "starter", Credits: 1000, PriceCents: 999},
	"pro":        {Tier: "pro", Credits: 5000, PriceCents: 3999},
	"enterprise": {Tier: "enterprise", Credits: 15000, PriceCents: 9999},
	"custom":     {Tier: "custom"},
}

// CheckoutSession is the object payload of a checkout completed event.
// Mode distinguishes recurring subscriptions from one-off credit purchases.
type CheckoutSession struct {
	ID                 string            `json:"id"`
	Mode               string            `json:"mode"`
	SubscriptionID     string            `json:"subscription"`
	PaymentIntentID    string            `json:"payment_intent"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

// Invoice is the object payload of invoice payment events.
type Invoice struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription"`
	PeriodStart    int64  `json:"period_start"`
	PeriodEnd      int64  `json:"period_end"`
}

// SubscriptionObject is the object payload of subscription lifecycle events.
type SubscriptionObject struct {
	ID                 string             `json:"id"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart int64              `json:"current_period_start"`
	CurrentPeriodEnd   int64              `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
}

// Event is one verified, typed billing event. Exactly one of the payload
// pointers is set, matching Kind.
type Event struct {
	ID           string
	Kind         EventKind
	Checkout     *CheckoutSession
	Invoice      *Invoice
	Subscription *SubscriptionObject
}

// envelope is the raw wire shape shared by all event kinds.
type envelope struct {
	ID   string    `json:"id"`
	Type EventKind `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a raw webhook payload into a typed Event. Unknown event
// types and malformed payloads are rejected here, before any state is touched.
func ParseEvent(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("event missing id")
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("unhandled event type %q", env.Type)
	}
	if len(env.Data.Object) == 0 {
		return nil, fmt.Errorf("event %s missing data.object", env.ID)
	}

	evt := &Event{ID: env.ID, Kind: env.Type}
	switch env.Type {
	case EventCheckoutCompleted:
		evt.Checkout = &CheckoutSession{}
		if err := json.Unmarshal(env.Data.Object, evt.Checkout); err != nil {
			return nil, fmt.Errorf("decode checkout session for event %s: %w", env.ID, err)
		}
	case EventInvoicePaid, EventInvoiceFailed:
		evt.Invoice = &Invoice{}
		if err := json.Unmarshal(env.Data.Object, evt.Invoice); err != nil {
			return nil, fmt.Errorf("decode invoice for event %s: %w", env.ID, err)
		}
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		evt.Subscription = &SubscriptionObject{}
		if err := json.Unmarshal(env.Data.Object, evt.Subscription); err != nil {
			return nil, fmt.Errorf("decode subscription for event %s: %w", env.ID, err)
		}
	}
	return evt, nil
}
