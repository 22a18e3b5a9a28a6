package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent_CheckoutCompleted(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"mode": "payment",
			"payment_intent": "pi_1",
			"metadata": {"user_id": "alice", "credits": "1000", "package": "starter"}
		}}
	}`)

	evt, err := ParseEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, EventCheckoutCompleted, evt.Kind)
	require.NotNil(t, evt.Checkout)
	assert.Equal(t, "payment", evt.Checkout.Mode)
	assert.Equal(t, "pi_1", evt.Checkout.PaymentIntentID)
	assert.Equal(t, "alice", evt.Checkout.Metadata["user_id"])
	assert.Nil(t, evt.Invoice)
	assert.Nil(t, evt.Subscription)
}

func TestParseEvent_InvoiceKinds(t *testing.T) {
	for _, kind := range []EventKind{EventInvoicePaid, EventInvoiceFailed} {
		payload := []byte(`{
			"id": "evt_2",
			"type": "` + string(kind) + `",
			"data": {"object": {
				"id": "in_1",
				"subscription": "sub_1",
				"period_start": 1700000000,
				"period_end": 1702592000
			}}
		}`)

		evt, err := ParseEvent(payload)
		require.NoError(t, err)
		assert.Equal(t, kind, evt.Kind)
		require.NotNil(t, evt.Invoice)
		assert.Equal(t, "sub_1", evt.Invoice.SubscriptionID)
		assert.Equal(t, int64(1700000000), evt.Invoice.PeriodStart)
	}
}

func TestParseEvent_SubscriptionLifecycle(t *testing.T) {
	payload := []byte(`{
		"id": "evt_3",
		"type": "customer.subscription.updated",
		"data": {"object": {
			"id": "sub_1",
			"status": "past_due",
			"cancel_at_period_end": true
		}}
	}`)

	evt, err := ParseEvent(payload)
	require.NoError(t, err)
	require.NotNil(t, evt.Subscription)
	assert.Equal(t, StatusPastDue, evt.Subscription.Status)
	assert.True(t, evt.Subscription.CancelAtPeriodEnd)
}

func TestParseEvent_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"missing id", `{"type":"invoice.payment_succeeded","data":{"object":{}}}`},
		{"unknown type", `{"id":"evt_4","type":"charge.refunded","data":{"object":{}}}`},
		{"missing object", `{"id":"evt_5","type":"invoice.payment_succeeded","data":{}}`},
		{"malformed object", `{"id":"evt_6","type":"checkout.session.completed","data":{"object":{"metadata":"x"}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tc.payload))
			assert.Error(t, err)
		})
	}
}

func TestEventKindValid(t *testing.T) {
	assert.True(t, EventCheckoutCompleted.Valid())
	assert.True(t, EventSubscriptionDeleted.Valid())
	assert.False(t, EventKind("charge.refunded").Valid())
	assert.False(t, EventKind("").Valid())
}

func TestSubscriptionStatusValid(t *testing.T) {
	assert.True(t, StatusActive.Valid())
	assert.True(t, StatusIncomplete.Valid())
	assert.False(t, SubscriptionStatus("trialing").Valid())
}

func TestCreditPackagesCatalog(t *testing.T) {
	assert.Equal(t, int64(1000), CreditPackages["starter"].Credits)
	assert.Equal(t, int64(999), CreditPackages["starter"].PriceCents)
	assert.Equal(t, int64(5000), CreditPackages["pro"].Credits)
	assert.Equal(t, int64(15000), CreditPackages["enterprise"].Credits)
	assert.Zero(t, CreditPackages["custom"].Credits, "custom tier is negotiated, not purchasable")
}
