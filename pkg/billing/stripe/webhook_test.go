package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/subscription"
	"github.com/mihaimyh/tiersync/storage/memory"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testUserID        = "user_123"
	testCustomerID    = "cus_123"
	testPriceIDPro    = "price_pro_monthly"
	testPriceIDPower  = "price_power_monthly"
)

func subscriptionEventBody(t *testing.T, eventType string, sub *stripe.Subscription) []byte {
	t.Helper()
	raw, err := json.Marshal(sub)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"id":      "evt_test",
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]json.RawMessage{"object": raw},
	})
	require.NoError(t, err)
	return body
}

func testSubscription(prices ...string) *stripe.Subscription {
	items := make([]*stripe.SubscriptionItem, 0, len(prices))
	for _, price := range prices {
		items = append(items, &stripe.SubscriptionItem{
			ID: "si_" + price,
			Price: &stripe.Price{
				ID:        price,
				Recurring: &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth},
			},
			CurrentPeriodStart: 1772323200,
			CurrentPeriodEnd:   1775001600,
		})
	}
	return &stripe.Subscription{
		ID:       "sub_test",
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: testCustomerID},
		Metadata: map[string]string{"user_id": testUserID},
		Items:    &stripe.SubscriptionItemList{Data: items},
	}
}

func signedHeader(body []byte, secret string, ts time.Time) http.Header {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: ts,
	})
	h := http.Header{}
	h.Set(signatureHeader, signed.Header)
	return h
}

func TestProvider_Configured(t *testing.T) {
	assert.False(t, NewProvider(Config{}).Configured())
	p := NewProvider(Config{WebhookSecret: testWebhookSecret})
	assert.True(t, p.Configured())
	assert.Equal(t, "stripe", p.Name())
}

func TestProvider_Authenticate(t *testing.T) {
	p := NewProvider(Config{WebhookSecret: testWebhookSecret})
	body := subscriptionEventBody(t, eventSubscriptionCreated, testSubscription(testPriceIDPro))

	assert.NoError(t, p.Authenticate(signedHeader(body, testWebhookSecret, time.Now()), body))

	err := p.Authenticate(signedHeader(body, "whsec_other", time.Now()), body)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)

	err = p.Authenticate(signedHeader(body, testWebhookSecret, time.Now().Add(-time.Hour)), body)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature, "stale timestamps are rejected")

	err = p.Authenticate(http.Header{}, body)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] ^= 0x01
	err = p.Authenticate(signedHeader(body, testWebhookSecret, time.Now()), tampered)
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
}

func TestProvider_DecodeSubscriptionCreated(t *testing.T) {
	p := NewProvider(Config{WebhookSecret: testWebhookSecret})
	body := subscriptionEventBody(t, eventSubscriptionCreated, testSubscription(testPriceIDPro))

	ev, err := p.Decode(body)
	require.NoError(t, err)
	sub, ok := ev.(*billing.SubscriptionEvent)
	require.True(t, ok, "expected *billing.SubscriptionEvent, got %T", ev)
	assert.Equal(t, eventSubscriptionCreated, sub.Type)
	assert.Equal(t, "sub_test", sub.SubscriptionID)
	assert.Equal(t, testCustomerID, sub.CustomerID)
	assert.Equal(t, testUserID, sub.ExternalUserID)
	assert.Equal(t, testPriceIDPro, sub.ProductID)
	assert.Equal(t, "month", sub.RecurringInterval)
	assert.Equal(t, "active", sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1775001600), sub.CurrentPeriodEnd.Unix())
}

func TestProvider_DecodePicksHighestTierItem(t *testing.T) {
	tiers, err := billing.NewTierResolver(billing.ProductMapping{
		ProMonthly:   []string{testPriceIDPro},
		PowerMonthly: []string{testPriceIDPower},
	})
	require.NoError(t, err)
	body := subscriptionEventBody(t, eventSubscriptionUpdated, testSubscription("price_addon", testPriceIDPro, testPriceIDPower))

	ev, err := NewProvider(Config{Tiers: tiers}).Decode(body)
	require.NoError(t, err)
	assert.Equal(t, testPriceIDPower, ev.(*billing.SubscriptionEvent).ProductID)

	ev, err = NewProvider(Config{}).Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "price_addon", ev.(*billing.SubscriptionEvent).ProductID)
}

func TestProvider_DecodeSubscriptionDeleted(t *testing.T) {
	sub := testSubscription(testPriceIDPro)
	sub.Status = stripe.SubscriptionStatusCanceled
	sub.CanceledAt = 1773000000
	body := subscriptionEventBody(t, eventSubscriptionDeleted, sub)

	ev, err := NewProvider(Config{}).Decode(body)
	require.NoError(t, err)
	c, ok := ev.(*billing.CancellationEvent)
	require.True(t, ok)
	assert.Equal(t, "sub_test", c.SubscriptionID)
	require.NotNil(t, c.CanceledAt)
	assert.Equal(t, int64(1773000000), c.CanceledAt.Unix())
}

func TestProvider_DecodeOtherEvents(t *testing.T) {
	p := NewProvider(Config{})

	ev, err := p.Decode([]byte(`{"id":"evt_1","type":"invoice.payment_succeeded","data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, &billing.OtherEvent{Type: "invoice.payment_succeeded", Known: true}, ev)

	ev, err = p.Decode([]byte(`{"id":"evt_2","type":"radar.early_fraud_warning.created","data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, &billing.OtherEvent{Type: "radar.early_fraud_warning.created", Known: false}, ev)
}

func TestProvider_DecodeRejects(t *testing.T) {
	p := NewProvider(Config{})
	for name, body := range map[string]string{
		"malformed":       `{"type":`,
		"no type":         `{"id":"evt_1","data":{"object":{}}}`,
		"no subscription": `{"id":"evt_1","type":"customer.subscription.updated"}`,
		"no sub id":       `{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"status":"active"}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.Decode([]byte(body))
			assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)
		})
	}
}

func TestProvider_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	store.AddUser(testUserID)
	tiers, err := billing.NewTierResolver(billing.ProductMapping{ProMonthly: []string{testPriceIDPro}})
	require.NoError(t, err)
	p := NewProvider(Config{WebhookSecret: testWebhookSecret, Tiers: tiers})
	rec, err := billing.NewReconciler(billing.ReconcilerConfig{
		Store:    store,
		Identity: billing.NewIdentityResolver(store, store, false),
		Tiers:    tiers,
		Provider: p.Name(),
	})
	require.NoError(t, err)

	body := subscriptionEventBody(t, eventSubscriptionCreated, testSubscription(testPriceIDPro))
	require.NoError(t, p.Authenticate(signedHeader(body, testWebhookSecret, time.Now()), body))
	ev, err := p.Decode(body)
	require.NoError(t, err)

	outcome, err := rec.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, outcome)

	got, err := store.GetByUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, subscription.TierPro, got.Tier)
	assert.Equal(t, subscription.CycleMonthly, got.BillingCycle)
}
