package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_DecodeSubscriptionEvent(t *testing.T) {
	v := MustNewValidator()
	body := subscriptionBody(t, "subscription.created", subscriptionData(testProMonthly, "active"))

	ev, err := v.Decode(body)
	require.NoError(t, err)

	sub, ok := ev.(*SubscriptionEvent)
	require.True(t, ok, "expected *SubscriptionEvent, got %T", ev)
	assert.Equal(t, "subscription.created", sub.EventType())
	assert.Equal(t, testSubID, sub.SubscriptionID)
	assert.Equal(t, testCustomerID, sub.CustomerID)
	assert.Equal(t, testUserID, sub.ExternalUserID)
	assert.Equal(t, testProMonthly, sub.ProductID)
	assert.Equal(t, "active", sub.Status)
	assert.Equal(t, "month", sub.RecurringInterval)
	require.NotNil(t, sub.CurrentPeriodStart)
	assert.True(t, sub.CurrentPeriodStart.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, sub.CanceledAt)
}

func TestValidator_DecodeNestedReferences(t *testing.T) {
	v := MustNewValidator()
	body := []byte(`{
		"type": "subscription.updated",
		"data": {
			"id": "sub_9",
			"status": "active",
			"product": {"id": "prod_x", "name": "Pro"},
			"customer": "cus_9",
			"metadata": {"userId": "u_9"}
		}
	}`)

	ev, err := v.Decode(body)
	require.NoError(t, err)
	sub := ev.(*SubscriptionEvent)
	assert.Equal(t, "prod_x", sub.ProductID)
	assert.Equal(t, "cus_9", sub.CustomerID)
	assert.Equal(t, "u_9", sub.ExternalUserID)
}

func TestValidator_DecodeCancellation(t *testing.T) {
	v := MustNewValidator()
	body := []byte(`{"type":"subscription.canceled","data":{"id":"sub_1","status":"canceled","canceled_at":"2026-03-10T08:00:00Z"}}`)

	ev, err := v.Decode(body)
	require.NoError(t, err)
	c, ok := ev.(*CancellationEvent)
	require.True(t, ok)
	assert.Equal(t, "sub_1", c.SubscriptionID)
	require.NotNil(t, c.CanceledAt)
	assert.True(t, c.CanceledAt.Equal(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)))
}

func TestValidator_EmptyTimestampsAreAbsent(t *testing.T) {
	v := MustNewValidator()

	ev, err := v.Decode([]byte(`{"type":"subscription.updated","data":{"id":"sub_1","status":"active",` +
		`"current_period_start":"","current_period_end":null,"canceled_at":"  "}}`))
	require.NoError(t, err)
	sub := ev.(*SubscriptionEvent)
	assert.Nil(t, sub.CurrentPeriodStart)
	assert.Nil(t, sub.CurrentPeriodEnd)
	assert.Nil(t, sub.CanceledAt)

	ev, err = v.Decode([]byte(`{"type":"subscription.canceled","data":{"id":"sub_1","status":"canceled","canceled_at":""}}`))
	require.NoError(t, err)
	assert.Nil(t, ev.(*CancellationEvent).CanceledAt)
}

func TestValidator_OtherEvents(t *testing.T) {
	v := MustNewValidator()

	ev, err := v.Decode([]byte(`{"type":"order.paid","data":{"id":"ord_1"}}`))
	require.NoError(t, err)
	assert.Equal(t, &OtherEvent{Type: "order.paid", Known: true}, ev)

	// Unknown types only need the envelope, not subscription fields
	ev, err = v.Decode([]byte(`{"type":"payout.settled","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, &OtherEvent{Type: "payout.settled", Known: false}, ev)
}

func TestValidator_ToleratesUnknownFields(t *testing.T) {
	v := MustNewValidator()
	body := []byte(`{"type":"subscription.updated","timestamp":"2026-01-01T00:00:00Z","data":{"id":"s","status":"active","extra":{"a":1}}}`)

	_, err := v.Decode(body)
	assert.NoError(t, err)
}

func TestValidator_Rejects(t *testing.T) {
	v := MustNewValidator()
	cases := map[string]string{
		"malformed json":        `{"type":`,
		"not an object":         `["subscription.created"]`,
		"missing type":          `{"data":{}}`,
		"empty type":            `{"type":"","data":{}}`,
		"non-string type":       `{"type":42,"data":{}}`,
		"missing data":          `{"type":"order.paid"}`,
		"data not object":       `{"type":"order.paid","data":"x"}`,
		"subscription no id":    `{"type":"subscription.created","data":{"status":"active"}}`,
		"subscription empty id": `{"type":"subscription.created","data":{"id":"","status":"active"}}`,
		"subscription no state": `{"type":"subscription.updated","data":{"id":"sub_1"}}`,
		"cancel no id":          `{"type":"subscription.canceled","data":{"status":"canceled"}}`,
		"bad timestamp":         `{"type":"subscription.created","data":{"id":"s","status":"active","current_period_end":"tomorrow"}}`,
		"trailing value":        `{"type":"order.paid","data":{}} {}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			ev, err := v.Decode([]byte(body))
			assert.Nil(t, ev)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidWebhookPayload)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FamilyUpsert, Classify("subscription.created"))
	assert.Equal(t, FamilyUpsert, Classify("subscription.updated"))
	assert.Equal(t, FamilyCancel, Classify("subscription.canceled"))
	assert.Equal(t, FamilyCancel, Classify("subscription.revoked"))
	assert.Equal(t, FamilyOther, Classify("checkout.created"))
	assert.Equal(t, FamilyUnknown, Classify("Subscription.Created"))
	assert.True(t, FamilyCancel.IsSubscriptionKind())
	assert.False(t, FamilyOther.IsSubscriptionKind())
}
