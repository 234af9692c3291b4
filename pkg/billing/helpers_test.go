package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tiersync/pkg/subscription"
	"github.com/mihaimyh/tiersync/storage/memory"
)

const (
	testUserID       = "user_123"
	testCustomerID   = "cus_123"
	testSubID        = "sub_123"
	testProMonthly   = "prod_pro_monthly"
	testProAnnual    = "prod_pro_annual"
	testPowerMonthly = "prod_power_monthly"
	testPowerAnnual  = "prod_power_annual"
)

var testNow = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

var errStoreDown = errors.New("connection refused")

// trackingStore wraps the memory store to count writes and inject failures.
type trackingStore struct {
	*memory.Storage

	mu        sync.Mutex
	upserts   []*subscription.Subscription
	cancels   []string
	reads     int
	failWrite error
	failRead  error
}

func newTrackingStore() *trackingStore {
	return &trackingStore{Storage: memory.New()}
}

func (s *trackingStore) GetByUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.Lock()
	s.reads++
	fail := s.failRead
	s.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return s.Storage.GetByUser(ctx, userID)
}

func (s *trackingStore) GetByExternalCustomerID(ctx context.Context, customerID string) (*subscription.Subscription, error) {
	s.mu.Lock()
	s.reads++
	fail := s.failRead
	s.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return s.Storage.GetByExternalCustomerID(ctx, customerID)
}

func (s *trackingStore) Upsert(ctx context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	s.upserts = append(s.upserts, sub.Clone())
	fail := s.failWrite
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.Storage.Upsert(ctx, sub)
}

func (s *trackingStore) UpdateStatusByExternalSubscriptionID(ctx context.Context, subscriptionID string, status subscription.Status, canceledAt time.Time) error {
	s.mu.Lock()
	s.cancels = append(s.cancels, subscriptionID)
	fail := s.failWrite
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.Storage.UpdateStatusByExternalSubscriptionID(ctx, subscriptionID, status, canceledAt)
}

func (s *trackingStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts) + len(s.cancels)
}

func (s *trackingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts) + len(s.cancels) + s.reads
}

func testMapping() ProductMapping {
	return ProductMapping{
		ProMonthly:   []string{testProMonthly},
		ProAnnual:    []string{testProAnnual},
		PowerMonthly: []string{testPowerMonthly},
		PowerAnnual:  []string{testPowerAnnual},
	}
}

// recordingMetrics captures calls for assertions.
type recordingMetrics struct {
	NoopMetrics

	mu          sync.Mutex
	events      []string
	errors      []string
	tierChanges []string
	rateLimited int
}

func (m *recordingMetrics) RecordWebhookEvent(_, eventType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType+":"+outcome)
}

func (m *recordingMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, errorType)
}

func (m *recordingMetrics) RecordTierChange(_, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tierChanges = append(m.tierChanges, from+"->"+to)
}

func (m *recordingMetrics) RecordRateLimited(_ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimited++
}

// recordingLogger captures log messages by level.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]interface{}
}

func (l *recordingLogger) add(level, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: m})
}

func (l *recordingLogger) Debug(msg string, fields ...Field) { l.add("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...Field)  { l.add("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...Field)  { l.add("warn", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...Field) { l.add("error", msg, fields) }

func (l *recordingLogger) levels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.level
	}
	return out
}

func (l *recordingLogger) last() logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return logEntry{}
	}
	return l.entries[len(l.entries)-1]
}

type fixture struct {
	store      *trackingStore
	metrics    *recordingMetrics
	logger     *recordingLogger
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newTrackingStore()
	store.AddUser(testUserID)

	tiers, err := NewTierResolver(testMapping())
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		metrics: &recordingMetrics{},
		logger:  &recordingLogger{},
	}
	f.reconciler, err = NewReconciler(ReconcilerConfig{
		Store:    store,
		Identity: NewIdentityResolver(store, store, false),
		Tiers:    tiers,
		Logger:   f.logger,
		Metrics:  f.metrics,
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return f
}

// seed stores a record directly, bypassing the tracking counters.
func (f *fixture) seed(t *testing.T, sub *subscription.Subscription) {
	t.Helper()
	require.NoError(t, f.store.Storage.Upsert(context.Background(), sub))
}

func activeRecord(tier subscription.Tier, product string) *subscription.Subscription {
	return &subscription.Subscription{
		UserID:                 testUserID,
		ExternalSubscriptionID: testSubID,
		ExternalCustomerID:     testCustomerID,
		ExternalProductID:      product,
		Tier:                   tier,
		BillingCycle:           subscription.CycleMonthly,
		Status:                 subscription.StatusActive,
	}
}

func subscriptionBody(t *testing.T, eventType string, data map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"type": eventType, "data": data})
	require.NoError(t, err)
	return body
}

func subscriptionData(product, status string) map[string]interface{} {
	return map[string]interface{}{
		"id":                   testSubID,
		"status":               status,
		"product_id":           product,
		"customer_id":          testCustomerID,
		"recurring_interval":   "month",
		"current_period_start": "2026-03-01T00:00:00Z",
		"current_period_end":   "2026-04-01T00:00:00Z",
		"cancel_at_period_end": false,
		"customer": map[string]interface{}{
			"id":          testCustomerID,
			"external_id": testUserID,
		},
	}
}
