package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/tiersync/pkg/subscription"
)

// Outcome is the result of reconciling one event. Every outcome other than an
// error is acknowledged to the provider.
type Outcome string

const (
	OutcomeApplied            Outcome = "applied"
	OutcomeCanceled           Outcome = "canceled"
	OutcomeUnknownEvent       Outcome = "unknown_event"
	OutcomeIgnoredEvent       Outcome = "ignored_event"
	OutcomeIdentityUnresolved Outcome = "identity_unresolved"
	OutcomeTierUnresolved     Outcome = "tier_unresolved"
	OutcomeDowngradeSkipped   Outcome = "downgrade_skipped"
	OutcomeNothingToCancel    Outcome = "nothing_to_cancel"
)

// ReconcilerConfig wires the reconciler's collaborators.
type ReconcilerConfig struct {
	// Store is the subscription persistence gateway (required).
	Store subscription.Store

	// Identity resolves event references to user ids (required).
	Identity *IdentityResolver

	// Tiers resolves product ids to plans (required).
	Tiers *TierResolver

	// Provider labels metrics. Defaults to "hmac".
	Provider string

	// Logger is used when the context carries no request logger.
	Logger Logger

	// Metrics is optional.
	Metrics Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Reconciler decides whether and how an event changes a subscription record.
type Reconciler struct {
	store    subscription.Store
	identity *IdentityResolver
	tiers    *TierResolver
	provider string
	logger   Logger
	metrics  Metrics
	now      func() time.Time
}

// NewReconciler validates the config and returns a Reconciler.
func NewReconciler(config ReconcilerConfig) (*Reconciler, error) {
	if config.Store == nil || config.Identity == nil || config.Tiers == nil {
		return nil, fmt.Errorf("%w: reconciler requires store, identity and tier resolvers", ErrNotConfigured)
	}
	r := &Reconciler{
		store:    config.Store,
		identity: config.Identity,
		tiers:    config.Tiers,
		provider: config.Provider,
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      config.Now,
	}
	if r.provider == "" {
		r.provider = hmacProviderName
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Apply reconciles ev into the store. A non-nil error always wraps
// ErrPersistence and means the provider should retry.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	log := LoggerFromContext(ctx, r.logger)

	switch e := ev.(type) {
	case *SubscriptionEvent:
		return r.applySubscription(ctx, log, e)
	case *CancellationEvent:
		return r.applyCancellation(ctx, log, e)
	case *OtherEvent:
		if !e.Known {
			log.Info("ignoring unknown webhook event type", F("event_type", e.Type))
			return OutcomeUnknownEvent, nil
		}
		log.Debug("acknowledged webhook event without action", F("event_type", e.Type))
		return OutcomeIgnoredEvent, nil
	default:
		log.Info("ignoring unsupported event value", F("event_type", fmt.Sprintf("%T", ev)))
		return OutcomeUnknownEvent, nil
	}
}

func (r *Reconciler) applySubscription(ctx context.Context, log Logger, ev *SubscriptionEvent) (Outcome, error) {
	log = WithFields(log,
		F("event_type", ev.Type),
		F("subscription_id", ev.SubscriptionID),
		F("customer_id", ev.CustomerID),
	)

	userID, found, err := r.identity.Resolve(ctx, ev.ExternalUserID, ev.CustomerID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !found {
		log.Info("no user matches webhook event",
			F("external_user_id", ev.ExternalUserID),
		)
		return OutcomeIdentityUnresolved, nil
	}
	log = WithFields(log, F("user_id", userID))

	plan, ok := r.tiers.Resolve(ev.ProductID, ev.RecurringInterval)
	if !ok {
		log.Error("unrecognized product id, check the product mapping",
			F("product_id", ev.ProductID),
		)
		return OutcomeTierUnresolved, nil
	}

	existing, err := r.store.GetByUser(ctx, userID)
	if errors.Is(err, subscription.ErrNotFound) {
		existing = nil
	} else if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if existing.IsActive() && existing.Tier.Outranks(plan.Tier) {
		log.Warn("skipping downgrade of active subscription",
			F("current_tier", string(existing.Tier)),
			F("incoming_tier", string(plan.Tier)),
		)
		return OutcomeDowngradeSkipped, nil
	}

	record := &subscription.Subscription{
		UserID:                 userID,
		ExternalSubscriptionID: ev.SubscriptionID,
		ExternalCustomerID:     ev.CustomerID,
		ExternalProductID:      ev.ProductID,
		Tier:                   plan.Tier,
		BillingCycle:           plan.Cycle,
		Status:                 subscription.StatusFromProvider(ev.Status),
		CurrentPeriodStart:     ev.CurrentPeriodStart,
		CurrentPeriodEnd:       ev.CurrentPeriodEnd,
		CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
		CanceledAt:             ev.CanceledAt,
	}
	if err := r.store.Upsert(ctx, record); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	previousTier := "none"
	if existing != nil {
		previousTier = string(existing.Tier)
	}
	if previousTier != string(record.Tier) {
		r.metrics.RecordTierChange(r.provider, previousTier, string(record.Tier))
	}

	log.Info("subscription reconciled",
		F("previous_tier", previousTier),
		F("tier", string(record.Tier)),
		F("billing_cycle", string(record.BillingCycle)),
		F("status", string(record.Status)),
	)
	return OutcomeApplied, nil
}

func (r *Reconciler) applyCancellation(ctx context.Context, log Logger, ev *CancellationEvent) (Outcome, error) {
	log = WithFields(log,
		F("event_type", ev.Type),
		F("subscription_id", ev.SubscriptionID),
	)

	canceledAt := r.now().UTC()
	if ev.CanceledAt != nil {
		canceledAt = ev.CanceledAt.UTC()
	}

	err := r.store.UpdateStatusByExternalSubscriptionID(ctx, ev.SubscriptionID, subscription.StatusCanceled, canceledAt)
	if errors.Is(err, subscription.ErrNotFound) {
		log.Info("no subscription on file to cancel")
		return OutcomeNothingToCancel, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	log.Info("subscription canceled", F("canceled_at", canceledAt))
	return OutcomeCanceled, nil
}
