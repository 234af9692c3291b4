// Package firestore provides a Firestore implementation of subscription.Store.
// Each user owns one document; cancellations run in a transaction so a
// redelivered event cannot overwrite the first cancellation time.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/tiersync/pkg/subscription"
)

// Storage implements subscription.Store and subscription.UserDirectory using
// Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	usersCollection         string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscription records
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// UsersCollection holds one document per known user id
	// Default: "users"
	UsersCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		usersCollection:         config.UsersCollection,
	}, nil
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

// GetByUser implements subscription.Store
func (s *Storage) GetByUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	if userID == "" {
		return nil, subscription.ErrNotFound
	}
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subscription.ErrNotFound
	}
	return fromDocument(snap.Ref.ID, snap.Data()), nil
}

// GetByExternalCustomerID implements subscription.Store
func (s *Storage) GetByExternalCustomerID(ctx context.Context, customerID string) (*subscription.Subscription, error) {
	if customerID == "" {
		return nil, subscription.ErrNotFound
	}
	docs, err := s.client.Collection(s.subscriptionsCollection).
		Where("externalCustomerId", "==", customerID).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions by customer: %w", err)
	}
	if len(docs) == 0 {
		return nil, subscription.ErrNotFound
	}
	return fromDocument(docs[0].Ref.ID, docs[0].Data()), nil
}

// Upsert implements subscription.Store. The document is replaced, not merged,
// so fields cleared by the provider are cleared here too.
func (s *Storage) Upsert(ctx context.Context, sub *subscription.Subscription) error {
	if err := subscription.ValidateRecord(sub); err != nil {
		return err
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.UserID)
	if _, err := doc.Set(ctx, toDocument(sub)); err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// UpdateStatusByExternalSubscriptionID implements subscription.Store
func (s *Storage) UpdateStatusByExternalSubscriptionID(
	ctx context.Context, subscriptionID string, newStatus subscription.Status, canceledAt time.Time,
) error {
	if subscriptionID == "" {
		return subscription.ErrNotFound
	}

	query := s.client.Collection(s.subscriptionsCollection).Where("externalSubscriptionId", "==", subscriptionID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := tx.Documents(query).GetAll()
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return subscription.ErrNotFound
		}

		for _, doc := range docs {
			updates := []firestore.Update{
				{Path: "status", Value: string(newStatus)},
				{Path: "updatedAt", Value: firestore.ServerTimestamp},
			}
			if getTimePtr(doc.Data(), "canceledAt") == nil {
				updates = append(updates, firestore.Update{Path: "canceledAt", Value: canceledAt.UTC()})
			}
			if err := tx.Update(doc.Ref, updates); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, subscription.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	return nil
}

// LookupUser implements subscription.UserDirectory
func (s *Storage) LookupUser(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", subscription.ErrUserNotFound
	}
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", subscription.ErrUserNotFound
		}
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	if !snap.Exists() {
		return "", subscription.ErrUserNotFound
	}
	return snap.Ref.ID, nil
}

func toDocument(sub *subscription.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"externalSubscriptionId": sub.ExternalSubscriptionID,
		"externalCustomerId":     sub.ExternalCustomerID,
		"externalProductId":      sub.ExternalProductID,
		"tier":                   string(sub.Tier),
		"billingCycle":           string(sub.BillingCycle),
		"status":                 string(sub.Status),
		"currentPeriodStart":     timeValue(sub.CurrentPeriodStart),
		"currentPeriodEnd":       timeValue(sub.CurrentPeriodEnd),
		"cancelAtPeriodEnd":      sub.CancelAtPeriodEnd,
		"canceledAt":             timeValue(sub.CanceledAt),
		"updatedAt":              firestore.ServerTimestamp,
	}
}

func fromDocument(userID string, data map[string]interface{}) *subscription.Subscription {
	return &subscription.Subscription{
		UserID:                 userID,
		ExternalSubscriptionID: getString(data, "externalSubscriptionId"),
		ExternalCustomerID:     getString(data, "externalCustomerId"),
		ExternalProductID:      getString(data, "externalProductId"),
		Tier:                   subscription.Tier(getString(data, "tier")),
		BillingCycle:           subscription.BillingCycle(getString(data, "billingCycle")),
		Status:                 subscription.Status(getString(data, "status")),
		CurrentPeriodStart:     getTimePtr(data, "currentPeriodStart"),
		CurrentPeriodEnd:       getTimePtr(data, "currentPeriodEnd"),
		CancelAtPeriodEnd:      getBool(data, "cancelAtPeriodEnd"),
		CanceledAt:             getTimePtr(data, "canceledAt"),
	}
}

// Helper functions for type conversion from Firestore data

func timeValue(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		t := v.UTC()
		return &t
	}
	return nil
}
