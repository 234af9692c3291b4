package subscription

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no subscription record matches a lookup
	ErrNotFound = errors.New("subscription not found")

	// ErrUserNotFound is returned when an identity lookup finds no user
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidRecord is returned when a record cannot be written (e.g. empty UserID)
	ErrInvalidRecord = errors.New("invalid subscription record")
)

// Store is the persistence gateway for subscription records.
// Implementations must make Upsert atomic per UserID and
// UpdateStatusByExternalSubscriptionID atomic per subscription id, so concurrent
// deliveries converge on a single row.
type Store interface {
	// GetByUser returns the record owned by userID, or ErrNotFound.
	GetByUser(ctx context.Context, userID string) (*Subscription, error)

	// GetByExternalCustomerID returns the record linked to the provider customer, or ErrNotFound.
	GetByExternalCustomerID(ctx context.Context, customerID string) (*Subscription, error)

	// Upsert creates or replaces the record keyed by sub.UserID.
	Upsert(ctx context.Context, sub *Subscription) error

	// UpdateStatusByExternalSubscriptionID transitions the status of the record
	// carrying the provider subscription id. A CanceledAt already on the record
	// is kept, so redelivered cancellations leave the row unchanged.
	// Returns ErrNotFound if none matches.
	UpdateStatusByExternalSubscriptionID(ctx context.Context, subscriptionID string, status Status, canceledAt time.Time) error
}

// UserDirectory resolves identity records owned by the surrounding product.
type UserDirectory interface {
	// LookupUser returns the internal user id for the given id, or ErrUserNotFound.
	LookupUser(ctx context.Context, userID string) (string, error)
}

// ValidateRecord checks the invariants every stored record must satisfy.
func ValidateRecord(sub *Subscription) error {
	if sub == nil || sub.UserID == "" {
		return ErrInvalidRecord
	}
	if !sub.Tier.Valid() {
		return ErrInvalidRecord
	}
	if sub.Status != StatusActive && sub.Status != StatusCanceled {
		return ErrInvalidRecord
	}
	return nil
}
