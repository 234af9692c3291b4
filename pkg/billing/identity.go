package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/tiersync/pkg/subscription"
)

// IdentityResolver maps the external references on an event to an internal
// user id.
type IdentityResolver struct {
	users          subscription.UserDirectory
	subscriptions  subscription.Store
	preferCustomer bool
}

// NewIdentityResolver creates a resolver. users may be nil, in which case only
// the customer-id fallback is used. With preferCustomer set, the record on file
// for the customer is consulted before the external user id.
func NewIdentityResolver(users subscription.UserDirectory, subs subscription.Store, preferCustomer bool) *IdentityResolver {
	return &IdentityResolver{users: users, subscriptions: subs, preferCustomer: preferCustomer}
}

// Resolve returns the internal user id. found is false when neither the
// external user id nor the customer id leads to a user; err is reserved for
// storage failures.
func (r *IdentityResolver) Resolve(ctx context.Context, externalUserID, customerID string) (userID string, found bool, err error) {
	lookups := []func(context.Context, string, string) (string, bool, error){r.byUser, r.byCustomer}
	if r.preferCustomer {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}
	for _, lookup := range lookups {
		userID, found, err = lookup(ctx, externalUserID, customerID)
		if err != nil || found {
			return userID, found, err
		}
	}
	return "", false, nil
}

func (r *IdentityResolver) byUser(ctx context.Context, externalUserID, _ string) (string, bool, error) {
	if externalUserID == "" || r.users == nil {
		return "", false, nil
	}
	userID, err := r.users.LookupUser(ctx, externalUserID)
	if errors.Is(err, subscription.ErrUserNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up user: %w", err)
	}
	return userID, userID != "", nil
}

func (r *IdentityResolver) byCustomer(ctx context.Context, _, customerID string) (string, bool, error) {
	if customerID == "" || r.subscriptions == nil {
		return "", false, nil
	}
	sub, err := r.subscriptions.GetByExternalCustomerID(ctx, customerID)
	if errors.Is(err, subscription.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up customer: %w", err)
	}
	return sub.UserID, sub.UserID != "", nil
}
