// Package memory provides an in-memory implementation of subscription.Store
// and subscription.UserDirectory.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/tiersync/pkg/subscription"
)

// Storage implements subscription.Store using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription.Subscription
	users         map[string]struct{}
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*subscription.Subscription),
		users:         make(map[string]struct{}),
	}
}

// AddUser registers user ids so LookupUser can find them.
func (s *Storage) AddUser(userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range userIDs {
		s.users[id] = struct{}{}
	}
}

// LookupUser implements subscription.UserDirectory
func (s *Storage) LookupUser(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[userID]; !ok || userID == "" {
		return "", subscription.ErrUserNotFound
	}
	return userID, nil
}

// GetByUser implements subscription.Store
func (s *Storage) GetByUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	// Return a copy to prevent external mutations
	return sub.Clone(), nil
}

// GetByExternalCustomerID implements subscription.Store
func (s *Storage) GetByExternalCustomerID(ctx context.Context, customerID string) (*subscription.Subscription, error) {
	if customerID == "" {
		return nil, subscription.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.ExternalCustomerID == customerID {
			return sub.Clone(), nil
		}
	}
	return nil, subscription.ErrNotFound
}

// Upsert implements subscription.Store
func (s *Storage) Upsert(ctx context.Context, sub *subscription.Subscription) error {
	if err := subscription.ValidateRecord(sub); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutations
	s.subscriptions[sub.UserID] = sub.Clone()
	return nil
}

// UpdateStatusByExternalSubscriptionID implements subscription.Store
func (s *Storage) UpdateStatusByExternalSubscriptionID(ctx context.Context, subscriptionID string, status subscription.Status, canceledAt time.Time) error {
	if subscriptionID == "" {
		return subscription.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := false
	for _, sub := range s.subscriptions {
		if sub.ExternalSubscriptionID != subscriptionID {
			continue
		}
		matched = true
		sub.Status = status
		if sub.CanceledAt == nil {
			t := canceledAt.UTC()
			sub.CanceledAt = &t
		}
	}
	if !matched {
		return subscription.ErrNotFound
	}
	return nil
}

// Len returns the number of stored subscription records.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// Clear removes all records and users (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions = make(map[string]*subscription.Subscription)
	s.users = make(map[string]struct{})
}
