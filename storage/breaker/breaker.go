// Package breaker wraps a subscription store with a circuit breaker so a
// failing database is not hammered by provider retries. Lookups that miss
// (ErrNotFound, ErrUserNotFound) are answers, not failures, and never trip it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/tiersync/pkg/subscription"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned without calling the store while the circuit is open.
var ErrOpen = errors.New("storage circuit breaker is open")

// Backend is the store being protected.
type Backend interface {
	subscription.Store
	subscription.UserDirectory
}

// Config configures the breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a probe call
	// is let through (default: 30s)
	ResetTimeout time.Duration

	// OnStateChange is called with the new state, under no lock.
	OnStateChange func(State)

	// Now defaults to time.Now.
	Now func() time.Time
}

// Store is a Backend guarded by a circuit breaker.
type Store struct {
	backend Backend

	threshold     int
	resetTimeout  time.Duration
	onStateChange func(State)
	now           func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New wraps backend.
func New(backend Backend, config Config) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if config.FailureThreshold < 0 || config.ResetTimeout < 0 {
		return nil, fmt.Errorf("breaker threshold and reset timeout must not be negative")
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Store{
		backend:       backend,
		threshold:     config.FailureThreshold,
		resetTimeout:  config.ResetTimeout,
		onStateChange: config.OnStateChange,
		now:           config.Now,
		state:         StateClosed,
	}, nil
}

// State returns the current circuit state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentState()
}

func (s *Store) currentState() State {
	if s.state == StateOpen && s.now().Sub(s.openedAt) >= s.resetTimeout {
		return StateHalfOpen
	}
	return s.state
}

// acquire reports whether a call may proceed. In half-open state only one
// probe is admitted at a time.
func (s *Store) acquire() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.currentState() {
	case StateOpen:
		return false, false
	case StateHalfOpen:
		if s.probing {
			return false, false
		}
		s.probing = true
		return true, true
	default:
		return true, false
	}
}

func (s *Store) execute(fn func() error) error {
	ok, probe := s.acquire()
	if !ok {
		return ErrOpen
	}
	err := fn()
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		// Says nothing about the backend.
		s.release(probe)
	case err != nil && countsAsFailure(err):
		s.failure(probe)
	default:
		s.success(probe)
	}
	return err
}

func (s *Store) release(probe bool) {
	if !probe {
		return
	}
	s.mu.Lock()
	s.probing = false
	s.mu.Unlock()
}

func (s *Store) success(probe bool) {
	s.mu.Lock()
	changed := s.state != StateClosed
	s.state = StateClosed
	s.failures = 0
	if probe {
		s.probing = false
	}
	s.mu.Unlock()
	if changed {
		s.notify(StateClosed)
	}
}

func (s *Store) failure(probe bool) {
	s.mu.Lock()
	s.failures++
	opened := false
	if probe || (s.state == StateClosed && s.failures >= s.threshold) {
		opened = s.state != StateOpen || probe
		s.state = StateOpen
		s.openedAt = s.now()
	}
	if probe {
		s.probing = false
	}
	s.mu.Unlock()
	if opened {
		s.notify(StateOpen)
	}
}

func (s *Store) notify(state State) {
	if s.onStateChange != nil {
		s.onStateChange(state)
	}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, subscription.ErrNotFound) &&
		!errors.Is(err, subscription.ErrUserNotFound) &&
		!errors.Is(err, subscription.ErrInvalidRecord)
}

func (s *Store) GetByUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	var sub *subscription.Subscription
	err := s.execute(func() error {
		var e error
		sub, e = s.backend.GetByUser(ctx, userID)
		return e
	})
	return sub, err
}

func (s *Store) GetByExternalCustomerID(ctx context.Context, customerID string) (*subscription.Subscription, error) {
	var sub *subscription.Subscription
	err := s.execute(func() error {
		var e error
		sub, e = s.backend.GetByExternalCustomerID(ctx, customerID)
		return e
	})
	return sub, err
}

func (s *Store) Upsert(ctx context.Context, sub *subscription.Subscription) error {
	return s.execute(func() error {
		return s.backend.Upsert(ctx, sub)
	})
}

func (s *Store) UpdateStatusByExternalSubscriptionID(ctx context.Context, subscriptionID string, status subscription.Status, canceledAt time.Time) error {
	return s.execute(func() error {
		return s.backend.UpdateStatusByExternalSubscriptionID(ctx, subscriptionID, status, canceledAt)
	})
}

func (s *Store) LookupUser(ctx context.Context, userID string) (string, error) {
	var id string
	err := s.execute(func() error {
		var e error
		id, e = s.backend.LookupUser(ctx, userID)
		return e
	})
	return id, err
}

// Unwrap returns the protected backend.
func (s *Store) Unwrap() Backend {
	return s.backend
}

var _ Backend = (*Store)(nil)
