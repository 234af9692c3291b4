// Package redis provides a Redis implementation of subscription.Store.
// Records are JSON documents keyed by user id; provider customer and
// subscription ids are kept in index hashes updated atomically with the
// record via Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/tiersync/pkg/subscription"
)

// Storage implements subscription.Store and subscription.UserDirectory using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "tiersync:")
	KeyPrefix string

	// UsersKey is the set of known user ids (default: KeyPrefix + "users")
	UsersKey string

	// MaxRetries bounds optimistic transaction retries (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "tiersync:",
		MaxRetries: 3,
	}
}

// record is the stored JSON form of a subscription.
type record struct {
	UserID                 string     `json:"user_id"`
	ExternalSubscriptionID string     `json:"external_subscription_id"`
	ExternalCustomerID     string     `json:"external_customer_id"`
	ExternalProductID      string     `json:"external_product_id"`
	Tier                   string     `json:"tier"`
	BillingCycle           string     `json:"billing_cycle"`
	Status                 string     `json:"status"`
	CurrentPeriodStart     *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	CanceledAt             *time.Time `json:"canceled_at,omitempty"`
}

func toRecord(sub *subscription.Subscription) record {
	return record{
		UserID:                 sub.UserID,
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		ExternalCustomerID:     sub.ExternalCustomerID,
		ExternalProductID:      sub.ExternalProductID,
		Tier:                   string(sub.Tier),
		BillingCycle:           string(sub.BillingCycle),
		Status:                 string(sub.Status),
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CanceledAt:             sub.CanceledAt,
	}
}

func (r record) subscription() *subscription.Subscription {
	return &subscription.Subscription{
		UserID:                 r.UserID,
		ExternalSubscriptionID: r.ExternalSubscriptionID,
		ExternalCustomerID:     r.ExternalCustomerID,
		ExternalProductID:      r.ExternalProductID,
		Tier:                   subscription.Tier(r.Tier),
		BillingCycle:           subscription.BillingCycle(r.BillingCycle),
		Status:                 subscription.Status(r.Status),
		CurrentPeriodStart:     r.CurrentPeriodStart,
		CurrentPeriodEnd:       r.CurrentPeriodEnd,
		CancelAtPeriodEnd:      r.CancelAtPeriodEnd,
		CanceledAt:             r.CanceledAt,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "tiersync:"
	}
	if config.UsersKey == "" {
		config.UsersKey = config.KeyPrefix + "users"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Write the record and move its index entries in one step.
	// KEYS: record, customer index, subscription index
	// ARGV: data, user id, subscription id, customer id
	s.scripts["upsert"] = redis.NewScript(`
		local userID = ARGV[2]
		local subID = ARGV[3]
		local customerID = ARGV[4]

		local old = redis.call('GET', KEYS[1])
		if old then
			local ok, prev = pcall(cjson.decode, old)
			if ok and type(prev) == 'table' then
				local oldSub = prev['external_subscription_id']
				if type(oldSub) == 'string' and oldSub ~= '' and oldSub ~= subID
					and redis.call('HGET', KEYS[3], oldSub) == userID then
					redis.call('HDEL', KEYS[3], oldSub)
				end
				local oldCustomer = prev['external_customer_id']
				if type(oldCustomer) == 'string' and oldCustomer ~= '' and oldCustomer ~= customerID
					and redis.call('HGET', KEYS[2], oldCustomer) == userID then
					redis.call('HDEL', KEYS[2], oldCustomer)
				end
			end
		end

		redis.call('SET', KEYS[1], ARGV[1])
		if subID ~= '' then
			redis.call('HSET', KEYS[3], subID, userID)
		end
		if customerID ~= '' then
			redis.call('HSET', KEYS[2], customerID, userID)
		end
		return 1
	`)
}

// GetByUser implements subscription.Store
func (s *Storage) GetByUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	data, err := s.client.Get(ctx, s.recordKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return rec.subscription(), nil
}

// GetByExternalCustomerID implements subscription.Store
func (s *Storage) GetByExternalCustomerID(ctx context.Context, customerID string) (*subscription.Subscription, error) {
	if customerID == "" {
		return nil, subscription.ErrNotFound
	}
	userID, err := s.client.HGet(ctx, s.customerIndexKey(), customerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up customer index: %w", err)
	}
	return s.GetByUser(ctx, userID)
}

// Upsert implements subscription.Store
func (s *Storage) Upsert(ctx context.Context, sub *subscription.Subscription) error {
	if err := subscription.ValidateRecord(sub); err != nil {
		return err
	}

	data, err := json.Marshal(toRecord(sub))
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	keys := []string{s.recordKey(sub.UserID), s.customerIndexKey(), s.subscriptionIndexKey()}
	err = s.scripts["upsert"].Run(ctx, s.client, keys,
		string(data), sub.UserID, sub.ExternalSubscriptionID, sub.ExternalCustomerID,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to execute upsert script: %w", err)
	}
	return nil
}

// UpdateStatusByExternalSubscriptionID implements subscription.Store.
// The record is rewritten in a WATCH transaction and retried on conflict.
func (s *Storage) UpdateStatusByExternalSubscriptionID(
	ctx context.Context, subscriptionID string, status subscription.Status, canceledAt time.Time,
) error {
	if subscriptionID == "" {
		return subscription.ErrNotFound
	}

	userID, err := s.client.HGet(ctx, s.subscriptionIndexKey(), subscriptionID).Result()
	if errors.Is(err, redis.Nil) {
		return subscription.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up subscription index: %w", err)
	}
	key := s.recordKey(userID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return subscription.ErrNotFound
		}
		if err != nil {
			return err
		}

		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		if rec.ExternalSubscriptionID != subscriptionID {
			return subscription.ErrNotFound
		}

		rec.Status = string(status)
		if rec.CanceledAt == nil {
			t := canceledAt.UTC()
			rec.CanceledAt = &t
		}
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, subscription.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	return nil
}

// AddUser registers user ids in the users set.
func (s *Storage) AddUser(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id
	}
	return s.client.SAdd(ctx, s.config.UsersKey, members...).Err()
}

// LookupUser implements subscription.UserDirectory
func (s *Storage) LookupUser(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", subscription.ErrUserNotFound
	}
	ok, err := s.client.SIsMember(ctx, s.config.UsersKey, userID).Result()
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	if !ok {
		return "", subscription.ErrUserNotFound
	}
	return userID, nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) recordKey(userID string) string {
	return fmt.Sprintf("%ssubscription:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) customerIndexKey() string {
	return s.config.KeyPrefix + "index:customer"
}

func (s *Storage) subscriptionIndexKey() string {
	return s.config.KeyPrefix + "index:subscription"
}
