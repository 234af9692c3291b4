// Package postgres provides a PostgreSQL implementation of subscription.Store.
// Upserts are single INSERT ... ON CONFLICT statements, so concurrent
// deliveries for the same user converge on one row.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/tiersync/pkg/subscription"
)

//go:embed schema.sql
var schema string

// Storage implements subscription.Store and subscription.UserDirectory
// using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	lookupUserSQL string
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// UsersTable and UsersIDColumn name the product's user table
	// (default: users.id)
	UsersTable    string
	UsersIDColumn string

	// AutoMigrate creates the subscriptions table on startup
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		UsersTable:      "users",
		UsersIDColumn:   "id",
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.UsersTable == "" {
		config.UsersTable = "users"
	}
	if config.UsersIDColumn == "" {
		config.UsersIDColumn = "id"
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
		lookupUserSQL: fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
			pgx.Identifier{config.UsersIDColumn}.Sanitize(),
			pgx.Identifier{config.UsersTable}.Sanitize(),
			pgx.Identifier{config.UsersIDColumn}.Sanitize(),
		),
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the subscriptions table and its indexes if missing.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectColumns = `SELECT user_id, external_subscription_id, external_customer_id, external_product_id,
		tier, billing_cycle, status, current_period_start, current_period_end,
		cancel_at_period_end, canceled_at
	FROM subscriptions`

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	var tier, cycle, status string

	err := row.Scan(
		&sub.UserID,
		&sub.ExternalSubscriptionID,
		&sub.ExternalCustomerID,
		&sub.ExternalProductID,
		&tier,
		&cycle,
		&status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.Tier = subscription.Tier(tier)
	sub.BillingCycle = subscription.BillingCycle(cycle)
	sub.Status = subscription.Status(status)
	return &sub, nil
}

// GetByUser implements subscription.Store
func (s *Storage) GetByUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx, selectColumns+` WHERE user_id = $1`, userID))
}

// GetByExternalCustomerID implements subscription.Store
func (s *Storage) GetByExternalCustomerID(ctx context.Context, customerID string) (*subscription.Subscription, error) {
	if customerID == "" {
		return nil, subscription.ErrNotFound
	}
	return scanSubscription(s.pool.QueryRow(ctx,
		selectColumns+` WHERE external_customer_id = $1 ORDER BY updated_at DESC LIMIT 1`,
		customerID,
	))
}

// Upsert implements subscription.Store
func (s *Storage) Upsert(ctx context.Context, sub *subscription.Subscription) error {
	if err := subscription.ValidateRecord(sub); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, external_subscription_id, external_customer_id, external_product_id,
				tier, billing_cycle, status, current_period_start, current_period_end,
				cancel_at_period_end, canceled_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
			ON CONFLICT (user_id) DO UPDATE SET
				external_subscription_id = EXCLUDED.external_subscription_id,
				external_customer_id = EXCLUDED.external_customer_id,
				external_product_id = EXCLUDED.external_product_id,
				tier = EXCLUDED.tier,
				billing_cycle = EXCLUDED.billing_cycle,
				status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				canceled_at = EXCLUDED.canceled_at,
				updated_at = EXCLUDED.updated_at`,
		sub.UserID,
		sub.ExternalSubscriptionID,
		sub.ExternalCustomerID,
		sub.ExternalProductID,
		string(sub.Tier),
		string(sub.BillingCycle),
		string(sub.Status),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpdateStatusByExternalSubscriptionID implements subscription.Store
func (s *Storage) UpdateStatusByExternalSubscriptionID(
	ctx context.Context, subscriptionID string, status subscription.Status, canceledAt time.Time,
) error {
	if subscriptionID == "" {
		return subscription.ErrNotFound
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
				status = $2,
				canceled_at = COALESCE(canceled_at, $3),
				updated_at = CASE
					WHEN status IS DISTINCT FROM $2 OR canceled_at IS NULL THEN now()
					ELSE updated_at
				END
			WHERE external_subscription_id = $1`,
		subscriptionID, string(status), canceledAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

// LookupUser implements subscription.UserDirectory
func (s *Storage) LookupUser(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", subscription.ErrUserNotFound
	}
	var id string
	err := s.pool.QueryRow(ctx, s.lookupUserSQL, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", subscription.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	return id, nil
}
