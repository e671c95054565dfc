// Package storage persists users, tariffs, billing state, cached
// Instagram profiles, activity, and notification schedules. Three
// backends implement the same Store interface: memory (development and
// tests), PostgreSQL, and MongoDB.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/instarding/server/internal/config"
	"github.com/instarding/server/internal/metrics"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// Store captures the persistence requirements of the whole service.
type Store interface {
	// Users
	GetUser(ctx context.Context, userID string) (User, error)
	SaveUser(ctx context.Context, user User) (User, error) // upsert by user_id
	ListUsers(ctx context.Context) ([]User, error)

	// Tariffs
	GetTariff(ctx context.Context, id int64) (Tariff, error)
	GetTariffByName(ctx context.Context, name string) (Tariff, error)
	ListTariffs(ctx context.Context) ([]Tariff, error)
	SaveTariff(ctx context.Context, tariff Tariff) (Tariff, error) // upsert by name

	// Instagram profile cache
	GetProfile(ctx context.Context, username string) (InstagramProfile, error)
	UpsertProfile(ctx context.Context, profile InstagramProfile) (InstagramProfile, error)
	MarkProfileStale(ctx context.Context, username string) error
	SetParseStatus(ctx context.Context, username string, status ParseStatus, taskID string) error

	// Followers attached to a cached profile
	ReplaceFollowers(ctx context.Context, profileID int64, followers []InstagramFollower) error
	ListFollowers(ctx context.Context, profileID int64) ([]InstagramFollower, error)

	// Payments
	CreatePayment(ctx context.Context, payment Payment) (Payment, error)
	UpdatePayment(ctx context.Context, payment Payment) error
	GetPaymentByTransactionID(ctx context.Context, transactionID string) (Payment, error)
	ListPaymentsByUser(ctx context.Context, userID string) ([]Payment, error)
	// LatestCardToken returns the newest stored card token for the user,
	// or ErrNotFound when no completed payment carried one.
	LatestCardToken(ctx context.Context, userID string) (Payment, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	UpdateSubscription(ctx context.Context, sub Subscription) error
	GetSubscription(ctx context.Context, id int64) (Subscription, error)
	// ActiveSubscription returns the user's newest active or paused record.
	ActiveSubscription(ctx context.Context, userID string) (Subscription, error)
	// DueSubscriptions returns active auto-renewal records whose
	// next_payment_date is at or before now.
	DueSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error)
	// PausedSubscriptionsBefore returns paused records whose pause began
	// at or before the cutoff.
	PausedSubscriptionsBefore(ctx context.Context, cutoff time.Time) ([]Subscription, error)

	// Activity
	RecordActivity(ctx context.Context, activity UserActivity) error
	CountActivities(ctx context.Context, userID string, since time.Time) (map[string]int, error)

	// Notification schedules
	CreateNotifications(ctx context.Context, items []NotificationSchedule) error
	DueNotifications(ctx context.Context, now time.Time, maxRetries int) ([]NotificationSchedule, error)
	MarkNotificationSent(ctx context.Context, id int64) error
	MarkNotificationFailed(ctx context.Context, id int64, errorMessage string) error
	DeletePendingNotifications(ctx context.Context, userID string) (int64, error)

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
	Metrics         *metrics.Metrics // optional query-duration instrumentation
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store with an optional shared *sql.DB for the
// postgres backend; pass nil to let the store own its pool.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		// Memory loses everything on restart: development and tests only.
		return NewMemoryStore(), nil
	case "postgres":
		if sharedDB != nil {
			store, err := NewPostgresStoreWithDB(sharedDB)
			if err != nil {
				return nil, err
			}
			store.metrics = cfg.Metrics
			return store, nil
		}
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		store, err := NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
		if err != nil {
			return nil, err
		}
		store.metrics = cfg.Metrics
		return store, nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		db := cfg.MongoDBDatabase
		if db == "" {
			db = "instarding"
		}
		store, err := NewMongoStore(cfg.MongoDBURL, db)
		if err != nil {
			return nil, err
		}
		store.metrics = cfg.Metrics
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
