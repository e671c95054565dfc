package scrape

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/metrics"
	"github.com/instarding/server/internal/storage"
)

// Cache applies the freshness policy over the profile table. A profile
// is served from the store while it was scraped within the TTL and has
// not been marked stale.
type Cache struct {
	store   storage.Store
	ttl     time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewCache(store storage.Store, ttl time.Duration, log zerolog.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		store:   store,
		ttl:     ttl,
		log:     log.With().Str("component", "profile-cache").Logger(),
		metrics: m,
	}
}

// Lookup returns the cached profile and whether it is still fresh. A
// missing profile returns fresh=false with a zero profile and no error.
func (c *Cache) Lookup(ctx context.Context, username string) (storage.InstagramProfile, bool, error) {
	profile, err := c.store.GetProfile(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		c.observe("miss")
		return storage.InstagramProfile{}, false, nil
	}
	if err != nil {
		return storage.InstagramProfile{}, false, err
	}

	if !profile.IsDataFresh || time.Since(profile.LastScraped) > c.ttl {
		c.observe("stale")
		return profile, false, nil
	}
	c.observe("hit")
	return profile, true, nil
}

// Save upserts the scraped profile; the store stamps last_scraped,
// increments scrape_count, and restores freshness.
func (c *Cache) Save(ctx context.Context, profile storage.InstagramProfile) (storage.InstagramProfile, error) {
	return c.store.UpsertProfile(ctx, profile)
}

// Invalidate marks the cached profile stale so the next lookup rescrapes.
func (c *Cache) Invalidate(ctx context.Context, username string) error {
	err := c.store.MarkProfileStale(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// SetParseStatus records deep-scrape progress on the cached profile.
func (c *Cache) SetParseStatus(ctx context.Context, username string, status storage.ParseStatus, taskID string) error {
	return c.store.SetParseStatus(ctx, username, status, taskID)
}

func (c *Cache) observe(result string) {
	if c.metrics != nil {
		c.metrics.ObserveCacheLookup(result)
	}
}
