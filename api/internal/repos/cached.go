package repos

import (
	"context"
	"strconv"
	"time"

	"social-credit-ledger/api/internal/events"
	"social-credit-ledger/api/internal/models"
	"social-credit-ledger/shared/metricsx"
)

// ProfileCache is the subset of cachex.Client the decorator needs.
type ProfileCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CachedProfiles puts a read-through cache in front of the projection for
// queries. The command path (LoadProfile) always reads the store so that
// validation never sees a stale profile.
type CachedProfiles struct {
	store events.ProfileStore
	cache ProfileCache
	ttl   time.Duration
}

func NewCachedProfiles(store events.ProfileStore, cache ProfileCache, ttl time.Duration) *CachedProfiles {
	return &CachedProfiles{store: store, cache: cache, ttl: ttl}
}

func profileKey(memberID uint64) string {
	return "profile:" + strconv.FormatUint(memberID, 10)
}

func (c *CachedProfiles) LoadProfile(ctx context.Context, memberID uint64) (models.Profile, bool, error) {
	return c.store.LoadProfile(ctx, memberID)
}

func (c *CachedProfiles) CountProfiles(ctx context.Context) (int64, error) {
	return c.store.CountProfiles(ctx)
}

// SaveProfile writes through and evicts; an eviction failure is not an apply
// failure, the entry simply expires.
func (c *CachedProfiles) SaveProfile(ctx context.Context, p models.Profile) error {
	if err := c.store.SaveProfile(ctx, p); err != nil {
		return err
	}
	if c.cache != nil {
		_ = c.cache.Delete(ctx, profileKey(p.MemberID))
	}
	return nil
}

func (c *CachedProfiles) GetProfile(ctx context.Context, memberID uint64) (models.Profile, bool, error) {
	if c.cache == nil || c.ttl <= 0 {
		return c.store.LoadProfile(ctx, memberID)
	}
	key := profileKey(memberID)
	var cached models.Profile
	if ok, err := c.cache.GetJSON(ctx, key, &cached); err == nil && ok {
		metricsx.IncProfileCache(true)
		return cached, true, nil
	}
	metricsx.IncProfileCache(false)
	p, ok, err := c.store.LoadProfile(ctx, memberID)
	if err != nil || !ok {
		return p, ok, err
	}
	if err := c.cache.SetJSON(ctx, key, p, c.ttl); err != nil {
		return p, true, nil
	}
	// A save that landed between the load and the set has already evicted,
	// so the row just cached may be older than the store. Reload and drop it
	// if so.
	fresh, ok, err := c.store.LoadProfile(ctx, memberID)
	if err != nil || !ok || fresh.LastPosition != p.LastPosition {
		_ = c.cache.Delete(ctx, key)
	}
	if err == nil && ok {
		return fresh, true, nil
	}
	return p, true, nil
}
