package catalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/psyclinic/clinic/internal/platform/cache"
)

// CachedRepository serves id lookups from a cache, falling through to the
// wrapped repository on a miss. Misses that resolve to ErrNotFound are not
// cached, so a record created later becomes visible immediately. Cache
// failures degrade to a direct lookup. Psychologists are always read from the
// repository: deactivating one must stop new bookings at once.
type CachedRepository struct {
	next   Repository
	store  cache.Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedRepository(next Repository, store cache.Store, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	return &CachedRepository{next: next, store: store, ttl: ttl, logger: logger}
}

func cacheKey(kind Kind, id uuid.UUID) string {
	return string(kind) + ":" + id.String()
}

func (c *CachedRepository) lookup(ctx context.Context, kind Kind, id uuid.UUID, load func(context.Context, uuid.UUID) (*Summary, error)) (*Summary, error) {
	key := cacheKey(kind, id)

	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
	} else if ok {
		var s Summary
		if err := json.Unmarshal(raw, &s); err == nil {
			return &s, nil
		}
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("catalog cache evict failed")
		}
	}

	s, err := load(ctx, id)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(s); err == nil {
		if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
		}
	}
	return s, nil
}

func (c *CachedRepository) Psychologist(ctx context.Context, id uuid.UUID) (*Summary, error) {
	return c.next.Psychologist(ctx, id)
}

func (c *CachedRepository) Modality(ctx context.Context, id uuid.UUID) (*Summary, error) {
	return c.lookup(ctx, KindModality, id, c.next.Modality)
}

func (c *CachedRepository) State(ctx context.Context, id uuid.UUID) (*Summary, error) {
	return c.lookup(ctx, KindState, id, c.next.State)
}

func (c *CachedRepository) Patient(ctx context.Context, id uuid.UUID) (*Summary, error) {
	return c.lookup(ctx, KindPatient, id, c.next.Patient)
}

func (c *CachedRepository) FindStateByName(ctx context.Context, fragment string) (*Summary, error) {
	return c.next.FindStateByName(ctx, fragment)
}
