package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/lunopoly/table-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Concurrent misses for the
// same key share one primary read.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	group   singleflight.Group
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

type cachedRecord struct {
	Version int64           `json:"v"`
	Data    json.RawMessage `json:"d"`
}

// --- Write-through (write to primary, invalidate cache) ---

// Commit writes to the primary and drops every touched key, including after
// a version conflict, so a stale cached revision cannot keep failing CAS.
func (s *CachedStore) Commit(ctx context.Context, b *Batch) error {
	err := s.primary.Commit(ctx, b)
	if len(b.Records) > 0 {
		keys := make([]string, 0, len(b.Records))
		for _, rec := range b.Records {
			keys = append(keys, recordKey(rec.Kind, rec.ID))
		}
		s.rdb.Del(ctx, keys...)
	}
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Get(ctx context.Context, kind Kind, id string) (Record, error) {
	key := recordKey(kind, id)

	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var cr cachedRecord
		if json.Unmarshal(data, &cr) == nil {
			return Record{Kind: kind, ID: id, Version: cr.Version, Data: cr.Data}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// Redis trouble degrades to primary reads.
		return s.primary.Get(ctx, kind, id)
	}

	// Cache miss: read from primary.
	v, err, _ := s.group.Do(key, func() (any, error) {
		rec, err := s.primary.Get(ctx, kind, id)
		if err != nil {
			return Record{}, err
		}
		if data, err := json.Marshal(cachedRecord{Version: rec.Version, Data: rec.Data}); err == nil {
			s.rdb.Set(ctx, key, data, s.ttl)
		}
		return rec, nil
	})
	if err != nil {
		return Record{}, err
	}
	rec := v.(Record)
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) List(ctx context.Context, kind Kind, prefix string) ([]Record, error) {
	return s.primary.List(ctx, kind, prefix)
}

func (s *CachedStore) LedgerEntries(ctx context.Context, tableID string) ([]model.LedgerEntry, error) {
	return s.primary.LedgerEntries(ctx, tableID)
}

func (s *CachedStore) MatchResults(ctx context.Context, tableID string) ([]model.MatchResult, error) {
	return s.primary.MatchResults(ctx, tableID)
}

func (s *CachedStore) Distributions(ctx context.Context) ([]model.Distribution, error) {
	return s.primary.Distributions(ctx)
}

// --- Cache helpers ---

func recordKey(kind Kind, id string) string { return fmt.Sprintf("lunopoly:%s:%s", kind, id) }
