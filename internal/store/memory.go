package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lunopoly/table-engine/internal/model"
)

type memRecord struct {
	version int64
	data    []byte
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	records       map[Kind]map[string]memRecord
	ledger        []model.LedgerEntry
	results       []model.MatchResult
	distributions []model.Distribution
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Kind]map[string]memRecord),
	}
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[kind][id]
	if !ok {
		return Record{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	// Copy to avoid external mutation.
	data := append([]byte(nil), r.data...)
	return Record{Kind: kind, ID: id, Version: r.version, Data: data}, nil
}

func (s *MemoryStore) List(_ context.Context, kind Kind, prefix string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for id, r := range s.records[kind] {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		out = append(out, Record{Kind: kind, ID: id, Version: r.version, Data: append([]byte(nil), r.data...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Commit validates every expected version before mutating anything, so a
// conflicting batch leaves the store untouched.
func (s *MemoryStore) Commit(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(b.Records))
	for _, rec := range b.Records {
		key := string(rec.Kind) + ":" + rec.ID
		if seen[key] {
			return fmt.Errorf("duplicate record %s in batch: %w", key, ErrVersionConflict)
		}
		seen[key] = true

		cur, ok := s.records[rec.Kind][rec.ID]
		switch {
		case rec.Version == 0 && ok:
			return fmt.Errorf("%s %s already exists: %w", rec.Kind, rec.ID, ErrVersionConflict)
		case rec.Version != 0 && (!ok || cur.version != rec.Version):
			return fmt.Errorf("%s %s at version %d: %w", rec.Kind, rec.ID, rec.Version, ErrVersionConflict)
		}
	}

	for _, rec := range b.Records {
		m, ok := s.records[rec.Kind]
		if !ok {
			m = make(map[string]memRecord)
			s.records[rec.Kind] = m
		}
		m[rec.ID] = memRecord{version: rec.Version + 1, data: append([]byte(nil), rec.Data...)}
	}
	s.ledger = append(s.ledger, b.Entries...)
	s.results = append(s.results, b.Results...)
	s.distributions = append(s.distributions, b.Distributions...)
	return nil
}

func (s *MemoryStore) LedgerEntries(_ context.Context, tableID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.TableID == tableID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) MatchResults(_ context.Context, tableID string) ([]model.MatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MatchResult
	for _, r := range s.results {
		if r.TableID == tableID {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *MemoryStore) Distributions(_ context.Context) ([]model.Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Distribution(nil), s.distributions...), nil
}
