package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Entity is a model type that carries its store revision.
type Entity interface {
	GetVersion() int64
	SetVersion(int64)
}

// Load decodes the record at (kind, id) into a new T.
func Load[T any, P interface {
	*T
	Entity
}](ctx context.Context, s Store, kind Kind, id string) (P, error) {
	rec, err := s.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	return decode[T, P](rec)
}

// LoadAll decodes every record of kind under prefix.
func LoadAll[T any, P interface {
	*T
	Entity
}](ctx context.Context, s Store, kind Kind, prefix string) ([]P, error) {
	recs, err := s.List(ctx, kind, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]P, 0, len(recs))
	for _, rec := range recs {
		v, err := decode[T, P](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decode[T any, P interface {
	*T
	Entity
}](rec Record) (P, error) {
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", rec.Kind, rec.ID, err)
	}
	p := P(&v)
	p.SetVersion(rec.Version)
	return p, nil
}

// Put encodes e into the batch at its current version. After a successful
// Apply the entity's version is advanced to match the store.
func (b *Batch) Put(kind Kind, id string, e Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	v := e.GetVersion()
	b.Records = append(b.Records, Record{Kind: kind, ID: id, Version: v, Data: data})
	b.after = append(b.after, func() { e.SetVersion(v + 1) })
	return nil
}

// Merge moves other's records, journal rows and version callbacks into b.
func (b *Batch) Merge(other *Batch) {
	b.Records = append(b.Records, other.Records...)
	b.Entries = append(b.Entries, other.Entries...)
	b.Results = append(b.Results, other.Results...)
	b.Distributions = append(b.Distributions, other.Distributions...)
	b.after = append(b.after, other.after...)
	*other = Batch{}
}

// Apply commits the batch and advances the versions of entities added with Put.
func Apply(ctx context.Context, s Store, b *Batch) error {
	if b.Empty() {
		return nil
	}
	if err := s.Commit(ctx, b); err != nil {
		return err
	}
	for _, fn := range b.after {
		fn()
	}
	return nil
}
