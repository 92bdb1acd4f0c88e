// Package store defines the persistence interface for the table engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Entities are stored as versioned JSON records keyed by (kind, id). Every
// write is a compare-and-swap on the record version, so the engine never
// assumes exclusive access to the store.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/lunopoly/table-engine/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("store: record not found")

	// ErrVersionConflict is returned by Commit when any record's expected
	// version no longer matches the stored one. No part of the batch applies.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Kind names an entity family.
type Kind string

const (
	KindPlayer   Kind = "player"
	KindProperty Kind = "property"
	KindTable    Kind = "table"
	KindAuction  Kind = "auction"
	KindTrade    Kind = "trade"
	KindEconomy  Kind = "economy"
	KindAccount  Kind = "account"
	KindDeposit  Kind = "deposit"
	KindPayout   Kind = "payout"
)

// Record is one stored entity. Version is the revision the writer last read;
// zero means the record must not exist yet.
type Record struct {
	Kind    Kind
	ID      string
	Version int64
	Data    []byte
}

// Batch is applied atomically by Commit: every record CAS succeeds and every
// journal row is appended, or nothing changes.
type Batch struct {
	Records       []Record
	Entries       []model.LedgerEntry
	Results       []model.MatchResult
	Distributions []model.Distribution

	after []func()
}

// Empty reports whether the batch has nothing to write.
func (b *Batch) Empty() bool {
	return len(b.Records) == 0 && len(b.Entries) == 0 &&
		len(b.Results) == 0 && len(b.Distributions) == 0
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Get returns the record for (kind, id) or ErrNotFound.
	Get(ctx context.Context, kind Kind, id string) (Record, error)

	// List returns every record of kind whose id starts with prefix,
	// ordered by id.
	List(ctx context.Context, kind Kind, prefix string) ([]Record, error)

	// Commit applies a batch atomically.
	Commit(ctx context.Context, b *Batch) error

	// --- Immutable journals ---

	// LedgerEntries returns the audit journal of a table in append order.
	LedgerEntries(ctx context.Context, tableID string) ([]model.LedgerEntry, error)

	// MatchResults returns the recorded results of a table.
	MatchResults(ctx context.Context, tableID string) ([]model.MatchResult, error)

	// Distributions returns every distribution run in append order.
	Distributions(ctx context.Context) ([]model.Distribution, error)
}

// PlayerKey is the record id of a player seated at a table.
func PlayerKey(tableID, playerID string) string { return tableID + "/" + playerID }

// PropertyKey is the record id of a property at a table.
func PropertyKey(tableID string, index int) string {
	return fmt.Sprintf("%s/%02d", tableID, index)
}

// TablePrefix is the id prefix shared by every per-table record.
func TablePrefix(tableID string) string { return tableID + "/" }

// EconomyID is the id of the single global economy record.
const EconomyID = "global"
