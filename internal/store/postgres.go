package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lunopoly/table-engine/internal/model"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	kind       TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	version    BIGINT      NOT NULL,
	data       JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq       BIGSERIAL PRIMARY KEY,
	id        TEXT        NOT NULL UNIQUE,
	table_id  TEXT        NOT NULL,
	reason    TEXT        NOT NULL,
	from_id   TEXT        NOT NULL,
	to_id     TEXT        NOT NULL,
	amount    BIGINT      NOT NULL,
	property  INT         NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_table_idx ON ledger_entries (table_id, seq);

CREATE TABLE IF NOT EXISTS match_results (
	table_id       TEXT        NOT NULL,
	player_id      TEXT        NOT NULL,
	bot            BOOLEAN     NOT NULL,
	rank           INT         NOT NULL,
	cash           BIGINT      NOT NULL,
	property_value BIGINT      NOT NULL,
	building_value BIGINT      NOT NULL,
	points         INT         NOT NULL,
	credits_won    BIGINT      NOT NULL,
	burned         BOOLEAN     NOT NULL,
	recorded_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (table_id, player_id)
);

CREATE TABLE IF NOT EXISTS distributions (
	seq            BIGSERIAL PRIMARY KEY,
	id             TEXT        NOT NULL UNIQUE,
	yield          BIGINT      NOT NULL,
	mintable       BIGINT      NOT NULL,
	vault          BIGINT      NOT NULL,
	prize          BIGINT      NOT NULL,
	burn           BIGINT      NOT NULL,
	dev            BIGINT      NOT NULL,
	creator        BIGINT      NOT NULL,
	apr_multiplier NUMERIC     NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Entity payloads are JSONB; journals are relational append-only tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, id string) (Record, error) {
	rec := Record{Kind: kind, ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT version, data FROM entities WHERE kind = $1 AND id = $2`,
		string(kind), id).Scan(&rec.Version, &rec.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, kind Kind, prefix string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, version, data FROM entities
		 WHERE kind = $1 AND starts_with(id, $2)
		 ORDER BY id`, string(kind), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{Kind: kind}
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.Data); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Commit runs the whole batch in one transaction. A record CAS that touches
// zero rows aborts the transaction with ErrVersionConflict.
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, rec := range b.Records {
			var (
				n   int64
				err error
			)
			if rec.Version == 0 {
				tag, e := tx.Exec(ctx,
					`INSERT INTO entities (kind, id, version, data) VALUES ($1, $2, 1, $3)
					 ON CONFLICT (kind, id) DO NOTHING`,
					string(rec.Kind), rec.ID, rec.Data)
				n, err = tag.RowsAffected(), e
			} else {
				tag, e := tx.Exec(ctx,
					`UPDATE entities SET version = version + 1, data = $4, updated_at = now()
					 WHERE kind = $1 AND id = $2 AND version = $3`,
					string(rec.Kind), rec.ID, rec.Version, rec.Data)
				n, err = tag.RowsAffected(), e
			}
			if err != nil {
				return fmt.Errorf("write %s %s: %w", rec.Kind, rec.ID, err)
			}
			if n == 0 {
				return fmt.Errorf("%s %s at version %d: %w", rec.Kind, rec.ID, rec.Version, ErrVersionConflict)
			}
		}

		for _, e := range b.Entries {
			if _, err := tx.Exec(ctx,
				`INSERT INTO ledger_entries (id, table_id, reason, from_id, to_id, amount, property, timestamp)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				e.ID, e.TableID, e.Reason, e.From, e.To, e.Amount, e.Property, e.Timestamp); err != nil {
				return fmt.Errorf("insert ledger entry: %w", err)
			}
		}

		for _, r := range b.Results {
			if _, err := tx.Exec(ctx,
				`INSERT INTO match_results (table_id, player_id, bot, rank, cash, property_value,
				                            building_value, points, credits_won, burned, recorded_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				r.TableID, r.PlayerID, r.Bot, r.Rank, r.Cash, r.PropertyValue,
				r.BuildingValue, r.Points, r.CreditsWon, r.Burned, r.RecordedAt); err != nil {
				return fmt.Errorf("insert match result: %w", err)
			}
		}

		for _, d := range b.Distributions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO distributions (id, yield, mintable, vault, prize, burn, dev, creator, apr_multiplier, timestamp)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10)`,
				d.ID, d.Yield, d.Mintable, d.Vault, d.Prize, d.Burn, d.Dev, d.Creator,
				d.APRMultiplier.String(), d.Timestamp); err != nil {
				return fmt.Errorf("insert distribution: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, tableID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, table_id, reason, from_id, to_id, amount, property, timestamp
		 FROM ledger_entries WHERE table_id = $1 ORDER BY seq`, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TableID, &e.Reason, &e.From, &e.To,
			&e.Amount, &e.Property, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) MatchResults(ctx context.Context, tableID string) ([]model.MatchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT table_id, player_id, bot, rank, cash, property_value, building_value,
		        points, credits_won, burned, recorded_at
		 FROM match_results WHERE table_id = $1 ORDER BY rank`, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.MatchResult
	for rows.Next() {
		var r model.MatchResult
		if err := rows.Scan(&r.TableID, &r.PlayerID, &r.Bot, &r.Rank, &r.Cash,
			&r.PropertyValue, &r.BuildingValue, &r.Points, &r.CreditsWon,
			&r.Burned, &r.RecordedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *PostgresStore) Distributions(ctx context.Context) ([]model.Distribution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, yield, mintable, vault, prize, burn, dev, creator,
		        apr_multiplier::TEXT, timestamp
		 FROM distributions ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Distribution
	for rows.Next() {
		var d model.Distribution
		var apr string
		if err := rows.Scan(&d.ID, &d.Yield, &d.Mintable, &d.Vault, &d.Prize,
			&d.Burn, &d.Dev, &d.Creator, &apr, &d.Timestamp); err != nil {
			return nil, err
		}
		m, err := parseAPR(apr)
		if err != nil {
			return nil, fmt.Errorf("distribution %s: %w", d.ID, err)
		}
		d.APRMultiplier = m
		out = append(out, d)
	}
	return out, rows.Err()
}

func parseAPR(s string) (decimal.Decimal, error) {
	m, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse apr multiplier %q: %w", s, err)
	}
	return m, nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
