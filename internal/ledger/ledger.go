// Package ledger is the authoritative record of game balances, property
// ownership and building levels at each table.
//
// Every mutation runs inside an atomic section: the entities it touches are
// locked (sorted, released on every exit path), loaded fresh from the store,
// changed in memory and committed as one compare-and-swap batch together with
// the journal entries describing the money movement. A failed section commits
// nothing.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lunopoly/table-engine/internal/board"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
)

// Reason codes recorded on journal entries.
const (
	ReasonSeed         = "seed"
	ReasonPurchase     = "purchase"
	ReasonRent         = "rent"
	ReasonTax          = "tax"
	ReasonStartBonus   = "start_bonus"
	ReasonCard         = "card"
	ReasonJailFine     = "jail_fine"
	ReasonAuction      = "auction"
	ReasonTrade        = "trade"
	ReasonMortgage     = "mortgage"
	ReasonUnmortgage   = "unmortgage"
	ReasonBuild        = "build"
	ReasonSellBuilding = "sell_building"
	ReasonLiquidation  = "liquidation"
	ReasonAssist       = "assist"
	ReasonDebt         = "debt"
	ReasonElimination  = "elimination"
)

// maxAttempts bounds retries of a section after a store version conflict.
const maxAttempts = 3

// Ledger mediates every balance, ownership and building change.
type Ledger struct {
	st     store.Store
	locks  *Locks
	logger *slog.Logger

	// Now is the clock used for journal timestamps.
	Now func() time.Time
}

// New creates a ledger over st.
func New(st store.Store) *Ledger {
	return &Ledger{
		st:     st,
		locks:  NewLocks(),
		logger: slog.Default().With("component", "ledger"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.st }

// Scope declares what an atomic section may touch.
type Scope struct {
	Players       []string
	Properties    []int
	AllProperties bool
	// Keys are extra lock keys for records the caller writes through Tx.Put,
	// e.g. an auction or trade id.
	Keys []string
}

func playerLock(tableID, id string) string      { return "player:" + store.PlayerKey(tableID, id) }
func propertyLock(tableID string, i int) string { return "property:" + store.PropertyKey(tableID, i) }

// Atomic runs fn inside a locked section for tableID and commits its changes.
// fn may run more than once if the store reports a version conflict; it must
// not have side effects outside the Tx.
func (l *Ledger) Atomic(ctx context.Context, tableID string, scope Scope, fn func(tx *Tx) error) error {
	var keys []string
	for _, p := range scope.Players {
		if p != model.Bank {
			keys = append(keys, playerLock(tableID, p))
		}
	}
	props := scope.Properties
	if scope.AllProperties {
		props = board.Properties()
	}
	for _, i := range props {
		keys = append(keys, propertyLock(tableID, i))
	}
	keys = append(keys, scope.Keys...)

	release := l.locks.Acquire(keys...)
	defer release()

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx := l.newTx(ctx, tableID, scope, props)
		if err = fn(tx); err != nil {
			return err
		}
		if err = tx.commit(); !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		l.logger.Warn("ledger section conflicted, retrying", "table_id", tableID, "attempt", attempt+1)
	}
	return err
}

// Tx is the working set of an atomic section.
type Tx struct {
	ctx     context.Context
	l       *Ledger
	tableID string

	allowedPlayers map[string]bool
	allowedProps   map[int]bool

	players   map[string]*loaded[model.Player]
	props     map[int]*loaded[model.PropertyState]
	playerIDs []string
	propIDs   []int

	extra   store.Batch
	entries []model.LedgerEntry
}

type loaded[T any] struct {
	v    *T
	orig []byte
}

func (l *Ledger) newTx(ctx context.Context, tableID string, scope Scope, props []int) *Tx {
	tx := &Tx{
		ctx:            ctx,
		l:              l,
		tableID:        tableID,
		allowedPlayers: make(map[string]bool),
		allowedProps:   make(map[int]bool),
		players:        make(map[string]*loaded[model.Player]),
		props:          make(map[int]*loaded[model.PropertyState]),
	}
	for _, p := range scope.Players {
		tx.allowedPlayers[p] = true
	}
	for _, i := range props {
		tx.allowedProps[i] = true
	}
	return tx
}

// Context returns the section's context.
func (tx *Tx) Context() context.Context { return tx.ctx }

// TableID returns the table the section operates on.
func (tx *Tx) TableID() string { return tx.tableID }

// Now returns the ledger clock.
func (tx *Tx) Now() time.Time { return tx.l.Now() }

// Player returns the locked working copy of a seated player.
func (tx *Tx) Player(id string) (*model.Player, error) {
	if l, ok := tx.players[id]; ok {
		return l.v, nil
	}
	if !tx.allowedPlayers[id] {
		return nil, fmt.Errorf("ledger: player %s not in section scope", id)
	}
	p, err := store.Load[model.Player](tx.ctx, tx.l.st, store.KindPlayer, store.PlayerKey(tx.tableID, id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: player %s is not seated", model.ErrUnauthorized, id)
	}
	if err != nil {
		return nil, err
	}
	orig, _ := json.Marshal(p)
	tx.players[id] = &loaded[model.Player]{v: p, orig: orig}
	tx.playerIDs = append(tx.playerIDs, id)
	return p, nil
}

// Property returns the locked working copy of a property. Properties never
// written before are unowned.
func (tx *Tx) Property(index int) (*model.PropertyState, error) {
	if l, ok := tx.props[index]; ok {
		return l.v, nil
	}
	if index < 0 || index >= board.Size || !board.TileAt(index).IsProperty() {
		return nil, fmt.Errorf("%w: tile %d is not a property", model.ErrInvalidState, index)
	}
	if !tx.allowedProps[index] {
		return nil, fmt.Errorf("ledger: property %d not in section scope", index)
	}
	p, err := store.Load[model.PropertyState](tx.ctx, tx.l.st, store.KindProperty, store.PropertyKey(tx.tableID, index))
	switch {
	case errors.Is(err, store.ErrNotFound):
		p = &model.PropertyState{TableID: tx.tableID, Index: index}
	case err != nil:
		return nil, err
	}
	orig, _ := json.Marshal(p)
	tx.props[index] = &loaded[model.PropertyState]{v: p, orig: orig}
	tx.propIDs = append(tx.propIDs, index)
	return p, nil
}

// OwnedBy returns every property in scope held by playerID, in board order.
func (tx *Tx) OwnedBy(playerID string) ([]*model.PropertyState, error) {
	var out []*model.PropertyState
	for _, i := range board.Properties() {
		if !tx.allowedProps[i] {
			continue
		}
		p, err := tx.Property(i)
		if err != nil {
			return nil, err
		}
		if p.OwnerID == playerID {
			out = append(out, p)
		}
	}
	return out, nil
}

// Put adds a non-ledger record (auction, trade, table) to the section's batch.
func (tx *Tx) Put(kind store.Kind, id string, e store.Entity) error {
	return tx.extra.Put(kind, id, e)
}

// Move transfers amount from one party to another. The bank is an unlimited
// source and a sink. Amount zero is a no-op.
func (tx *Tx) Move(from, to string, amount int64, reason string, property int) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative amount %d", model.ErrInvalidState, amount)
	}
	if amount == 0 {
		return nil
	}
	if from == to {
		return fmt.Errorf("%w: transfer to self", model.ErrInvalidState)
	}
	if from != model.Bank {
		p, err := tx.Player(from)
		if err != nil {
			return err
		}
		if p.Balance < amount {
			return fmt.Errorf("%w: %s holds %d, needs %d", model.ErrInsufficientFunds, from, p.Balance, amount)
		}
		p.Balance -= amount
	}
	if to != model.Bank {
		p, err := tx.Player(to)
		if err != nil {
			return err
		}
		p.Balance += amount
	}
	tx.journal(reason, from, to, amount, property)
	return nil
}

// SetOwner assigns a property; owner model.Bank returns it to the bank.
func (tx *Tx) SetOwner(index int, owner, reason string) error {
	p, err := tx.Property(index)
	if err != nil {
		return err
	}
	if owner != model.Bank {
		pl, err := tx.Player(owner)
		if err != nil {
			return err
		}
		if !pl.Active() {
			return fmt.Errorf("%w: %s is eliminated", model.ErrUnauthorized, owner)
		}
	}
	prev := p.OwnerID
	p.OwnerID = owner
	tx.journal(reason, prev, owner, 0, index)
	return nil
}

func (tx *Tx) journal(reason, from, to string, amount int64, property int) {
	tx.entries = append(tx.entries, model.LedgerEntry{
		ID:        uuid.New().String(),
		TableID:   tx.tableID,
		Reason:    reason,
		From:      from,
		To:        to,
		Amount:    amount,
		Property:  property,
		Timestamp: tx.l.Now(),
	})
}

// commit writes every entity whose encoding changed since it was loaded.
func (tx *Tx) commit() error {
	var b store.Batch
	for _, id := range tx.playerIDs {
		l := tx.players[id]
		if cur, _ := json.Marshal(l.v); !bytes.Equal(cur, l.orig) {
			if err := b.Put(store.KindPlayer, store.PlayerKey(tx.tableID, id), l.v); err != nil {
				return err
			}
		}
	}
	for _, i := range tx.propIDs {
		l := tx.props[i]
		if cur, _ := json.Marshal(l.v); !bytes.Equal(cur, l.orig) {
			if err := b.Put(store.KindProperty, store.PropertyKey(tx.tableID, i), l.v); err != nil {
				return err
			}
		}
	}
	b.Merge(&tx.extra)
	b.Entries = append(b.Entries, tx.entries...)
	return store.Apply(tx.ctx, tx.l.st, &b)
}
