// Package trade negotiates property and cash swaps between two seated players.
//
// A proposal is validated against ownership when it is made and again when it
// is accepted; acceptance moves both cash legs and every property in a single
// ledger section, so a stale offer fails without partial effects.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/lunopoly/table-engine/internal/board"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/metrics"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
)

// Config holds trade timings.
type Config struct {
	// TTL is how long a proposal stays open.
	TTL time.Duration
}

// Engine owns the trade lifecycle.
type Engine struct {
	ledger *ledger.Ledger
	cfg    Config
	pub    model.Publisher
	logger *slog.Logger

	// Now is the trade clock.
	Now func() time.Time
}

// New creates a trade engine. pub may be nil.
func New(l *ledger.Ledger, cfg Config, pub model.Publisher) *Engine {
	if pub == nil {
		pub = model.Publishers(nil)
	}
	return &Engine{
		ledger: l,
		cfg:    cfg,
		pub:    pub,
		logger: slog.Default().With("component", "trade"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func lockKey(id string) string { return "trade:" + id }

// checkTerms validates the shape of an offer independent of table state.
func checkTerms(proposer, receiver string, t model.TradeTerms) error {
	if proposer == receiver {
		return fmt.Errorf("%w: cannot trade with yourself", model.ErrInvalidState)
	}
	if t.OfferedCash < 0 || t.RequestedCash < 0 {
		return fmt.Errorf("%w: cash amounts must be non-negative", model.ErrInvalidState)
	}
	if len(t.OfferedProperties) == 0 && len(t.RequestedProperties) == 0 && t.OfferedCash == 0 && t.RequestedCash == 0 {
		return fmt.Errorf("%w: empty trade", model.ErrInvalidState)
	}
	seen := make(map[int]bool)
	for _, i := range slices.Concat(t.OfferedProperties, t.RequestedProperties) {
		if i < 0 || i >= board.Size || !board.TileAt(i).IsProperty() {
			return fmt.Errorf("%w: tile %d is not a property", model.ErrInvalidState, i)
		}
		if seen[i] {
			return fmt.Errorf("%w: property %d listed twice", model.ErrInvalidState, i)
		}
		seen[i] = true
	}
	return nil
}

func scopeOf(tr *model.Trade) ledger.Scope {
	return ledger.Scope{
		Players:    []string{tr.ProposerID, tr.ReceiverID},
		Properties: slices.Concat(tr.Terms.OfferedProperties, tr.Terms.RequestedProperties),
		Keys:       []string{lockKey(tr.ID)},
	}
}

// validate checks ownership and participation against the locked state.
// Failures are reported as kind.
func validate(tx *ledger.Tx, tr *model.Trade, kind error, checkCash bool) error {
	proposer, err := tx.Player(tr.ProposerID)
	if err != nil {
		return err
	}
	receiver, err := tx.Player(tr.ReceiverID)
	if err != nil {
		return err
	}
	if !proposer.Active() || !receiver.Active() {
		return fmt.Errorf("%w: a party has been eliminated", model.ErrUnauthorized)
	}
	owns := func(owner string, indices []int) error {
		for _, i := range indices {
			p, err := tx.Property(i)
			if err != nil {
				return err
			}
			if p.OwnerID != owner {
				return fmt.Errorf("%w: %s does not hold property %d", kind, owner, i)
			}
		}
		return nil
	}
	if err := owns(tr.ProposerID, tr.Terms.OfferedProperties); err != nil {
		return err
	}
	if err := owns(tr.ReceiverID, tr.Terms.RequestedProperties); err != nil {
		return err
	}
	if checkCash {
		if proposer.Balance < tr.Terms.OfferedCash {
			return fmt.Errorf("%w: %s cannot cover %d", kind, tr.ProposerID, tr.Terms.OfferedCash)
		}
		if receiver.Balance < tr.Terms.RequestedCash {
			return fmt.Errorf("%w: %s cannot cover %d", kind, tr.ReceiverID, tr.Terms.RequestedCash)
		}
	}
	return nil
}

func (e *Engine) newTrade(tableID, proposer, receiver, parent string, terms model.TradeTerms) *model.Trade {
	now := e.Now()
	return &model.Trade{
		ID:         tableID + "/" + uuid.New().String(),
		TableID:    tableID,
		ProposerID: proposer,
		ReceiverID: receiver,
		Status:     model.TradePending,
		Terms:      terms,
		ParentID:   parent,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.TTL),
	}
}

// Propose opens a pending trade from proposer to receiver.
func (e *Engine) Propose(ctx context.Context, tableID, proposer, receiver string, terms model.TradeTerms) (*model.Trade, error) {
	if err := checkTerms(proposer, receiver, terms); err != nil {
		return nil, err
	}
	tr := e.newTrade(tableID, proposer, receiver, "", terms)
	err := e.ledger.Atomic(ctx, tableID, scopeOf(tr), func(tx *ledger.Tx) error {
		if err := validate(tx, tr, model.ErrNotOwner, false); err != nil {
			return err
		}
		tr.Version = 0
		return tx.Put(store.KindTrade, tr.ID, tr)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("trade proposed", "table_id", tableID, "trade_id", tr.ID, "proposer", proposer, "receiver", receiver)
	e.publish(tr, model.EventTradeProposed)
	return tr, nil
}

// Get loads a trade.
func (e *Engine) Get(ctx context.Context, id string) (*model.Trade, error) {
	tr, err := store.Load[model.Trade](ctx, e.ledger.Store(), store.KindTrade, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: trade %s", model.ErrNotFound, id)
	}
	return tr, err
}

// List returns every trade of a table ordered by id.
func (e *Engine) List(ctx context.Context, tableID string) ([]*model.Trade, error) {
	return store.LoadAll[model.Trade](ctx, e.ledger.Store(), store.KindTrade, store.TablePrefix(tableID))
}

// Pending returns the open trades of a table.
func (e *Engine) Pending(ctx context.Context, tableID string) ([]*model.Trade, error) {
	all, err := e.List(ctx, tableID)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(tr *model.Trade) bool { return tr.Status != model.TradePending }), nil
}

// resolve runs fn against a freshly loaded pending trade inside a section
// covering both parties and every listed property.
func (e *Engine) resolve(ctx context.Context, tradeID string, fn func(tx *ledger.Tx, tr *model.Trade) error) (*model.Trade, error) {
	tr, err := e.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	err = e.ledger.Atomic(ctx, tr.TableID, scopeOf(tr), func(tx *ledger.Tx) error {
		var err error
		if tr, err = e.Get(ctx, tradeID); err != nil {
			return err
		}
		if tr.Status != model.TradePending {
			return fmt.Errorf("%w: trade %s is %s", model.ErrInvalidState, tradeID, tr.Status)
		}
		if err := fn(tx, tr); err != nil {
			return err
		}
		tr.ResolvedAt = e.Now()
		return tx.Put(store.KindTrade, tr.ID, tr)
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Accept executes the trade on behalf of its receiver. Ownership and both
// balances are re-checked; any change since the proposal fails with
// model.ErrTradeStale.
func (e *Engine) Accept(ctx context.Context, tradeID, actor string) (*model.Trade, error) {
	tr, err := e.resolve(ctx, tradeID, func(tx *ledger.Tx, tr *model.Trade) error {
		if actor != tr.ReceiverID {
			return fmt.Errorf("%w: only the receiver may accept", model.ErrUnauthorized)
		}
		if !e.Now().Before(tr.ExpiresAt) {
			return fmt.Errorf("%w: trade expired", model.ErrTradeStale)
		}
		if err := validate(tx, tr, model.ErrTradeStale, true); err != nil {
			return err
		}
		if err := tx.Move(tr.ProposerID, tr.ReceiverID, tr.Terms.OfferedCash, ledger.ReasonTrade, ledger.NoProperty); err != nil {
			return err
		}
		if err := tx.Move(tr.ReceiverID, tr.ProposerID, tr.Terms.RequestedCash, ledger.ReasonTrade, ledger.NoProperty); err != nil {
			return err
		}
		for _, i := range tr.Terms.OfferedProperties {
			if err := tx.SetOwner(i, tr.ReceiverID, ledger.ReasonTrade); err != nil {
				return err
			}
		}
		for _, i := range tr.Terms.RequestedProperties {
			if err := tx.SetOwner(i, tr.ProposerID, ledger.ReasonTrade); err != nil {
				return err
			}
		}
		tr.Status = model.TradeAccepted
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("trade accepted", "table_id", tr.TableID, "trade_id", tr.ID)
	e.publish(tr, model.EventTradeResolved)
	return tr, nil
}

// Reject declines the trade on behalf of its receiver.
func (e *Engine) Reject(ctx context.Context, tradeID, actor string) (*model.Trade, error) {
	return e.close(ctx, tradeID, func(tr *model.Trade) error {
		if actor != tr.ReceiverID {
			return fmt.Errorf("%w: only the receiver may reject", model.ErrUnauthorized)
		}
		tr.Status = model.TradeRejected
		return nil
	})
}

// Withdraw retracts the trade on behalf of its proposer.
func (e *Engine) Withdraw(ctx context.Context, tradeID, actor string) (*model.Trade, error) {
	return e.close(ctx, tradeID, func(tr *model.Trade) error {
		if actor != tr.ProposerID {
			return fmt.Errorf("%w: only the proposer may withdraw", model.ErrUnauthorized)
		}
		tr.Status = model.TradeRejected
		return nil
	})
}

func (e *Engine) close(ctx context.Context, tradeID string, fn func(tr *model.Trade) error) (*model.Trade, error) {
	tr, err := e.resolve(ctx, tradeID, func(_ *ledger.Tx, tr *model.Trade) error { return fn(tr) })
	if err != nil {
		return nil, err
	}
	e.publish(tr, model.EventTradeResolved)
	return tr, nil
}

// Counter marks the trade countered and opens a new pending trade with the
// roles swapped, linked to the original through ParentID.
func (e *Engine) Counter(ctx context.Context, tradeID, actor string, terms model.TradeTerms) (*model.Trade, error) {
	orig, err := e.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if actor != orig.ReceiverID {
		return nil, fmt.Errorf("%w: only the receiver may counter", model.ErrUnauthorized)
	}
	if err := checkTerms(orig.ReceiverID, orig.ProposerID, terms); err != nil {
		return nil, err
	}
	next := e.newTrade(orig.TableID, orig.ReceiverID, orig.ProposerID, orig.ID, terms)
	scope := scopeOf(orig)
	scope.Properties = append(scope.Properties, slices.Concat(terms.OfferedProperties, terms.RequestedProperties)...)
	scope.Keys = append(scope.Keys, lockKey(next.ID))

	err = e.ledger.Atomic(ctx, orig.TableID, scope, func(tx *ledger.Tx) error {
		var err error
		if orig, err = e.Get(ctx, tradeID); err != nil {
			return err
		}
		if orig.Status != model.TradePending {
			return fmt.Errorf("%w: trade %s is %s", model.ErrInvalidState, tradeID, orig.Status)
		}
		if err := validate(tx, next, model.ErrNotOwner, false); err != nil {
			return err
		}
		orig.Status = model.TradeCountered
		orig.ResolvedAt = e.Now()
		if err := tx.Put(store.KindTrade, orig.ID, orig); err != nil {
			return err
		}
		next.Version = 0
		return tx.Put(store.KindTrade, next.ID, next)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("trade countered", "table_id", orig.TableID, "trade_id", orig.ID, "counter_id", next.ID)
	e.publish(orig, model.EventTradeResolved)
	e.publish(next, model.EventTradeProposed)
	return next, nil
}

// Expire marks one overdue pending trade expired. Trades that are already
// resolved or not yet due are returned unchanged.
func (e *Engine) Expire(ctx context.Context, tradeID string) (*model.Trade, error) {
	return e.expire(ctx, tradeID, false)
}

func (e *Engine) expire(ctx context.Context, tradeID string, force bool) (*model.Trade, error) {
	tr, err := e.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if tr.Status != model.TradePending || (!force && e.Now().Before(tr.ExpiresAt)) {
		return tr, nil
	}
	tr, err = e.resolve(ctx, tradeID, func(_ *ledger.Tx, tr *model.Trade) error {
		tr.Status = model.TradeExpired
		return nil
	})
	if errors.Is(err, model.ErrInvalidState) {
		// Resolved between the read and the lock.
		return e.Get(ctx, tradeID)
	}
	if err != nil {
		return nil, err
	}
	e.publish(tr, model.EventTradeResolved)
	return tr, nil
}

// Sweep expires every overdue pending trade of a table.
func (e *Engine) Sweep(ctx context.Context, tableID string) ([]*model.Trade, error) {
	return e.expireWhere(ctx, tableID, false, func(tr *model.Trade) bool {
		return !e.Now().Before(tr.ExpiresAt)
	})
}

// ExpireFor expires every pending trade involving playerID, used when the
// player is eliminated.
func (e *Engine) ExpireFor(ctx context.Context, tableID, playerID string) ([]*model.Trade, error) {
	return e.expireWhere(ctx, tableID, true, func(tr *model.Trade) bool {
		return tr.ProposerID == playerID || tr.ReceiverID == playerID
	})
}

func (e *Engine) expireWhere(ctx context.Context, tableID string, force bool, match func(*model.Trade) bool) ([]*model.Trade, error) {
	pending, err := e.Pending(ctx, tableID)
	if err != nil {
		return nil, err
	}
	var out []*model.Trade
	for _, tr := range pending {
		if !match(tr) {
			continue
		}
		got, err := e.expire(ctx, tr.ID, force)
		if err != nil {
			return out, err
		}
		if got.Status == model.TradeExpired {
			out = append(out, got)
		}
	}
	return out, nil
}

func (e *Engine) publish(tr *model.Trade, typ model.EventType) {
	if typ == model.EventTradeResolved {
		metrics.TradesTotal.WithLabelValues(string(tr.Status)).Inc()
	}
	e.pub.Publish(model.Event{TableID: tr.TableID, Type: typ, Payload: *tr, At: e.Now()})
}
