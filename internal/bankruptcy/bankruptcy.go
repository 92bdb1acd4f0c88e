// Package bankruptcy settles charges a player cannot pay outright.
//
// A charge first tries the player's cash, then liquidates holdings (sell
// buildings, then mortgage the cheapest properties) inside the same ledger
// section. A player still short enters a grace period; when grace expires the
// debt is either covered or the player is eliminated and their estate passes
// to the creditor.
package bankruptcy

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/lunopoly/table-engine/internal/board"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/metrics"
	"github.com/lunopoly/table-engine/internal/model"
)

// Outcome describes how a charge or grace resolution ended.
type Outcome string

const (
	OutcomeNone       Outcome = "none"
	OutcomePaid       Outcome = "paid"
	OutcomeLiquidated Outcome = "liquidated"
	OutcomeGrace      Outcome = "grace"
	OutcomeRecovered  Outcome = "recovered"
	OutcomeEliminated Outcome = "eliminated"
)

// Result reports the effect of Charge or Resolve.
type Result struct {
	Outcome   Outcome   `json:"outcome"`
	PlayerID  string    `json:"player_id"`
	Creditor  string    `json:"creditor"`
	Amount    int64     `json:"amount"`
	Debt      int64     `json:"debt,omitempty"`
	GraceEnds time.Time `json:"grace_ends,omitempty"`
	// Liquidated lists the properties sold down or mortgaged to raise cash.
	Liquidated []int `json:"liquidated,omitempty"`
}

// TradeExpirer expires an eliminated player's open trades.
type TradeExpirer interface {
	ExpireFor(ctx context.Context, tableID, playerID string) ([]*model.Trade, error)
}

// Config holds bankruptcy timings.
type Config struct {
	GracePeriod time.Duration
}

// Protocol runs charges, grace periods and eliminations.
type Protocol struct {
	ledger *ledger.Ledger
	cfg    Config
	pub    model.Publisher
	trades TradeExpirer
	logger *slog.Logger

	// Now is the grace clock.
	Now func() time.Time
}

// New creates a protocol. pub and trades may be nil.
func New(l *ledger.Ledger, cfg Config, pub model.Publisher, trades TradeExpirer) *Protocol {
	if pub == nil {
		pub = model.Publishers(nil)
	}
	return &Protocol{
		ledger: l,
		cfg:    cfg,
		pub:    pub,
		trades: trades,
		logger: slog.Default().With("component", "bankruptcy"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func scope(debtor, creditor string) ledger.Scope {
	return ledger.Scope{Players: []string{debtor, creditor}, AllProperties: true}
}

// Charge makes debtor pay amount to creditor (model.Bank for the table),
// liquidating holdings if cash falls short. A debtor who still cannot pay
// enters grace with the full amount as debt.
func (p *Protocol) Charge(ctx context.Context, tableID, debtor, creditor string, amount int64, reason string) (Result, error) {
	if amount < 0 {
		return Result{}, fmt.Errorf("%w: negative charge %d", model.ErrInvalidState, amount)
	}
	var res Result
	err := p.ledger.Atomic(ctx, tableID, scope(debtor, creditor), func(tx *ledger.Tx) error {
		res = Result{PlayerID: debtor, Creditor: creditor, Amount: amount}
		d, err := tx.Player(debtor)
		if err != nil {
			return err
		}
		if d.Status != model.PlayerSolvent {
			return fmt.Errorf("%w: %s is %s", model.ErrInvalidState, debtor, d.Status)
		}
		if d.Balance >= amount {
			res.Outcome = OutcomePaid
			return tx.Move(debtor, creditor, amount, reason, ledger.NoProperty)
		}
		if res.Liquidated, err = liquidate(tx, debtor, amount); err != nil {
			return err
		}
		if d.Balance >= amount {
			res.Outcome = OutcomeLiquidated
			return tx.Move(debtor, creditor, amount, reason, ledger.NoProperty)
		}
		d.Status = model.PlayerGrace
		d.Debt = amount
		d.Creditor = creditor
		d.GraceEnds = p.Now().Add(p.cfg.GracePeriod)
		res.Outcome = OutcomeGrace
		res.Debt = amount
		res.GraceEnds = d.GraceEnds
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Outcome != OutcomePaid {
		metrics.Bankruptcies.WithLabelValues(string(res.Outcome)).Inc()
	}
	if res.Outcome == OutcomeGrace {
		p.logger.Info("player entered grace", "table_id", tableID, "player_id", debtor, "debt", amount, "creditor", creditor)
		p.publish(tableID, model.EventPlayerBankrupt, res)
	}
	return res, nil
}

// liquidate raises cash for playerID until its balance reaches target or
// nothing is left to sell. Buildings go first, highest level first; then
// unmortgaged properties are mortgaged cheapest first.
func liquidate(tx *ledger.Tx, playerID string, target int64) ([]int, error) {
	pl, err := tx.Player(playerID)
	if err != nil {
		return nil, err
	}
	owned, err := tx.OwnedBy(playerID)
	if err != nil {
		return nil, err
	}
	var touched []int
	mark := func(i int) {
		if !slices.Contains(touched, i) {
			touched = append(touched, i)
		}
	}

	for pl.Balance < target {
		var next *model.PropertyState
		for _, prop := range owned {
			if prop.Level == 0 {
				continue
			}
			if next == nil || prop.Level > next.Level ||
				(prop.Level == next.Level && board.BuildCost(prop.Index) < board.BuildCost(next.Index)) {
				next = prop
			}
		}
		if next == nil {
			break
		}
		if err := tx.SellBuilding(playerID, next.Index, ledger.ReasonLiquidation); err != nil {
			return nil, err
		}
		mark(next.Index)
	}

	candidates := slices.Clone(owned)
	slices.SortStableFunc(candidates, func(a, b *model.PropertyState) int {
		return cmp.Compare(board.TileAt(a.Index).MortgageValue(), board.TileAt(b.Index).MortgageValue())
	})
	for _, prop := range candidates {
		if pl.Balance >= target {
			break
		}
		if prop.Mortgaged {
			continue
		}
		if err := tx.Mortgage(playerID, prop.Index); err != nil {
			return nil, err
		}
		mark(prop.Index)
	}
	return touched, nil
}

// PayDebt settles a grace player's debt from their current balance.
func (p *Protocol) PayDebt(ctx context.Context, tableID, debtor string) (Result, error) {
	creditor, err := p.creditorOf(ctx, tableID, debtor)
	if err != nil {
		return Result{}, err
	}
	var res Result
	err = p.ledger.Atomic(ctx, tableID, ledger.Scope{Players: []string{debtor, creditor}}, func(tx *ledger.Tx) error {
		d, err := tx.Player(debtor)
		if err != nil {
			return err
		}
		if d.Status != model.PlayerGrace || d.Creditor != creditor {
			return fmt.Errorf("%w: %s has no outstanding debt", model.ErrInvalidState, debtor)
		}
		if d.Balance < d.Debt {
			return fmt.Errorf("%w: %s holds %d, owes %d", model.ErrInsufficientFunds, debtor, d.Balance, d.Debt)
		}
		res, err = settle(tx, d)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	p.recovered(tableID, res)
	return res, nil
}

// Assist transfers cash from one seated player to a player in grace.
func (p *Protocol) Assist(ctx context.Context, tableID, from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: assistance must be positive", model.ErrInvalidState)
	}
	return p.ledger.Atomic(ctx, tableID, ledger.Scope{Players: []string{from, to}}, func(tx *ledger.Tx) error {
		helper, err := tx.Player(from)
		if err != nil {
			return err
		}
		if !helper.Active() {
			return fmt.Errorf("%w: %s is eliminated", model.ErrUnauthorized, from)
		}
		d, err := tx.Player(to)
		if err != nil {
			return err
		}
		if d.Status != model.PlayerGrace {
			return fmt.Errorf("%w: %s is not in grace", model.ErrInvalidState, to)
		}
		return tx.Move(from, to, amount, ledger.ReasonAssist, ledger.NoProperty)
	})
}

// Resolve ends a grace period. A debt the player can now cover is paid;
// otherwise the player is eliminated. Players not in grace are left alone.
func (p *Protocol) Resolve(ctx context.Context, tableID, debtor string) (Result, error) {
	creditor, err := p.creditorOf(ctx, tableID, debtor)
	if err != nil {
		return Result{}, err
	}
	order, err := p.nextOrder(ctx, tableID)
	if err != nil {
		return Result{}, err
	}
	var res Result
	err = p.ledger.Atomic(ctx, tableID, scope(debtor, creditor), func(tx *ledger.Tx) error {
		d, err := tx.Player(debtor)
		if err != nil {
			return err
		}
		if d.Status != model.PlayerGrace || d.Creditor != creditor {
			res = Result{Outcome: OutcomeNone, PlayerID: debtor}
			return nil
		}
		if d.Balance >= d.Debt {
			res, err = settle(tx, d)
			return err
		}
		res = Result{Outcome: OutcomeEliminated, PlayerID: debtor, Creditor: creditor, Debt: d.Debt}
		return eliminate(tx, d, creditor, order)
	})
	if err != nil {
		return Result{}, err
	}
	switch res.Outcome {
	case OutcomeRecovered:
		p.recovered(tableID, res)
	case OutcomeEliminated:
		p.eliminated(ctx, tableID, res)
	}
	return res, nil
}

// Eliminate removes a player outright, e.g. one who forfeits. The estate goes
// to the bank.
func (p *Protocol) Eliminate(ctx context.Context, tableID, playerID string) (Result, error) {
	order, err := p.nextOrder(ctx, tableID)
	if err != nil {
		return Result{}, err
	}
	var res Result
	err = p.ledger.Atomic(ctx, tableID, scope(playerID, model.Bank), func(tx *ledger.Tx) error {
		d, err := tx.Player(playerID)
		if err != nil {
			return err
		}
		if !d.Active() {
			res = Result{Outcome: OutcomeNone, PlayerID: playerID}
			return nil
		}
		res = Result{Outcome: OutcomeEliminated, PlayerID: playerID, Debt: d.Debt}
		return eliminate(tx, d, model.Bank, order)
	})
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == OutcomeEliminated {
		p.eliminated(ctx, tableID, res)
	}
	return res, nil
}

func settle(tx *ledger.Tx, d *model.Player) (Result, error) {
	creditor := d.Creditor
	if creditor != model.Bank {
		c, err := tx.Player(creditor)
		if err != nil {
			return Result{}, err
		}
		if !c.Active() {
			creditor = model.Bank
		}
	}
	res := Result{Outcome: OutcomeRecovered, PlayerID: d.ID, Creditor: creditor, Amount: d.Debt}
	if err := tx.Move(d.ID, creditor, d.Debt, ledger.ReasonDebt, ledger.NoProperty); err != nil {
		return Result{}, err
	}
	clearDebt(d)
	return res, nil
}

// eliminate hands the estate to creditor, or back to the bank with buildings
// and mortgages cleared, and closes the player out.
func eliminate(tx *ledger.Tx, d *model.Player, creditor string, order int) error {
	heir := creditor
	if heir != model.Bank {
		c, err := tx.Player(heir)
		if err != nil {
			return err
		}
		if !c.Active() {
			heir = model.Bank
		}
	}
	owned, err := tx.OwnedBy(d.ID)
	if err != nil {
		return err
	}
	snapshot := ledger.Valuate(d, owned)

	if err := tx.Move(d.ID, heir, d.Balance, ledger.ReasonElimination, ledger.NoProperty); err != nil {
		return err
	}
	for _, prop := range owned {
		if heir == model.Bank {
			prop.Level = 0
			prop.Mortgaged = false
		}
		if err := tx.SetOwner(prop.Index, heir, ledger.ReasonElimination); err != nil {
			return err
		}
	}
	clearDebt(d)
	d.Status = model.PlayerEliminated
	d.EliminationOrder = order
	d.EliminatedAt = tx.Now()
	d.FinalWealth = &snapshot
	return nil
}

func clearDebt(d *model.Player) {
	d.Status = model.PlayerSolvent
	d.Debt = 0
	d.Creditor = model.Bank
	d.GraceEnds = time.Time{}
}

func (p *Protocol) creditorOf(ctx context.Context, tableID, debtor string) (string, error) {
	d, err := p.ledger.Player(ctx, tableID, debtor)
	if err != nil {
		return "", err
	}
	return d.Creditor, nil
}

// nextOrder numbers eliminations at a table from 1. Eliminations at one table
// are driven by its actor, so the count cannot race.
func (p *Protocol) nextOrder(ctx context.Context, tableID string) (int, error) {
	players, err := p.ledger.Players(ctx, tableID)
	if err != nil {
		return 0, err
	}
	n := 1
	for _, pl := range players {
		if !pl.Active() {
			n++
		}
	}
	return n, nil
}

func (p *Protocol) recovered(tableID string, res Result) {
	metrics.Bankruptcies.WithLabelValues(string(OutcomeRecovered)).Inc()
	p.logger.Info("debt paid", "table_id", tableID, "player_id", res.PlayerID, "amount", res.Amount)
	p.publish(tableID, model.EventDebtPaid, res)
}

func (p *Protocol) eliminated(ctx context.Context, tableID string, res Result) {
	metrics.Bankruptcies.WithLabelValues(string(OutcomeEliminated)).Inc()
	p.logger.Info("player eliminated", "table_id", tableID, "player_id", res.PlayerID, "creditor", res.Creditor)
	if p.trades != nil {
		if _, err := p.trades.ExpireFor(ctx, tableID, res.PlayerID); err != nil {
			p.logger.Error("expire trades of eliminated player", "table_id", tableID, "player_id", res.PlayerID, "err", err)
		}
	}
	p.publish(tableID, model.EventPlayerEliminated, res)
}

func (p *Protocol) publish(tableID string, typ model.EventType, payload any) {
	p.pub.Publish(model.Event{TableID: tableID, Type: typ, Payload: payload, At: p.Now()})
}
