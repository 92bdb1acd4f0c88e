// Package table runs LUNOPOLY game tables.
//
// Each table is an actor: a single goroutine consumes a command queue and is
// the only writer of the table's turn state. Player commands arrive through
// Do; timers (turn auto-pass, auction deadlines, trade expiry, grace periods)
// post internal messages into the same queue, so every transition is
// serialized and a timer that fires for a turn that has moved on is ignored.
package table

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lunopoly/table-engine/internal/auction"
	"github.com/lunopoly/table-engine/internal/bankruptcy"
	"github.com/lunopoly/table-engine/internal/deck"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/metrics"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
	"github.com/lunopoly/table-engine/internal/timer"
	"github.com/lunopoly/table-engine/internal/trade"
)

var ErrTableClosed = errors.New("table: closed")

// Config holds the rules and timings of a table.
type Config struct {
	StartingBalance   int64
	StartBonus        int64
	JailFine          int64
	JailMaxAttempts   int
	TurnTimeout       time.Duration
	DisconnectTimeout time.Duration
	// MaxTurns ends the game after that many turns; zero disables the cap.
	MaxTurns int
	// Cards is the chance pile; nil uses deck.Standard.
	Cards []deck.Card
}

// Deps are the engines shared by every table in the process.
type Deps struct {
	Ledger     *ledger.Ledger
	Auctions   *auction.Engine
	Trades     *trade.Engine
	Bankruptcy *bankruptcy.Protocol
	Publisher  model.Publisher
	Roller     Roller

	// OnGameOver is called once per table, on its own goroutine, with the
	// final table state and ranked results.
	OnGameOver func(gt model.GameTable, results []model.MatchResult)

	Now func() time.Time
}

// CommandKind names an inbound player command.
type CommandKind string

const (
	CmdRoll          CommandKind = "roll"
	CmdBuy           CommandKind = "buy"
	CmdDecline       CommandKind = "decline"
	CmdEndTurn       CommandKind = "end_turn"
	CmdPayJailFine   CommandKind = "pay_jail_fine"
	CmdBid           CommandKind = "bid"
	CmdPass          CommandKind = "pass"
	CmdProposeTrade  CommandKind = "propose_trade"
	CmdAcceptTrade   CommandKind = "accept_trade"
	CmdRejectTrade   CommandKind = "reject_trade"
	CmdCounterTrade  CommandKind = "counter_trade"
	CmdWithdrawTrade CommandKind = "withdraw_trade"
	CmdMortgage      CommandKind = "mortgage"
	CmdUnmortgage    CommandKind = "unmortgage"
	CmdBuild         CommandKind = "build"
	CmdSellBuilding  CommandKind = "sell_building"
	CmdPayDebt       CommandKind = "pay_debt"
	CmdAssist        CommandKind = "assist"
	CmdDisconnect    CommandKind = "disconnect"
	CmdReconnect     CommandKind = "reconnect"
)

// Command is one player action. Which fields are read depends on Kind.
type Command struct {
	Kind     CommandKind      `json:"kind"`
	PlayerID string           `json:"player_id"`
	Property int              `json:"property,omitempty"`
	Amount   int64            `json:"amount,omitempty"`
	TradeID  string           `json:"trade_id,omitempty"`
	Target   string           `json:"target,omitempty"`
	Terms    model.TradeTerms `json:"terms"`
}

// Seat is a participant joining a table at launch.
type Seat struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Bot  bool   `json:"bot"`
}

type fireKind int

const (
	fireTurn fireKind = iota
	fireAuction
	fireTrade
	fireGrace
)

// firing is a timer expiry delivered through the inbox. Turn timeouts carry
// the turn and arm sequence they were scheduled for.
type firing struct {
	kind fireKind
	turn int
	seq  int
	id   string
}

type reply struct {
	state model.GameTable
	err   error
}

type message struct {
	cmd   Command
	fire  *firing
	reply chan reply
}

// Table is one running game.
type Table struct {
	id     string
	cfg    Config
	deps   Deps
	deck   *deck.Deck
	timers *timer.Scheduler
	inbox  chan message
	done   chan struct{}
	cancel context.CancelFunc
	logger *slog.Logger

	// state is owned by the run goroutine.
	state   *model.GameTable
	saved   []byte
	turnSeq int

	untracked sync.Once

	mu   sync.RWMutex
	view model.GameTable
}

func clone(gt *model.GameTable) model.GameTable {
	c := *gt
	c.Seats = slices.Clone(gt.Seats)
	return c
}

// ID returns the table id.
func (t *Table) ID() string { return t.id }

// State returns a snapshot of the table as of the last processed message.
func (t *Table) State() model.GameTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := t.view
	c.Seats = slices.Clone(t.view.Seats)
	return c
}

// Done is closed when the table goroutine exits.
func (t *Table) Done() <-chan struct{} { return t.done }

// Do submits a command and waits for the table to process it. The returned
// state reflects the table after the command.
func (t *Table) Do(ctx context.Context, cmd Command) (model.GameTable, error) {
	rc := make(chan reply, 1)
	select {
	case t.inbox <- message{cmd: cmd, reply: rc}:
	case <-ctx.Done():
		return model.GameTable{}, ctx.Err()
	case <-t.done:
		return model.GameTable{}, ErrTableClosed
	}
	select {
	case r := <-rc:
		return r.state, r.err
	case <-ctx.Done():
		return model.GameTable{}, ctx.Err()
	case <-t.done:
		select {
		case r := <-rc:
			return r.state, r.err
		default:
			return model.GameTable{}, ErrTableClosed
		}
	}
}

// post hands a timer firing to the table goroutine.
func (t *Table) post(f firing) {
	select {
	case t.inbox <- message{fire: &f}:
	case <-t.done:
	}
}

func (t *Table) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-t.inbox:
			t.handle(ctx, m)
		}
	}
}

func (t *Table) handle(ctx context.Context, m message) {
	before, seq := clone(t.state), t.turnSeq
	var err error
	if m.fire != nil {
		err = t.fire(ctx, *m.fire)
		if err != nil {
			t.logger.Error("timer transition failed", "table_id", t.id, "kind", m.fire.kind, "err", err)
		}
	} else {
		start := time.Now()
		err = t.dispatch(ctx, m.cmd)
		metrics.CommandLatency.WithLabelValues(string(m.cmd.Kind)).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.CommandErrors.WithLabelValues(string(m.cmd.Kind)).Inc()
			t.logger.Debug("command rejected", "table_id", t.id, "player_id", m.cmd.PlayerID, "command", m.cmd.Kind, "err", err)
		}
	}
	if err != nil {
		failed := t.state.ActiveAuction
		*t.state = before
		t.restoreTimers(ctx, seq, failed)
	}
	t.persist(ctx)
	t.publishView()
	if m.reply != nil {
		m.reply <- reply{state: clone(t.state), err: err}
	}
}

func (t *Table) publishView() {
	t.mu.Lock()
	t.view = clone(t.state)
	t.mu.Unlock()
}

// persist writes the table record when it changed since the last save.
func (t *Table) persist(ctx context.Context) {
	cur, err := json.Marshal(t.state)
	if err != nil || bytes.Equal(cur, t.saved) {
		return
	}
	var b store.Batch
	if err := b.Put(store.KindTable, t.id, t.state); err != nil {
		t.logger.Error("encode table", "table_id", t.id, "err", err)
		return
	}
	if err := store.Apply(ctx, t.deps.Ledger.Store(), &b); err != nil {
		t.logger.Error("persist table", "table_id", t.id, "err", err)
		return
	}
	t.saved = cur
}

func (t *Table) now() time.Time {
	if t.deps.Now != nil {
		return t.deps.Now()
	}
	return time.Now().UTC()
}

func (t *Table) emit(typ model.EventType, payload any) {
	t.deps.Publisher.Publish(model.Event{TableID: t.id, Type: typ, Payload: payload, At: t.now()})
}

// untrack takes the table out of the active gauge. Game over and removal
// both call it; only the first call counts.
func (t *Table) untrack() {
	t.untracked.Do(func() {
		metrics.ActiveTables.WithLabelValues(string(model.TableActive)).Dec()
	})
}

func (t *Table) stop() {
	t.cancel()
	<-t.done
	t.timers.Stop()
}

func (t *Table) dispatch(ctx context.Context, cmd Command) error {
	if t.state.Status != model.TableActive || t.state.Phase == model.PhaseGameOver {
		return fmt.Errorf("%w: table %s is %s", model.ErrInvalidState, t.id, t.state.Status)
	}
	p, err := t.deps.Ledger.Player(ctx, t.id, cmd.PlayerID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s is not seated at %s", model.ErrUnauthorized, cmd.PlayerID, t.id)
	}
	if err != nil {
		return err
	}
	if !p.Active() {
		return fmt.Errorf("%w: %s is eliminated", model.ErrUnauthorized, cmd.PlayerID)
	}

	switch cmd.Kind {
	case CmdRoll:
		return t.roll(ctx, cmd.PlayerID)
	case CmdBuy:
		return t.buy(ctx, cmd.PlayerID)
	case CmdDecline:
		return t.decline(ctx, cmd.PlayerID)
	case CmdEndTurn:
		if err := t.requireTurn(cmd.PlayerID, model.PhaseEndTurn); err != nil {
			return err
		}
		return t.advance(ctx, "completed")
	case CmdPayJailFine:
		return t.payJailFine(ctx, cmd.PlayerID)
	case CmdBid, CmdPass:
		return t.auctionCommand(ctx, cmd)
	case CmdProposeTrade, CmdAcceptTrade, CmdRejectTrade, CmdCounterTrade, CmdWithdrawTrade:
		return t.tradeCommand(ctx, cmd)
	case CmdMortgage, CmdUnmortgage, CmdBuild, CmdSellBuilding:
		return t.manage(ctx, cmd)
	case CmdPayDebt:
		if _, err := t.deps.Bankruptcy.PayDebt(ctx, t.id, cmd.PlayerID); err != nil {
			return err
		}
		t.timers.Cancel(graceKey(cmd.PlayerID))
		return t.debtCleared(ctx, cmd.PlayerID)
	case CmdAssist:
		return t.deps.Bankruptcy.Assist(ctx, t.id, cmd.PlayerID, cmd.Target, cmd.Amount)
	case CmdDisconnect, CmdReconnect:
		return t.setConnected(ctx, cmd.PlayerID, cmd.Kind == CmdReconnect)
	}
	return fmt.Errorf("%w: unknown command %q", model.ErrInvalidState, cmd.Kind)
}

func (t *Table) requireTurn(playerID string, phase model.Phase) error {
	if t.state.CurrentPlayer != playerID {
		return fmt.Errorf("%w: it is %s's turn", model.ErrUnauthorized, t.state.CurrentPlayer)
	}
	if t.state.Phase != phase {
		return fmt.Errorf("%w: phase is %s, want %s", model.ErrInvalidState, t.state.Phase, phase)
	}
	return nil
}

func (t *Table) manage(ctx context.Context, cmd Command) error {
	l := t.deps.Ledger
	var (
		err error
		typ model.EventType
	)
	switch cmd.Kind {
	case CmdMortgage:
		typ = model.EventPropertyMortgaged
		err = l.Mortgage(ctx, t.id, cmd.PlayerID, cmd.Property)
	case CmdUnmortgage:
		typ = model.EventPropertyUnmortgaged
		err = l.Unmortgage(ctx, t.id, cmd.PlayerID, cmd.Property)
	case CmdBuild:
		typ = model.EventBuildingBuilt
		err = l.Build(ctx, t.id, cmd.PlayerID, cmd.Property)
	case CmdSellBuilding:
		typ = model.EventBuildingSold
		err = l.SellBuilding(ctx, t.id, cmd.PlayerID, cmd.Property)
	}
	if err != nil {
		return err
	}
	t.emit(typ, map[string]any{"player_id": cmd.PlayerID, "property": cmd.Property})
	return nil
}

func (t *Table) setConnected(ctx context.Context, playerID string, connected bool) error {
	err := t.deps.Ledger.Atomic(ctx, t.id, ledger.Scope{Players: []string{playerID}}, func(tx *ledger.Tx) error {
		p, err := tx.Player(playerID)
		if err != nil {
			return err
		}
		p.Connected = connected
		return nil
	})
	if err != nil {
		return err
	}
	if playerID == t.state.CurrentPlayer {
		t.armTurn(ctx)
	}
	return nil
}

func (t *Table) fire(ctx context.Context, f firing) error {
	if t.state.Status != model.TableActive {
		return nil
	}
	switch f.kind {
	case fireTurn:
		if f.seq != t.turnSeq {
			return nil
		}
		return t.autoPass(ctx, f.turn)
	case fireAuction:
		if f.id != t.state.ActiveAuction {
			return nil
		}
		a, err := t.deps.Auctions.Close(ctx, f.id)
		if err != nil {
			return err
		}
		return t.auctionChanged(ctx, a)
	case fireTrade:
		_, err := t.deps.Trades.Expire(ctx, f.id)
		return err
	case fireGrace:
		res, err := t.deps.Bankruptcy.Resolve(ctx, t.id, f.id)
		if err != nil {
			return err
		}
		switch res.Outcome {
		case bankruptcy.OutcomeRecovered:
			return t.debtCleared(ctx, f.id)
		case bankruptcy.OutcomeEliminated:
			return t.eliminated(ctx, f.id)
		}
	}
	return nil
}
