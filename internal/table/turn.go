package table

import (
	"context"
	"fmt"
	"strings"

	"github.com/lunopoly/table-engine/internal/bankruptcy"
	"github.com/lunopoly/table-engine/internal/board"
	"github.com/lunopoly/table-engine/internal/deck"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/metrics"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
)

const (
	turnKey    = "turn"
	auctionKey = "auction"
)

func tradeKey(id string) string       { return "trade:" + id }
func graceKey(playerID string) string { return "grace:" + playerID }

// startTurn opens the current player's turn.
func (t *Table) startTurn(ctx context.Context) error {
	s := t.state
	if s.Status != model.TableActive || s.Phase != model.PhaseIdle {
		return fmt.Errorf("%w: cannot start a turn in phase %s", model.ErrInvalidState, s.Phase)
	}
	s.Doubles = 0
	s.RollsThisTurn = 0
	s.ExtraRoll = false
	s.PendingProperty = ledger.NoProperty
	s.TurnNumber++
	t.emit(model.EventTurnStarted, map[string]any{"player_id": s.CurrentPlayer, "turn": s.TurnNumber})
	t.setPhase(ctx, model.PhaseRolling)
	return nil
}

// setPhase moves the turn to p. Phases that wait on the current player arm
// the auto-pass timer; the others wait on their own timers.
func (t *Table) setPhase(ctx context.Context, p model.Phase) {
	t.state.Phase = p
	t.emit(model.EventPhaseChanged, map[string]any{"player_id": t.state.CurrentPlayer, "phase": p})
	switch p {
	case model.PhaseRolling, model.PhaseAwaitingPurchase, model.PhaseEndTurn:
		t.armTurn(ctx)
	default:
		t.disarmTurn()
	}
}

// disarmTurn cancels the auto-pass timer. Bumping the sequence also voids a
// timeout that already fired and is still queued in the inbox.
func (t *Table) disarmTurn() {
	t.turnSeq++
	t.timers.Cancel(turnKey)
}

func (t *Table) armTurn(ctx context.Context) {
	t.disarmTurn()
	switch t.state.Phase {
	case model.PhaseRolling, model.PhaseAwaitingPurchase, model.PhaseEndTurn:
	default:
		return
	}
	d := t.cfg.TurnTimeout
	if p, err := t.deps.Ledger.Player(ctx, t.id, t.state.CurrentPlayer); err == nil && !p.Connected && !p.Bot && t.cfg.DisconnectTimeout > 0 {
		if d <= 0 || t.cfg.DisconnectTimeout < d {
			d = t.cfg.DisconnectTimeout
		}
	}
	if d <= 0 {
		return
	}
	turn, seq := t.state.TurnNumber, t.turnSeq
	t.timers.Schedule(turnKey, d, func() { t.post(firing{kind: fireTurn, turn: turn, seq: seq}) })
}

// autoPass acts for a player whose turn timed out.
func (t *Table) autoPass(ctx context.Context, turn int) error {
	s := t.state
	if turn != s.TurnNumber || s.Phase == model.PhaseGameOver {
		return nil
	}
	t.logger.Info("turn timed out", "table_id", t.id, "player_id", s.CurrentPlayer, "phase", s.Phase)
	t.emit(model.EventTurnSkipped, map[string]any{"player_id": s.CurrentPlayer, "phase": s.Phase})
	switch s.Phase {
	case model.PhaseRolling:
		return t.advance(ctx, "skipped")
	case model.PhaseAwaitingPurchase:
		s.ExtraRoll = false
		return t.openAuction(ctx, s.CurrentPlayer)
	case model.PhaseEndTurn:
		return t.advance(ctx, "timed_out")
	}
	return nil
}

func (t *Table) updatePlayer(ctx context.Context, id string, fn func(p *model.Player)) error {
	return t.deps.Ledger.Atomic(ctx, t.id, ledger.Scope{Players: []string{id}}, func(tx *ledger.Tx) error {
		p, err := tx.Player(id)
		if err != nil {
			return err
		}
		fn(p)
		return nil
	})
}

func (t *Table) roll(ctx context.Context, playerID string) error {
	if err := t.requireTurn(playerID, model.PhaseRolling); err != nil {
		return err
	}
	p, err := t.deps.Ledger.Player(ctx, t.id, playerID)
	if err != nil {
		return err
	}
	s := t.state
	d1, d2 := t.deps.Roller.Roll()
	doubles := d1 == d2
	s.LastDice = [2]int{d1, d2}
	s.RollsThisTurn++
	s.ExtraRoll = false
	t.emit(model.EventDiceRolled, map[string]any{"player_id": playerID, "dice": s.LastDice, "doubles": doubles})

	if p.InJail {
		return t.rollInJail(ctx, p, d1+d2, doubles)
	}
	if doubles {
		s.Doubles++
		if s.Doubles >= 3 {
			if err := t.jail(ctx, playerID); err != nil {
				return err
			}
			t.setPhase(ctx, model.PhaseEndTurn)
			return nil
		}
		s.ExtraRoll = true
	}
	waiting, err := t.move(ctx, playerID, p.Position, d1+d2)
	return t.settle(ctx, waiting, err)
}

// rollInJail handles a release attempt. Doubles free the player without a
// bonus roll; the last failed attempt charges the fine and releases anyway.
func (t *Table) rollInJail(ctx context.Context, p *model.Player, steps int, doubles bool) error {
	if doubles {
		if err := t.release(ctx, p.ID, "doubles"); err != nil {
			return err
		}
		waiting, err := t.move(ctx, p.ID, p.Position, steps)
		return t.settle(ctx, waiting, err)
	}
	attempts := p.JailTurns + 1
	if attempts < t.cfg.JailMaxAttempts {
		if err := t.updatePlayer(ctx, p.ID, func(p *model.Player) { p.JailTurns = attempts }); err != nil {
			return err
		}
		t.setPhase(ctx, model.PhaseEndTurn)
		return nil
	}
	if err := t.release(ctx, p.ID, "fine"); err != nil {
		return err
	}
	waiting, err := t.charge(ctx, p.ID, model.Bank, t.cfg.JailFine, ledger.ReasonJailFine, "", ledger.NoProperty)
	if err != nil || waiting {
		return err
	}
	waiting, err = t.move(ctx, p.ID, p.Position, steps)
	return t.settle(ctx, waiting, err)
}

func (t *Table) jail(ctx context.Context, playerID string) error {
	err := t.updatePlayer(ctx, playerID, func(p *model.Player) {
		p.Position = board.JailIndex
		p.InJail = true
		p.JailTurns = 0
	})
	if err != nil {
		return err
	}
	t.state.ExtraRoll = false
	t.emit(model.EventPlayerJailed, map[string]any{"player_id": playerID})
	return nil
}

func (t *Table) release(ctx context.Context, playerID, how string) error {
	err := t.updatePlayer(ctx, playerID, func(p *model.Player) {
		p.InJail = false
		p.JailTurns = 0
	})
	if err != nil {
		return err
	}
	t.emit(model.EventPlayerReleased, map[string]any{"player_id": playerID, "by": how})
	return nil
}

func (t *Table) payJailFine(ctx context.Context, playerID string) error {
	if err := t.requireTurn(playerID, model.PhaseRolling); err != nil {
		return err
	}
	if t.state.RollsThisTurn > 0 {
		return fmt.Errorf("%w: the fine is paid before rolling", model.ErrInvalidState)
	}
	p, err := t.deps.Ledger.Player(ctx, t.id, playerID)
	if err != nil {
		return err
	}
	if !p.InJail {
		return fmt.Errorf("%w: %s is not in jail", model.ErrInvalidState, playerID)
	}
	if err := t.deps.Ledger.Charge(ctx, t.id, playerID, t.cfg.JailFine, ledger.ReasonJailFine); err != nil {
		return err
	}
	return t.release(ctx, playerID, "paid")
}

// move advances the player from pos and resolves the landing. It reports
// whether the turn now waits on a purchase, auction or debt.
func (t *Table) move(ctx context.Context, playerID string, from, steps int) (bool, error) {
	to, passed := board.Advance(from, steps)
	return t.moveTo(ctx, playerID, from, to, passed)
}

func (t *Table) moveTo(ctx context.Context, playerID string, from, to int, passedStart bool) (bool, error) {
	if err := t.updatePlayer(ctx, playerID, func(p *model.Player) { p.Position = to }); err != nil {
		return false, err
	}
	if passedStart && t.cfg.StartBonus > 0 {
		if err := t.deps.Ledger.Credit(ctx, t.id, playerID, t.cfg.StartBonus, ledger.ReasonStartBonus); err != nil {
			return false, err
		}
	}
	t.emit(model.EventPlayerMoved, map[string]any{"player_id": playerID, "from": from, "to": to, "passed_start": passedStart})
	return t.land(ctx, playerID, to)
}

// settle finishes a roll whose landing did not leave the turn waiting.
func (t *Table) settle(ctx context.Context, waiting bool, err error) error {
	if err != nil || waiting {
		return err
	}
	return t.afterResolution(ctx)
}

// afterResolution grants the doubles roll or moves to end of turn.
func (t *Table) afterResolution(ctx context.Context) error {
	s := t.state
	s.PendingProperty = ledger.NoProperty
	if s.Phase == model.PhaseGameOver {
		return nil
	}
	p, err := t.deps.Ledger.Player(ctx, t.id, s.CurrentPlayer)
	if err != nil {
		return err
	}
	if s.ExtraRoll && !p.InJail && p.Status == model.PlayerSolvent {
		t.setPhase(ctx, model.PhaseRolling)
		return nil
	}
	s.ExtraRoll = false
	t.setPhase(ctx, model.PhaseEndTurn)
	return nil
}

func (t *Table) land(ctx context.Context, playerID string, pos int) (bool, error) {
	tile := board.TileAt(pos)
	switch tile.Kind {
	case board.KindProperty:
		return t.landOnProperty(ctx, playerID, pos)
	case board.KindChance:
		return t.drawCard(ctx, playerID, pos)
	case board.KindTax:
		return t.payTax(ctx, playerID, tile)
	case board.KindGoToJail:
		return false, t.jail(ctx, playerID)
	}
	return false, nil
}

func (t *Table) landOnProperty(ctx context.Context, playerID string, pos int) (bool, error) {
	props, err := t.deps.Ledger.Properties(ctx, t.id)
	if err != nil {
		return false, err
	}
	var prop *model.PropertyState
	for _, p := range props {
		if p.Index == pos {
			prop = p
		}
	}
	tile := board.TileAt(pos)
	if !prop.Owned() {
		t.state.PendingProperty = pos
		t.emit(model.EventPurchaseOffered, map[string]any{"player_id": playerID, "property": pos, "price": tile.Price})
		t.setPhase(ctx, model.PhaseAwaitingPurchase)
		return true, nil
	}
	if prop.OwnerID == playerID || prop.Mortgaged {
		return false, nil
	}
	rent := board.Rent(pos, prop.Level, ownsGroup(props, prop.OwnerID, pos))
	return t.charge(ctx, playerID, prop.OwnerID, rent, ledger.ReasonRent, model.EventRentCharged, pos)
}

func ownsGroup(props []*model.PropertyState, owner string, index int) bool {
	members := ledger.GroupScope(index)
	held := 0
	for _, p := range props {
		for _, m := range members {
			if p.Index == m && p.OwnerID == owner {
				held++
			}
		}
	}
	return held == len(members)
}

func (t *Table) drawCard(ctx context.Context, playerID string, pos int) (bool, error) {
	s := t.state
	card := t.deck.Draw(s.DeckDrawn)
	s.DeckDrawn++
	t.emit(model.EventCardDrawn, map[string]any{"player_id": playerID, "card": card})

	switch card.Effect {
	case deck.EffectMoveTo:
		steps := (card.Target - pos + board.Size) % board.Size
		return t.move(ctx, playerID, pos, steps)
	case deck.EffectMoveBy:
		return t.move(ctx, playerID, pos, card.Steps)
	case deck.EffectPay:
		return t.charge(ctx, playerID, model.Bank, card.Amount, ledger.ReasonCard, "", ledger.NoProperty)
	case deck.EffectCollect:
		return false, t.deps.Ledger.Credit(ctx, t.id, playerID, card.Amount, ledger.ReasonCard)
	case deck.EffectGoToJail:
		return false, t.jail(ctx, playerID)
	case deck.EffectRepairs:
		props, err := t.deps.Ledger.Properties(ctx, t.id)
		if err != nil {
			return false, err
		}
		var levels int64
		for _, p := range props {
			if p.OwnerID == playerID {
				levels += int64(p.Level)
			}
		}
		return t.charge(ctx, playerID, model.Bank, levels*card.Amount, ledger.ReasonCard, "", ledger.NoProperty)
	}
	return false, nil
}

// payTax charges a flat tax or a percentage of holdings: cash, unmortgaged
// property prices and building value.
func (t *Table) payTax(ctx context.Context, playerID string, tile board.Tile) (bool, error) {
	amount := tile.TaxFlat
	if tile.TaxPercent > 0 {
		p, err := t.deps.Ledger.Player(ctx, t.id, playerID)
		if err != nil {
			return false, err
		}
		props, err := t.deps.Ledger.Properties(ctx, t.id)
		if err != nil {
			return false, err
		}
		holdings := p.Balance
		for _, prop := range props {
			if prop.OwnerID != playerID {
				continue
			}
			if !prop.Mortgaged {
				holdings += board.TileAt(prop.Index).Price
			}
			holdings += int64(prop.Level) * board.BuildCost(prop.Index)
		}
		amount = holdings * tile.TaxPercent / 100
	}
	return t.charge(ctx, playerID, model.Bank, amount, ledger.ReasonTax, model.EventTaxCharged, ledger.NoProperty)
}

// charge routes a payment through the bankruptcy protocol. It reports
// whether the debtor entered grace.
func (t *Table) charge(ctx context.Context, debtor, creditor string, amount int64, reason string, typ model.EventType, property int) (bool, error) {
	res, err := t.deps.Bankruptcy.Charge(ctx, t.id, debtor, creditor, amount, reason)
	if err != nil {
		return false, err
	}
	if typ != "" {
		t.emit(typ, map[string]any{"player_id": debtor, "creditor": creditor, "amount": amount, "property": property, "outcome": res.Outcome})
	}
	if res.Outcome != bankruptcy.OutcomeGrace {
		return false, nil
	}
	s := t.state
	s.DebtorID = debtor
	s.ExtraRoll = false
	d := res.GraceEnds.Sub(t.now())
	t.timers.Schedule(graceKey(debtor), d, func() { t.post(firing{kind: fireGrace, id: debtor}) })
	t.setPhase(ctx, model.PhaseAwaitingDebt)
	return true, nil
}

func (t *Table) debtCleared(ctx context.Context, playerID string) error {
	s := t.state
	if s.DebtorID != playerID {
		return nil
	}
	s.DebtorID = ""
	if s.Phase != model.PhaseAwaitingDebt {
		return nil
	}
	return t.afterResolution(ctx)
}

func (t *Table) eliminated(ctx context.Context, playerID string) error {
	s := t.state
	s.Eliminations++
	t.timers.Cancel(graceKey(playerID))
	if s.DebtorID == playerID {
		s.DebtorID = ""
	}
	if s.CurrentPlayer == playerID {
		return t.advance(ctx, "eliminated")
	}
	active, err := t.activePlayers(ctx)
	if err != nil {
		return err
	}
	if len(active) <= 1 {
		return t.gameOver(ctx)
	}
	return nil
}

func (t *Table) buy(ctx context.Context, playerID string) error {
	if err := t.requireTurn(playerID, model.PhaseAwaitingPurchase); err != nil {
		return err
	}
	index := t.state.PendingProperty
	if err := t.deps.Ledger.Purchase(ctx, t.id, playerID, index); err != nil {
		return err
	}
	t.emit(model.EventPropertyPurchased, map[string]any{"player_id": playerID, "property": index, "price": board.TileAt(index).Price})
	return t.afterResolution(ctx)
}

func (t *Table) decline(ctx context.Context, playerID string) error {
	if err := t.requireTurn(playerID, model.PhaseAwaitingPurchase); err != nil {
		return err
	}
	return t.openAuction(ctx, playerID)
}

// openAuction puts the pending property up for auction. Nobody is excluded:
// the player who declined may still bid.
func (t *Table) openAuction(ctx context.Context, initiator string) error {
	a, err := t.deps.Auctions.Start(ctx, t.id, t.state.PendingProperty, initiator, nil)
	if err != nil {
		return err
	}
	t.state.ActiveAuction = a.ID
	t.setPhase(ctx, model.PhaseAuction)
	t.armAuction(a)
	return nil
}

// restoreTimers re-arms the timers for a state restored after a failed
// transition. seq is the turn sequence before the transition ran and auction
// the auction the failed state pointed at.
func (t *Table) restoreTimers(ctx context.Context, seq int, auction string) {
	if t.turnSeq != seq {
		t.armTurn(ctx)
	}
	if auction == t.state.ActiveAuction {
		return
	}
	t.timers.Cancel(auctionKey)
	if t.state.ActiveAuction == "" {
		return
	}
	a, err := t.deps.Auctions.Get(ctx, t.state.ActiveAuction)
	if err != nil {
		t.logger.Error("restore auction timer", "table_id", t.id, "auction_id", t.state.ActiveAuction, "err", err)
		return
	}
	if !a.Terminal() {
		t.armAuction(a)
	}
}

func (t *Table) armAuction(a *model.Auction) {
	id := a.ID
	t.timers.Schedule(auctionKey, a.Deadline.Sub(t.now()), func() { t.post(firing{kind: fireAuction, id: id}) })
}

func (t *Table) auctionCommand(ctx context.Context, cmd Command) error {
	id := t.state.ActiveAuction
	if id == "" {
		return fmt.Errorf("%w: no auction running", model.ErrAuctionClosed)
	}
	var (
		a   *model.Auction
		err error
	)
	if cmd.Kind == CmdBid {
		a, err = t.deps.Auctions.PlaceBid(ctx, id, cmd.PlayerID, cmd.Amount)
	} else {
		a, err = t.deps.Auctions.Pass(ctx, id, cmd.PlayerID)
	}
	if err != nil {
		return err
	}
	return t.auctionChanged(ctx, a)
}

// auctionChanged re-arms the deadline of a running auction or resumes the
// turn once it has settled.
func (t *Table) auctionChanged(ctx context.Context, a *model.Auction) error {
	if !a.Terminal() {
		t.armAuction(a)
		return nil
	}
	t.timers.Cancel(auctionKey)
	t.state.ActiveAuction = ""
	if t.state.Phase != model.PhaseAuction {
		return nil
	}
	return t.afterResolution(ctx)
}

func (t *Table) tradeCommand(ctx context.Context, cmd Command) error {
	tr := t.deps.Trades
	if cmd.Kind == CmdProposeTrade {
		got, err := tr.Propose(ctx, t.id, cmd.PlayerID, cmd.Target, cmd.Terms)
		if err != nil {
			return err
		}
		t.armTrade(got)
		return nil
	}
	if !strings.HasPrefix(cmd.TradeID, store.TablePrefix(t.id)) {
		return fmt.Errorf("%w: trade %s", model.ErrNotFound, cmd.TradeID)
	}
	var (
		got *model.Trade
		err error
	)
	switch cmd.Kind {
	case CmdAcceptTrade:
		got, err = tr.Accept(ctx, cmd.TradeID, cmd.PlayerID)
	case CmdRejectTrade:
		got, err = tr.Reject(ctx, cmd.TradeID, cmd.PlayerID)
	case CmdWithdrawTrade:
		got, err = tr.Withdraw(ctx, cmd.TradeID, cmd.PlayerID)
	case CmdCounterTrade:
		got, err = tr.Counter(ctx, cmd.TradeID, cmd.PlayerID, cmd.Terms)
	}
	if err != nil {
		return err
	}
	t.timers.Cancel(tradeKey(cmd.TradeID))
	if got.Status == model.TradePending {
		t.armTrade(got)
	}
	return nil
}

func (t *Table) armTrade(tr *model.Trade) {
	id := tr.ID
	t.timers.Schedule(tradeKey(id), tr.ExpiresAt.Sub(t.now()), func() { t.post(firing{kind: fireTrade, id: id}) })
}

func (t *Table) activePlayers(ctx context.Context) (map[string]bool, error) {
	players, err := t.deps.Ledger.Players(ctx, t.id)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool)
	for _, p := range players {
		if p.Active() {
			active[p.ID] = true
		}
	}
	return active, nil
}

// advance ends the current turn and starts the next active seat's, or ends
// the game when one player is left or the turn cap is reached.
func (t *Table) advance(ctx context.Context, outcome string) error {
	metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	t.disarmTurn()
	s := t.state
	active, err := t.activePlayers(ctx)
	if err != nil {
		return err
	}
	if len(active) <= 1 || (t.cfg.MaxTurns > 0 && s.TurnNumber >= t.cfg.MaxTurns) {
		return t.gameOver(ctx)
	}
	cur := 0
	for i, id := range s.Seats {
		if id == s.CurrentPlayer {
			cur = i
		}
	}
	for i := 1; i <= len(s.Seats); i++ {
		next := s.Seats[(cur+i)%len(s.Seats)]
		if active[next] {
			s.CurrentPlayer = next
			break
		}
	}
	s.Phase = model.PhaseIdle
	return t.startTurn(ctx)
}
