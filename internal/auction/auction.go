// Package auction runs timed open-bid sales of unowned properties.
//
// The engine persists every auction change through a ledger section so bids,
// passes and settlement are serialized against other ledger mutations on the
// same player or property. Deadline timers are owned by the caller; Close is
// idempotent and ignores calls before the (possibly extended) deadline.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lunopoly/table-engine/internal/board"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/metrics"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
)

// End reasons recorded on settled auctions.
const (
	EndDeadline   = "deadline"
	EndAllPassed  = "all_passed"
	EndNoBids     = "no_bids"
	EndWinnerFail = "winner_cannot_pay"
)

var ErrAuctionExists = errors.New("auction: property already under auction")

// Config holds auction timings.
type Config struct {
	Duration time.Duration
	// Bids arriving within AntiSnipeWindow of the deadline push it out to
	// at least now + AntiSnipeExtension.
	AntiSnipeWindow    time.Duration
	AntiSnipeExtension time.Duration
}

// Engine starts, bids on and settles auctions.
type Engine struct {
	ledger *ledger.Ledger
	cfg    Config
	pub    model.Publisher
	logger *slog.Logger

	// Now is the auction clock.
	Now func() time.Time
}

// New creates an auction engine. pub may be nil.
func New(l *ledger.Ledger, cfg Config, pub model.Publisher) *Engine {
	if pub == nil {
		pub = model.Publishers(nil)
	}
	return &Engine{
		ledger: l,
		cfg:    cfg,
		pub:    pub,
		logger: slog.Default().With("component", "auction"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// MinimumBid is the opening floor for a property: a tenth of its price,
// never below one credit.
func MinimumBid(index int) int64 {
	return max(1, board.TileAt(index).Price/10)
}

func lockKey(id string) string { return "auction:" + id }

// Start opens an auction on an unowned property. initiator is the player who
// declined to buy; excluded players may not bid.
func (e *Engine) Start(ctx context.Context, tableID string, property int, initiator string, excluded []string) (*model.Auction, error) {
	now := e.Now()
	a := &model.Auction{
		ID:         tableID + "/" + uuid.New().String(),
		TableID:    tableID,
		Property:   property,
		Status:     model.AuctionActive,
		MinimumBid: MinimumBid(property),
		Initiator:  initiator,
		Excluded:   make(map[string]bool, len(excluded)),
		StartedAt:  now,
		Deadline:   now.Add(e.cfg.Duration),
	}
	for _, p := range excluded {
		a.Excluded[p] = true
	}

	scope := ledger.Scope{
		Properties: []int{property},
		Keys:       []string{"auction-property:" + store.PropertyKey(tableID, property)},
	}
	err := e.ledger.Atomic(ctx, tableID, scope, func(tx *ledger.Tx) error {
		prop, err := tx.Property(property)
		if err != nil {
			return err
		}
		if prop.Owned() {
			return fmt.Errorf("%w: property %d is owned", model.ErrInvalidState, property)
		}
		open, err := e.Active(ctx, tableID)
		if err != nil {
			return err
		}
		for _, o := range open {
			if o.Property == property {
				return fmt.Errorf("%w: %s", ErrAuctionExists, o.ID)
			}
		}
		a.Version = 0
		return tx.Put(store.KindAuction, a.ID, a)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("auction started",
		"table_id", tableID,
		"auction_id", a.ID,
		"property", property,
		"minimum_bid", a.MinimumBid,
		"deadline", a.Deadline,
	)
	e.publish(a, model.EventAuctionStarted, *a)
	return a, nil
}

// Get loads an auction.
func (e *Engine) Get(ctx context.Context, id string) (*model.Auction, error) {
	a, err := store.Load[model.Auction](ctx, e.ledger.Store(), store.KindAuction, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: auction %s", model.ErrNotFound, id)
	}
	if a != nil && a.Excluded == nil {
		a.Excluded = make(map[string]bool)
	}
	return a, err
}

// Active returns the table's auctions that have not been settled.
func (e *Engine) Active(ctx context.Context, tableID string) ([]*model.Auction, error) {
	all, err := store.LoadAll[model.Auction](ctx, e.ledger.Store(), store.KindAuction, store.TablePrefix(tableID))
	if err != nil {
		return nil, err
	}
	var out []*model.Auction
	for _, a := range all {
		if !a.Terminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

// PlaceBid raises the current bid. The bid must beat the current bid, meet
// the minimum and be covered by the bidder's balance.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, playerID string, amount int64) (*model.Auction, error) {
	var a *model.Auction
	var extended bool
	tableID, err := e.tableOf(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	scope := ledger.Scope{Players: []string{playerID}, Keys: []string{lockKey(auctionID)}}
	err = e.ledger.Atomic(ctx, tableID, scope, func(tx *ledger.Tx) error {
		var err error
		if a, err = e.Get(ctx, auctionID); err != nil {
			return err
		}
		now := e.Now()
		if a.Terminal() || !now.Before(a.Deadline) {
			return fmt.Errorf("%w: %s", model.ErrAuctionClosed, auctionID)
		}
		p, err := tx.Player(playerID)
		if err != nil {
			return err
		}
		if !p.Active() {
			return fmt.Errorf("%w: %s is eliminated", model.ErrUnauthorized, playerID)
		}
		if a.Excluded[playerID] {
			return fmt.Errorf("%w: %s passed on this auction", model.ErrUnauthorized, playerID)
		}
		if amount <= a.CurrentBid || amount < a.MinimumBid {
			return fmt.Errorf("%w: %d (current %d, minimum %d)", model.ErrBidTooLow, amount, a.CurrentBid, a.MinimumBid)
		}
		if p.Balance < amount {
			return fmt.Errorf("%w: %s holds %d, bid %d", model.ErrInsufficientFunds, playerID, p.Balance, amount)
		}
		a.CurrentBid = amount
		a.CurrentBidder = playerID
		a.BidCount++
		extended = false
		if a.Deadline.Sub(now) <= e.cfg.AntiSnipeWindow {
			if ext := now.Add(e.cfg.AntiSnipeExtension); ext.After(a.Deadline) {
				a.Deadline = ext
				extended = true
			}
		}
		return tx.Put(store.KindAuction, a.ID, a)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("auction bid",
		"auction_id", a.ID,
		"player_id", playerID,
		"amount", amount,
		"extended", extended,
	)
	e.publish(a, model.EventAuctionBid, map[string]any{
		"auction_id": a.ID,
		"player_id":  playerID,
		"amount":     amount,
		"deadline":   a.Deadline,
	})
	return e.closeIfDecided(ctx, a)
}

// Pass excludes the player from further bidding. The current high bidder
// cannot pass.
func (e *Engine) Pass(ctx context.Context, auctionID, playerID string) (*model.Auction, error) {
	var a *model.Auction
	tableID, err := e.tableOf(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	scope := ledger.Scope{Players: []string{playerID}, Keys: []string{lockKey(auctionID)}}
	err = e.ledger.Atomic(ctx, tableID, scope, func(tx *ledger.Tx) error {
		var err error
		if a, err = e.Get(ctx, auctionID); err != nil {
			return err
		}
		if a.Terminal() {
			return fmt.Errorf("%w: %s", model.ErrAuctionClosed, auctionID)
		}
		if _, err := tx.Player(playerID); err != nil {
			return err
		}
		if a.CurrentBidder == playerID {
			return fmt.Errorf("%w: high bidder cannot pass", model.ErrInvalidState)
		}
		if a.Excluded[playerID] {
			return nil
		}
		a.Excluded[playerID] = true
		return tx.Put(store.KindAuction, a.ID, a)
	})
	if err != nil {
		return nil, err
	}
	e.publish(a, model.EventAuctionPassed, map[string]any{"auction_id": a.ID, "player_id": playerID})
	return e.closeIfDecided(ctx, a)
}

// Close settles the auction once its deadline has passed. Closing early or
// closing a settled auction returns the auction unchanged.
func (e *Engine) Close(ctx context.Context, auctionID string) (*model.Auction, error) {
	return e.settle(ctx, auctionID, false, EndDeadline)
}

// closeIfDecided settles early when nobody is left to compete: every
// eligible player but the high bidder has passed, or, without bids, everyone
// but the initiator has.
func (e *Engine) closeIfDecided(ctx context.Context, a *model.Auction) (*model.Auction, error) {
	if a.Terminal() {
		return a, nil
	}
	players, err := e.ledger.Players(ctx, a.TableID)
	if err != nil {
		return nil, err
	}
	waiting := 0
	for _, p := range players {
		if !p.Active() || a.Excluded[p.ID] {
			continue
		}
		if a.CurrentBidder != "" && p.ID == a.CurrentBidder {
			continue
		}
		if a.CurrentBidder == "" && p.ID == a.Initiator {
			continue
		}
		waiting++
	}
	if waiting > 0 {
		return a, nil
	}
	reason := EndAllPassed
	if a.CurrentBidder == "" {
		reason = EndNoBids
	}
	return e.settle(ctx, a.ID, true, reason)
}

// errBidderChanged restarts settlement when a bid lands between reading the
// auction and locking its winner.
var errBidderChanged = errors.New("auction: bidder changed")

func (e *Engine) settle(ctx context.Context, auctionID string, early bool, reason string) (*model.Auction, error) {
	for {
		a, err := e.settleOnce(ctx, auctionID, early, reason)
		if !errors.Is(err, errBidderChanged) {
			return a, err
		}
	}
}

func (e *Engine) settleOnce(ctx context.Context, auctionID string, early bool, reason string) (*model.Auction, error) {
	a, err := e.Get(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if a.Terminal() || (!early && e.Now().Before(a.Deadline)) {
		return a, nil
	}

	var settled bool
	bidder := a.CurrentBidder
	scope := ledger.Scope{
		Players:    []string{bidder},
		Properties: []int{a.Property},
		Keys:       []string{lockKey(auctionID)},
	}
	err = e.ledger.Atomic(ctx, a.TableID, scope, func(tx *ledger.Tx) error {
		settled = false
		var err error
		if a, err = e.Get(ctx, auctionID); err != nil {
			return err
		}
		if a.CurrentBidder != bidder {
			return errBidderChanged
		}
		now := e.Now()
		if a.Terminal() || (!early && now.Before(a.Deadline)) {
			return nil
		}
		a.EndedAt = now
		a.EndReason = reason
		a.Status = model.AuctionCancelled
		if a.CurrentBidder == "" {
			if reason == EndDeadline {
				a.EndReason = EndNoBids
			}
		} else if ok, err := canSettle(tx, a); err != nil {
			return err
		} else if ok {
			if err := tx.Purchase(a.CurrentBidder, a.Property, a.CurrentBid, ledger.ReasonAuction); err != nil {
				return err
			}
			a.Status = model.AuctionCompleted
		} else {
			a.EndReason = EndWinnerFail
		}
		settled = true
		return tx.Put(store.KindAuction, a.ID, a)
	})
	if err != nil {
		return nil, err
	}
	if !settled {
		return a, nil
	}

	e.logger.Info("auction ended",
		"table_id", a.TableID,
		"auction_id", a.ID,
		"status", a.Status,
		"reason", a.EndReason,
		"winner", a.CurrentBidder,
		"price", a.CurrentBid,
	)
	metrics.AuctionsTotal.WithLabelValues(string(a.Status)).Inc()
	e.publish(a, model.EventAuctionEnded, *a)
	return a, nil
}

// canSettle checks every precondition of Purchase up front so a failing
// winner cancels the auction instead of failing the section.
func canSettle(tx *ledger.Tx, a *model.Auction) (bool, error) {
	p, err := tx.Player(a.CurrentBidder)
	if errors.Is(err, model.ErrUnauthorized) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	prop, err := tx.Property(a.Property)
	if err != nil {
		return false, err
	}
	return p.Active() && p.Balance >= a.CurrentBid && !prop.Owned(), nil
}

func (e *Engine) tableOf(ctx context.Context, auctionID string) (string, error) {
	a, err := e.Get(ctx, auctionID)
	if err != nil {
		return "", err
	}
	return a.TableID, nil
}

func (e *Engine) publish(a *model.Auction, typ model.EventType, payload any) {
	e.pub.Publish(model.Event{TableID: a.TableID, Type: typ, Payload: payload, At: e.Now()})
}
