// Package bot plays seats marked as bots. The driver listens to table events
// and answers through the same commands humans send, after a random
// thinking delay.
package bot

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lunopoly/table-engine/internal/board"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/table"
)

// Config bounds the thinking delay and the cash a bot keeps in hand.
type Config struct {
	ThinkMin time.Duration
	ThinkMax time.Duration
	// Reserve is the balance a bot will not spend on purchases or bids.
	Reserve int64
}

// Tables resolves a table by id.
type Tables interface {
	Get(id string) (*table.Table, bool)
}

// Auctions reads auction state.
type Auctions interface {
	Get(ctx context.Context, id string) (*model.Auction, error)
}

// Driver schedules bot moves. It implements model.Publisher.
type Driver struct {
	tables   Tables
	auctions Auctions
	ledger   *ledger.Ledger
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	closed  bool
}

// New creates a driver.
func New(tables Tables, auctions Auctions, l *ledger.Ledger, cfg Config) *Driver {
	if cfg.ThinkMax < cfg.ThinkMin {
		cfg.ThinkMax = cfg.ThinkMin
	}
	return &Driver{
		tables:   tables,
		auctions: auctions,
		ledger:   l,
		cfg:      cfg,
		logger:   slog.Default().With("component", "bot"),
		pending:  make(map[*time.Timer]struct{}),
	}
}

// Publish reacts to a table event. It never blocks the emitting table.
func (d *Driver) Publish(e model.Event) {
	switch e.Type {
	case model.EventPhaseChanged:
		if p, ok := e.Payload.(map[string]any); ok {
			id, _ := p["player_id"].(string)
			phase, _ := p["phase"].(model.Phase)
			if id != "" {
				d.later(func(ctx context.Context) { d.playTurn(ctx, e.TableID, id, phase) })
			}
		}
	case model.EventAuctionStarted:
		if a, ok := e.Payload.(model.Auction); ok {
			d.later(func(ctx context.Context) { d.bidRound(ctx, a.ID, a.TableID) })
		}
	case model.EventAuctionBid:
		if p, ok := e.Payload.(map[string]any); ok {
			if id, _ := p["auction_id"].(string); id != "" {
				d.later(func(ctx context.Context) { d.bidRound(ctx, id, e.TableID) })
			}
		}
	case model.EventTradeProposed:
		if tr, ok := e.Payload.(model.Trade); ok {
			d.later(func(ctx context.Context) { d.answerTrade(ctx, tr) })
		}
	}
}

func (d *Driver) delay() time.Duration {
	span := d.cfg.ThinkMax - d.cfg.ThinkMin
	if span <= 0 {
		return d.cfg.ThinkMin
	}
	return d.cfg.ThinkMin + rand.N(span+1)
}

func (d *Driver) later(fn func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d.delay(), func() {
		d.mu.Lock()
		delete(d.pending, t)
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fn(ctx)
	})
	d.pending[t] = struct{}{}
}

// Close cancels every scheduled move.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for t := range d.pending {
		t.Stop()
	}
	clear(d.pending)
}

func (d *Driver) bot(ctx context.Context, tableID, playerID string) (*model.Player, bool) {
	p, err := d.ledger.Player(ctx, tableID, playerID)
	if err != nil || !p.Bot || !p.Active() {
		return nil, false
	}
	return p, true
}

func (d *Driver) send(ctx context.Context, tb *table.Table, cmd table.Command) {
	if _, err := tb.Do(ctx, cmd); err != nil {
		d.logger.Debug("bot command rejected", "table_id", tb.ID(), "player_id", cmd.PlayerID, "command", cmd.Kind, "err", err)
	}
}

// playTurn makes the bot's move for the phase announced by the event. The
// table rejects the command if the turn moved on in the meantime.
func (d *Driver) playTurn(ctx context.Context, tableID, playerID string, phase model.Phase) {
	tb, ok := d.tables.Get(tableID)
	if !ok {
		return
	}
	p, ok := d.bot(ctx, tableID, playerID)
	if !ok {
		return
	}
	cmd := table.Command{PlayerID: playerID}
	switch phase {
	case model.PhaseRolling:
		cmd.Kind = table.CmdRoll
	case model.PhaseAwaitingPurchase:
		cmd.Kind = table.CmdDecline
		if p.Balance-board.TileAt(p.Position).Price >= d.cfg.Reserve {
			cmd.Kind = table.CmdBuy
		}
	case model.PhaseEndTurn:
		cmd.Kind = table.CmdEndTurn
	default:
		return
	}
	d.send(ctx, tb, cmd)
}

// bidRound lets each bot at the table raise or pass. A bot bids up to half
// the list price while staying above its reserve.
func (d *Driver) bidRound(ctx context.Context, auctionID, tableID string) {
	tb, ok := d.tables.Get(tableID)
	if !ok {
		return
	}
	a, err := d.auctions.Get(ctx, auctionID)
	if err != nil || a.Terminal() {
		return
	}
	players, err := d.ledger.Players(ctx, tableID)
	if err != nil {
		return
	}
	limit := board.TileAt(a.Property).Price / 2
	for _, p := range players {
		if !p.Bot || !p.Active() || a.Excluded[p.ID] || p.ID == a.CurrentBidder {
			continue
		}
		next := max(a.CurrentBid+max(a.CurrentBid/10, 1), a.MinimumBid)
		if next <= limit && p.Balance-next >= d.cfg.Reserve {
			d.send(ctx, tb, table.Command{Kind: table.CmdBid, PlayerID: p.ID, Amount: next})
			return
		}
		d.send(ctx, tb, table.Command{Kind: table.CmdPass, PlayerID: p.ID})
	}
}

// answerTrade rejects every offer made to a bot.
func (d *Driver) answerTrade(ctx context.Context, tr model.Trade) {
	if _, ok := d.bot(ctx, tr.TableID, tr.ReceiverID); !ok {
		return
	}
	tb, ok := d.tables.Get(tr.TableID)
	if !ok {
		return
	}
	d.send(ctx, tb, table.Command{Kind: table.CmdRejectTrade, PlayerID: tr.ReceiverID, TradeID: tr.ID})
}
