// Package lobby fills tables, runs the start countdown and launches games.
// It also settles finished games against the economy and tears the table
// down afterwards.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lunopoly/table-engine/internal/metrics"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
	"github.com/lunopoly/table-engine/internal/table"
	"github.com/lunopoly/table-engine/internal/timer"
)

var (
	ErrAlreadyQueued = errors.New("lobby: player already waiting")
	ErrNotQueued     = errors.New("lobby: player not waiting at this table")
)

// Config holds matchmaking rules.
type Config struct {
	MinPlayers int
	MaxPlayers int
	Countdown  time.Duration
	// BotFill tops the table up with bots when the countdown expires.
	BotFill       bool
	PrizePerTable int64
}

// Economy funds prize pools and pays them out.
type Economy interface {
	FundTable(ctx context.Context, tableID string, want int64) (int64, error)
	SettleMatch(ctx context.Context, tableID string, prizePool int64, results []model.MatchResult) ([]model.MatchResult, error)
}

// Launcher starts and tears down running tables.
type Launcher interface {
	Create(ctx context.Context, gt *model.GameTable, seats []table.Seat) (*table.Table, error)
	Remove(id string) bool
}

type pending struct {
	gt    model.GameTable
	seats []table.Seat
}

func (p *pending) has(playerID string) bool {
	return slices.ContainsFunc(p.seats, func(s table.Seat) bool { return s.ID == playerID })
}

// Matchmaker owns the tables that have not started yet.
type Matchmaker struct {
	cfg      Config
	st       store.Store
	economy  Economy
	launcher Launcher
	pub      model.Publisher
	timers   *timer.Scheduler
	logger   *slog.Logger

	mu   sync.Mutex
	open map[string]*pending
	bots int

	// Now is the lobby clock.
	Now func() time.Time
}

// New creates a matchmaker. pub may be nil.
func New(cfg Config, st store.Store, economy Economy, launcher Launcher, pub model.Publisher) *Matchmaker {
	if pub == nil {
		pub = model.Publishers(nil)
	}
	if cfg.MinPlayers < 2 {
		cfg.MinPlayers = 2
	}
	if cfg.MaxPlayers < cfg.MinPlayers {
		cfg.MaxPlayers = cfg.MinPlayers
	}
	return &Matchmaker{
		cfg:      cfg,
		st:       st,
		economy:  economy,
		launcher: launcher,
		pub:      pub,
		timers:   timer.New(),
		logger:   slog.Default().With("component", "lobby"),
		open:     make(map[string]*pending),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func countdownKey(id string) string { return "countdown:" + id }

// Join seats a human at the oldest table with a free seat, opening a new
// table when none has room. A table reaching MinPlayers starts its
// countdown; a full table launches at once.
func (m *Matchmaker) Join(ctx context.Context, playerID, name string) (model.GameTable, error) {
	if playerID == "" {
		return model.GameTable{}, fmt.Errorf("%w: player id required", model.ErrInvalidState)
	}
	m.mu.Lock()
	for _, p := range m.open {
		if p.has(playerID) {
			m.mu.Unlock()
			return model.GameTable{}, fmt.Errorf("%w: %s at %s", ErrAlreadyQueued, playerID, p.gt.ID)
		}
	}
	p := m.pickLocked()
	p.seats = append(p.seats, table.Seat{ID: playerID, Name: name})
	p.gt.PlayerCount = len(p.seats)
	m.logger.Info("player joined", "table_id", p.gt.ID, "player_id", playerID, "players", p.gt.PlayerCount)

	if p.gt.PlayerCount >= m.cfg.MaxPlayers {
		delete(m.open, p.gt.ID)
		m.timers.Cancel(countdownKey(p.gt.ID))
		m.mu.Unlock()
		return m.launch(ctx, p)
	}
	if p.gt.Status == model.TableWaiting && p.gt.PlayerCount >= m.cfg.MinPlayers {
		m.startCountdownLocked(p)
	}
	m.persist(ctx, &p.gt)
	gt := p.gt
	m.mu.Unlock()
	return gt, nil
}

func (m *Matchmaker) pickLocked() *pending {
	var best *pending
	for _, p := range m.open {
		if len(p.seats) >= m.cfg.MaxPlayers {
			continue
		}
		if best == nil || p.gt.CreatedAt.Before(best.gt.CreatedAt) {
			best = p
		}
	}
	if best != nil {
		return best
	}
	p := &pending{gt: model.GameTable{
		ID:              uuid.New().String(),
		Status:          model.TableWaiting,
		MaxPlayers:      m.cfg.MaxPlayers,
		CreatedAt:       m.Now(),
		Phase:           model.PhaseIdle,
		PendingProperty: -1,
	}}
	m.open[p.gt.ID] = p
	metrics.ActiveTables.WithLabelValues(string(model.TableWaiting)).Inc()
	return p
}

func (m *Matchmaker) startCountdownLocked(p *pending) {
	metrics.ActiveTables.WithLabelValues(string(model.TableWaiting)).Dec()
	metrics.ActiveTables.WithLabelValues(string(model.TableCountdown)).Inc()
	p.gt.Status = model.TableCountdown
	p.gt.CountdownAt = m.Now().Add(m.cfg.Countdown)
	m.armLocked(p.gt.ID)
	m.pub.Publish(model.Event{
		TableID: p.gt.ID,
		Type:    model.EventTableCountdown,
		Payload: map[string]any{"starts_at": p.gt.CountdownAt, "players": p.gt.PlayerCount},
		At:      m.Now(),
	})
}

func (m *Matchmaker) armLocked(id string) {
	m.timers.Schedule(countdownKey(id), m.cfg.Countdown, func() { m.countdownExpired(id) })
}

// countdownExpired launches the table, filling empty seats with bots when
// enabled. Without bots a table that lost players below the minimum keeps
// counting down.
func (m *Matchmaker) countdownExpired(id string) {
	m.mu.Lock()
	p, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if m.cfg.BotFill {
		for len(p.seats) < m.cfg.MaxPlayers {
			m.bots++
			p.seats = append(p.seats, table.Seat{
				ID:   "bot-" + uuid.New().String()[:8],
				Name: fmt.Sprintf("Bot %d", m.bots),
				Bot:  true,
			})
		}
		p.gt.PlayerCount = len(p.seats)
	}
	if len(p.seats) < m.cfg.MinPlayers {
		p.gt.CountdownAt = m.Now().Add(m.cfg.Countdown)
		m.armLocked(id)
		m.mu.Unlock()
		return
	}
	delete(m.open, id)
	m.mu.Unlock()

	if _, err := m.launch(context.Background(), p); err != nil {
		m.logger.Error("launch failed", "table_id", id, "err", err)
	}
}

// launch funds the prize pool and hands the table to the launcher. A failed
// launch returns the pool to the prize fund.
func (m *Matchmaker) launch(ctx context.Context, p *pending) (model.GameTable, error) {
	metrics.ActiveTables.WithLabelValues(string(p.gt.Status)).Dec()
	id := p.gt.ID
	pool, err := m.economy.FundTable(ctx, id, m.cfg.PrizePerTable)
	if err != nil {
		return model.GameTable{}, fmt.Errorf("fund table %s: %w", id, err)
	}
	p.gt.PrizePool = pool
	t, err := m.launcher.Create(ctx, &p.gt, p.seats)
	if err != nil {
		if _, rerr := m.economy.SettleMatch(ctx, id, pool, nil); rerr != nil {
			m.logger.Error("return prize pool", "table_id", id, "err", rerr)
		}
		return model.GameTable{}, fmt.Errorf("launch table %s: %w", id, err)
	}
	return t.State(), nil
}

// Leave removes a waiting player. An emptied table is dropped; a table
// already counting down keeps its status.
func (m *Matchmaker) Leave(ctx context.Context, tableID, playerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.open[tableID]
	if !ok || !p.has(playerID) {
		return fmt.Errorf("%w: %s at %s", ErrNotQueued, playerID, tableID)
	}
	p.seats = slices.DeleteFunc(p.seats, func(s table.Seat) bool { return s.ID == playerID })
	p.gt.PlayerCount = len(p.seats)
	m.logger.Info("player left", "table_id", tableID, "player_id", playerID, "players", p.gt.PlayerCount)
	if len(p.seats) == 0 {
		delete(m.open, tableID)
		m.timers.Cancel(countdownKey(tableID))
		metrics.ActiveTables.WithLabelValues(string(p.gt.Status)).Dec()
		return nil
	}
	m.persist(ctx, &p.gt)
	return nil
}

// Open returns the tables that have not started, oldest first.
func (m *Matchmaker) Open() []model.GameTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.GameTable, 0, len(m.open))
	for _, p := range m.open {
		out = append(out, p.gt)
	}
	slices.SortFunc(out, func(a, b model.GameTable) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Seats returns the players waiting at an open table.
func (m *Matchmaker) Seats(tableID string) ([]table.Seat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.open[tableID]
	if !ok {
		return nil, false
	}
	return slices.Clone(p.seats), true
}

// GameOver settles a finished table and tears it down. It is the table
// registry's game-over hook.
func (m *Matchmaker) GameOver(gt model.GameTable, results []model.MatchResult) {
	ctx := context.Background()
	settled, err := m.economy.SettleMatch(ctx, gt.ID, gt.PrizePool, results)
	if err != nil {
		m.logger.Error("settle match", "table_id", gt.ID, "err", err)
	} else if len(settled) > 0 {
		m.logger.Info("match settled",
			"table_id", gt.ID,
			"winner_id", settled[0].PlayerID,
			"credits_won", settled[0].CreditsWon,
			"burned", settled[0].Burned,
		)
	}
	m.launcher.Remove(gt.ID)
}

func (m *Matchmaker) persist(ctx context.Context, gt *model.GameTable) {
	var b store.Batch
	if err := b.Put(store.KindTable, gt.ID, gt); err != nil {
		m.logger.Error("encode table", "table_id", gt.ID, "err", err)
		return
	}
	if err := store.Apply(ctx, m.st, &b); err != nil {
		m.logger.Error("persist table", "table_id", gt.ID, "err", err)
	}
}

// Close disarms every countdown.
func (m *Matchmaker) Close() {
	m.timers.Stop()
}
