package table

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lunopoly/table-engine/internal/deck"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/metrics"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/timer"
)

var ErrTableExists = errors.New("table: already running")

const inboxSize = 64

// Registry owns every running table of the process.
type Registry struct {
	ctx    context.Context
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry creates a registry whose tables live until ctx is cancelled
// or they are removed.
func NewRegistry(ctx context.Context, cfg Config, deps Deps) *Registry {
	if deps.Publisher == nil {
		deps.Publisher = model.Publishers(nil)
	}
	if deps.Roller == nil {
		deps.Roller = RandomRoller{}
	}
	if cfg.Cards == nil {
		cfg.Cards = deck.Standard
	}
	return &Registry{
		ctx:    ctx,
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default().With("component", "table"),
		tables: make(map[string]*Table),
	}
}

// Create seats the players, starts the first turn and launches the table
// goroutine. Seat order is turn order.
func (r *Registry) Create(ctx context.Context, gt *model.GameTable, seats []Seat) (*Table, error) {
	if len(seats) < 2 {
		return nil, fmt.Errorf("%w: a table needs at least two players", model.ErrInvalidState)
	}
	if !gt.Status.CanAdvance(model.TableActive) {
		return nil, fmt.Errorf("%w: table %s is %s", model.ErrInvalidState, gt.ID, gt.Status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[gt.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, gt.ID)
	}

	ids := make([]string, len(seats))
	for i, s := range seats {
		ids[i] = s.ID
	}
	err := r.deps.Ledger.Atomic(ctx, gt.ID, ledger.Scope{Players: ids}, func(tx *ledger.Tx) error {
		for i, s := range seats {
			p := &model.Player{ID: s.ID, Name: s.Name, Seat: i, Bot: s.Bot, Connected: !s.Bot}
			if err := tx.Seat(p, r.cfg.StartingBalance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seat players: %w", err)
	}

	state := *gt
	state.Seats = ids
	state.PlayerCount = len(ids)
	state.Status = model.TableActive
	state.StartedAt = r.now()
	state.CurrentPlayer = ids[0]
	state.Phase = model.PhaseIdle
	state.PendingProperty = ledger.NoProperty
	if state.DeckSeed == 0 {
		state.DeckSeed = rand.Uint64()
	}

	tctx, cancel := context.WithCancel(r.ctx)
	t := &Table{
		id:     gt.ID,
		cfg:    r.cfg,
		deps:   r.deps,
		deck:   deck.New(r.cfg.Cards, state.DeckSeed),
		timers: timer.New(),
		inbox:  make(chan message, inboxSize),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: r.logger,
		state:  &state,
	}
	t.emit(model.EventTableStarted, map[string]any{"seats": ids, "prize_pool": state.PrizePool})
	if err := t.startTurn(ctx); err != nil {
		cancel()
		return nil, err
	}
	t.persist(ctx)
	t.publishView()

	r.tables[t.id] = t
	metrics.ActiveTables.WithLabelValues(string(model.TableActive)).Inc()
	r.logger.Info("table started", "table_id", t.id, "players", len(ids), "prize_pool", state.PrizePool)
	go t.run(tctx)
	return t, nil
}

func (r *Registry) now() time.Time {
	if r.deps.Now != nil {
		return r.deps.Now()
	}
	return time.Now().UTC()
}

// Get returns a running or finished table.
func (r *Registry) Get(id string) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[id]
	return t, ok
}

// List returns a snapshot of every table, ordered by id.
func (r *Registry) List() []model.GameTable {
	r.mu.RLock()
	out := make([]model.GameTable, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t.State())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.GameTable) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Remove stops a table and forgets it.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	t, ok := r.tables[id]
	delete(r.tables, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.untrack()
	t.stop()
	return true
}

// Close stops every table.
func (r *Registry) Close() {
	r.mu.Lock()
	tables := r.tables
	r.tables = make(map[string]*Table)
	r.mu.Unlock()
	for _, t := range tables {
		t.stop()
	}
}
