package lobby_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunopoly/table-engine/internal/auction"
	"github.com/lunopoly/table-engine/internal/bankruptcy"
	"github.com/lunopoly/table-engine/internal/economy"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/lobby"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
	"github.com/lunopoly/table-engine/internal/table"
	"github.com/lunopoly/table-engine/internal/trade"
)

type env struct {
	st      store.Store
	ledger  *ledger.Ledger
	economy *economy.Engine
	reg     *table.Registry
	mm      *lobby.Matchmaker

	mu     sync.Mutex
	events []model.Event
}

func (e *env) sawEvent(typ model.EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func newEnv(t *testing.T, cfg lobby.Config) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e := &env{st: store.NewMemoryStore()}
	e.ledger = ledger.New(e.st)
	e.economy = economy.New(e.st, economy.Config{APRMultiplier: decimal.RequireFromString("0.8")})
	go e.economy.Run(ctx)

	// Prize fund of 400.
	require.NoError(t, e.economy.CollectYield(ctx, 1000))
	_, err := e.economy.Distribute(ctx, 1000)
	require.NoError(t, err)

	pub := model.PublisherFunc(func(ev model.Event) {
		e.mu.Lock()
		e.events = append(e.events, ev)
		e.mu.Unlock()
	})
	trades := trade.New(e.ledger, trade.Config{TTL: time.Minute}, pub)
	e.reg = table.NewRegistry(ctx, table.Config{StartingBalance: 1500, JailMaxAttempts: 3}, table.Deps{
		Ledger:     e.ledger,
		Auctions:   auction.New(e.ledger, auction.Config{Duration: time.Minute}, pub),
		Trades:     trades,
		Bankruptcy: bankruptcy.New(e.ledger, bankruptcy.Config{GracePeriod: time.Minute}, pub, trades),
		Publisher:  pub,
		Roller:     table.NewScriptedRoller(),
		OnGameOver: func(gt model.GameTable, results []model.MatchResult) { e.mm.GameOver(gt, results) },
	})
	e.mm = lobby.New(cfg, e.st, e.economy, e.reg, pub)
	t.Cleanup(func() {
		e.mm.Close()
		e.reg.Close()
		cancel()
	})
	return e
}

func TestJoin_CountdownThenFullLaunch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, lobby.Config{MinPlayers: 2, MaxPlayers: 3, Countdown: time.Hour, PrizePerTable: 300})

	gt, err := e.mm.Join(ctx, "alice", "Alice")
	require.NoError(t, err)
	assert.Equal(t, model.TableWaiting, gt.Status)
	assert.Equal(t, 1, gt.PlayerCount)

	gt, err = e.mm.Join(ctx, "bob", "Bob")
	require.NoError(t, err)
	assert.Equal(t, model.TableCountdown, gt.Status)
	assert.False(t, gt.CountdownAt.IsZero())
	assert.True(t, e.sawEvent(model.EventTableCountdown))

	_, err = e.mm.Join(ctx, "bob", "Bob")
	require.ErrorIs(t, err, lobby.ErrAlreadyQueued)

	started, err := e.mm.Join(ctx, "carol", "Carol")
	require.NoError(t, err)
	assert.Equal(t, gt.ID, started.ID)
	assert.Equal(t, model.TableActive, started.Status)
	assert.Equal(t, []string{"alice", "bob", "carol"}, started.Seats)
	assert.Equal(t, int64(300), started.PrizePool)
	assert.Empty(t, e.mm.Open())

	econ, err := e.economy.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), econ.PrizeFund)

	_, ok := e.reg.Get(gt.ID)
	assert.True(t, ok)
}

func TestCountdown_FillsWithBots(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, lobby.Config{MinPlayers: 2, MaxPlayers: 5, Countdown: 20 * time.Millisecond, BotFill: true, PrizePerTable: 500})

	first, err := e.mm.Join(ctx, "alice", "Alice")
	require.NoError(t, err)
	_, err = e.mm.Join(ctx, "bob", "Bob")
	require.NoError(t, err)

	var tb *table.Table
	require.Eventually(t, func() bool {
		var ok bool
		tb, ok = e.reg.Get(first.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	gt := tb.State()
	assert.Equal(t, 5, gt.PlayerCount)
	// Only 400 sat in the prize fund.
	assert.Equal(t, int64(400), gt.PrizePool)

	players, err := e.ledger.Players(ctx, gt.ID)
	require.NoError(t, err)
	bots := 0
	for _, p := range players {
		if p.Bot {
			bots++
			assert.False(t, p.Connected)
		}
	}
	assert.Equal(t, 3, bots)
}

func TestCountdown_WaitsForMinimumWithoutBots(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, lobby.Config{MinPlayers: 2, MaxPlayers: 4, Countdown: 20 * time.Millisecond})

	gt, err := e.mm.Join(ctx, "alice", "Alice")
	require.NoError(t, err)
	_, err = e.mm.Join(ctx, "bob", "Bob")
	require.NoError(t, err)
	require.NoError(t, e.mm.Leave(ctx, gt.ID, "bob"))

	time.Sleep(80 * time.Millisecond)
	open := e.mm.Open()
	require.Len(t, open, 1)
	assert.Equal(t, model.TableCountdown, open[0].Status, "status never moves backwards")
	_, ok := e.reg.Get(gt.ID)
	assert.False(t, ok)

	_, err = e.mm.Join(ctx, "carol", "Carol")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := e.reg.Get(gt.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, lobby.Config{MinPlayers: 2, MaxPlayers: 3, Countdown: time.Hour})

	gt, err := e.mm.Join(ctx, "alice", "Alice")
	require.NoError(t, err)
	require.ErrorIs(t, e.mm.Leave(ctx, gt.ID, "bob"), lobby.ErrNotQueued)

	seats, ok := e.mm.Seats(gt.ID)
	require.True(t, ok)
	assert.Len(t, seats, 1)

	require.NoError(t, e.mm.Leave(ctx, gt.ID, "alice"))
	assert.Empty(t, e.mm.Open())
	_, ok = e.mm.Seats(gt.ID)
	assert.False(t, ok)
}

func TestJoin_PersistsWaitingTable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, lobby.Config{MinPlayers: 2, MaxPlayers: 3, Countdown: time.Hour})

	gt, err := e.mm.Join(ctx, "alice", "Alice")
	require.NoError(t, err)
	stored, err := store.Load[model.GameTable](ctx, e.st, store.KindTable, gt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TableWaiting, stored.Status)
	assert.Equal(t, 1, stored.PlayerCount)
}

func TestGameOver_SettlesAndTearsDown(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, lobby.Config{MinPlayers: 2, MaxPlayers: 2, Countdown: time.Hour, PrizePerTable: 300})

	_, err := e.mm.Join(ctx, "alice", "Alice")
	require.NoError(t, err)
	gt, err := e.mm.Join(ctx, "bob", "Bob")
	require.NoError(t, err)
	require.Equal(t, model.TableActive, gt.Status)

	e.mm.GameOver(gt, []model.MatchResult{
		{TableID: gt.ID, PlayerID: "bob", Rank: 1, Points: 100},
		{TableID: gt.ID, PlayerID: "alice", Rank: 2, Points: 60},
	})

	acct, err := e.economy.Account(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(300), acct.Credits)
	assert.Equal(t, int64(300), acct.TotalWon)

	_, ok := e.reg.Get(gt.ID)
	assert.False(t, ok, "finished tables leave the registry")

	results, err := e.st.MatchResults(ctx, gt.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
