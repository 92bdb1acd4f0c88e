package economy_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunopoly/table-engine/internal/economy"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
)

func newEngine(t *testing.T, apr string) (*economy.Engine, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	e := economy.New(st, economy.Config{
		APRMultiplier: decimal.RequireFromString(apr),
		YieldRate:     decimal.RequireFromString("0.05"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	return e, st
}

func TestSplitYield_Invariants(t *testing.T) {
	for _, apr := range []string{"0.8", "0.33", "1", "0"} {
		m := decimal.RequireFromString(apr)
		for y := int64(0); y <= 2000; y += 7 {
			s := economy.SplitYield(y, m)
			require.Equal(t, y, s.Mintable+s.Vault, "apr %s y %d", apr, y)
			require.Equal(t, s.Mintable, s.Prize+s.Burn+s.Dev+s.Creator, "apr %s y %d", apr, y)
			require.GreaterOrEqual(t, s.Burn, int64(0))
			require.LessOrEqual(t, s.Prize, s.Mintable/2)
		}
	}
}

func TestSplitYield_Reference(t *testing.T) {
	s := economy.SplitYield(1000, decimal.RequireFromString("0.8"))
	assert.Equal(t, economy.Split{
		Yield: 1000, Mintable: 800, Vault: 200,
		Prize: 400, Burn: 160, Dev: 120, Creator: 120,
	}, s)

	// Truncation dust lands in burn.
	s = economy.SplitYield(7, decimal.RequireFromString("1"))
	assert.Equal(t, int64(3), s.Prize)
	assert.Equal(t, int64(1), s.Dev)
	assert.Equal(t, int64(1), s.Creator)
	assert.Equal(t, int64(2), s.Burn)
}

func TestCredits(t *testing.T) {
	assert.Equal(t, int64(1500), economy.Credits(100_000))
	assert.Equal(t, int64(3750), economy.Credits(250_000))
	assert.Equal(t, int64(1515), economy.Credits(101_000))
	assert.Zero(t, economy.Credits(50_000))
	assert.Zero(t, economy.Credits(0))
	assert.Zero(t, economy.Credits(-5))
}

func TestMint(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, "0.8")

	credits, err := e.Mint(ctx, "dep-1", "alice", 250_000)
	require.NoError(t, err)
	assert.Equal(t, int64(3750), credits)

	acct, err := e.Account(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3750), acct.Credits)
	assert.Equal(t, int64(3750), acct.TotalDeposited)

	econ, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3750), econ.StakingPool)
	assert.Equal(t, int64(3750), econ.TotalMinted)

	_, err = e.Mint(ctx, "dep-1", "alice", 250_000)
	assert.ErrorIs(t, err, economy.ErrDuplicateDeposit)

	_, err = e.Mint(ctx, "dep-2", "alice", 50_000)
	assert.ErrorIs(t, err, economy.ErrDepositTooSmall)

	acct, _ = e.Account(ctx, "alice")
	assert.Equal(t, int64(3750), acct.Credits, "rejected deposits must not credit")
}

func TestDistribute(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, "0.8")

	_, err := e.Distribute(ctx, 100)
	assert.ErrorIs(t, err, economy.ErrInsufficientYield)

	require.NoError(t, e.CollectYield(ctx, 1500))
	d, err := e.Distribute(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(400), d.Prize)
	assert.True(t, d.APRMultiplier.Equal(decimal.RequireFromString("0.8")))

	econ, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), econ.CurrentAPRFund)
	assert.Equal(t, int64(400), econ.PrizeFund)
	assert.Equal(t, int64(160), econ.BurnTotal)
	assert.Equal(t, int64(120), econ.DevFund)
	assert.Equal(t, int64(120), econ.CreatorFund)
	assert.Equal(t, int64(200), econ.VaultTotal)

	d, err = e.DistributeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500), d.Yield)

	runs, err := e.Distributions(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	_, err = e.Distribute(ctx, -1)
	assert.ErrorIs(t, err, economy.ErrNegativeAmount)
}

func TestAccrueYield(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, "0.8")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	e.Now = func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	credits, err := e.Mint(ctx, "dep-1", "alice", 1_000_000)
	require.NoError(t, err)
	require.Equal(t, int64(15_000), credits)

	// The first accrual only starts the clock.
	y, err := e.AccrueYield(ctx)
	require.NoError(t, err)
	assert.Zero(t, y)

	mu.Lock()
	now = now.Add(365 * 24 * time.Hour)
	mu.Unlock()
	y, err = e.AccrueYield(ctx)
	require.NoError(t, err)
	// A year at 5% on the pool, in credits like every other fund.
	assert.Equal(t, int64(750), y)

	econ, _ := e.Snapshot(ctx)
	assert.Equal(t, int64(15_000), econ.StakingPool)
	assert.Equal(t, int64(750), econ.CurrentAPRFund)
	assert.Less(t, econ.CurrentAPRFund, econ.TotalMinted)
}

func TestFundTable(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, "1")
	require.NoError(t, e.CollectYield(ctx, 1000))
	_, err := e.DistributeAll(ctx)
	require.NoError(t, err)

	got, err := e.FundTable(ctx, "t1", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got)

	got, err = e.FundTable(ctx, "t2", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got, "grant is capped by the prize fund")

	got, err = e.FundTable(ctx, "t3", 300)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestFundTable_ConcurrentConservesPrizeFund(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, "1")
	require.NoError(t, e.CollectYield(ctx, 2000))
	_, err := e.DistributeAll(ctx)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := e.FundTable(ctx, "t", 70)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			granted += g
			mu.Unlock()
		}()
	}
	wg.Wait()

	econ, err := e.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), granted+econ.PrizeFund)
	assert.Zero(t, econ.PrizeFund)
}

func results(winnerBot bool) []model.MatchResult {
	return []model.MatchResult{
		{TableID: "t1", PlayerID: "alice", Rank: 1, Bot: winnerBot, Points: 100},
		{TableID: "t1", PlayerID: "bob", Rank: 2, Points: 60},
	}
}

func TestSettleMatch_PaysHumanWinner(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t, "0.8")

	out, err := e.SettleMatch(ctx, "t1", 500, results(false))
	require.NoError(t, err)
	assert.Equal(t, int64(500), out[0].CreditsWon)
	assert.False(t, out[0].Burned)
	assert.Zero(t, out[1].CreditsWon)

	acct, _ := e.Account(ctx, "alice")
	assert.Equal(t, int64(500), acct.Credits)
	assert.Equal(t, int64(500), acct.TotalWon)

	recorded, err := st.MatchResults(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, recorded, 2)

	_, err = e.SettleMatch(ctx, "t1", 500, results(false))
	assert.ErrorIs(t, err, economy.ErrDuplicatePayout)
	acct, _ = e.Account(ctx, "alice")
	assert.Equal(t, int64(500), acct.Credits, "second settlement must not pay")
}

func TestSettleMatch_BotWinnerBurns(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, "0.8")

	out, err := e.SettleMatch(ctx, "t1", 500, results(true))
	require.NoError(t, err)
	assert.True(t, out[0].Burned)

	econ, _ := e.Snapshot(ctx)
	assert.Equal(t, int64(500), econ.BurnTotal)
	acct, _ := e.Account(ctx, "alice")
	assert.Zero(t, acct.Credits)
}

func TestSettleMatch_NoWinnerReturnsPool(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, "0.8")

	_, err := e.SettleMatch(ctx, "t1", 300, nil)
	require.NoError(t, err)
	econ, _ := e.Snapshot(ctx)
	assert.Equal(t, int64(300), econ.PrizeFund)
}

func TestStoppedEngine(t *testing.T) {
	e := economy.New(store.NewMemoryStore(), economy.Config{APRMultiplier: decimal.NewFromInt(1)})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { e.Run(ctx); close(done) }()
	cancel()
	<-done

	_, err := e.FundTable(context.Background(), "t1", 10)
	assert.ErrorIs(t, err, economy.ErrStopped)
}
