// Package economy maintains the global credit economy: minting from
// deposits, yield accrual, the periodic distribution of yield across the
// prize, burn, development and creator funds, and the funding and payout of
// table prize pools.
//
// Every mutation of the global record runs on a single queue goroutine and
// commits through a store compare-and-swap, so concurrent tables never lose
// updates even when several engine processes share the store.
package economy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lunopoly/table-engine/internal/metrics"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
)

var (
	ErrDepositTooSmall   = errors.New("economy: deposit converts to zero credits")
	ErrDuplicateDeposit  = errors.New("economy: deposit already processed")
	ErrDuplicatePayout   = errors.New("economy: table already paid out")
	ErrInsufficientYield = errors.New("economy: apr fund below yield")
	ErrNegativeAmount    = errors.New("economy: amount must be non-negative")
	ErrStopped           = errors.New("economy: engine stopped")
)

// Conversion rate of external deposit units into credits.
const (
	ExternalUnit   = 100_000
	CreditsPerUnit = 1_500
)

const maxAttempts = 3

const year = 365 * 24 * time.Hour

// Fund shares of the mintable yield. Burn takes the remainder.
var (
	prizeShare   = decimal.RequireFromString("0.50")
	devShare     = decimal.RequireFromString("0.15")
	creatorShare = decimal.RequireFromString("0.15")
)

// Credits converts an external deposit amount into credits, rounding down.
// Deposits smaller than one full ExternalUnit convert to nothing.
func Credits(amountExternal int64) int64 {
	if amountExternal < ExternalUnit {
		return 0
	}
	whole, rest := amountExternal/ExternalUnit, amountExternal%ExternalUnit
	return whole*CreditsPerUnit + rest*CreditsPerUnit/ExternalUnit
}

// Split is how one yield amount divides across the funds.
type Split struct {
	Yield    int64
	Mintable int64
	Vault    int64
	Prize    int64
	Burn     int64
	Dev      int64
	Creator  int64
}

// SplitYield divides y. Every share is truncated; the burn sink absorbs the
// truncation remainder, so Mintable+Vault == Yield and
// Prize+Burn+Dev+Creator == Mintable hold exactly.
func SplitYield(y int64, aprMultiplier decimal.Decimal) Split {
	mintable := decimal.NewFromInt(y).Mul(aprMultiplier).Floor().IntPart()
	mintable = min(max(mintable, 0), y)
	m := decimal.NewFromInt(mintable)
	s := Split{
		Yield:    y,
		Mintable: mintable,
		Vault:    y - mintable,
		Prize:    m.Mul(prizeShare).Floor().IntPart(),
		Dev:      m.Mul(devShare).Floor().IntPart(),
		Creator:  m.Mul(creatorShare).Floor().IntPart(),
	}
	s.Burn = mintable - s.Prize - s.Dev - s.Creator
	return s
}

// Config holds economy parameters.
type Config struct {
	APRMultiplier decimal.Decimal
	YieldRate     decimal.Decimal
	// Interval of the accrue-and-distribute job; zero disables it.
	Interval time.Duration
}

type op struct {
	fn    func(ctx context.Context, econ *model.GlobalEconomy, b *store.Batch) error
	reply chan error
}

// Engine serializes every change to the global economy.
type Engine struct {
	st     store.Store
	cfg    Config
	ops    chan op
	done   chan struct{}
	logger *slog.Logger

	// Now is the economy clock.
	Now func() time.Time
}

// New creates an economy engine over st. Run must be started before any
// mutating call.
func New(st store.Store, cfg Config) *Engine {
	return &Engine{
		st:     st,
		cfg:    cfg,
		ops:    make(chan op),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "economy"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run processes the mutation queue and the periodic distribution job until
// ctx is done.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	var tick <-chan time.Time
	if e.cfg.Interval > 0 {
		t := time.NewTicker(e.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-e.ops:
			o.reply <- e.apply(ctx, o.fn)
		case <-tick:
			e.periodic(ctx)
		}
	}
}

func (e *Engine) periodic(ctx context.Context) {
	accrued, err := e.applyValue(ctx, e.accrue)
	if err != nil {
		e.logger.Error("yield accrual failed", "err", err)
		return
	}
	var d model.Distribution
	err = e.apply(ctx, func(ctx context.Context, econ *model.GlobalEconomy, b *store.Batch) error {
		var err error
		d, err = e.distribute(econ, b, econ.CurrentAPRFund)
		return err
	})
	if err != nil {
		e.logger.Error("scheduled distribution failed", "err", err)
		return
	}
	observe(d)
	e.logger.Info("scheduled distribution", "accrued", accrued, "yield", d.Yield)
}

func (e *Engine) applyValue(ctx context.Context, fn func(econ *model.GlobalEconomy) int64) (int64, error) {
	var v int64
	err := e.apply(ctx, func(_ context.Context, econ *model.GlobalEconomy, _ *store.Batch) error {
		v = fn(econ)
		return nil
	})
	return v, err
}

// apply loads the economy, runs fn and commits, retrying version conflicts.
func (e *Engine) apply(ctx context.Context, fn func(ctx context.Context, econ *model.GlobalEconomy, b *store.Batch) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var econ *model.GlobalEconomy
		if econ, err = e.load(ctx); err != nil {
			return err
		}
		var b store.Batch
		if err = fn(ctx, econ, &b); err != nil {
			return err
		}
		if err = b.Put(store.KindEconomy, store.EconomyID, econ); err != nil {
			return err
		}
		if err = store.Apply(ctx, e.st, &b); !errors.Is(err, store.ErrVersionConflict) {
			if err == nil {
				metrics.PrizeFund.Set(float64(econ.PrizeFund))
			}
			return err
		}
		e.logger.Warn("economy update conflicted, retrying", "attempt", attempt+1)
	}
	return err
}

func (e *Engine) load(ctx context.Context) (*model.GlobalEconomy, error) {
	econ, err := store.Load[model.GlobalEconomy](ctx, e.st, store.KindEconomy, store.EconomyID)
	if errors.Is(err, store.ErrNotFound) {
		econ = &model.GlobalEconomy{}
	} else if err != nil {
		return nil, err
	}
	econ.APRMultiplier = e.cfg.APRMultiplier
	econ.YieldRate = e.cfg.YieldRate
	return econ, nil
}

// do hands fn to the queue goroutine and waits for the commit.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context, econ *model.GlobalEconomy, b *store.Batch) error) error {
	reply := make(chan error, 1)
	select {
	case e.ops <- op{fn: fn, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current global economy.
func (e *Engine) Snapshot(ctx context.Context) (*model.GlobalEconomy, error) {
	return e.load(ctx)
}

// Account returns a user's account, zero-valued if none exists yet.
func (e *Engine) Account(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := store.Load[model.Account](ctx, e.st, store.KindAccount, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Account{UserID: userID}, nil
	}
	return acct, err
}

// Distributions returns every distribution run.
func (e *Engine) Distributions(ctx context.Context) ([]model.Distribution, error) {
	return e.st.Distributions(ctx)
}

// Mint credits a user for a verified external deposit. Replays of the same
// deposit id are rejected.
func (e *Engine) Mint(ctx context.Context, depositID, userID string, amountExternal int64) (int64, error) {
	credits := Credits(amountExternal)
	if credits == 0 {
		return 0, fmt.Errorf("%w: %d external units", ErrDepositTooSmall, amountExternal)
	}
	err := e.do(ctx, func(ctx context.Context, econ *model.GlobalEconomy, b *store.Batch) error {
		if _, err := e.st.Get(ctx, store.KindDeposit, depositID); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateDeposit, depositID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		acct, err := e.Account(ctx, userID)
		if err != nil {
			return err
		}
		now := e.Now()
		acct.Credits += credits
		acct.TotalDeposited += credits
		acct.UpdatedAt = now
		econ.StakingPool += credits
		econ.TotalMinted += credits

		dep := &model.Deposit{ID: depositID, UserID: userID, AmountExternal: amountExternal, Credits: credits, ProcessedAt: now}
		if err := b.Put(store.KindDeposit, depositID, dep); err != nil {
			return err
		}
		return b.Put(store.KindAccount, userID, acct)
	})
	if err != nil {
		return 0, err
	}
	metrics.CreditsMinted.Add(float64(credits))
	e.logger.Info("deposit minted", "deposit_id", depositID, "user_id", userID, "amount_external", amountExternal, "credits", credits)
	return credits, nil
}

// CollectYield adds externally collected yield to the APR fund.
func (e *Engine) CollectYield(ctx context.Context, y int64) error {
	if y < 0 {
		return ErrNegativeAmount
	}
	return e.do(ctx, func(_ context.Context, econ *model.GlobalEconomy, _ *store.Batch) error {
		econ.CurrentAPRFund += y
		return nil
	})
}

// AccrueYield credits the APR fund with the staking pool's yield since the
// last accrual and returns the amount added.
func (e *Engine) AccrueYield(ctx context.Context) (int64, error) {
	var y int64
	err := e.do(ctx, func(_ context.Context, econ *model.GlobalEconomy, _ *store.Batch) error {
		y = e.accrue(econ)
		return nil
	})
	return y, err
}

func (e *Engine) accrue(econ *model.GlobalEconomy) int64 {
	now := e.Now()
	if econ.LastAccrual.IsZero() || !now.After(econ.LastAccrual) {
		econ.LastAccrual = now
		return 0
	}
	elapsed := decimal.NewFromInt(int64(now.Sub(econ.LastAccrual) / time.Second))
	y := decimal.NewFromInt(econ.StakingPool).
		Mul(econ.YieldRate).
		Mul(elapsed).
		Div(decimal.NewFromInt(int64(year / time.Second))).
		Floor().IntPart()
	econ.CurrentAPRFund += y
	econ.LastAccrual = now
	return y
}

// Distribute allocates y from the APR fund across the funds and records the
// run. The fund is decremented by the full y.
func (e *Engine) Distribute(ctx context.Context, y int64) (model.Distribution, error) {
	var d model.Distribution
	err := e.do(ctx, func(_ context.Context, econ *model.GlobalEconomy, b *store.Batch) error {
		var err error
		d, err = e.distribute(econ, b, y)
		return err
	})
	if err != nil {
		return model.Distribution{}, err
	}
	observe(d)
	e.logger.Info("yield distributed", "yield", d.Yield, "prize", d.Prize, "burn", d.Burn, "dev", d.Dev, "creator", d.Creator, "vault", d.Vault)
	return d, nil
}

// DistributeAll distributes the whole APR fund.
func (e *Engine) DistributeAll(ctx context.Context) (model.Distribution, error) {
	var d model.Distribution
	err := e.do(ctx, func(_ context.Context, econ *model.GlobalEconomy, b *store.Batch) error {
		var err error
		d, err = e.distribute(econ, b, econ.CurrentAPRFund)
		return err
	})
	if err != nil {
		return model.Distribution{}, err
	}
	observe(d)
	return d, nil
}

func (e *Engine) distribute(econ *model.GlobalEconomy, b *store.Batch, y int64) (model.Distribution, error) {
	if y < 0 {
		return model.Distribution{}, ErrNegativeAmount
	}
	if econ.CurrentAPRFund < y {
		return model.Distribution{}, fmt.Errorf("%w: fund %d, yield %d", ErrInsufficientYield, econ.CurrentAPRFund, y)
	}
	s := SplitYield(y, econ.APRMultiplier)
	now := e.Now()

	econ.CurrentAPRFund -= y
	econ.PrizeFund += s.Prize
	econ.BurnTotal += s.Burn
	econ.DevFund += s.Dev
	econ.CreatorFund += s.Creator
	econ.VaultTotal += s.Vault
	econ.LastDistribution = now

	d := model.Distribution{
		ID:            uuid.New().String(),
		Yield:         s.Yield,
		Mintable:      s.Mintable,
		Vault:         s.Vault,
		Prize:         s.Prize,
		Burn:          s.Burn,
		Dev:           s.Dev,
		Creator:       s.Creator,
		APRMultiplier: econ.APRMultiplier,
		Timestamp:     now,
	}
	b.Distributions = append(b.Distributions, d)
	return d, nil
}

func observe(d model.Distribution) {
	metrics.DistributedCredits.WithLabelValues("prize").Add(float64(d.Prize))
	metrics.DistributedCredits.WithLabelValues("burn").Add(float64(d.Burn))
	metrics.DistributedCredits.WithLabelValues("dev").Add(float64(d.Dev))
	metrics.DistributedCredits.WithLabelValues("creator").Add(float64(d.Creator))
	metrics.DistributedCredits.WithLabelValues("vault").Add(float64(d.Vault))
}

// FundTable moves up to want credits from the prize fund into a table's
// prize pool and returns the amount granted.
func (e *Engine) FundTable(ctx context.Context, tableID string, want int64) (int64, error) {
	if want < 0 {
		return 0, ErrNegativeAmount
	}
	var granted int64
	err := e.do(ctx, func(_ context.Context, econ *model.GlobalEconomy, _ *store.Batch) error {
		granted = min(want, econ.PrizeFund)
		econ.PrizeFund -= granted
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("table funded", "table_id", tableID, "prize_pool", granted)
	return granted, nil
}

// SettleMatch pays a finished table's prize pool to the rank-1 player and
// records the match results in the same commit. A bot winner's prize is
// burned. Each table settles once.
func (e *Engine) SettleMatch(ctx context.Context, tableID string, prizePool int64, results []model.MatchResult) ([]model.MatchResult, error) {
	if prizePool < 0 {
		return nil, ErrNegativeAmount
	}
	out := make([]model.MatchResult, len(results))
	copy(out, results)

	err := e.do(ctx, func(ctx context.Context, econ *model.GlobalEconomy, b *store.Batch) error {
		if _, err := e.st.Get(ctx, store.KindPayout, tableID); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicatePayout, tableID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		now := e.Now()
		payout := &model.Payout{TableID: tableID, PaidAt: now}
		for i := range out {
			out[i].CreditsWon, out[i].Burned = 0, false
			out[i].RecordedAt = now
			if out[i].Rank != 1 {
				continue
			}
			payout.WinnerID = out[i].PlayerID
			payout.Amount = prizePool
			out[i].CreditsWon = prizePool
			if out[i].Bot {
				out[i].Burned = true
				payout.Burned = true
				econ.BurnTotal += prizePool
				continue
			}
			acct, err := e.Account(ctx, out[i].PlayerID)
			if err != nil {
				return err
			}
			acct.Credits += prizePool
			acct.TotalWon += prizePool
			acct.UpdatedAt = now
			if err := b.Put(store.KindAccount, acct.UserID, acct); err != nil {
				return err
			}
		}
		if payout.WinnerID == "" {
			// No winner: the pool returns to the prize fund.
			econ.PrizeFund += prizePool
		}
		b.Results = append(b.Results, out...)
		return b.Put(store.KindPayout, tableID, payout)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("match settled", "table_id", tableID, "prize_pool", prizePool, "results", len(out))
	return out, nil
}
