package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lunopoly/table-engine/internal/board"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
)

const table = "t1"

// newLedger seats the given players with balance each.
func newLedger(t *testing.T, balance int64, ids ...string) *ledger.Ledger {
	t.Helper()
	l := ledger.New(store.NewMemoryStore())
	err := l.Atomic(context.Background(), table, ledger.Scope{Players: ids}, func(tx *ledger.Tx) error {
		for i, id := range ids {
			if err := tx.Seat(&model.Player{ID: id, Name: id, Seat: i}, balance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seat: %v", err)
	}
	return l
}

func balance(t *testing.T, l *ledger.Ledger, id string) int64 {
	t.Helper()
	p, err := l.Player(context.Background(), table, id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return p.Balance
}

func owner(t *testing.T, l *ledger.Ledger, index int) *model.PropertyState {
	t.Helper()
	props, err := l.Properties(context.Background(), table)
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	for _, p := range props {
		if p.Index == index {
			return p
		}
	}
	t.Fatalf("property %d missing", index)
	return nil
}

// giveGroup assigns every member of index's group to playerID.
func giveGroup(t *testing.T, l *ledger.Ledger, playerID string, index int) {
	t.Helper()
	for _, i := range ledger.GroupScope(index) {
		if err := l.SetOwner(context.Background(), table, i, playerID, "test"); err != nil {
			t.Fatalf("set owner %d: %v", i, err)
		}
	}
}

func TestTransfer_MovesAndJournals(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 1500, "a", "b")

	if err := l.Transfer(ctx, table, "a", "b", 200, ledger.ReasonRent); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := balance(t, l, "a"); got != 1300 {
		t.Errorf("a balance = %d, want 1300", got)
	}
	if got := balance(t, l, "b"); got != 1700 {
		t.Errorf("b balance = %d, want 1700", got)
	}

	entries, _ := l.Entries(ctx, table)
	last := entries[len(entries)-1]
	if last.Reason != ledger.ReasonRent || last.From != "a" || last.To != "b" || last.Amount != 200 {
		t.Errorf("unexpected journal entry %+v", last)
	}
}

func TestTransfer_InsufficientFundsLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 50, "a", "b")
	before, _ := l.Entries(ctx, table)

	err := l.Transfer(ctx, table, "a", "b", 80, ledger.ReasonRent)
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if balance(t, l, "a") != 50 || balance(t, l, "b") != 50 {
		t.Error("failed transfer must not change balances")
	}
	after, _ := l.Entries(ctx, table)
	if len(after) != len(before) {
		t.Errorf("failed transfer journaled %d entries", len(after)-len(before))
	}
}

func TestTransfer_BankIsUnlimited(t *testing.T) {
	l := newLedger(t, 0, "a")
	if err := l.Credit(context.Background(), table, "a", 10_000, ledger.ReasonStartBonus); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := balance(t, l, "a"); got != 10_000 {
		t.Errorf("balance = %d, want 10000", got)
	}
}

func TestTransfer_RejectsNegativeAndSelf(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 100, "a")
	if err := l.Transfer(ctx, table, "a", "a", 10, "test"); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("self transfer: expected ErrInvalidState, got %v", err)
	}
	if err := l.Charge(ctx, table, "a", -5, "test"); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("negative charge: expected ErrInvalidState, got %v", err)
	}
}

func TestTransfer_UnseatedPlayerUnauthorized(t *testing.T) {
	l := newLedger(t, 100, "a")
	err := l.Transfer(context.Background(), table, "a", "ghost", 10, "test")
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPurchase(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 1500, "a", "b")

	if err := l.Purchase(ctx, table, "a", 1); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if got := balance(t, l, "a"); got != 1500-board.TileAt(1).Price {
		t.Errorf("balance = %d after purchase", got)
	}
	if owner(t, l, 1).OwnerID != "a" {
		t.Error("property 1 should belong to a")
	}

	if err := l.Purchase(ctx, table, "b", 1); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("second purchase: expected ErrInvalidState, got %v", err)
	}
	if err := l.Purchase(ctx, table, "b", 2); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("purchase of chance tile: expected ErrInvalidState, got %v", err)
	}
}

func TestMortgageRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 1000, "a", "b")
	if err := l.Purchase(ctx, table, "a", 6); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	start := balance(t, l, "a")
	value := board.TileAt(6).MortgageValue()

	if err := l.Mortgage(ctx, table, "b", 6); !errors.Is(err, model.ErrNotOwner) {
		t.Errorf("non-owner mortgage: expected ErrNotOwner, got %v", err)
	}
	if err := l.Mortgage(ctx, table, "a", 6); err != nil {
		t.Fatalf("mortgage: %v", err)
	}
	if got := balance(t, l, "a"); got != start+value {
		t.Errorf("balance = %d, want %d", got, start+value)
	}
	if err := l.Mortgage(ctx, table, "a", 6); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("double mortgage: expected ErrInvalidState, got %v", err)
	}
	if err := l.Unmortgage(ctx, table, "a", 6); err != nil {
		t.Fatalf("unmortgage: %v", err)
	}
	if got := balance(t, l, "a"); got != start {
		t.Errorf("balance = %d after unmortgage, want %d", got, start)
	}
	if owner(t, l, 6).Mortgaged {
		t.Error("property should no longer be mortgaged")
	}
}

func TestBuild_Rules(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 5000, "a", "b")

	// Incomplete group.
	if err := l.SetOwner(ctx, table, 1, "a", "test"); err != nil {
		t.Fatal(err)
	}
	if err := l.Build(ctx, table, "a", 1); !errors.Is(err, model.ErrBuildNotAllowed) {
		t.Errorf("incomplete group: expected ErrBuildNotAllowed, got %v", err)
	}

	giveGroup(t, l, "a", 1)
	if err := l.Build(ctx, table, "b", 1); !errors.Is(err, model.ErrNotOwner) {
		t.Errorf("non-owner build: expected ErrNotOwner, got %v", err)
	}
	if err := l.Build(ctx, table, "a", 1); err != nil {
		t.Fatalf("build: %v", err)
	}
	// Even-build: 1 is ahead of 3.
	if err := l.Build(ctx, table, "a", 1); !errors.Is(err, model.ErrBuildNotAllowed) {
		t.Errorf("uneven build: expected ErrBuildNotAllowed, got %v", err)
	}
	if err := l.Build(ctx, table, "a", 3); err != nil {
		t.Fatalf("build 3: %v", err)
	}
	// Buildings block mortgaging the group.
	if err := l.Mortgage(ctx, table, "a", 3); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("mortgage with buildings: expected ErrInvalidState, got %v", err)
	}

	cost := board.BuildCost(1)
	if got := balance(t, l, "a"); got != 5000-2*cost {
		t.Errorf("balance = %d, want %d", got, 5000-2*cost)
	}
}

func TestBuild_LevelCap(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 100_000, "a")
	giveGroup(t, l, "a", 37)

	for level := 0; level < board.MaxLevel; level++ {
		for _, i := range []int{37, 39} {
			if err := l.Build(ctx, table, "a", i); err != nil {
				t.Fatalf("build %d at level %d: %v", i, level, err)
			}
		}
	}
	if err := l.Build(ctx, table, "a", 37); !errors.Is(err, model.ErrBuildNotAllowed) {
		t.Errorf("above cap: expected ErrBuildNotAllowed, got %v", err)
	}
	if got := owner(t, l, 39).Level; got != board.MaxLevel {
		t.Errorf("level = %d, want %d", got, board.MaxLevel)
	}
}

func TestBuild_NotBuildableGroup(t *testing.T) {
	l := newLedger(t, 5000, "a")
	giveGroup(t, l, "a", 5)
	if err := l.Build(context.Background(), table, "a", 5); !errors.Is(err, model.ErrBuildNotAllowed) {
		t.Errorf("spaceport build: expected ErrBuildNotAllowed, got %v", err)
	}
}

func TestSellBuilding_RefundsHalf(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 5000, "a")
	giveGroup(t, l, "a", 1)
	for _, i := range []int{1, 3} {
		if err := l.Build(ctx, table, "a", i); err != nil {
			t.Fatal(err)
		}
	}
	before := balance(t, l, "a")
	if err := l.SellBuilding(ctx, table, "a", 1); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if got := balance(t, l, "a"); got != before+board.BuildCost(1)/2 {
		t.Errorf("balance = %d, want %d", got, before+board.BuildCost(1)/2)
	}
	// 3 is now ahead of 1, so 1 cannot drop further.
	if err := l.SellBuilding(ctx, table, "a", 1); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("sell at level zero: expected ErrInvalidState, got %v", err)
	}
}

func TestWealth(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 5000, "a")
	giveGroup(t, l, "a", 1)
	if err := l.Build(ctx, table, "a", 1); err != nil {
		t.Fatal(err)
	}
	if err := l.Mortgage(ctx, table, "a", 5); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for unowned spaceport, got %v", err)
	}

	w, err := l.Wealth(ctx, table, "a")
	if err != nil {
		t.Fatal(err)
	}
	wantProperty := board.TileAt(1).Price + board.TileAt(3).Price
	if w.Cash != 5000-board.BuildCost(1) || w.Property != wantProperty || w.Buildings != board.BuildCost(1) {
		t.Errorf("unexpected wealth %+v", w)
	}
}

func TestConcurrentTransfersConserveMoney(t *testing.T) {
	ctx := context.Background()
	ids := []string{"a", "b", "c"}
	l := newLedger(t, 1000, ids...)

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := ids[i%3], ids[(i+1)%3]
			_ = l.Transfer(ctx, table, from, to, 7, "test")
		}(i)
	}
	wg.Wait()

	var total int64
	for _, id := range ids {
		total += balance(t, l, id)
	}
	if total != 3000 {
		t.Errorf("total = %d, want 3000", total)
	}
}

func TestAtomic_FailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, 100, "a", "b")

	err := l.Atomic(ctx, table, ledger.Scope{Players: []string{"a", "b"}, Properties: []int{1}}, func(tx *ledger.Tx) error {
		if err := tx.Move("a", "b", 60, "test", ledger.NoProperty); err != nil {
			return err
		}
		if err := tx.SetOwner(1, "b", "test"); err != nil {
			return err
		}
		return tx.Move("a", "b", 60, "test", ledger.NoProperty)
	})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if balance(t, l, "a") != 100 || owner(t, l, 1).Owned() {
		t.Error("failed section must not apply partial effects")
	}
}

func TestLocks_ReleasedAfterSections(t *testing.T) {
	locks := ledger.NewLocks()
	release := locks.Acquire("b", "a", "a")
	if locks.Len() != 2 {
		t.Errorf("held keys = %d, want 2", locks.Len())
	}
	release()
	if locks.Len() != 0 {
		t.Errorf("held keys after release = %d, want 0", locks.Len())
	}
}
