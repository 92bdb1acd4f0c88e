package trade_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lunopoly/table-engine/internal/board"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
	"github.com/lunopoly/table-engine/internal/trade"
)

const table = "t1"

type env struct {
	ledger *ledger.Ledger
	engine *trade.Engine
	now    time.Time
}

// newEnv seats alice and bob; alice holds 1 and 3, bob holds 6.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		ledger: ledger.New(store.NewMemoryStore()),
		now:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	ids := []string{"alice", "bob", "carol"}
	err := e.ledger.Atomic(ctx, table, ledger.Scope{Players: ids}, func(tx *ledger.Tx) error {
		for i, id := range ids {
			if err := tx.Seat(&model.Player{ID: id, Seat: i}, 500); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, owner := range map[int]string{1: "alice", 3: "alice", 6: "bob"} {
		if err := e.ledger.SetOwner(ctx, table, i, owner, "test"); err != nil {
			t.Fatal(err)
		}
	}
	e.engine = trade.New(e.ledger, trade.Config{TTL: time.Minute}, nil)
	e.engine.Now = func() time.Time { return e.now }
	return e
}

func (e *env) worth(t *testing.T, id string) int64 {
	t.Helper()
	w, err := e.ledger.Wealth(context.Background(), table, id)
	if err != nil {
		t.Fatal(err)
	}
	return w.Cash + w.Property
}

func (e *env) owner(t *testing.T, index int) string {
	t.Helper()
	props, _ := e.ledger.Properties(context.Background(), table)
	for _, p := range props {
		if p.Index == index {
			return p.OwnerID
		}
	}
	return ""
}

func TestAccept_SwapsAtomically(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	totalBefore := e.worth(t, "alice") + e.worth(t, "bob")

	tr, err := e.engine.Propose(ctx, table, "alice", "bob", model.TradeTerms{
		OfferedProperties:   []int{1, 3},
		RequestedProperties: []int{6},
		OfferedCash:         40,
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	got, err := e.engine.Accept(ctx, tr.ID, "bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != model.TradeAccepted {
		t.Errorf("status = %s, want accepted", got.Status)
	}
	if e.owner(t, 1) != "bob" || e.owner(t, 3) != "bob" || e.owner(t, 6) != "alice" {
		t.Error("ownership not swapped")
	}

	alice, _ := e.ledger.Player(ctx, table, "alice")
	bob, _ := e.ledger.Player(ctx, table, "bob")
	if alice.Balance != 460 || bob.Balance != 540 {
		t.Errorf("balances alice=%d bob=%d, want 460/540", alice.Balance, bob.Balance)
	}
	if after := e.worth(t, "alice") + e.worth(t, "bob"); after != totalBefore {
		t.Errorf("trade changed combined value: %d -> %d", totalBefore, after)
	}
}

func TestAccept_StaleAfterOwnershipChange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tr, err := e.engine.Propose(ctx, table, "alice", "bob", model.TradeTerms{
		OfferedProperties: []int{1},
		RequestedCash:     50,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Alice sells property 1 to carol in the meantime.
	if err := e.ledger.SetOwner(ctx, table, 1, "carol", "test"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.engine.Accept(ctx, tr.ID, "bob"); !errors.Is(err, model.ErrTradeStale) {
		t.Fatalf("expected ErrTradeStale, got %v", err)
	}
	bob, _ := e.ledger.Player(ctx, table, "bob")
	if bob.Balance != 500 || e.owner(t, 1) != "carol" {
		t.Error("stale trade must not apply any effect")
	}
	if got, _ := e.engine.Get(ctx, tr.ID); got.Status != model.TradePending {
		t.Errorf("stale trade status = %s, want pending", got.Status)
	}
}

func TestAccept_StaleWhenCashGone(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tr, _ := e.engine.Propose(ctx, table, "alice", "bob", model.TradeTerms{RequestedProperties: []int{6}, OfferedCash: 450})
	if err := e.ledger.Charge(ctx, table, "alice", 100, ledger.ReasonTax); err != nil {
		t.Fatal(err)
	}
	if _, err := e.engine.Accept(ctx, tr.ID, "bob"); !errors.Is(err, model.ErrTradeStale) {
		t.Errorf("expected ErrTradeStale, got %v", err)
	}
}

func TestPropose_Validation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	cases := []struct {
		name     string
		proposer string
		receiver string
		terms    model.TradeTerms
		want     error
	}{
		{"self", "alice", "alice", model.TradeTerms{OfferedCash: 1}, model.ErrInvalidState},
		{"negative cash", "alice", "bob", model.TradeTerms{OfferedCash: -1}, model.ErrInvalidState},
		{"empty", "alice", "bob", model.TradeTerms{}, model.ErrInvalidState},
		{"overlap", "alice", "bob", model.TradeTerms{OfferedProperties: []int{1}, RequestedProperties: []int{1}}, model.ErrInvalidState},
		{"not a property", "alice", "bob", model.TradeTerms{OfferedProperties: []int{2}}, model.ErrInvalidState},
		{"offered not owned", "alice", "bob", model.TradeTerms{OfferedProperties: []int{6}}, model.ErrNotOwner},
		{"requested not owned", "alice", "bob", model.TradeTerms{RequestedProperties: []int{1}}, model.ErrNotOwner},
		{"unseated", "alice", "dave", model.TradeTerms{OfferedCash: 5}, model.ErrUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.engine.Propose(ctx, table, tc.proposer, tc.receiver, tc.terms); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOnlyReceiverResolves(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tr, _ := e.engine.Propose(ctx, table, "alice", "bob", model.TradeTerms{OfferedCash: 10})

	if _, err := e.engine.Accept(ctx, tr.ID, "alice"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("proposer accept: expected ErrUnauthorized, got %v", err)
	}
	if _, err := e.engine.Reject(ctx, tr.ID, "carol"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("outsider reject: expected ErrUnauthorized, got %v", err)
	}
	if _, err := e.engine.Withdraw(ctx, tr.ID, "bob"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("receiver withdraw: expected ErrUnauthorized, got %v", err)
	}

	got, err := e.engine.Reject(ctx, tr.ID, "bob")
	if err != nil || got.Status != model.TradeRejected {
		t.Fatalf("reject: %+v, %v", got, err)
	}
	if _, err := e.engine.Accept(ctx, tr.ID, "bob"); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("accept after reject: expected ErrInvalidState, got %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tr, _ := e.engine.Propose(ctx, table, "alice", "bob", model.TradeTerms{OfferedCash: 10})
	got, err := e.engine.Withdraw(ctx, tr.ID, "alice")
	if err != nil || got.Status != model.TradeRejected {
		t.Errorf("withdraw: %+v, %v", got, err)
	}
}

func TestCounter_BuildsChain(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tr, _ := e.engine.Propose(ctx, table, "alice", "bob", model.TradeTerms{OfferedProperties: []int{1}, RequestedProperties: []int{6}})

	next, err := e.engine.Counter(ctx, tr.ID, "bob", model.TradeTerms{OfferedProperties: []int{6}, RequestedProperties: []int{1, 3}})
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if next.ParentID != tr.ID || next.ProposerID != "bob" || next.ReceiverID != "alice" || next.Status != model.TradePending {
		t.Errorf("unexpected counter %+v", next)
	}
	orig, _ := e.engine.Get(ctx, tr.ID)
	if orig.Status != model.TradeCountered {
		t.Errorf("original status = %s, want countered", orig.Status)
	}

	if _, err := e.engine.Accept(ctx, next.ID, "alice"); err != nil {
		t.Fatalf("accept counter: %v", err)
	}
	if e.owner(t, 6) != "alice" || e.owner(t, 3) != "bob" {
		t.Error("counter trade not applied")
	}
}

func TestSweep_ExpiresOverdue(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	old, _ := e.engine.Propose(ctx, table, "alice", "bob", model.TradeTerms{OfferedCash: 10})
	e.now = e.now.Add(45 * time.Second)
	fresh, _ := e.engine.Propose(ctx, table, "bob", "alice", model.TradeTerms{OfferedCash: 10})
	e.now = e.now.Add(30 * time.Second)

	expired, err := e.engine.Sweep(ctx, table)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expired %v, want only %s", expired, old.ID)
	}
	if got, _ := e.engine.Get(ctx, fresh.ID); got.Status != model.TradePending {
		t.Errorf("fresh trade status = %s", got.Status)
	}
	if _, err := e.engine.Accept(ctx, old.ID, "bob"); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("accepting expired trade: expected ErrInvalidState, got %v", err)
	}

	// Expire on a resolved trade is a no-op.
	if got, err := e.engine.Expire(ctx, old.ID); err != nil || got.Status != model.TradeExpired {
		t.Errorf("re-expire: %+v, %v", got, err)
	}
}

func TestExpireFor_Player(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.engine.Propose(ctx, table, "alice", "bob", model.TradeTerms{OfferedCash: 10})
	e.engine.Propose(ctx, table, "carol", "alice", model.TradeTerms{OfferedCash: 10})
	keep, _ := e.engine.Propose(ctx, table, "bob", "carol", model.TradeTerms{OfferedCash: 10})

	expired, err := e.engine.ExpireFor(ctx, table, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 2 {
		t.Errorf("expired %d trades, want 2", len(expired))
	}
	pending, _ := e.engine.Pending(ctx, table)
	if len(pending) != 1 || pending[0].ID != keep.ID {
		t.Errorf("pending = %v, want only %s", pending, keep.ID)
	}
}

func TestMortgagedPropertyKeepsMortgage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if err := e.ledger.Mortgage(ctx, table, "bob", 6); err != nil {
		t.Fatal(err)
	}
	tr, _ := e.engine.Propose(ctx, table, "alice", "bob", model.TradeTerms{RequestedProperties: []int{6}, OfferedCash: board.TileAt(6).MortgageValue()})
	if _, err := e.engine.Accept(ctx, tr.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	props, _ := e.ledger.Properties(ctx, table)
	for _, p := range props {
		if p.Index == 6 && (!p.Mortgaged || p.OwnerID != "alice") {
			t.Errorf("property 6 = %+v, want mortgaged and owned by alice", p)
		}
	}
}
