package auction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lunopoly/table-engine/internal/auction"
	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
)

const table = "t1"

var players = []string{"p1", "p2", "p3", "p4", "p5"}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type env struct {
	ledger *ledger.Ledger
	engine *auction.Engine
	clock  *clock
	events []model.Event
}

func newEnv(t *testing.T, balance int64) *env {
	t.Helper()
	e := &env{
		ledger: ledger.New(store.NewMemoryStore()),
		clock:  &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	err := e.ledger.Atomic(context.Background(), table, ledger.Scope{Players: players}, func(tx *ledger.Tx) error {
		for i, id := range players {
			if err := tx.Seat(&model.Player{ID: id, Seat: i}, balance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seat: %v", err)
	}
	e.engine = auction.New(e.ledger, auction.Config{
		Duration:           30 * time.Second,
		AntiSnipeWindow:    5 * time.Second,
		AntiSnipeExtension: 10 * time.Second,
	}, model.PublisherFunc(func(ev model.Event) { e.events = append(e.events, ev) }))
	e.engine.Now = e.clock.now
	return e
}

func (e *env) balance(t *testing.T, id string) int64 {
	t.Helper()
	p, err := e.ledger.Player(context.Background(), table, id)
	if err != nil {
		t.Fatal(err)
	}
	return p.Balance
}

func (e *env) ownerOf(t *testing.T, index int) string {
	t.Helper()
	props, _ := e.ledger.Properties(context.Background(), table)
	for _, p := range props {
		if p.Index == index {
			return p.OwnerID
		}
	}
	return ""
}

func TestDeclinedPropertyCancelledWhenOthersPass(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1500)

	a, err := e.engine.Start(ctx, table, 1, "p1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.Property != 1 || len(a.Excluded) != 0 || a.Status != model.AuctionActive {
		t.Fatalf("unexpected auction %+v", a)
	}

	for _, p := range players[1:] {
		if a, err = e.engine.Pass(ctx, a.ID, p); err != nil {
			t.Fatalf("pass %s: %v", p, err)
		}
	}
	if a.Status != model.AuctionCancelled {
		t.Errorf("status = %s, want cancelled", a.Status)
	}
	if owner := e.ownerOf(t, 1); owner != "" {
		t.Errorf("property should stay unowned, owned by %q", owner)
	}
}

func TestDeadlineSettlesOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1500)
	a, _ := e.engine.Start(ctx, table, 6, "p1", nil)

	if _, err := e.engine.PlaceBid(ctx, a.ID, "p2", 20); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if _, err := e.engine.PlaceBid(ctx, a.ID, "p3", 45); err != nil {
		t.Fatalf("bid: %v", err)
	}

	// Early close attempt is a no-op.
	got, err := e.engine.Close(ctx, a.ID)
	if err != nil || got.Terminal() {
		t.Fatalf("close before deadline should be a no-op, got %+v, %v", got, err)
	}

	e.clock.advance(31 * time.Second)
	got, err = e.engine.Close(ctx, a.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if got.Status != model.AuctionCompleted || got.CurrentBidder != "p3" {
		t.Fatalf("unexpected settlement %+v", got)
	}
	if bal := e.balance(t, "p3"); bal != 1455 {
		t.Errorf("winner balance = %d, want 1455", bal)
	}
	if owner := e.ownerOf(t, 6); owner != "p3" {
		t.Errorf("owner = %q, want p3", owner)
	}

	// Re-running the close must not charge again.
	if _, err := e.engine.Close(ctx, a.ID); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if bal := e.balance(t, "p3"); bal != 1455 {
		t.Errorf("second close charged again: balance %d", bal)
	}

	entries, _ := e.ledger.Entries(ctx, table)
	var charged int64
	for _, en := range entries {
		if en.Reason == ledger.ReasonAuction && en.Amount > 0 {
			charged += en.Amount
		}
	}
	if charged != 45 {
		t.Errorf("journaled auction payments = %d, want 45", charged)
	}
}

func TestDeadlineWithoutBidsCancels(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1500)
	a, _ := e.engine.Start(ctx, table, 1, "p1", nil)
	e.clock.advance(time.Minute)
	got, err := e.engine.Close(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.AuctionCancelled || got.EndReason != auction.EndNoBids {
		t.Errorf("unexpected auction %+v", got)
	}
}

func TestPlaceBid_Validation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 100)
	a, _ := e.engine.Start(ctx, table, 39, "p1", []string{"p5"})

	if _, err := e.engine.PlaceBid(ctx, a.ID, "p2", auction.MinimumBid(39)-1); !errors.Is(err, model.ErrBidTooLow) {
		t.Errorf("below minimum: expected ErrBidTooLow, got %v", err)
	}
	if _, err := e.engine.PlaceBid(ctx, a.ID, "p2", 101); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Errorf("over balance: expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := e.engine.PlaceBid(ctx, a.ID, "p5", 60); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("excluded bidder: expected ErrUnauthorized, got %v", err)
	}
	if _, err := e.engine.PlaceBid(ctx, a.ID, "ghost", 60); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("unseated bidder: expected ErrUnauthorized, got %v", err)
	}
	if _, err := e.engine.PlaceBid(ctx, a.ID, "p2", 60); err != nil {
		t.Fatalf("valid bid: %v", err)
	}
	if _, err := e.engine.PlaceBid(ctx, a.ID, "p3", 60); !errors.Is(err, model.ErrBidTooLow) {
		t.Errorf("equal bid: expected ErrBidTooLow, got %v", err)
	}
	if _, err := e.engine.Pass(ctx, a.ID, "p2"); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("high bidder pass: expected ErrInvalidState, got %v", err)
	}

	e.clock.advance(time.Minute)
	if _, err := e.engine.PlaceBid(ctx, a.ID, "p3", 70); !errors.Is(err, model.ErrAuctionClosed) {
		t.Errorf("late bid: expected ErrAuctionClosed, got %v", err)
	}
}

func TestPlaceBid_AntiSnipeExtendsDeadline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1500)
	a, _ := e.engine.Start(ctx, table, 1, "p1", nil)
	deadline := a.Deadline

	e.clock.advance(27 * time.Second)
	got, err := e.engine.PlaceBid(ctx, a.ID, "p2", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := e.clock.now().Add(10 * time.Second)
	if !got.Deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", got.Deadline, want)
	}

	// The original deadline has passed but the extension has not.
	e.clock.t = deadline.Add(time.Second)
	if got, _ := e.engine.Close(ctx, a.ID); got.Terminal() {
		t.Error("close before the extended deadline must be a no-op")
	}
	e.clock.advance(10 * time.Second)
	if got, _ := e.engine.Close(ctx, a.ID); got.Status != model.AuctionCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestAllOthersPassCompletesEarly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1500)
	a, _ := e.engine.Start(ctx, table, 1, "p1", nil)
	if _, err := e.engine.PlaceBid(ctx, a.ID, "p1", 30); err != nil {
		t.Fatal(err)
	}
	var got *model.Auction
	for _, p := range players[1:] {
		var err error
		if got, err = e.engine.Pass(ctx, a.ID, p); err != nil {
			t.Fatal(err)
		}
	}
	if got.Status != model.AuctionCompleted || got.EndReason != auction.EndAllPassed {
		t.Errorf("unexpected auction %+v", got)
	}
	if e.ownerOf(t, 1) != "p1" {
		t.Error("high bidder should own the property")
	}
}

func TestWinnerUnableToPayCancels(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 100)
	a, _ := e.engine.Start(ctx, table, 1, "p1", nil)
	if _, err := e.engine.PlaceBid(ctx, a.ID, "p2", 90); err != nil {
		t.Fatal(err)
	}
	if err := e.ledger.Charge(ctx, table, "p2", 50, ledger.ReasonTax); err != nil {
		t.Fatal(err)
	}
	e.clock.advance(time.Minute)
	got, err := e.engine.Close(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.AuctionCancelled || got.EndReason != auction.EndWinnerFail {
		t.Errorf("unexpected auction %+v", got)
	}
	if e.balance(t, "p2") != 50 || e.ownerOf(t, 1) != "" {
		t.Error("cancelled settlement must not move money or ownership")
	}
}

func TestStart_Rejects(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1500)
	if _, err := e.engine.Start(ctx, table, 1, "p1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.engine.Start(ctx, table, 1, "p2", nil); !errors.Is(err, auction.ErrAuctionExists) {
		t.Errorf("second auction: expected ErrAuctionExists, got %v", err)
	}
	if err := e.ledger.SetOwner(ctx, table, 3, "p1", "test"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.engine.Start(ctx, table, 3, "p2", nil); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("owned property: expected ErrInvalidState, got %v", err)
	}
}

func TestEventsPublished(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1500)
	a, _ := e.engine.Start(ctx, table, 1, "p1", nil)
	e.engine.PlaceBid(ctx, a.ID, "p2", 10)
	e.clock.advance(time.Minute)
	e.engine.Close(ctx, a.ID)

	want := []model.EventType{model.EventAuctionStarted, model.EventAuctionBid, model.EventAuctionEnded}
	if len(e.events) != len(want) {
		t.Fatalf("got %d events, want %d", len(e.events), len(want))
	}
	for i, ev := range e.events {
		if ev.Type != want[i] || ev.TableID != table {
			t.Errorf("event %d = %s/%s, want %s", i, ev.TableID, ev.Type, want[i])
		}
	}
}
