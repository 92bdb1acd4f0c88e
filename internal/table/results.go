package table

import (
	"cmp"
	"context"
	"slices"

	"github.com/lunopoly/table-engine/internal/ledger"
	"github.com/lunopoly/table-engine/internal/model"
)

// rankPoints are awarded by final rank; ranks past the table get nothing.
var rankPoints = []int{100, 60, 40, 20, 10}

type standing struct {
	player *model.Player
	wealth model.Wealth
}

// Rank orders players for a finished game: survivors by total wealth (seat
// order breaks ties), then the eliminated, last out first.
func Rank(players []*model.Player, props []*model.PropertyState) []model.MatchResult {
	var alive, out []standing
	for _, p := range players {
		if p.Active() {
			alive = append(alive, standing{p, ledger.Valuate(p, props)})
			continue
		}
		w := model.Wealth{}
		if p.FinalWealth != nil {
			w = *p.FinalWealth
		}
		out = append(out, standing{p, w})
	}
	slices.SortStableFunc(alive, func(a, b standing) int {
		if c := cmp.Compare(b.wealth.Total(), a.wealth.Total()); c != 0 {
			return c
		}
		return cmp.Compare(a.player.Seat, b.player.Seat)
	})
	slices.SortStableFunc(out, func(a, b standing) int {
		return cmp.Compare(b.player.EliminationOrder, a.player.EliminationOrder)
	})

	results := make([]model.MatchResult, 0, len(players))
	for i, s := range append(alive, out...) {
		r := model.MatchResult{
			TableID:       s.player.TableID,
			PlayerID:      s.player.ID,
			Bot:           s.player.Bot,
			Rank:          i + 1,
			Cash:          s.wealth.Cash,
			PropertyValue: s.wealth.Property,
			BuildingValue: s.wealth.Buildings,
		}
		if i < len(rankPoints) {
			r.Points = rankPoints[i]
		}
		results = append(results, r)
	}
	return results
}

// gameOver ranks the players, freezes the table and hands the results to
// the settlement hook.
func (t *Table) gameOver(ctx context.Context) error {
	s := t.state
	t.timers.Stop()

	players, err := t.deps.Ledger.Players(ctx, t.id)
	if err != nil {
		return err
	}
	var survivors []string
	for _, p := range players {
		if p.Active() {
			survivors = append(survivors, p.ID)
		}
	}
	err = t.deps.Ledger.Atomic(ctx, t.id, ledger.Scope{Players: survivors, AllProperties: true}, func(tx *ledger.Tx) error {
		for _, id := range survivors {
			w, err := tx.Wealth(id)
			if err != nil {
				return err
			}
			p, _ := tx.Player(id)
			p.FinalWealth = &w
		}
		return nil
	})
	if err != nil {
		return err
	}
	props, err := t.deps.Ledger.Properties(ctx, t.id)
	if err != nil {
		return err
	}
	results := Rank(players, props)

	s.Phase = model.PhaseGameOver
	s.Status = model.TableEnded
	s.EndedAt = t.now()
	s.ActiveAuction = ""
	s.DebtorID = ""
	if len(results) > 0 {
		s.WinnerID = results[0].PlayerID
	}
	t.untrack()
	t.logger.Info("game ended", "table_id", t.id, "winner_id", s.WinnerID, "turns", s.TurnNumber)
	t.emit(model.EventGameEnded, map[string]any{"winner_id": s.WinnerID, "results": results})

	if t.deps.OnGameOver != nil {
		final := clone(s)
		go t.deps.OnGameOver(final, results)
	}
	return nil
}
