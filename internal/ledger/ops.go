package ledger

import (
	"context"
	"fmt"

	"github.com/lunopoly/table-engine/internal/board"
	"github.com/lunopoly/table-engine/internal/model"
	"github.com/lunopoly/table-engine/internal/store"
)

// NoProperty marks journal entries that do not involve a property.
const NoProperty = -1

// GroupScope returns the members of index's group, or just index when the
// tile has no group.
func GroupScope(index int) []int {
	g, err := board.GroupOf(index)
	if err != nil {
		return []int{index}
	}
	return append([]int(nil), g.Members...)
}

// Seat creates a new player record funded with the starting balance.
func (tx *Tx) Seat(p *model.Player, startingBalance int64) error {
	if !tx.allowedPlayers[p.ID] {
		return fmt.Errorf("ledger: player %s not in section scope", p.ID)
	}
	if _, ok := tx.players[p.ID]; ok {
		return fmt.Errorf("%w: player %s already seated", model.ErrInvalidState, p.ID)
	}
	p.TableID = tx.tableID
	p.Balance = startingBalance
	if p.Status == "" {
		p.Status = model.PlayerSolvent
	}
	tx.players[p.ID] = &loaded[model.Player]{v: p}
	tx.playerIDs = append(tx.playerIDs, p.ID)
	if startingBalance > 0 {
		tx.journal(ReasonSeed, model.Bank, p.ID, startingBalance, NoProperty)
	}
	return nil
}

// Purchase charges price to the buyer and assigns the unowned property.
func (tx *Tx) Purchase(playerID string, index int, price int64, reason string) error {
	prop, err := tx.Property(index)
	if err != nil {
		return err
	}
	if prop.Owned() {
		return fmt.Errorf("%w: property %d already owned by %s", model.ErrInvalidState, index, prop.OwnerID)
	}
	if err := tx.Move(playerID, model.Bank, price, reason, index); err != nil {
		return err
	}
	return tx.SetOwner(index, playerID, reason)
}

func (tx *Tx) ownedProperty(playerID string, index int) (*model.PropertyState, error) {
	prop, err := tx.Property(index)
	if err != nil {
		return nil, err
	}
	if prop.OwnerID != playerID || playerID == model.Bank {
		return nil, fmt.Errorf("%w: property %d", model.ErrNotOwner, index)
	}
	return prop, nil
}

func (tx *Tx) group(index int) ([]*model.PropertyState, error) {
	var out []*model.PropertyState
	for _, i := range GroupScope(index) {
		p, err := tx.Property(i)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// OwnsGroup reports whether ownerID holds every member of index's group.
func (tx *Tx) OwnsGroup(ownerID string, index int) (bool, error) {
	members, err := tx.group(index)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.OwnerID != ownerID {
			return false, nil
		}
	}
	return ownerID != model.Bank, nil
}

// Mortgage lends the mortgage value against an owned property. The group
// must carry no buildings.
func (tx *Tx) Mortgage(playerID string, index int) error {
	prop, err := tx.ownedProperty(playerID, index)
	if err != nil {
		return err
	}
	if prop.Mortgaged {
		return fmt.Errorf("%w: property %d already mortgaged", model.ErrInvalidState, index)
	}
	members, err := tx.group(index)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.Level > 0 {
			return fmt.Errorf("%w: sell buildings on group before mortgaging %d", model.ErrInvalidState, index)
		}
	}
	prop.Mortgaged = true
	return tx.Move(model.Bank, playerID, board.TileAt(index).MortgageValue(), ReasonMortgage, index)
}

// Unmortgage repays the mortgage value and lifts the mortgage.
func (tx *Tx) Unmortgage(playerID string, index int) error {
	prop, err := tx.ownedProperty(playerID, index)
	if err != nil {
		return err
	}
	if !prop.Mortgaged {
		return fmt.Errorf("%w: property %d is not mortgaged", model.ErrInvalidState, index)
	}
	if err := tx.Move(playerID, model.Bank, board.TileAt(index).MortgageValue(), ReasonUnmortgage, index); err != nil {
		return err
	}
	prop.Mortgaged = false
	return nil
}

// Build adds one building level. The owner must hold the whole buildable
// group with nothing mortgaged, and levels across the group stay within one
// of each other.
func (tx *Tx) Build(playerID string, index int) error {
	prop, err := tx.ownedProperty(playerID, index)
	if err != nil {
		return err
	}
	g, err := board.GroupOf(index)
	if err != nil {
		return err
	}
	if !g.Buildable {
		return fmt.Errorf("%w: group %s does not take buildings", model.ErrBuildNotAllowed, g.Name)
	}
	members, err := tx.group(index)
	if err != nil {
		return err
	}
	low := board.MaxLevel
	for _, m := range members {
		if m.OwnerID != playerID {
			return fmt.Errorf("%w: group %s incomplete", model.ErrBuildNotAllowed, g.Name)
		}
		if m.Mortgaged {
			return fmt.Errorf("%w: property %d in group is mortgaged", model.ErrBuildNotAllowed, m.Index)
		}
		low = min(low, m.Level)
	}
	if prop.Level >= board.MaxLevel {
		return fmt.Errorf("%w: property %d at level cap", model.ErrBuildNotAllowed, index)
	}
	if prop.Level > low {
		return fmt.Errorf("%w: build evenly across group %s", model.ErrBuildNotAllowed, g.Name)
	}
	if err := tx.Move(playerID, model.Bank, board.BuildCost(index), ReasonBuild, index); err != nil {
		return err
	}
	prop.Level++
	return nil
}

// SellBuilding removes one building level and refunds half its cost.
func (tx *Tx) SellBuilding(playerID string, index int, reason string) error {
	prop, err := tx.ownedProperty(playerID, index)
	if err != nil {
		return err
	}
	if prop.Level == 0 {
		return fmt.Errorf("%w: property %d has no buildings", model.ErrInvalidState, index)
	}
	members, err := tx.group(index)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.Level > prop.Level {
			return fmt.Errorf("%w: sell evenly across group", model.ErrBuildNotAllowed)
		}
	}
	prop.Level--
	return tx.Move(model.Bank, playerID, board.BuildCost(index)/2, reason, index)
}

// Wealth values a player's holdings among the properties in scope.
func (tx *Tx) Wealth(playerID string) (model.Wealth, error) {
	p, err := tx.Player(playerID)
	if err != nil {
		return model.Wealth{}, err
	}
	owned, err := tx.OwnedBy(playerID)
	if err != nil {
		return model.Wealth{}, err
	}
	return Valuate(p, owned), nil
}

// Valuate computes the wealth breakdown of a player from its properties.
// Mortgaged properties count only the equity above the mortgage.
func Valuate(p *model.Player, owned []*model.PropertyState) model.Wealth {
	w := model.Wealth{Cash: p.Balance}
	for _, prop := range owned {
		if prop.OwnerID != p.ID {
			continue
		}
		t := board.TileAt(prop.Index)
		if prop.Mortgaged {
			w.Property += t.Price - t.MortgageValue()
		} else {
			w.Property += t.Price
		}
		w.Buildings += int64(prop.Level) * board.BuildCost(prop.Index)
	}
	return w
}

// --- single-operation sections ---

// Transfer moves amount between two parties of a table.
func (l *Ledger) Transfer(ctx context.Context, tableID, from, to string, amount int64, reason string) error {
	return l.Atomic(ctx, tableID, Scope{Players: []string{from, to}}, func(tx *Tx) error {
		return tx.Move(from, to, amount, reason, NoProperty)
	})
}

// Charge debits a player in favour of the bank.
func (l *Ledger) Charge(ctx context.Context, tableID, playerID string, amount int64, reason string) error {
	return l.Transfer(ctx, tableID, playerID, model.Bank, amount, reason)
}

// Credit pays a player from the bank.
func (l *Ledger) Credit(ctx context.Context, tableID, playerID string, amount int64, reason string) error {
	return l.Transfer(ctx, tableID, model.Bank, playerID, amount, reason)
}

// SetOwner assigns property index to owner without moving money.
func (l *Ledger) SetOwner(ctx context.Context, tableID string, index int, owner, reason string) error {
	return l.Atomic(ctx, tableID, Scope{Players: []string{owner}, Properties: []int{index}}, func(tx *Tx) error {
		return tx.SetOwner(index, owner, reason)
	})
}

// Purchase buys an unowned property at its list price.
func (l *Ledger) Purchase(ctx context.Context, tableID, playerID string, index int) error {
	return l.Atomic(ctx, tableID, Scope{Players: []string{playerID}, Properties: []int{index}}, func(tx *Tx) error {
		return tx.Purchase(playerID, index, board.TileAt(index).Price, ReasonPurchase)
	})
}

// Mortgage mortgages a property held by playerID.
func (l *Ledger) Mortgage(ctx context.Context, tableID, playerID string, index int) error {
	return l.groupSection(ctx, tableID, playerID, index, func(tx *Tx) error { return tx.Mortgage(playerID, index) })
}

// Unmortgage lifts the mortgage on a property held by playerID.
func (l *Ledger) Unmortgage(ctx context.Context, tableID, playerID string, index int) error {
	return l.groupSection(ctx, tableID, playerID, index, func(tx *Tx) error { return tx.Unmortgage(playerID, index) })
}

// Build adds a building level to a property held by playerID.
func (l *Ledger) Build(ctx context.Context, tableID, playerID string, index int) error {
	return l.groupSection(ctx, tableID, playerID, index, func(tx *Tx) error { return tx.Build(playerID, index) })
}

// SellBuilding sells one building level back to the bank.
func (l *Ledger) SellBuilding(ctx context.Context, tableID, playerID string, index int) error {
	return l.groupSection(ctx, tableID, playerID, index, func(tx *Tx) error {
		return tx.SellBuilding(playerID, index, ReasonSellBuilding)
	})
}

func (l *Ledger) groupSection(ctx context.Context, tableID, playerID string, index int, fn func(tx *Tx) error) error {
	if index < 0 || index >= board.Size || !board.TileAt(index).IsProperty() {
		return fmt.Errorf("%w: tile %d is not a property", model.ErrInvalidState, index)
	}
	return l.Atomic(ctx, tableID, Scope{Players: []string{playerID}, Properties: GroupScope(index)}, fn)
}

// --- reads ---

// Players returns every player seated at a table, ordered by id.
func (l *Ledger) Players(ctx context.Context, tableID string) ([]*model.Player, error) {
	return store.LoadAll[model.Player](ctx, l.st, store.KindPlayer, store.TablePrefix(tableID))
}

// Player returns one seated player.
func (l *Ledger) Player(ctx context.Context, tableID, playerID string) (*model.Player, error) {
	p, err := store.Load[model.Player](ctx, l.st, store.KindPlayer, store.PlayerKey(tableID, playerID))
	if err != nil {
		return nil, fmt.Errorf("player %s: %w", playerID, err)
	}
	return p, nil
}

// Properties returns the state of every property at a table in board order.
// Properties never written are reported unowned.
func (l *Ledger) Properties(ctx context.Context, tableID string) ([]*model.PropertyState, error) {
	stored, err := store.LoadAll[model.PropertyState](ctx, l.st, store.KindProperty, store.TablePrefix(tableID))
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]*model.PropertyState, len(stored))
	for _, p := range stored {
		byIndex[p.Index] = p
	}
	indices := board.Properties()
	out := make([]*model.PropertyState, 0, len(indices))
	for _, i := range indices {
		if p, ok := byIndex[i]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, &model.PropertyState{TableID: tableID, Index: i})
	}
	return out, nil
}

// Wealth values one player's current holdings.
func (l *Ledger) Wealth(ctx context.Context, tableID, playerID string) (model.Wealth, error) {
	p, err := l.Player(ctx, tableID, playerID)
	if err != nil {
		return model.Wealth{}, err
	}
	props, err := l.Properties(ctx, tableID)
	if err != nil {
		return model.Wealth{}, err
	}
	return Valuate(p, props), nil
}

// Entries returns the journal of a table in commit order.
func (l *Ledger) Entries(ctx context.Context, tableID string) ([]model.LedgerEntry, error) {
	return l.st.LedgerEntries(ctx, tableID)
}
