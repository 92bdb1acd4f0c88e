// Package board holds the static LUNOPOLY board: tiles, color groups and the
// rent / build-cost rules derived from them.
package board

import "fmt"

// Size is the number of tiles on the board.
const Size = 40

// JailIndex is the detention dome tile players are sent to.
const JailIndex = 10

// MaxLevel is the building cap (four habitats and a dome).
const MaxLevel = 5

// HouseUnit is the base build cost; the group tier scales it.
const HouseUnit = 50

// TileKind identifies how a landing is resolved.
type TileKind string

const (
	KindStart    TileKind = "start"
	KindProperty TileKind = "property"
	KindChance   TileKind = "chance"
	KindTax      TileKind = "tax"
	KindJail     TileKind = "jail"
	KindFree     TileKind = "free"
	KindGoToJail TileKind = "go_to_jail"
)

// Group is a set of properties sharing rent and build rules.
type Group struct {
	Name string
	// CompleteMultiplier applies to rent when one player holds every member.
	CompleteMultiplier int64
	// Tier scales the build cost (1 cheapest .. 4 most expensive).
	Tier      int64
	Buildable bool
	Members   []int
}

// Tile is one board slot.
type Tile struct {
	Index      int
	Kind       TileKind
	Name       string
	Group      string
	Price      int64
	BaseRent   int64
	TaxFlat    int64
	TaxPercent int64
}

// MortgageValue is what the bank lends against the property.
func (t Tile) MortgageValue() int64 { return t.Price / 2 }

// IsProperty reports whether the tile can be owned.
func (t Tile) IsProperty() bool { return t.Kind == KindProperty }

var groups = map[string]*Group{
	"regolith":  {Name: "regolith", CompleteMultiplier: 2, Tier: 1, Buildable: true},
	"crater":    {Name: "crater", CompleteMultiplier: 2, Tier: 1, Buildable: true},
	"apollo":    {Name: "apollo", CompleteMultiplier: 2, Tier: 2, Buildable: true},
	"highlands": {Name: "highlands", CompleteMultiplier: 2, Tier: 2, Buildable: true},
	"maria":     {Name: "maria", CompleteMultiplier: 2, Tier: 3, Buildable: true},
	"farside":   {Name: "farside", CompleteMultiplier: 2, Tier: 3, Buildable: true},
	"polar":     {Name: "polar", CompleteMultiplier: 2, Tier: 4, Buildable: true},
	"summit":    {Name: "summit", CompleteMultiplier: 2, Tier: 4, Buildable: true},
	"spaceport": {Name: "spaceport", CompleteMultiplier: 4, Tier: 0, Buildable: false},
	"utility":   {Name: "utility", CompleteMultiplier: 2, Tier: 0, Buildable: false},
}

func prop(i int, name, group string, price, rent int64) Tile {
	return Tile{Index: i, Kind: KindProperty, Name: name, Group: group, Price: price, BaseRent: rent}
}

var tiles = [Size]Tile{
	{Index: 0, Kind: KindStart, Name: "Launch Pad"},
	prop(1, "Mare Crisium Outpost", "regolith", 60, 2),
	{Index: 2, Kind: KindChance, Name: "Transmission"},
	prop(3, "Mare Fecunditatis Outpost", "regolith", 60, 4),
	{Index: 4, Kind: KindTax, Name: "Oxygen Levy", TaxPercent: 10},
	prop(5, "Spaceport Armstrong", "spaceport", 200, 25),
	prop(6, "Copernicus Rim", "crater", 100, 6),
	{Index: 7, Kind: KindChance, Name: "Transmission"},
	prop(8, "Kepler Rim", "crater", 100, 6),
	prop(9, "Tycho Rim", "crater", 120, 8),
	{Index: 10, Kind: KindJail, Name: "Detention Dome"},
	prop(11, "Tranquility Base", "apollo", 140, 10),
	prop(12, "Helium-3 Refinery", "utility", 150, 12),
	prop(13, "Hadley Rille Camp", "apollo", 140, 10),
	prop(14, "Descartes Camp", "apollo", 160, 12),
	prop(15, "Spaceport Aldrin", "spaceport", 200, 25),
	prop(16, "Apennine Ridge", "highlands", 180, 14),
	{Index: 17, Kind: KindChance, Name: "Transmission"},
	prop(18, "Caucasus Ridge", "highlands", 180, 14),
	prop(19, "Carpathian Ridge", "highlands", 200, 16),
	{Index: 20, Kind: KindFree, Name: "Low Gravity Lounge"},
	prop(21, "Mare Imbrium Colony", "maria", 220, 18),
	{Index: 22, Kind: KindChance, Name: "Transmission"},
	prop(23, "Mare Serenitatis Colony", "maria", 220, 18),
	prop(24, "Mare Tranquillitatis Colony", "maria", 240, 20),
	prop(25, "Spaceport Collins", "spaceport", 200, 25),
	prop(26, "Apollo Basin", "farside", 260, 22),
	prop(27, "Korolev Basin", "farside", 260, 22),
	prop(28, "Solar Array", "utility", 150, 12),
	prop(29, "Hertzsprung Basin", "farside", 280, 24),
	{Index: 30, Kind: KindGoToJail, Name: "Airlock Violation"},
	prop(31, "Shackleton Station", "polar", 300, 26),
	prop(32, "Peary Station", "polar", 300, 26),
	{Index: 33, Kind: KindChance, Name: "Transmission"},
	prop(34, "Hermite Station", "polar", 320, 28),
	prop(35, "Spaceport Tereshkova", "spaceport", 200, 25),
	{Index: 36, Kind: KindChance, Name: "Transmission"},
	prop(37, "Mons Huygens Spire", "summit", 350, 35),
	{Index: 38, Kind: KindTax, Name: "Dust Removal Fee", TaxFlat: 100},
	prop(39, "Mons Hadley Spire", "summit", 400, 50),
}

func init() {
	for _, t := range tiles {
		if t.IsProperty() {
			g := groups[t.Group]
			g.Members = append(g.Members, t.Index)
		}
	}
}

// TileAt returns the tile at index, wrapping around the board.
func TileAt(index int) Tile {
	return tiles[((index%Size)+Size)%Size]
}

// GroupOf returns the group of a property tile.
func GroupOf(index int) (*Group, error) {
	t := TileAt(index)
	g, ok := groups[t.Group]
	if !t.IsProperty() || !ok {
		return nil, fmt.Errorf("board: tile %d is not a property", index)
	}
	return g, nil
}

// Properties returns the indices of every ownable tile in board order.
func Properties() []int {
	var out []int
	for _, t := range tiles {
		if t.IsProperty() {
			out = append(out, t.Index)
		}
	}
	return out
}

// BuildCost is the price of one building level on the property.
func BuildCost(index int) int64 {
	g, err := GroupOf(index)
	if err != nil || !g.Buildable {
		return 0
	}
	return HouseUnit * g.Tier
}

// Rent is the charge for landing on an unmortgaged owned property:
// base rent × group multiplier × (1 + level). The group multiplier is the
// complete-set bonus when the owner holds every member, otherwise 1.
func Rent(index int, level int, ownsGroup bool) int64 {
	t := TileAt(index)
	mult := int64(1)
	if ownsGroup {
		if g, err := GroupOf(index); err == nil {
			mult = g.CompleteMultiplier
		}
	}
	return t.BaseRent * mult * int64(1+level)
}

// Advance moves from pos by steps and reports whether Start was passed or
// landed on.
func Advance(pos, steps int) (next int, passedStart bool) {
	raw := pos + steps
	return ((raw % Size) + Size) % Size, raw >= Size
}
