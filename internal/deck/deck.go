// Package deck implements the chance-card draw pile. The order of every pass
// through the pile is a pure function of the table seed and the pass number,
// so a table can resume drawing after a restart from (seed, drawn) alone.
package deck

import (
	"math/rand/v2"
)

// EffectKind is what a card does to the drawing player.
type EffectKind string

const (
	EffectMoveTo   EffectKind = "move_to"
	EffectMoveBy   EffectKind = "move_by"
	EffectPay      EffectKind = "pay"
	EffectCollect  EffectKind = "collect"
	EffectGoToJail EffectKind = "go_to_jail"
	// EffectRepairs charges Amount per building level owned.
	EffectRepairs EffectKind = "repairs"
)

// Card is one chance card.
type Card struct {
	ID     int        `json:"id"`
	Text   string     `json:"text"`
	Effect EffectKind `json:"effect"`
	Target int        `json:"target,omitempty"`
	Steps  int        `json:"steps,omitempty"`
	Amount int64      `json:"amount,omitempty"`
}

// Standard is the default LUNOPOLY chance pile.
var Standard = []Card{
	{ID: 1, Text: "Return to the Launch Pad", Effect: EffectMoveTo, Target: 0},
	{ID: 2, Text: "Shuttle to Spaceport Collins", Effect: EffectMoveTo, Target: 25},
	{ID: 3, Text: "Survey Mons Hadley Spire", Effect: EffectMoveTo, Target: 39},
	{ID: 4, Text: "Retro-thrusters misfire: go back 3", Effect: EffectMoveBy, Steps: -3},
	{ID: 5, Text: "Airlock breach: report to detention", Effect: EffectGoToJail},
	{ID: 6, Text: "Regolith mining dividend", Effect: EffectCollect, Amount: 50},
	{ID: 7, Text: "Solar flare insurance payout", Effect: EffectCollect, Amount: 100},
	{ID: 8, Text: "Found a lost rover", Effect: EffectCollect, Amount: 20},
	{ID: 9, Text: "Suit maintenance", Effect: EffectPay, Amount: 50},
	{ID: 10, Text: "Micrometeorite fine", Effect: EffectPay, Amount: 15},
	{ID: 11, Text: "Habitat pressure check: pay 25 per building level", Effect: EffectRepairs, Amount: 25},
	{ID: 12, Text: "Jump ahead 2 with a low-gravity leap", Effect: EffectMoveBy, Steps: 2},
}

// Deck is a seeded draw pile over a fixed card set.
type Deck struct {
	cards []Card
	seed  uint64
}

// New creates a deck over cards with the table seed.
func New(cards []Card, seed uint64) *Deck {
	return &Deck{cards: append([]Card(nil), cards...), seed: seed}
}

// Order returns the card order for the given pass through the pile.
func (d *Deck) Order(pass int) []int {
	r := rand.New(rand.NewPCG(d.seed, uint64(pass)))
	perm := make([]int, len(d.cards))
	for i := range perm {
		perm[i] = i
	}
	r.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	return perm
}

// Draw returns the card at draw number drawn (0-based, counting every card
// ever drawn at the table). The pile reshuffles after each full pass.
func (d *Deck) Draw(drawn int) Card {
	if len(d.cards) == 0 {
		return Card{}
	}
	pass, pos := drawn/len(d.cards), drawn%len(d.cards)
	return d.cards[d.Order(pass)[pos]]
}

// Len is the number of cards in one pass.
func (d *Deck) Len() int { return len(d.cards) }
