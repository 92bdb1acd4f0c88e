// Package model defines the core domain types shared across the table engine.
// Game money is counted in whole credit units (int64); fractional economy math
// lives in the economy package and is truncated before it reaches a balance.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bank is the counterparty id used for the table's bank / economy fund.
// Transfers from the bank are never limited by a balance.
const Bank = ""

// Versioned carries the store revision of a record. The store owns the value;
// it is not part of the JSON payload.
type Versioned struct {
	Version int64 `json:"-"`
}

func (v *Versioned) GetVersion() int64  { return v.Version }
func (v *Versioned) SetVersion(n int64) { v.Version = n }

// PlayerStatus is the solvency lifecycle of a seated player.
type PlayerStatus string

const (
	PlayerSolvent    PlayerStatus = "solvent"
	PlayerGrace      PlayerStatus = "grace"
	PlayerEliminated PlayerStatus = "eliminated"
)

// Wealth is a cash / property / building breakdown in credits.
type Wealth struct {
	Cash      int64 `json:"cash"`
	Property  int64 `json:"property"`
	Buildings int64 `json:"buildings"`
}

// Total returns the sum of all components.
func (w Wealth) Total() int64 { return w.Cash + w.Property + w.Buildings }

// Player is a participant seated at one table.
type Player struct {
	Versioned
	TableID   string       `json:"table_id"`
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Seat      int          `json:"seat"`
	Bot       bool         `json:"bot"`
	Connected bool         `json:"connected"`
	Balance   int64        `json:"game_balance"`
	Position  int          `json:"position"`
	InJail    bool         `json:"in_jail"`
	JailTurns int          `json:"jail_turns"` // failed release attempts
	Status    PlayerStatus `json:"status"`
	Debt      int64        `json:"debt"`
	Creditor  string       `json:"creditor"`
	GraceEnds time.Time    `json:"grace_ends,omitempty"`

	EliminationOrder int       `json:"elimination_order,omitempty"`
	EliminatedAt     time.Time `json:"eliminated_at,omitempty"`
	FinalWealth      *Wealth   `json:"final_wealth,omitempty"`
}

// Active reports whether the player still takes part in the rotation.
func (p *Player) Active() bool { return p.Status != PlayerEliminated }

// PropertyState is the mutable part of a board property at one table.
// The static part (price, rent, group) lives in the board package.
type PropertyState struct {
	Versioned
	TableID   string `json:"table_id"`
	Index     int    `json:"index"`
	OwnerID   string `json:"owner_id"`
	Level     int    `json:"level"`
	Mortgaged bool   `json:"mortgaged"`
}

// Owned reports whether a player holds the property.
func (p *PropertyState) Owned() bool { return p.OwnerID != Bank }

// TableStatus is the lobby lifecycle of a table. Transitions only move forward.
type TableStatus string

const (
	TableWaiting   TableStatus = "waiting"
	TableCountdown TableStatus = "countdown"
	TableActive    TableStatus = "active"
	TableEnded     TableStatus = "ended"
)

var tableStatusOrder = map[TableStatus]int{
	TableWaiting:   0,
	TableCountdown: 1,
	TableActive:    2,
	TableEnded:     3,
}

// CanAdvance reports whether moving from s to next keeps the lifecycle monotonic.
func (s TableStatus) CanAdvance(next TableStatus) bool {
	return tableStatusOrder[next] > tableStatusOrder[s]
}

// Phase is the turn state of an active table.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseRolling          Phase = "rolling"
	PhaseAwaitingPurchase Phase = "awaiting_purchase"
	PhaseAuction          Phase = "auction"
	PhaseAwaitingDebt     Phase = "awaiting_debt"
	PhaseEndTurn          Phase = "end_turn"
	PhaseGameOver         Phase = "game_over"
)

// GameTable is one game session and its turn state.
type GameTable struct {
	Versioned
	ID          string      `json:"id"`
	Status      TableStatus `json:"status"`
	Seats       []string    `json:"seats"`
	PlayerCount int         `json:"player_count"`
	MaxPlayers  int         `json:"max_players"`
	PrizePool   int64       `json:"prize_pool"`
	CreatedAt   time.Time   `json:"created_at"`
	CountdownAt time.Time   `json:"countdown_at,omitempty"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	EndedAt     time.Time   `json:"ended_at,omitempty"`
	WinnerID    string      `json:"winner_id,omitempty"`

	CurrentPlayer   string `json:"current_player,omitempty"`
	Phase           Phase  `json:"phase"`
	TurnNumber      int    `json:"turn_number"`
	Doubles         int    `json:"doubles"`
	RollsThisTurn   int    `json:"rolls_this_turn"`
	ExtraRoll       bool   `json:"extra_roll"`
	LastDice        [2]int `json:"last_dice"`
	PendingProperty int    `json:"pending_property"`
	ActiveAuction   string `json:"active_auction,omitempty"`
	DebtorID        string `json:"debtor_id,omitempty"`
	DeckSeed        uint64 `json:"deck_seed"`
	DeckDrawn       int    `json:"deck_drawn"`
	Eliminations    int    `json:"eliminations"`
}

// AuctionStatus is the auction lifecycle.
type AuctionStatus string

const (
	AuctionActive    AuctionStatus = "active"
	AuctionCompleted AuctionStatus = "completed"
	AuctionCancelled AuctionStatus = "cancelled"
)

// Auction is a timed open-bid sale of one property.
type Auction struct {
	Versioned
	ID            string          `json:"id"`
	TableID       string          `json:"table_id"`
	Property      int             `json:"property"`
	Status        AuctionStatus   `json:"status"`
	MinimumBid    int64           `json:"minimum_bid"`
	CurrentBid    int64           `json:"current_bid"`
	CurrentBidder string          `json:"current_bidder,omitempty"`
	Initiator     string          `json:"initiator,omitempty"`
	Excluded      map[string]bool `json:"excluded"`
	BidCount      int             `json:"bid_count"`
	StartedAt     time.Time       `json:"started_at"`
	Deadline      time.Time       `json:"deadline"`
	EndedAt       time.Time       `json:"ended_at,omitempty"`
	EndReason     string          `json:"end_reason,omitempty"`
}

// Terminal reports whether the auction has been settled.
func (a *Auction) Terminal() bool { return a.Status != AuctionActive }

// TradeStatus is the negotiation lifecycle of one offer.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeAccepted  TradeStatus = "accepted"
	TradeRejected  TradeStatus = "rejected"
	TradeCountered TradeStatus = "countered"
	TradeExpired   TradeStatus = "expired"
)

// TradeTerms is what a proposer offers and asks for.
type TradeTerms struct {
	OfferedProperties   []int `json:"offered_properties"`
	RequestedProperties []int `json:"requested_properties"`
	OfferedCash         int64 `json:"offered_cash"`
	RequestedCash       int64 `json:"requested_cash"`
}

// Trade is a proposal between two players. ParentID links counter-offers.
type Trade struct {
	Versioned
	ID         string      `json:"id"`
	TableID    string      `json:"table_id"`
	ProposerID string      `json:"proposer_id"`
	ReceiverID string      `json:"receiver_id"`
	Status     TradeStatus `json:"status"`
	Terms      TradeTerms  `json:"terms"`
	ParentID   string      `json:"parent_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	ResolvedAt time.Time   `json:"resolved_at,omitempty"`
}

// GlobalEconomy aggregates the funds shared by every table.
type GlobalEconomy struct {
	Versioned
	StakingPool      int64           `json:"staking_pool"`
	CurrentAPRFund   int64           `json:"current_apr_fund"`
	PrizeFund        int64           `json:"prize_fund"`
	BurnTotal        int64           `json:"burn_total"`
	DevFund          int64           `json:"dev_fund"`
	CreatorFund      int64           `json:"creator_fund"`
	VaultTotal       int64           `json:"vault_total"`
	TotalMinted      int64           `json:"total_minted"`
	YieldRate        decimal.Decimal `json:"yield_rate"`
	APRMultiplier    decimal.Decimal `json:"apr_multiplier"`
	LastAccrual      time.Time       `json:"last_accrual,omitempty"`
	LastDistribution time.Time       `json:"last_distribution,omitempty"`
}

// Account holds a user's account-wide credits.
type Account struct {
	Versioned
	UserID         string    `json:"user_id"`
	Credits        int64     `json:"credits"`
	TotalDeposited int64     `json:"total_deposited"`
	TotalWon       int64     `json:"total_won"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Deposit records a processed minting event so replays are rejected.
type Deposit struct {
	Versioned
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	AmountExternal int64     `json:"amount_external"`
	Credits        int64     `json:"credits"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// Payout records the settlement of a table's prize pool. One per table.
type Payout struct {
	Versioned
	TableID  string    `json:"table_id"`
	WinnerID string    `json:"winner_id"`
	Amount   int64     `json:"amount"`
	Burned   bool      `json:"burned"`
	PaidAt   time.Time `json:"paid_at"`
}

// Distribution is the immutable record of one yield distribution run.
type Distribution struct {
	ID            string          `json:"id"`
	Yield         int64           `json:"yield"`
	Mintable      int64           `json:"mintable"`
	Vault         int64           `json:"vault"`
	Prize         int64           `json:"prize"`
	Burn          int64           `json:"burn"`
	Dev           int64           `json:"dev"`
	Creator       int64           `json:"creator"`
	APRMultiplier decimal.Decimal `json:"apr_multiplier"`
	Timestamp     time.Time       `json:"timestamp"`
}

// LedgerEntry is an immutable audit record of a money or ownership movement.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string    `json:"id"`
	TableID   string    `json:"table_id"`
	Reason    string    `json:"reason"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	Property  int       `json:"property"` // -1 when no property is involved
	Timestamp time.Time `json:"timestamp"`
}

// MatchResult is the per-player outcome of a finished match.
type MatchResult struct {
	TableID       string    `json:"table_id"`
	PlayerID      string    `json:"player_id"`
	Bot           bool      `json:"bot"`
	Rank          int       `json:"rank"`
	Cash          int64     `json:"cash"`
	PropertyValue int64     `json:"property_value"`
	BuildingValue int64     `json:"building_value"`
	Points        int       `json:"points"`
	CreditsWon    int64     `json:"credits_won"`
	Burned        bool      `json:"burned"`
	RecordedAt    time.Time `json:"recorded_at"`
}
