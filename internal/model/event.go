package model

import "time"

// EventType names a table event pushed to realtime subscribers.
type EventType string

const (
	EventTableCountdown      EventType = "table_countdown"
	EventTableStarted        EventType = "table_started"
	EventTurnStarted         EventType = "turn_started"
	EventTurnSkipped         EventType = "turn_skipped"
	EventPhaseChanged        EventType = "phase_changed"
	EventDiceRolled          EventType = "dice_rolled"
	EventPlayerMoved         EventType = "player_moved"
	EventPlayerJailed        EventType = "player_jailed"
	EventPlayerReleased      EventType = "player_released"
	EventPurchaseOffered     EventType = "purchase_offered"
	EventPropertyPurchased   EventType = "property_purchased"
	EventRentCharged         EventType = "rent_charged"
	EventTaxCharged          EventType = "tax_charged"
	EventCardDrawn           EventType = "card_drawn"
	EventAuctionStarted      EventType = "auction_started"
	EventAuctionBid          EventType = "auction_bid"
	EventAuctionPassed       EventType = "auction_passed"
	EventAuctionEnded        EventType = "auction_ended"
	EventTradeProposed       EventType = "trade_proposed"
	EventTradeResolved       EventType = "trade_resolved"
	EventPropertyMortgaged   EventType = "property_mortgaged"
	EventPropertyUnmortgaged EventType = "property_unmortgaged"
	EventBuildingBuilt       EventType = "building_built"
	EventBuildingSold        EventType = "building_sold"
	EventPlayerBankrupt      EventType = "player_bankrupt"
	EventDebtPaid            EventType = "debt_paid"
	EventPlayerEliminated    EventType = "player_eliminated"
	EventGameEnded           EventType = "game_ended"
)

// Event is emitted by a table for realtime delivery.
type Event struct {
	TableID string    `json:"table_id"`
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher receives table events. Implementations must not block and must
// not call back into the emitting table synchronously.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

// Publishers fans an event out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Publish(e Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(e)
		}
	}
}
