package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/strikewatch/internal/instrument"
)

// EventType identifies canonical engine event categories.
type EventType string

const (
	// EventPriceChanged signals a recomputed strategy aggregate price.
	EventPriceChanged EventType = "PRICE.CHANGED"
	// EventTargetReached signals an alarm arming transition.
	EventTargetReached EventType = "TARGET.REACHED"
	// EventTargetLeft signals an alarm disarming transition.
	EventTargetLeft EventType = "TARGET.LEFT"
	// EventSubscriptionUp signals a started feed subscription.
	EventSubscriptionUp EventType = "SUBSCRIPTION.UP"
	// EventSubscriptionDown signals a failed or terminated feed subscription.
	EventSubscriptionDown EventType = "SUBSCRIPTION.DOWN"
	// EventStrategyChanged signals a debounced structural change for remote sync.
	EventStrategyChanged EventType = "STRATEGY.CHANGED"
)

// Event carries one engine notification. Price and Target are meaningful only
// when Complete is true; Ticker and Reason only for subscription events.
type Event struct {
	Type       EventType           `json:"type"`
	StrategyID string              `json:"strategy_id,omitempty"`
	Ticker     instrument.Ticker   `json:"ticker,omitempty"`
	Price      decimal.NullDecimal `json:"price,omitempty"`
	Target     decimal.NullDecimal `json:"target,omitempty"`
	Complete   bool                `json:"complete"`
	Reason     string              `json:"reason,omitempty"`
	EmitTS     time.Time           `json:"emit_ts"`
}

// CloneEvent returns an independent copy for per-subscriber delivery.
func CloneEvent(evt *Event) *Event {
	if evt == nil {
		return nil
	}
	dup := *evt
	return &dup
}
