package model

import (
	"time"

	"github.com/shopspring/decimal"

	"mt5bridge/internal/domain"
)

// Action is the lifecycle step a TradeEvent records.
type Action string

const (
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

func (a Action) Valid() bool { return a == ActionOpen || a == ActionClose }

// EventSource tells where the price and profit of an event came from.
type EventSource string

const (
	// SourceTerminal events carry values reported by the terminal itself.
	SourceTerminal EventSource = "terminal"
	// SourceSynthesized closes are rebuilt from the last snapshot seen
	// before the position disappeared. Price is the last current price and
	// profit the last floating profit, so both are approximations.
	SourceSynthesized EventSource = "synthesized"
)

// TradeEvent is an append-only OPEN or CLOSE record. At most one event per
// (Ticket, Action) may ever be stored.
type TradeEvent struct {
	ID         string           `json:"id"`
	Ticket     int64            `json:"ticket"`
	Action     Action           `json:"action"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Volume     decimal.Decimal  `json:"volume"`
	Price      decimal.Decimal  `json:"price"`
	Profit     *decimal.Decimal `json:"profit,omitempty"`
	Swap       *decimal.Decimal `json:"swap,omitempty"`
	Commission *decimal.Decimal `json:"commission,omitempty"`
	Comment    *string          `json:"comment,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
	Source     EventSource      `json:"source"`

	// Set on closed-deal records when the entry deal of the same position
	// was returned in the same window. Not persisted.
	OpenPrice *decimal.Decimal `json:"-"`
	OpenedAt  *time.Time       `json:"-"`
}

// TradeKey is the natural identity of a trade event.
type TradeKey struct {
	Ticket int64
	Action Action
}

func (e TradeEvent) Key() TradeKey { return TradeKey{Ticket: e.Ticket, Action: e.Action} }

func (e TradeEvent) Validate() error {
	switch {
	case e.Ticket <= 0:
		return domain.Validation("trade", "ticket %d is not positive", e.Ticket)
	case !e.Action.Valid():
		return domain.Validation("trade", "ticket %d has unknown action %q", e.Ticket, e.Action)
	case e.Symbol == "":
		return domain.Validation("trade", "ticket %d has no symbol", e.Ticket)
	case !e.Side.Valid():
		return domain.Validation("trade", "ticket %d has unknown side %q", e.Ticket, e.Side)
	case e.Volume.IsNegative():
		return domain.Validation("trade", "ticket %d has volume %s", e.Ticket, e.Volume)
	case e.OccurredAt.IsZero():
		return domain.Validation("trade", "ticket %d has no timestamp", e.Ticket)
	}
	return nil
}

// OpenEvent records the first sighting of a position.
func OpenEvent(p PositionSnapshot, at time.Time) TradeEvent {
	return TradeEvent{
		Ticket:     p.Ticket,
		Action:     ActionOpen,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Volume:     p.Volume,
		Price:      p.OpenPrice,
		Swap:       p.Swap,
		Commission: p.Commission,
		Comment:    p.Comment,
		OccurredAt: at,
		Source:     SourceTerminal,
	}
}

// SynthesizedClose builds a CLOSE from the last snapshot of a position that
// vanished without a matching closed deal.
func SynthesizedClose(p PositionSnapshot, at time.Time) TradeEvent {
	return TradeEvent{
		Ticket:     p.Ticket,
		Action:     ActionClose,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Volume:     p.Volume,
		Price:      p.ExitPrice(),
		Profit:     p.Profit,
		Swap:       p.Swap,
		Commission: p.Commission,
		Comment:    p.Comment,
		OccurredAt: at,
		Source:     SourceSynthesized,
	}
}

// OpenFromDeal builds the OPEN half of a position that was opened and closed
// between two polls. The close deal is the only evidence of it.
func OpenFromDeal(closeDeal TradeEvent) TradeEvent {
	price := closeDeal.Price
	if closeDeal.OpenPrice != nil {
		price = *closeDeal.OpenPrice
	}
	at := closeDeal.OccurredAt
	if closeDeal.OpenedAt != nil && !closeDeal.OpenedAt.After(at) {
		at = *closeDeal.OpenedAt
	}
	return TradeEvent{
		Ticket:     closeDeal.Ticket,
		Action:     ActionOpen,
		Symbol:     closeDeal.Symbol,
		Side:       closeDeal.Side,
		Volume:     closeDeal.Volume,
		Price:      price,
		OccurredAt: at,
		Source:     SourceTerminal,
	}
}

// SnapshotFromOpen rebuilds a last-known snapshot from a persisted OPEN when
// the position row itself is gone.
func SnapshotFromOpen(e TradeEvent) PositionSnapshot {
	return PositionSnapshot{
		Ticket:     e.Ticket,
		Symbol:     e.Symbol,
		Side:       e.Side,
		Volume:     e.Volume,
		OpenPrice:  e.Price,
		Swap:       e.Swap,
		Commission: e.Commission,
		Comment:    e.Comment,
		UpdatedAt:  e.OccurredAt,
	}
}

// InsertOutcome is the result of an insert-if-absent.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota + 1
	Duplicate
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}
