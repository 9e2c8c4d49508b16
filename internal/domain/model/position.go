package model

import (
	"time"

	"github.com/shopspring/decimal"

	"mt5bridge/internal/domain"
)

// Side is the direction of a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the side that closes a position of side s.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return s
}

// PositionSnapshot is the terminal's view of one open position at fetch time.
// It is superseded on every tick and never historized.
type PositionSnapshot struct {
	Ticket       int64            `json:"ticket"`
	Symbol       string           `json:"symbol"`
	Side         Side             `json:"side"`
	Volume       decimal.Decimal  `json:"volume"`
	OpenPrice    decimal.Decimal  `json:"open_price"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	Profit       *decimal.Decimal `json:"profit,omitempty"`
	Swap         *decimal.Decimal `json:"swap,omitempty"`
	Commission   *decimal.Decimal `json:"commission,omitempty"`
	Comment      *string          `json:"comment,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Validate rejects records the bridge cannot reconcile.
func (p PositionSnapshot) Validate() error {
	switch {
	case p.Ticket <= 0:
		return domain.Validation("position", "ticket %d is not positive", p.Ticket)
	case p.Symbol == "":
		return domain.Validation("position", "ticket %d has no symbol", p.Ticket)
	case !p.Side.Valid():
		return domain.Validation("position", "ticket %d has unknown side %q", p.Ticket, p.Side)
	case !p.Volume.IsPositive():
		return domain.Validation("position", "ticket %d has volume %s", p.Ticket, p.Volume)
	case p.OpenPrice.IsNegative():
		return domain.Validation("position", "ticket %d has open price %s", p.Ticket, p.OpenPrice)
	}
	return nil
}

// ExitPrice is the best known price to close the position at: the last
// current price, or the open price when the terminal did not report one.
func (p PositionSnapshot) ExitPrice() decimal.Decimal {
	if p.CurrentPrice != nil {
		return *p.CurrentPrice
	}
	return p.OpenPrice
}

// Dec is a convenience for optional decimal fields.
func Dec(d decimal.Decimal) *decimal.Decimal { return &d }

// Str is a convenience for optional string fields.
func Str(s string) *string { return &s }
