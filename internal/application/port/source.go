package port

import (
	"context"
	"time"

	"mt5bridge/internal/domain/model"
)

// Source is the trading terminal.
type Source interface {
	Name() string
	// ListOpenPositions returns the complete current set of open positions.
	ListOpenPositions(ctx context.Context) ([]model.PositionSnapshot, error)
	// ListClosedDealsSince returns CLOSE records with OccurredAt > since.
	ListClosedDealsSince(ctx context.Context, since time.Time) ([]model.TradeEvent, error)
}
