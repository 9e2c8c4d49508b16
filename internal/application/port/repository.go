package port

import (
	"context"
	"time"

	"mt5bridge/internal/domain/model"
)

// Store is the downstream store. Implementations must make UpsertPositions
// idempotent and enforce uniqueness of (ticket, action) on trades.
type Store interface {
	// Position operations
	UpsertPositions(ctx context.Context, positions []model.PositionSnapshot) error
	DeletePositions(ctx context.Context, tickets []int64) error
	ListPositions(ctx context.Context) ([]model.PositionSnapshot, error)

	// Trade operations
	InsertTradeIfAbsent(ctx context.Context, ev model.TradeEvent) (model.InsertOutcome, error)
	// ListOpenWithoutClose returns OPEN events that have no CLOSE yet.
	ListOpenWithoutClose(ctx context.Context) ([]model.TradeEvent, error)
	ListTrades(ctx context.Context, limit int) ([]model.TradeEvent, error)

	// Status row
	SetHeartbeat(ctx context.Context, hb model.Heartbeat) error
	// GetHeartbeat returns nil when no heartbeat was ever written.
	GetHeartbeat(ctx context.Context) (*model.Heartbeat, error)
	GetCursor(ctx context.Context) (cursor time.Time, ok bool, err error)
	SetCursor(ctx context.Context, cursor time.Time) error

	// Connection management
	Close() error
}
