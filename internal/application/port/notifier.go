package port

import (
	"context"
	"time"
)

type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// Tables pushed to subscribers.
const (
	TablePositions    = "positions"
	TableTrades       = "trades"
	TableBridgeStatus = "bridge_status"
)

// Change is a row-level change pushed to read-only subscribers.
type Change struct {
	Table string    `json:"table"`
	Op    ChangeOp  `json:"op"`
	Key   string    `json:"key"`
	Row   any       `json:"row,omitempty"`
	Ts    time.Time `json:"ts"`
}

// Notifier pushes changes after they are durable. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, ch Change) error
}
