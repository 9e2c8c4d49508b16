package model

import "time"

type BridgeStatus string

const (
	StatusHealthy  BridgeStatus = "healthy"
	StatusDegraded BridgeStatus = "degraded"
	StatusOffline  BridgeStatus = "offline"
)

// Heartbeat is the singleton health record, overwritten every tick.
type Heartbeat struct {
	InstanceID        string       `json:"instance_id"`
	Status            BridgeStatus `json:"status"`
	LastSeenAt        time.Time    `json:"last_seen_at"`
	OpenPositionCount int          `json:"open_position_count"`
	LastError         *string      `json:"last_error,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
}
