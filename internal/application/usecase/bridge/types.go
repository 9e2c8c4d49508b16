package bridge

import (
	"context"
	"time"

	"mt5bridge/internal/application/service"
	"mt5bridge/internal/domain/model"
)

// Source is what a tick reads from the terminal.
type Source interface {
	FetchOpenPositions(ctx context.Context) ([]model.PositionSnapshot, error)
	FetchClosedDealsSince(ctx context.Context, cursor time.Time) ([]model.TradeEvent, error)
}

// Sink is what a tick writes to the store.
type Sink interface {
	UpsertPositions(ctx context.Context, positions []model.PositionSnapshot) error
	RemovePositions(ctx context.Context, tickets []int64) error
	InsertTradeIfAbsent(ctx context.Context, ev model.TradeEvent) (model.InsertOutcome, error)
	SaveCursor(ctx context.Context, cursor time.Time) error
	ReportHeartbeat(ctx context.Context, hb model.Heartbeat) error
}

type Recovery interface {
	Recover(ctx context.Context, now time.Time) (service.Recovered, error)
}

// Phase of the main loop.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseDegraded
	PhaseFatal
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseDegraded:
		return "degraded"
	case PhaseFatal:
		return "fatal"
	case PhaseStopped:
		return "stopped"
	}
	return "idle"
}

// TickReport summarizes one tick, successful or not.
type TickReport struct {
	Started     time.Time
	Duration    time.Duration
	Positions   int
	Opened      int
	Closed      int
	Flash       int
	Synthesized int
	Duplicates  int
	Rejected    int
	// Contained lists failures the tick survived.
	Contained []error
}

func (r TickReport) Quiet() bool {
	return r.Opened == 0 && r.Closed == 0 && r.Flash == 0 && len(r.Contained) == 0
}
