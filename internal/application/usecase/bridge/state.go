package bridge

import (
	"time"

	"mt5bridge/internal/domain/model"
	dsvc "mt5bridge/internal/domain/service"
)

// closedRetention bounds how long a closed ticket is remembered for the
// reuse check.
const closedRetention = 24 * time.Hour

// State is owned by the main loop and replaced wholesale after a tick's
// writes succeed. A failed tick keeps the baseline and the cursor and only
// remembers the OPEN events the store already acknowledged.
type State struct {
	Baseline dsvc.Baseline
	Cursor   time.Time
	// Closed maps tickets closed by this process to their close time.
	Closed map[int64]time.Time
	// Pending holds closing deals of tickets that were still listed.
	Pending map[int64]model.TradeEvent
	// Opened holds tickets whose OPEN is stored but whose tick failed.
	// They count as baseline for the next tick.
	Opened map[int64]model.PositionSnapshot
}

func NewState(baseline dsvc.Baseline, cursor time.Time) State {
	return State{Baseline: baseline, Cursor: cursor, Closed: make(map[int64]time.Time)}
}

// effective is the baseline the next reconciliation runs against.
func (s State) effective() dsvc.Baseline {
	if len(s.Opened) == 0 {
		return s.Baseline
	}
	snaps := make([]model.PositionSnapshot, 0, len(s.Opened))
	for _, p := range s.Opened {
		snaps = append(snaps, p)
	}
	return s.Baseline.With(snaps...)
}

// advance builds the state that follows a successful tick.
func (s State) advance(plan dsvc.Plan, at time.Time, dealsOK bool) State {
	next := State{
		Baseline: plan.Next,
		Cursor:   s.Cursor,
		Closed:   make(map[int64]time.Time, len(s.Closed)+len(plan.Removed)),
		Pending:  plan.Pending,
	}
	for t, closedAt := range s.Closed {
		if at.Sub(closedAt) < closedRetention {
			next.Closed[t] = closedAt
		}
	}
	for _, t := range plan.Removed {
		next.Closed[t] = at
	}
	if dealsOK && plan.DealsUntil.After(s.Cursor) {
		next.Cursor = plan.DealsUntil
	}
	return next
}

// acknowledge returns s plus the tickets of plan whose OPEN the store
// accepted before the tick failed.
func (s State) acknowledge(plan dsvc.Plan, tickets []int64) State {
	if len(tickets) == 0 {
		return s
	}
	snaps := make(map[int64]model.PositionSnapshot, len(plan.Upserts))
	for _, p := range plan.Upserts {
		snaps[p.Ticket] = p
	}
	opened := make(map[int64]model.PositionSnapshot, len(s.Opened)+len(tickets))
	for t, p := range s.Opened {
		opened[t] = p
	}
	for _, t := range tickets {
		if p, ok := snaps[t]; ok {
			opened[t] = p
		}
	}
	s.Opened = opened
	return s
}
