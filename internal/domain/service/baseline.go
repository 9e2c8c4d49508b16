package service

import (
	"sort"

	"mt5bridge/internal/domain/model"
)

// Baseline is the set of tickets believed open before a tick, with the last
// known snapshot of each. A Baseline is never mutated after construction;
// every tick produces a new one.
type Baseline struct {
	last map[int64]model.PositionSnapshot
}

// NewBaseline builds a baseline from snapshots. Later duplicates replace
// earlier ones.
func NewBaseline(snaps ...model.PositionSnapshot) Baseline {
	last := make(map[int64]model.PositionSnapshot, len(snaps))
	for _, p := range snaps {
		last[p.Ticket] = p
	}
	return Baseline{last: last}
}

func (b Baseline) Len() int { return len(b.last) }

func (b Baseline) Has(ticket int64) bool {
	_, ok := b.last[ticket]
	return ok
}

// Last returns the last known snapshot of ticket.
func (b Baseline) Last(ticket int64) (model.PositionSnapshot, bool) {
	p, ok := b.last[ticket]
	return p, ok
}

// Tickets returns the baseline tickets in ascending order.
func (b Baseline) Tickets() []int64 {
	out := make([]int64, 0, len(b.last))
	for t := range b.last {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshots returns the last known snapshots ordered by ticket.
func (b Baseline) Snapshots() []model.PositionSnapshot {
	out := make([]model.PositionSnapshot, 0, len(b.last))
	for _, t := range b.Tickets() {
		out = append(out, b.last[t])
	}
	return out
}

// With returns a baseline that also holds snaps. b is left untouched; snaps
// replace entries with the same ticket.
func (b Baseline) With(snaps ...model.PositionSnapshot) Baseline {
	if len(snaps) == 0 {
		return b
	}
	last := make(map[int64]model.PositionSnapshot, len(b.last)+len(snaps))
	for t, p := range b.last {
		last[t] = p
	}
	for _, p := range snaps {
		last[p.Ticket] = p
	}
	return Baseline{last: last}
}
