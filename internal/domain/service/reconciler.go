package service

import (
	"fmt"
	"sort"
	"time"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/domain/model"
)

// pendingDealWindow bounds how long a closing deal is held for a ticket the
// terminal still lists.
const pendingDealWindow = 24 * time.Hour

// Input is everything one reconciliation step needs.
type Input struct {
	Baseline    Baseline
	Current     []model.PositionSnapshot
	ClosedDeals []model.TradeEvent
	// Pending holds closing deals seen earlier for tickets that were still
	// listed at the time.
	Pending map[int64]model.TradeEvent
	// Closed holds tickets already closed by this process. Such tickets may
	// not reopen, and their late deals are ignored.
	Closed    map[int64]time.Time
	FetchedAt time.Time
}

// FlashPair is a position opened and closed between two polls. Open must be
// acknowledged by the store before Close is attempted.
type FlashPair struct {
	Open  model.TradeEvent
	Close model.TradeEvent
}

// Plan is the outcome of Reconcile. Nothing in it has been applied yet.
type Plan struct {
	Opened    []model.TradeEvent
	Closed    []model.TradeEvent
	Flash     []FlashPair
	Unchanged []int64
	// Upserts is every valid snapshot of the current set.
	Upserts []model.PositionSnapshot
	// Held lists baseline tickets whose snapshot was rejected this tick. They
	// stay open with their previous snapshot.
	Held []int64
	// Removed lists tickets whose position rows go away with their CLOSE.
	Removed  []int64
	Rejected []error
	// Pending carries closing deals of tickets still listed into the next
	// tick.
	Pending map[int64]model.TradeEvent
	// DealsUntil is the newest OccurredAt among the closed deals consumed,
	// kept strictly below every pending deal. Zero when nothing was consumed.
	DealsUntil time.Time
	Next       Baseline
}

// Synthesized counts the closes that were rebuilt from a last snapshot.
func (p Plan) Synthesized() int {
	n := 0
	for _, e := range p.Closed {
		if e.Source == model.SourceSynthesized {
			n++
		}
	}
	return n
}

// Empty reports whether the plan writes no trade event.
func (p Plan) Empty() bool {
	return len(p.Opened) == 0 && len(p.Closed) == 0 && len(p.Flash) == 0
}

// Reconciler diffs the current snapshot against the baseline. It has no
// state and performs no I/O.
type Reconciler struct{}

func NewReconciler() *Reconciler { return &Reconciler{} }

func (r *Reconciler) Reconcile(in Input) Plan {
	var plan Plan

	current := make(map[int64]model.PositionSnapshot, len(in.Current))
	// listed but unusable this tick; not a close
	rejected := make(map[int64]struct{})
	for _, p := range in.Current {
		if err := p.Validate(); err != nil {
			plan.Rejected = append(plan.Rejected, err)
			rejected[p.Ticket] = struct{}{}
			continue
		}
		if _, dup := current[p.Ticket]; dup {
			plan.Rejected = append(plan.Rejected, fmt.Errorf("ticket %d: %w", p.Ticket, domain.ErrDuplicateTicket))
			continue
		}
		if _, gone := in.Closed[p.Ticket]; gone {
			plan.Rejected = append(plan.Rejected, fmt.Errorf("ticket %d: %w", p.Ticket, domain.ErrTicketReused))
			continue
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = in.FetchedAt
		}
		current[p.Ticket] = p
	}

	deals := r.indexDeals(in.Pending, in.ClosedDeals, &plan)
	listed := func(t int64) bool {
		if _, ok := current[t]; ok {
			return true
		}
		_, ok := rejected[t]
		return ok
	}

	for _, t := range sortedKeys(current) {
		p := current[t]
		plan.Upserts = append(plan.Upserts, p)
		if in.Baseline.Has(t) {
			plan.Unchanged = append(plan.Unchanged, t)
			continue
		}
		plan.Opened = append(plan.Opened, model.OpenEvent(p, in.FetchedAt))
	}

	for _, t := range in.Baseline.Tickets() {
		if _, still := current[t]; still {
			continue
		}
		// a reused ticket dropped from current is not a close
		if _, gone := in.Closed[t]; gone {
			continue
		}
		if _, bad := rejected[t]; bad {
			plan.Held = append(plan.Held, t)
			continue
		}
		last, _ := in.Baseline.Last(t)
		if d, ok := deals[t]; ok {
			plan.Closed = append(plan.Closed, closeFromDeal(d, last))
		} else {
			plan.Closed = append(plan.Closed, model.SynthesizedClose(last, in.FetchedAt))
		}
		plan.Removed = append(plan.Removed, t)
	}

	var oldestPending time.Time
	for _, t := range sortedKeys(deals) {
		d := deals[t]
		if listed(t) && in.FetchedAt.Sub(d.OccurredAt) < pendingDealWindow {
			// closed between the positions and deals fetches, or partially
			// closed; resolved once the ticket disappears
			if plan.Pending == nil {
				plan.Pending = make(map[int64]model.TradeEvent)
			}
			plan.Pending[t] = d
			if oldestPending.IsZero() || d.OccurredAt.Before(oldestPending) {
				oldestPending = d.OccurredAt
			}
			continue
		}
		if d.OccurredAt.After(plan.DealsUntil) {
			plan.DealsUntil = d.OccurredAt
		}
		if listed(t) || in.Baseline.Has(t) {
			continue
		}
		if _, gone := in.Closed[t]; gone {
			continue
		}
		plan.Flash = append(plan.Flash, FlashPair{Open: model.OpenFromDeal(d), Close: closeFromDeal(d, model.PositionSnapshot{})})
		plan.Removed = append(plan.Removed, t)
	}
	// pending deals must be fetched again after a restart
	if !oldestPending.IsZero() && !plan.DealsUntil.Before(oldestPending) {
		plan.DealsUntil = oldestPending.Add(-time.Millisecond)
	}

	next := make([]model.PositionSnapshot, 0, len(current)+len(plan.Held))
	for _, p := range current {
		next = append(next, p)
	}
	for _, t := range plan.Held {
		last, _ := in.Baseline.Last(t)
		next = append(next, last)
	}
	plan.Next = NewBaseline(next...)
	return plan
}

// indexDeals keeps the newest valid closing deal per ticket, starting from
// the deals held from earlier ticks.
func (r *Reconciler) indexDeals(pending map[int64]model.TradeEvent, in []model.TradeEvent, plan *Plan) map[int64]model.TradeEvent {
	out := make(map[int64]model.TradeEvent, len(pending)+len(in))
	for t, d := range pending {
		out[t] = d
	}
	for _, d := range in {
		if d.Action != model.ActionClose {
			plan.Rejected = append(plan.Rejected, domain.Validation("deal", "ticket %d is not a closing deal", d.Ticket))
			continue
		}
		if err := d.Validate(); err != nil {
			plan.Rejected = append(plan.Rejected, err)
			continue
		}
		if prev, ok := out[d.Ticket]; ok && prev.OccurredAt.After(d.OccurredAt) {
			continue
		}
		out[d.Ticket] = d
	}
	return out
}

// closeFromDeal takes the terminal's record as is, filling only what the deal
// did not carry from the last snapshot.
func closeFromDeal(d model.TradeEvent, last model.PositionSnapshot) model.TradeEvent {
	d.Source = model.SourceTerminal
	if d.Comment == nil {
		d.Comment = last.Comment
	}
	if d.Volume.IsZero() && last.Volume.IsPositive() {
		d.Volume = last.Volume
	}
	d.OpenPrice = nil
	d.OpenedAt = nil
	return d
}

func sortedKeys[V any](m map[int64]V) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
