package service_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/domain/model"
	"mt5bridge/internal/domain/service"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func snap(ticket int64, symbol string, side model.Side, volume, open string) model.PositionSnapshot {
	return model.PositionSnapshot{
		Ticket:    ticket,
		Symbol:    symbol,
		Side:      side,
		Volume:    decimal.RequireFromString(volume),
		OpenPrice: decimal.RequireFromString(open),
	}
}

func deal(ticket int64, price, profit string, at time.Time) model.TradeEvent {
	return model.TradeEvent{
		Ticket:     ticket,
		Action:     model.ActionClose,
		Symbol:     "EURUSD",
		Side:       model.SideBuy,
		Volume:     decimal.RequireFromString("0.10"),
		Price:      decimal.RequireFromString(price),
		Profit:     model.Dec(decimal.RequireFromString(profit)),
		OccurredAt: at,
		Source:     model.SourceTerminal,
	}
}

func TestReconcileOpensNewTickets(t *testing.T) {
	r := service.NewReconciler()
	p := snap(1, "EURUSD", model.SideBuy, "0.10", "1.0850")

	plan := r.Reconcile(service.Input{
		Baseline:  service.NewBaseline(),
		Current:   []model.PositionSnapshot{p},
		FetchedAt: t0,
	})

	require.Len(t, plan.Opened, 1)
	open := plan.Opened[0]
	assert.Equal(t, int64(1), open.Ticket)
	assert.Equal(t, model.ActionOpen, open.Action)
	assert.True(t, open.Price.Equal(p.OpenPrice))
	assert.Equal(t, t0, open.OccurredAt)
	assert.Nil(t, open.Profit)
	assert.Empty(t, plan.Closed)
	assert.Len(t, plan.Upserts, 1)
	assert.True(t, plan.Next.Has(1))
}

func TestReconcileUnchangedOnlyUpserts(t *testing.T) {
	r := service.NewReconciler()
	p := snap(7, "XAUUSD", model.SideSell, "1", "2300.5")
	moved := p
	moved.Profit = model.Dec(decimal.RequireFromString("-12.40"))

	plan := r.Reconcile(service.Input{
		Baseline:  service.NewBaseline(p),
		Current:   []model.PositionSnapshot{moved},
		FetchedAt: t0,
	})

	assert.True(t, plan.Empty())
	assert.Equal(t, []int64{7}, plan.Unchanged)
	require.Len(t, plan.Upserts, 1)
	last, ok := plan.Next.Last(7)
	require.True(t, ok)
	assert.True(t, last.Profit.Equal(decimal.RequireFromString("-12.40")))
}

func TestReconcileSynthesizesCloseFromLastSnapshot(t *testing.T) {
	r := service.NewReconciler()
	p := snap(1, "EURUSD", model.SideBuy, "0.10", "1.0850")
	p.CurrentPrice = model.Dec(decimal.RequireFromString("1.0862"))
	p.Profit = model.Dec(decimal.RequireFromString("12.00"))

	plan := r.Reconcile(service.Input{
		Baseline:  service.NewBaseline(p),
		FetchedAt: t0,
	})

	require.Len(t, plan.Closed, 1)
	c := plan.Closed[0]
	assert.Equal(t, model.SourceSynthesized, c.Source)
	assert.True(t, c.Price.Equal(decimal.RequireFromString("1.0862")))
	assert.True(t, c.Profit.Equal(decimal.RequireFromString("12.00")))
	assert.Equal(t, t0, c.OccurredAt)
	assert.Equal(t, []int64{1}, plan.Removed)
	assert.Equal(t, 1, plan.Synthesized())
	assert.Zero(t, plan.Next.Len())
}

func TestReconcileSynthesizedCloseFallsBackToOpenPrice(t *testing.T) {
	r := service.NewReconciler()
	p := snap(2, "GBPUSD", model.SideSell, "0.5", "1.2700")

	plan := r.Reconcile(service.Input{Baseline: service.NewBaseline(p), FetchedAt: t0})

	require.Len(t, plan.Closed, 1)
	assert.True(t, plan.Closed[0].Price.Equal(p.OpenPrice))
}

func TestReconcileAuthoritativeDealWins(t *testing.T) {
	r := service.NewReconciler()
	p := snap(1, "EURUSD", model.SideBuy, "0.10", "1.0850")
	p.CurrentPrice = model.Dec(decimal.RequireFromString("1.0862"))
	dealAt := t0.Add(-40 * time.Second)

	plan := r.Reconcile(service.Input{
		Baseline:    service.NewBaseline(p),
		ClosedDeals: []model.TradeEvent{deal(1, "1.0870", "20.00", dealAt)},
		FetchedAt:   t0,
	})

	require.Len(t, plan.Closed, 1)
	c := plan.Closed[0]
	assert.Equal(t, model.SourceTerminal, c.Source)
	assert.True(t, c.Price.Equal(decimal.RequireFromString("1.0870")))
	assert.Equal(t, dealAt, c.OccurredAt)
	assert.Equal(t, dealAt, plan.DealsUntil)
	assert.Zero(t, plan.Synthesized())
}

func TestReconcileFlashPositionOpensBeforeClosing(t *testing.T) {
	r := service.NewReconciler()
	d := deal(300, "1.0900", "5.00", t0.Add(-10*time.Second))
	openedAt := t0.Add(-50 * time.Second)
	d.OpenPrice = model.Dec(decimal.RequireFromString("1.0895"))
	d.OpenedAt = &openedAt

	plan := r.Reconcile(service.Input{
		Baseline:    service.NewBaseline(),
		ClosedDeals: []model.TradeEvent{d},
		FetchedAt:   t0,
	})

	require.Len(t, plan.Flash, 1)
	pair := plan.Flash[0]
	assert.Equal(t, model.ActionOpen, pair.Open.Action)
	assert.Equal(t, model.ActionClose, pair.Close.Action)
	assert.True(t, pair.Open.Price.Equal(decimal.RequireFromString("1.0895")))
	assert.Equal(t, openedAt, pair.Open.OccurredAt)
	assert.False(t, pair.Open.OccurredAt.After(pair.Close.OccurredAt))
	assert.Nil(t, pair.Close.OpenPrice)
	assert.Empty(t, plan.Opened)
	assert.Empty(t, plan.Closed)
}

func TestReconcileFlashWithoutEntryDealUsesClose(t *testing.T) {
	r := service.NewReconciler()
	d := deal(301, "1.0900", "5.00", t0)

	plan := r.Reconcile(service.Input{ClosedDeals: []model.TradeEvent{d}, FetchedAt: t0})

	require.Len(t, plan.Flash, 1)
	assert.True(t, plan.Flash[0].Open.Price.Equal(d.Price))
	assert.Equal(t, d.OccurredAt, plan.Flash[0].Open.OccurredAt)
}

func TestReconcileIgnoresDealsOfClosedTickets(t *testing.T) {
	r := service.NewReconciler()

	plan := r.Reconcile(service.Input{
		ClosedDeals: []model.TradeEvent{deal(6, "1.0860", "1.00", t0.Add(-2*time.Second))},
		Closed:      map[int64]time.Time{6: t0.Add(-time.Minute)},
		FetchedAt:   t0,
	})

	assert.True(t, plan.Empty())
	assert.Empty(t, plan.Pending)
	assert.Equal(t, t0.Add(-2*time.Second), plan.DealsUntil)
}

func TestReconcileHoldsDealUntilTicketDisappears(t *testing.T) {
	r := service.NewReconciler()
	p := snap(7, "EURUSD", model.SideBuy, "0.10", "1.0850")
	p.CurrentPrice = model.Dec(decimal.RequireFromString("1.0861"))
	p.Profit = model.Dec(decimal.RequireFromString("11.00"))
	dealAt := t0.Add(-time.Second)

	// the close lands between the positions and the deals fetch
	first := r.Reconcile(service.Input{
		Baseline:    service.NewBaseline(p),
		Current:     []model.PositionSnapshot{p},
		ClosedDeals: []model.TradeEvent{deal(7, "1.0900", "42.50", dealAt)},
		FetchedAt:   t0,
	})

	assert.True(t, first.Empty())
	require.Contains(t, first.Pending, int64(7))
	assert.True(t, first.DealsUntil.IsZero())

	second := r.Reconcile(service.Input{
		Baseline:  first.Next,
		Pending:   first.Pending,
		FetchedAt: t0.Add(time.Second),
	})

	require.Len(t, second.Closed, 1)
	c := second.Closed[0]
	assert.Equal(t, model.SourceTerminal, c.Source)
	assert.True(t, c.Price.Equal(decimal.RequireFromString("1.0900")))
	assert.True(t, c.Profit.Equal(decimal.RequireFromString("42.50")))
	assert.Equal(t, dealAt, c.OccurredAt)
	assert.Empty(t, second.Pending)
	assert.Equal(t, dealAt, second.DealsUntil)
}

func TestReconcileKeepsCursorBelowPendingDeals(t *testing.T) {
	r := service.NewReconciler()
	open := snap(5, "EURUSD", model.SideBuy, "0.10", "1.0850")
	gone := snap(6, "EURUSD", model.SideBuy, "0.10", "1.0850")
	partialAt := t0.Add(-5 * time.Second)

	plan := r.Reconcile(service.Input{
		Baseline: service.NewBaseline(open, gone),
		Current:  []model.PositionSnapshot{open},
		ClosedDeals: []model.TradeEvent{
			deal(5, "1.0860", "1.00", partialAt),
			deal(6, "1.0870", "2.00", t0.Add(-time.Second)),
		},
		FetchedAt: t0,
	})

	require.Len(t, plan.Closed, 1)
	assert.Equal(t, int64(6), plan.Closed[0].Ticket)
	assert.Equal(t, partialAt.Add(-time.Millisecond), plan.DealsUntil)
}

func TestReconcileReleasesStalePendingDeal(t *testing.T) {
	r := service.NewReconciler()
	p := snap(5, "EURUSD", model.SideBuy, "0.10", "1.0850")
	old := t0.Add(-25 * time.Hour)

	plan := r.Reconcile(service.Input{
		Baseline:  service.NewBaseline(p),
		Current:   []model.PositionSnapshot{p},
		Pending:   map[int64]model.TradeEvent{5: deal(5, "1.0860", "1.00", old)},
		FetchedAt: t0,
	})

	assert.True(t, plan.Empty())
	assert.Empty(t, plan.Pending)
	assert.Equal(t, old, plan.DealsUntil)
}

func TestReconcileRejectedSnapshotKeepsBaselineTicketOpen(t *testing.T) {
	r := service.NewReconciler()
	p := snap(9, "EURUSD", model.SideBuy, "0.10", "1.0850")
	broken := p
	broken.Volume = decimal.Zero

	plan := r.Reconcile(service.Input{
		Baseline:  service.NewBaseline(p),
		Current:   []model.PositionSnapshot{broken},
		FetchedAt: t0,
	})

	require.Len(t, plan.Rejected, 1)
	assert.True(t, domain.IsValidation(plan.Rejected[0]))
	assert.True(t, plan.Empty())
	assert.Empty(t, plan.Removed)
	assert.Empty(t, plan.Upserts)
	assert.Equal(t, []int64{9}, plan.Held)
	last, ok := plan.Next.Last(9)
	require.True(t, ok)
	assert.True(t, last.Volume.Equal(p.Volume))

	// valid again on the next tick: still the same open position
	again := r.Reconcile(service.Input{
		Baseline:  plan.Next,
		Current:   []model.PositionSnapshot{p},
		FetchedAt: t0.Add(time.Second),
	})
	assert.Empty(t, again.Rejected)
	assert.True(t, again.Empty())
	assert.Equal(t, []int64{9}, again.Unchanged)
}

func TestReconcileDuplicateSnapshotOfBaselineTicketIsNotAClose(t *testing.T) {
	r := service.NewReconciler()
	p := snap(9, "EURUSD", model.SideBuy, "0.10", "1.0850")

	plan := r.Reconcile(service.Input{
		Baseline:  service.NewBaseline(p),
		Current:   []model.PositionSnapshot{p, p},
		FetchedAt: t0,
	})

	require.Len(t, plan.Rejected, 1)
	assert.ErrorIs(t, plan.Rejected[0], domain.ErrDuplicateTicket)
	assert.True(t, plan.Empty())
	assert.Equal(t, []int64{9}, plan.Unchanged)
	assert.True(t, plan.Next.Has(9))
}

func TestReconcileRejectsInvalidAndDuplicateSnapshots(t *testing.T) {
	r := service.NewReconciler()
	good := snap(1, "EURUSD", model.SideBuy, "0.10", "1.0850")
	noSymbol := snap(2, "", model.SideBuy, "0.10", "1.0850")
	zeroVol := snap(3, "EURUSD", model.SideBuy, "0", "1.0850")

	plan := r.Reconcile(service.Input{
		Current:   []model.PositionSnapshot{good, noSymbol, zeroVol, good},
		FetchedAt: t0,
	})

	require.Len(t, plan.Rejected, 3)
	for _, err := range plan.Rejected {
		assert.True(t, domain.IsValidation(err), err)
	}
	assert.ErrorIs(t, plan.Rejected[2], domain.ErrDuplicateTicket)
	assert.Len(t, plan.Opened, 1)
	assert.Equal(t, 1, plan.Next.Len())
}

func TestReconcileRejectsReusedTicket(t *testing.T) {
	r := service.NewReconciler()
	p := snap(9, "EURUSD", model.SideBuy, "0.10", "1.0850")

	plan := r.Reconcile(service.Input{
		Current:   []model.PositionSnapshot{p},
		Closed:    map[int64]time.Time{9: t0.Add(-time.Hour)},
		FetchedAt: t0,
	})

	require.Len(t, plan.Rejected, 1)
	assert.ErrorIs(t, plan.Rejected[0], domain.ErrTicketReused)
	assert.True(t, plan.Empty())
	assert.False(t, plan.Next.Has(9))
}

func TestReconcileRejectsInvalidDeal(t *testing.T) {
	r := service.NewReconciler()
	bad := deal(4, "1.0", "0", t0)
	bad.Symbol = ""

	plan := r.Reconcile(service.Input{ClosedDeals: []model.TradeEvent{bad}, FetchedAt: t0})

	require.Len(t, plan.Rejected, 1)
	assert.Empty(t, plan.Flash)
	assert.True(t, plan.DealsUntil.IsZero())
}

func TestReconcileOrdersByTicket(t *testing.T) {
	r := service.NewReconciler()
	plan := r.Reconcile(service.Input{
		Current: []model.PositionSnapshot{
			snap(30, "EURUSD", model.SideBuy, "1", "1"),
			snap(10, "EURUSD", model.SideBuy, "1", "1"),
			snap(20, "EURUSD", model.SideBuy, "1", "1"),
		},
		FetchedAt: t0,
	})

	require.Len(t, plan.Opened, 3)
	assert.Equal(t, []int64{10, 20, 30}, []int64{plan.Opened[0].Ticket, plan.Opened[1].Ticket, plan.Opened[2].Ticket})
	assert.Equal(t, []int64{10, 20, 30}, plan.Next.Tickets())
}
