package bridge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5bridge/internal/application/retry"
	"mt5bridge/internal/application/service"
	"mt5bridge/internal/application/usecase/bridge"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/domain/model"
	"mt5bridge/internal/infrastructure/storage"
)

var errUnreachable = domain.Connectivity("test", errors.New("unreachable"))

type fakeTerminal struct {
	mu            sync.Mutex
	positions     []model.PositionSnapshot
	deals         []model.TradeEvent
	failPositions bool
	failDeals     bool
}

func (f *fakeTerminal) Name() string { return "fake" }

func (f *fakeTerminal) set(ps ...model.PositionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = ps
}

func (f *fakeTerminal) ListOpenPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPositions {
		return nil, errUnreachable
	}
	return append([]model.PositionSnapshot(nil), f.positions...), nil
}

func (f *fakeTerminal) ListClosedDealsSince(ctx context.Context, since time.Time) ([]model.TradeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDeals {
		return nil, errUnreachable
	}
	var out []model.TradeEvent
	for _, d := range f.deals {
		if d.OccurredAt.After(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

// flakyStore fails writes while down is set. upsertDown fails only position
// upserts, after trade inserts went through.
type flakyStore struct {
	*storage.MemoryStore
	mu         sync.Mutex
	down       bool
	upsertDown bool
}

func (s *flakyStore) setUpsertDown(v bool) {
	s.mu.Lock()
	s.upsertDown = v
	s.mu.Unlock()
}

func (s *flakyStore) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

func (s *flakyStore) isDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *flakyStore) UpsertPositions(ctx context.Context, ps []model.PositionSnapshot) error {
	s.mu.Lock()
	down := s.down || s.upsertDown
	s.mu.Unlock()
	if down {
		return errUnreachable
	}
	return s.MemoryStore.UpsertPositions(ctx, ps)
}

func (s *flakyStore) InsertTradeIfAbsent(ctx context.Context, ev model.TradeEvent) (model.InsertOutcome, error) {
	if s.isDown() {
		return 0, errUnreachable
	}
	return s.MemoryStore.InsertTradeIfAbsent(ctx, ev)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func newBridge(store *flakyStore, term *fakeTerminal, clk *clock) *bridge.Service {
	rc := retry.New(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		retry.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }))
	return bridge.NewService(bridge.ServiceDeps{
		Source:       service.NewSourceService(term, rc),
		Sink:         service.NewSinkService(store, nil, rc),
		Recovery:     service.NewRecoveryService(store, rc),
		PollInterval: 10 * time.Millisecond,
		OfflineAfter: 2,
		InstanceID:   "test",
		Now:          clk.Now,
	})
}

func pos(ticket int64) model.PositionSnapshot {
	return model.PositionSnapshot{
		Ticket:       ticket,
		Symbol:       "EURUSD",
		Side:         model.SideBuy,
		Volume:       decimal.RequireFromString("0.10"),
		OpenPrice:    decimal.RequireFromString("1.0850"),
		CurrentPrice: model.Dec(decimal.RequireFromString("1.0861")),
		Profit:       model.Dec(decimal.RequireFromString("11.00")),
	}
}

func trades(t *testing.T, store *flakyStore, ticket int64) []model.Action {
	t.Helper()
	all, err := store.ListTrades(context.Background(), 0)
	require.NoError(t, err)
	var out []model.Action
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Ticket == ticket {
			out = append(out, all[i].Action)
		}
	}
	return out
}

func TestEndToEndOpenThenClose(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	term := &fakeTerminal{}
	svc := newBridge(store, term, newClock())
	ctx := context.Background()

	st, err := svc.Start(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Baseline.Len())

	term.set(pos(1))
	st, rep, err := svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Opened)
	assert.Equal(t, []int64{1}, st.Baseline.Tickets())

	term.set()
	st, rep, err = svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)
	assert.Equal(t, 1, rep.Synthesized)
	assert.Zero(t, st.Baseline.Len())

	st, rep, err = svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.True(t, rep.Quiet())
	assert.Zero(t, st.Baseline.Len())

	assert.Equal(t, []model.Action{model.ActionOpen, model.ActionClose}, trades(t, store, 1))
	rows, err := store.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRestartClosesTicketMissedWhileDown(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	ctx := context.Background()
	open := model.OpenEvent(pos(100), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	_, err := store.InsertTradeIfAbsent(ctx, open)
	require.NoError(t, err)

	term := &fakeTerminal{}
	svc := newBridge(store, term, newClock())
	st, err := svc.Start(ctx)
	require.NoError(t, err)
	require.True(t, st.Baseline.Has(100))

	_, rep, err := svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)
	assert.Equal(t, []model.Action{model.ActionOpen, model.ActionClose}, trades(t, store, 100))
}

func TestRestartDoesNotReopenKnownTicket(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	ctx := context.Background()
	p := pos(200)
	require.NoError(t, store.UpsertPositions(ctx, []model.PositionSnapshot{p}))
	_, err := store.InsertTradeIfAbsent(ctx, model.OpenEvent(p, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	term := &fakeTerminal{}
	term.set(p)
	svc := newBridge(store, term, newClock())
	st, err := svc.Start(ctx)
	require.NoError(t, err)

	_, rep, err := svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Zero(t, rep.Opened)
	assert.Zero(t, rep.Duplicates)
	assert.Equal(t, []model.Action{model.ActionOpen}, trades(t, store, 200))
}

func TestFlashTicketOpensThenCloses(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	clk := newClock()
	term := &fakeTerminal{}
	svc := newBridge(store, term, clk)
	ctx := context.Background()

	st, err := svc.Start(ctx)
	require.NoError(t, err)

	term.deals = []model.TradeEvent{{
		Ticket:     300,
		Action:     model.ActionClose,
		Symbol:     "XAUUSD",
		Side:       model.SideSell,
		Volume:     decimal.RequireFromString("0.01"),
		Price:      decimal.RequireFromString("2310.10"),
		Profit:     model.Dec(decimal.RequireFromString("-1.20")),
		OccurredAt: st.Cursor.Add(time.Hour),
		Source:     model.SourceTerminal,
	}}

	next, rep, err := svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Flash)
	assert.Equal(t, []model.Action{model.ActionOpen, model.ActionClose}, trades(t, store, 300))
	assert.Equal(t, st.Cursor.Add(time.Hour), next.Cursor)

	saved, ok, err := store.GetCursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, next.Cursor, saved)

	// the same deal is not replayed on the following tick
	_, rep, err = svc.Tick(ctx, next)
	require.NoError(t, err)
	assert.True(t, rep.Quiet())
}

func TestFailedTickPreservesBaseline(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	term := &fakeTerminal{}
	svc := newBridge(store, term, newClock())
	ctx := context.Background()

	st, err := svc.Start(ctx)
	require.NoError(t, err)
	term.set(pos(1), pos(2))
	st, _, err = svc.Tick(ctx, st)
	require.NoError(t, err)

	store.setDown(true)
	term.set(pos(2))
	after, _, err := svc.Tick(ctx, st)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectivity)
	assert.Equal(t, []int64{1, 2}, after.Baseline.Tickets())

	store.setDown(false)
	after, rep, err := svc.Tick(ctx, after)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)
	assert.Equal(t, []int64{2}, after.Baseline.Tickets())
	assert.Equal(t, []model.Action{model.ActionOpen, model.ActionClose}, trades(t, store, 1))
	assert.Equal(t, []model.Action{model.ActionOpen}, trades(t, store, 2))
}

func TestStoredOpenOfFailedTickIsClosedLater(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	term := &fakeTerminal{}
	svc := newBridge(store, term, newClock())
	ctx := context.Background()

	st, err := svc.Start(ctx)
	require.NoError(t, err)

	// OPEN is written, then the position upsert fails
	term.set(pos(8))
	store.setUpsertDown(true)
	st, _, err = svc.Tick(ctx, st)
	require.Error(t, err)
	assert.Zero(t, st.Baseline.Len())
	assert.Equal(t, []model.Action{model.ActionOpen}, trades(t, store, 8))

	store.setUpsertDown(false)
	st, rep, err := svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Zero(t, rep.Opened)
	assert.Zero(t, rep.Duplicates)
	assert.Equal(t, []int64{8}, st.Baseline.Tickets())
	assert.Empty(t, st.Opened)

	term.set()
	st, rep, err = svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)
	assert.Equal(t, []model.Action{model.ActionOpen, model.ActionClose}, trades(t, store, 8))
}

func TestStoredOpenOfFailedTickClosesWithoutRetryingTick(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	term := &fakeTerminal{}
	svc := newBridge(store, term, newClock())
	ctx := context.Background()

	st, err := svc.Start(ctx)
	require.NoError(t, err)

	term.set(pos(8))
	store.setUpsertDown(true)
	st, _, err = svc.Tick(ctx, st)
	require.Error(t, err)

	// gone before the store recovered
	store.setUpsertDown(false)
	term.set()
	st, rep, err := svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)
	assert.Zero(t, st.Baseline.Len())
	assert.Equal(t, []model.Action{model.ActionOpen, model.ActionClose}, trades(t, store, 8))
}

func TestInvalidSnapshotDoesNotCloseOpenTicket(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	term := &fakeTerminal{}
	svc := newBridge(store, term, newClock())
	ctx := context.Background()

	st, err := svc.Start(ctx)
	require.NoError(t, err)
	term.set(pos(9))
	st, _, err = svc.Tick(ctx, st)
	require.NoError(t, err)

	broken := pos(9)
	broken.Volume = decimal.Zero
	term.set(broken)
	st, rep, err := svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rejected)
	assert.Zero(t, rep.Closed)
	assert.Equal(t, []int64{9}, st.Baseline.Tickets())

	term.set(pos(9))
	st, rep, err = svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Zero(t, rep.Rejected)
	assert.Zero(t, rep.Opened)
	assert.Equal(t, []int64{9}, st.Baseline.Tickets())

	assert.Equal(t, []model.Action{model.ActionOpen}, trades(t, store, 9))
	rows, err := store.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(9), rows[0].Ticket)
}

func closingDeal(ticket int64, at time.Time) model.TradeEvent {
	return model.TradeEvent{
		Ticket:     ticket,
		Action:     model.ActionClose,
		Symbol:     "EURUSD",
		Side:       model.SideBuy,
		Volume:     decimal.RequireFromString("0.10"),
		Price:      decimal.RequireFromString("1.0900"),
		Profit:     model.Dec(decimal.RequireFromString("42.50")),
		OccurredAt: at,
		Source:     model.SourceTerminal,
	}
}

func storedClose(t *testing.T, store *flakyStore, ticket int64) model.TradeEvent {
	t.Helper()
	all, err := store.ListTrades(context.Background(), 0)
	require.NoError(t, err)
	for _, ev := range all {
		if ev.Ticket == ticket && ev.Action == model.ActionClose {
			return ev
		}
	}
	t.Fatalf("no CLOSE for ticket %d", ticket)
	return model.TradeEvent{}
}

func TestDealOfListedTicketIsUsedWhenItDisappears(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	term := &fakeTerminal{}
	svc := newBridge(store, term, newClock())
	ctx := context.Background()

	st, err := svc.Start(ctx)
	require.NoError(t, err)
	term.set(pos(7))
	st, _, err = svc.Tick(ctx, st)
	require.NoError(t, err)

	// still listed while its closing deal is already reported
	dealAt := st.Cursor.Add(time.Hour)
	term.deals = []model.TradeEvent{closingDeal(7, dealAt)}
	cursor := st.Cursor
	st, rep, err := svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Zero(t, rep.Closed)
	assert.Contains(t, st.Pending, int64(7))
	assert.Equal(t, cursor, st.Cursor)

	term.set()
	st, rep, err = svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)
	assert.Zero(t, rep.Synthesized)
	assert.Equal(t, dealAt, st.Cursor)

	c := storedClose(t, store, 7)
	assert.Equal(t, model.SourceTerminal, c.Source)
	assert.True(t, c.Price.Equal(decimal.RequireFromString("1.0900")))
	assert.True(t, c.Profit.Equal(decimal.RequireFromString("42.50")))
	assert.Equal(t, dealAt, c.OccurredAt)

	_, rep, err = svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.True(t, rep.Quiet())
}

func TestDealOfListedTicketSurvivesRestart(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	term := &fakeTerminal{}
	clk := newClock()
	svc := newBridge(store, term, clk)
	ctx := context.Background()

	st, err := svc.Start(ctx)
	require.NoError(t, err)
	term.set(pos(7))
	st, _, err = svc.Tick(ctx, st)
	require.NoError(t, err)

	dealAt := st.Cursor.Add(time.Hour)
	term.deals = []model.TradeEvent{closingDeal(7, dealAt)}
	_, _, err = svc.Tick(ctx, st)
	require.NoError(t, err)

	restarted := newBridge(store, term, clk)
	st, err = restarted.Start(ctx)
	require.NoError(t, err)
	require.True(t, st.Baseline.Has(7))

	term.set()
	_, rep, err := restarted.Tick(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Closed)
	assert.Zero(t, rep.Synthesized)
	assert.Equal(t, model.SourceTerminal, storedClose(t, store, 7).Source)
}

func TestDealsOutageSynthesizesAndKeepsCursor(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	term := &fakeTerminal{}
	svc := newBridge(store, term, newClock())
	ctx := context.Background()

	st, err := svc.Start(ctx)
	require.NoError(t, err)
	term.set(pos(5))
	st, _, err = svc.Tick(ctx, st)
	require.NoError(t, err)

	term.set()
	term.failDeals = true
	cursor := st.Cursor
	st, rep, err := svc.Tick(ctx, st)
	require.NoError(t, err)
	require.Len(t, rep.Contained, 1)
	assert.Equal(t, 1, rep.Synthesized)
	assert.Equal(t, cursor, st.Cursor)

	// the late authoritative deal does not produce a second close
	term.failDeals = false
	term.deals = []model.TradeEvent{{
		Ticket: 5, Action: model.ActionClose, Symbol: "EURUSD", Side: model.SideBuy,
		Volume: decimal.RequireFromString("0.10"), Price: decimal.RequireFromString("1.0870"),
		OccurredAt: cursor.Add(time.Minute), Source: model.SourceTerminal,
	}}
	_, rep, err = svc.Tick(ctx, st)
	require.NoError(t, err)
	assert.Zero(t, rep.Flash)
	assert.Equal(t, []model.Action{model.ActionOpen, model.ActionClose}, trades(t, store, 5))
}

func TestStartFailureIsFatal(t *testing.T) {
	svc := bridge.NewService(bridge.ServiceDeps{
		Recovery: failingRecovery{},
		Now:      newClock().Now,
	})

	err := svc.Run(context.Background())

	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.Equal(t, bridge.PhaseFatal, svc.Phase())
}

type failingRecovery struct{}

func (failingRecovery) Recover(ctx context.Context, now time.Time) (service.Recovered, error) {
	return service.Recovered{}, errUnreachable
}

func TestRunReportsHeartbeatsAndStops(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	term := &fakeTerminal{}
	term.set(pos(1))
	svc := newBridge(store, term, newClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(trades(t, store, 1)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	hb, err := store.GetHeartbeat(context.Background())
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, model.StatusOffline, hb.Status)
	assert.Equal(t, "test", hb.InstanceID)
	assert.Equal(t, bridge.PhaseStopped, svc.Phase())
}

func TestRunGoesOfflineAfterRepeatedFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	term := &fakeTerminal{failPositions: true}
	svc := newBridge(store, term, newClock())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc.Health().Status == model.StatusOffline
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, svc.Health().LastError)

	cancel()
	require.NoError(t, <-done)
}
