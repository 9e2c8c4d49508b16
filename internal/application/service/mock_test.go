package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/domain/model"
)

var errDown = domain.Connectivity("mock", errors.New("store unreachable"))

type mockStore struct {
	mu        sync.Mutex
	positions map[int64]model.PositionSnapshot
	trades    []model.TradeEvent
	hb        *model.Heartbeat
	cursor    *time.Time

	failNext  int // calls to fail before succeeding
	failErr   error
	conflicts bool // report uniqueness violations as ErrConflict
	calls     int
}

func newMockStore() *mockStore {
	return &mockStore{positions: make(map[int64]model.PositionSnapshot)}
}

func (m *mockStore) fail() error {
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		if m.failErr != nil {
			return m.failErr
		}
		return errDown
	}
	return nil
}

func (m *mockStore) UpsertPositions(ctx context.Context, ps []model.PositionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	for _, p := range ps {
		m.positions[p.Ticket] = p
	}
	return nil
}

func (m *mockStore) DeletePositions(ctx context.Context, tickets []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	for _, t := range tickets {
		delete(m.positions, t)
	}
	return nil
}

func (m *mockStore) ListPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	out := make([]model.PositionSnapshot, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (m *mockStore) InsertTradeIfAbsent(ctx context.Context, ev model.TradeEvent) (model.InsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return 0, err
	}
	for _, e := range m.trades {
		if e.Key() == ev.Key() {
			if m.conflicts {
				return 0, domain.ErrConflict
			}
			return model.Duplicate, nil
		}
	}
	m.trades = append(m.trades, ev)
	return model.Inserted, nil
}

func (m *mockStore) ListOpenWithoutClose(ctx context.Context) ([]model.TradeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	closed := make(map[int64]bool)
	for _, e := range m.trades {
		if e.Action == model.ActionClose {
			closed[e.Ticket] = true
		}
	}
	var out []model.TradeEvent
	for _, e := range m.trades {
		if e.Action == model.ActionOpen && !closed[e.Ticket] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) ListTrades(ctx context.Context, limit int) ([]model.TradeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TradeEvent(nil), m.trades...), nil
}

func (m *mockStore) SetHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.hb = &hb
	return nil
}

func (m *mockStore) GetHeartbeat(ctx context.Context) (*model.Heartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hb, nil
}

func (m *mockStore) GetCursor(ctx context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return time.Time{}, false, err
	}
	if m.cursor == nil {
		return time.Time{}, false, nil
	}
	return *m.cursor, true, nil
}

func (m *mockStore) SetCursor(ctx context.Context, c time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	m.cursor = &c
	return nil
}

func (m *mockStore) Close() error { return nil }

type mockNotifier struct {
	changes []port.Change
	err     error
}

func (n *mockNotifier) Publish(ctx context.Context, ch port.Change) error {
	if n.err != nil {
		return n.err
	}
	n.changes = append(n.changes, ch)
	return nil
}

type mockSource struct {
	positions []model.PositionSnapshot
	deals     []model.TradeEvent
	failNext  int
	since     []time.Time
}

func (s *mockSource) Name() string { return "mock" }

func (s *mockSource) ListOpenPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	if s.failNext > 0 {
		s.failNext--
		return nil, errDown
	}
	return s.positions, nil
}

func (s *mockSource) ListClosedDealsSince(ctx context.Context, since time.Time) ([]model.TradeEvent, error) {
	s.since = append(s.since, since)
	return append([]model.TradeEvent(nil), s.deals...), nil
}
