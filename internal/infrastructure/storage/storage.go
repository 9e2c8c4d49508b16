// Package storage holds the in-memory Store and the driver names shared by
// the concrete backends in its subpackages.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/domain/model"
)

// Driver names accepted in configuration.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

var _ port.Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process. It enforces the same uniqueness
// rules as the SQL stores and is used for dry runs and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[int64]model.PositionSnapshot
	trades    []model.TradeEvent
	keys      map[model.TradeKey]struct{}
	hb        *model.Heartbeat
	cursor    *time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[int64]model.PositionSnapshot),
		keys:      make(map[model.TradeKey]struct{}),
	}
}

func (s *MemoryStore) UpsertPositions(ctx context.Context, positions []model.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range positions {
		s.positions[p.Ticket] = p
	}
	return nil
}

func (s *MemoryStore) DeletePositions(ctx context.Context, tickets []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickets {
		delete(s.positions, t)
	}
	return nil
}

func (s *MemoryStore) ListPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PositionSnapshot, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (s *MemoryStore) InsertTradeIfAbsent(ctx context.Context, ev model.TradeEvent) (model.InsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[ev.Key()]; ok {
		return model.Duplicate, nil
	}
	s.keys[ev.Key()] = struct{}{}
	ev.OpenPrice, ev.OpenedAt = nil, nil
	s.trades = append(s.trades, ev)
	return model.Inserted, nil
}

func (s *MemoryStore) ListOpenWithoutClose(ctx context.Context) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.TradeEvent
	for _, e := range s.trades {
		if e.Action != model.ActionOpen {
			continue
		}
		if _, closed := s.keys[model.TradeKey{Ticket: e.Ticket, Action: model.ActionClose}]; closed {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

// ListTrades returns the newest events first. limit <= 0 means all.
func (s *MemoryStore) ListTrades(ctx context.Context, limit int) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TradeEvent, 0, len(s.trades))
	for i := len(s.trades) - 1; i >= 0; i-- {
		out = append(out, s.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SetHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hb = &hb
	return nil
}

func (s *MemoryStore) GetHeartbeat(ctx context.Context) (*model.Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hb == nil {
		return nil, nil
	}
	hb := *s.hb
	return &hb, nil
}

func (s *MemoryStore) GetCursor(ctx context.Context) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cursor == nil {
		return time.Time{}, false, nil
	}
	return *s.cursor, true, nil
}

func (s *MemoryStore) SetCursor(ctx context.Context, cursor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = &cursor
	return nil
}

func (s *MemoryStore) Close() error { return nil }
