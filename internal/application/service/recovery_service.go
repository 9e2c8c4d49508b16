package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/application/retry"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/domain/model"
	dsvc "mt5bridge/internal/domain/service"
)

// Recovered is the state rebuilt from the store at startup.
type Recovered struct {
	Baseline dsvc.Baseline
	Cursor   time.Time
	// FromPositions and FromTrades count where baseline tickets came from.
	// A ticket present in both counts as a position.
	FromPositions int
	FromTrades    int
}

// RecoveryService derives the reconciliation baseline from durable state:
// tickets in the position table plus tickets with an OPEN and no CLOSE.
type RecoveryService struct {
	store port.Store
	retry *retry.Controller
}

func NewRecoveryService(store port.Store, rc *retry.Controller) *RecoveryService {
	return &RecoveryService{store: store, retry: rc}
}

// Recover returns a fatal failure when the store cannot be read.
func (s *RecoveryService) Recover(ctx context.Context, now time.Time) (Recovered, error) {
	positions, err := retry.Do(ctx, s.retry, "recovery.ListPositions", s.store.ListPositions)
	if err != nil {
		return Recovered{}, domain.Fatal("recovery", err)
	}
	opens, err := retry.Do(ctx, s.retry, "recovery.ListOpenWithoutClose", s.store.ListOpenWithoutClose)
	if err != nil {
		return Recovered{}, domain.Fatal("recovery", err)
	}

	type cursorResult struct {
		at time.Time
		ok bool
	}
	cur, err := retry.Do(ctx, s.retry, "recovery.GetCursor", func(ctx context.Context) (cursorResult, error) {
		at, ok, err := s.store.GetCursor(ctx)
		return cursorResult{at, ok}, err
	})
	if err != nil {
		return Recovered{}, domain.Fatal("recovery", err)
	}

	rec := Recovered{Cursor: cur.at}
	if !cur.ok {
		rec.Cursor = StartOfDay(now)
	}

	seen := make(map[int64]bool, len(positions)+len(opens))
	snaps := make([]model.PositionSnapshot, 0, len(positions)+len(opens))
	for _, p := range positions {
		if seen[p.Ticket] {
			continue
		}
		seen[p.Ticket] = true
		snaps = append(snaps, p)
		rec.FromPositions++
	}
	for _, ev := range opens {
		if seen[ev.Ticket] {
			continue
		}
		seen[ev.Ticket] = true
		snaps = append(snaps, model.SnapshotFromOpen(ev))
		rec.FromTrades++
	}
	rec.Baseline = dsvc.NewBaseline(snaps...)

	log.Info().
		Int("positions", rec.FromPositions).
		Int("open_trades", rec.FromTrades).
		Time("cursor", rec.Cursor).
		Msg("baseline recovered")
	return rec, nil
}

// StartOfDay is 00:00 UTC of t's day, the cursor of a fresh store.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
