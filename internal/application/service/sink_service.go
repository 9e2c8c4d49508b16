package service

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/application/retry"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/domain/model"
	"mt5bridge/internal/infrastructure/metrics"
	"mt5bridge/pkg/id"
)

// SinkService writes reconciled state to the store and pushes the resulting
// changes to subscribers. Store calls are retried; notifier failures are
// only logged.
type SinkService struct {
	store    port.Store
	notifier port.Notifier
	retry    *retry.Controller
	now      func() time.Time
}

// NewSinkService builds a sink. notifier may be nil.
func NewSinkService(store port.Store, notifier port.Notifier, rc *retry.Controller) *SinkService {
	return &SinkService{store: store, notifier: notifier, retry: rc, now: time.Now}
}

func (s *SinkService) UpsertPositions(ctx context.Context, positions []model.PositionSnapshot) error {
	if len(positions) == 0 {
		return nil
	}
	err := retry.Run(ctx, s.retry, "sink.UpsertPositions", func(ctx context.Context) error {
		return s.store.UpsertPositions(ctx, positions)
	})
	if err != nil {
		return err
	}
	for _, p := range positions {
		s.publish(ctx, port.TablePositions, port.OpUpdate, ticketKey(p.Ticket), p)
	}
	return nil
}

// RemovePositions drops the rows of closed tickets.
func (s *SinkService) RemovePositions(ctx context.Context, tickets []int64) error {
	if len(tickets) == 0 {
		return nil
	}
	err := retry.Run(ctx, s.retry, "sink.RemovePositions", func(ctx context.Context) error {
		return s.store.DeletePositions(ctx, tickets)
	})
	if err != nil {
		return err
	}
	for _, t := range tickets {
		s.publish(ctx, port.TablePositions, port.OpDelete, ticketKey(t), nil)
	}
	return nil
}

// InsertTradeIfAbsent appends ev unless an event with the same ticket and
// action exists. Duplicate is a success.
func (s *SinkService) InsertTradeIfAbsent(ctx context.Context, ev model.TradeEvent) (model.InsertOutcome, error) {
	if ev.ID == "" {
		ev.ID = id.At(ev.OccurredAt)
	}
	out, err := retry.Do(ctx, s.retry, "sink.InsertTrade", func(ctx context.Context) (model.InsertOutcome, error) {
		return s.store.InsertTradeIfAbsent(ctx, ev)
	})
	if err != nil {
		if !domain.IsConflict(err) {
			return 0, err
		}
		out = model.Duplicate
	}

	metrics.TradeEvents.WithLabelValues(string(ev.Action), out.String()).Inc()
	l := log.Info()
	if out == model.Duplicate {
		l = log.Debug()
	}
	l.Int64("ticket", ev.Ticket).
		Str("action", string(ev.Action)).
		Str("symbol", ev.Symbol).
		Str("price", ev.Price.String()).
		Str("source", string(ev.Source)).
		Str("outcome", out.String()).
		Msg("trade event")

	if out == model.Inserted {
		s.publish(ctx, port.TableTrades, port.OpInsert, ticketKey(ev.Ticket)+":"+string(ev.Action), ev)
	}
	return out, nil
}

func (s *SinkService) SaveCursor(ctx context.Context, cursor time.Time) error {
	return retry.Run(ctx, s.retry, "sink.SaveCursor", func(ctx context.Context) error {
		return s.store.SetCursor(ctx, cursor)
	})
}

// ReportHeartbeat overwrites the status row. Callers log the error and go on.
func (s *SinkService) ReportHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	err := retry.Run(ctx, s.retry, "sink.Heartbeat", func(ctx context.Context) error {
		return s.store.SetHeartbeat(ctx, hb)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, port.TableBridgeStatus, port.OpUpdate, "1", hb)
	return nil
}

func (s *SinkService) publish(ctx context.Context, table string, op port.ChangeOp, key string, row any) {
	if s.notifier == nil {
		return
	}
	ch := port.Change{Table: table, Op: op, Key: key, Row: row, Ts: s.now().UTC()}
	if err := s.notifier.Publish(ctx, ch); err != nil {
		log.Warn().Err(err).Str("table", table).Str("key", key).Msg("publish change failed")
	}
}

func ticketKey(t int64) string { return strconv.FormatInt(t, 10) }
