package service

import (
	"context"
	"time"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/application/retry"
	"mt5bridge/internal/domain/model"
)

// SourceService reads the terminal through the retry controller.
type SourceService struct {
	src   port.Source
	retry *retry.Controller
}

func NewSourceService(src port.Source, rc *retry.Controller) *SourceService {
	return &SourceService{src: src, retry: rc}
}

func (s *SourceService) Name() string { return s.src.Name() }

func (s *SourceService) FetchOpenPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	return retry.Do(ctx, s.retry, "source.OpenPositions", s.src.ListOpenPositions)
}

// FetchClosedDealsSince returns closing deals strictly newer than cursor.
func (s *SourceService) FetchClosedDealsSince(ctx context.Context, cursor time.Time) ([]model.TradeEvent, error) {
	deals, err := retry.Do(ctx, s.retry, "source.ClosedDeals", func(ctx context.Context) ([]model.TradeEvent, error) {
		return s.src.ListClosedDealsSince(ctx, cursor)
	})
	if err != nil {
		return nil, err
	}
	out := deals[:0]
	for _, d := range deals {
		if d.OccurredAt.After(cursor) {
			out = append(out, d)
		}
	}
	return out, nil
}
