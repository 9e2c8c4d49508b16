package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"mt5bridge/internal/domain/model"
	"mt5bridge/internal/infrastructure/storage"
	"mt5bridge/pkg/id"
)

const tradeColumns = `id, ticket, action, symbol, side, volume, price, profit, swap, commission, comment, occurred_at, source`

// InsertTradeIfAbsent relies on the unique indexes; an ignored insert is a
// duplicate.
func (r *Repo) InsertTradeIfAbsent(ctx context.Context, ev model.TradeEvent) (model.InsertOutcome, error) {
	if ev.ID == "" {
		ev.ID = id.At(ev.OccurredAt)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO trades(`+tradeColumns+`, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, ev.ID, ev.Ticket, string(ev.Action), ev.Symbol, string(ev.Side), ev.Volume.String(), ev.Price.String(),
		storage.NullDec(ev.Profit), storage.NullDec(ev.Swap), storage.NullDec(ev.Commission),
		storage.NullStr(ev.Comment), ev.OccurredAt.UnixMilli(), string(ev.Source), r.now().UnixMilli())
	if err != nil {
		return 0, wrap("sqlite.InsertTrade", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("sqlite.InsertTrade", err)
	}
	if n == 0 {
		return model.Duplicate, nil
	}
	return model.Inserted, nil
}

func (r *Repo) ListOpenWithoutClose(ctx context.Context) ([]model.TradeEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades o
		WHERE o.action = 'OPEN'
		AND NOT EXISTS (SELECT 1 FROM trades c WHERE c.ticket = o.ticket AND c.action = 'CLOSE')
		ORDER BY o.ticket`)
	if err != nil {
		return nil, wrap("sqlite.ListOpenWithoutClose", err)
	}
	return scanTrades(rows, "sqlite.ListOpenWithoutClose")
}

// ListTrades returns the newest events first. limit <= 0 means all.
func (r *Repo) ListTrades(ctx context.Context, limit int) ([]model.TradeEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM trades ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("sqlite.ListTrades", err)
	}
	return scanTrades(rows, "sqlite.ListTrades")
}

func scanTrades(rows *sql.Rows, op string) ([]model.TradeEvent, error) {
	defer rows.Close()

	var out []model.TradeEvent
	for rows.Next() {
		var (
			ev                       model.TradeEvent
			action, side, source     string
			profit, swap, commission decimal.NullDecimal
			comment                  sql.NullString
			occurred                 int64
		)
		if err := rows.Scan(&ev.ID, &ev.Ticket, &action, &ev.Symbol, &side, &ev.Volume, &ev.Price,
			&profit, &swap, &commission, &comment, &occurred, &source); err != nil {
			return nil, wrap(op, err)
		}
		ev.Action = model.Action(action)
		ev.Side = model.Side(side)
		ev.Source = model.EventSource(source)
		ev.Profit = storage.DecPtr(profit)
		ev.Swap = storage.DecPtr(swap)
		ev.Commission = storage.DecPtr(commission)
		ev.Comment = storage.StrPtr(comment)
		ev.OccurredAt = time.UnixMilli(occurred).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}
