package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/domain"
	"mt5bridge/internal/domain/model"
	"mt5bridge/internal/infrastructure/storage"
	"mt5bridge/pkg/id"
)

const uniqueViolation = "23505"

type Repo struct {
	db *sqlx.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS positions (
  ticket BIGINT PRIMARY KEY,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  volume NUMERIC NOT NULL,
  open_price NUMERIC NOT NULL,
  current_price NUMERIC,
  profit NUMERIC,
  swap NUMERIC,
  commission NUMERIC,
  comment TEXT,
  updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  ticket BIGINT NOT NULL,
  action TEXT NOT NULL CHECK (action IN ('OPEN', 'CLOSE')),
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  volume NUMERIC NOT NULL,
  price NUMERIC NOT NULL,
  profit NUMERIC,
  swap NUMERIC,
  commission NUMERIC,
  comment TEXT,
  occurred_at TIMESTAMPTZ NOT NULL,
  source TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (ticket, action),
  UNIQUE (ticket, action, occurred_at)
);
CREATE INDEX IF NOT EXISTS idx_trades_occurred ON trades(occurred_at);

CREATE TABLE IF NOT EXISTS bridge_status (
  id INT PRIMARY KEY CHECK (id = 1),
  instance_id TEXT,
  status TEXT,
  last_seen_at TIMESTAMPTZ,
  open_position_count INT,
  last_error TEXT,
  started_at TIMESTAMPTZ,
  last_close_check TIMESTAMPTZ
);
`)
	return err
}

type positionRow struct {
	Ticket       int64               `db:"ticket"`
	Symbol       string              `db:"symbol"`
	Side         string              `db:"side"`
	Volume       decimal.Decimal     `db:"volume"`
	OpenPrice    decimal.Decimal     `db:"open_price"`
	CurrentPrice decimal.NullDecimal `db:"current_price"`
	Profit       decimal.NullDecimal `db:"profit"`
	Swap         decimal.NullDecimal `db:"swap"`
	Commission   decimal.NullDecimal `db:"commission"`
	Comment      sql.NullString      `db:"comment"`
	UpdatedAt    time.Time           `db:"updated_at"`
}

func toPositionRow(p model.PositionSnapshot) positionRow {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return positionRow{
		Ticket:       p.Ticket,
		Symbol:       p.Symbol,
		Side:         string(p.Side),
		Volume:       p.Volume,
		OpenPrice:    p.OpenPrice,
		CurrentPrice: storage.NullDec(p.CurrentPrice),
		Profit:       storage.NullDec(p.Profit),
		Swap:         storage.NullDec(p.Swap),
		Commission:   storage.NullDec(p.Commission),
		Comment:      storage.NullStr(p.Comment),
		UpdatedAt:    updated.UTC(),
	}
}

func (row positionRow) model() model.PositionSnapshot {
	return model.PositionSnapshot{
		Ticket:       row.Ticket,
		Symbol:       row.Symbol,
		Side:         model.Side(row.Side),
		Volume:       row.Volume,
		OpenPrice:    row.OpenPrice,
		CurrentPrice: storage.DecPtr(row.CurrentPrice),
		Profit:       storage.DecPtr(row.Profit),
		Swap:         storage.DecPtr(row.Swap),
		Commission:   storage.DecPtr(row.Commission),
		Comment:      storage.StrPtr(row.Comment),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
}

type tradeRow struct {
	ID         string              `db:"id"`
	Ticket     int64               `db:"ticket"`
	Action     string              `db:"action"`
	Symbol     string              `db:"symbol"`
	Side       string              `db:"side"`
	Volume     decimal.Decimal     `db:"volume"`
	Price      decimal.Decimal     `db:"price"`
	Profit     decimal.NullDecimal `db:"profit"`
	Swap       decimal.NullDecimal `db:"swap"`
	Commission decimal.NullDecimal `db:"commission"`
	Comment    sql.NullString      `db:"comment"`
	OccurredAt time.Time           `db:"occurred_at"`
	Source     string              `db:"source"`
}

func toTradeRow(ev model.TradeEvent) tradeRow {
	return tradeRow{
		ID:         ev.ID,
		Ticket:     ev.Ticket,
		Action:     string(ev.Action),
		Symbol:     ev.Symbol,
		Side:       string(ev.Side),
		Volume:     ev.Volume,
		Price:      ev.Price,
		Profit:     storage.NullDec(ev.Profit),
		Swap:       storage.NullDec(ev.Swap),
		Commission: storage.NullDec(ev.Commission),
		Comment:    storage.NullStr(ev.Comment),
		OccurredAt: ev.OccurredAt.UTC(),
		Source:     string(ev.Source),
	}
}

func (row tradeRow) model() model.TradeEvent {
	return model.TradeEvent{
		ID:         row.ID,
		Ticket:     row.Ticket,
		Action:     model.Action(row.Action),
		Symbol:     row.Symbol,
		Side:       model.Side(row.Side),
		Volume:     row.Volume,
		Price:      row.Price,
		Profit:     storage.DecPtr(row.Profit),
		Swap:       storage.DecPtr(row.Swap),
		Commission: storage.DecPtr(row.Commission),
		Comment:    storage.StrPtr(row.Comment),
		OccurredAt: row.OccurredAt.UTC(),
		Source:     model.EventSource(row.Source),
	}
}

func (r *Repo) UpsertPositions(ctx context.Context, positions []model.PositionSnapshot) error {
	if len(positions) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Connectivity("postgres.UpsertPositions", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
		INSERT INTO positions
			(ticket, symbol, side, volume, open_price, current_price, profit, swap, commission, comment, updated_at)
		VALUES
			(:ticket, :symbol, :side, :volume, :open_price, :current_price, :profit, :swap, :commission, :comment, :updated_at)
		ON CONFLICT (ticket) DO UPDATE SET
			symbol = EXCLUDED.symbol, side = EXCLUDED.side, volume = EXCLUDED.volume,
			open_price = EXCLUDED.open_price, current_price = EXCLUDED.current_price,
			profit = EXCLUDED.profit, swap = EXCLUDED.swap, commission = EXCLUDED.commission,
			comment = EXCLUDED.comment, updated_at = EXCLUDED.updated_at`
	for _, p := range positions {
		if _, err := tx.NamedExecContext(ctx, query, toPositionRow(p)); err != nil {
			return domain.Connectivity("postgres.UpsertPositions", err)
		}
	}
	return domain.Connectivity("postgres.UpsertPositions", tx.Commit())
}

func (r *Repo) DeletePositions(ctx context.Context, tickets []int64) error {
	if len(tickets) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM positions WHERE ticket IN (?)`, tickets)
	if err != nil {
		return fmt.Errorf("postgres.DeletePositions: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	return domain.Connectivity("postgres.DeletePositions", err)
}

func (r *Repo) ListPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	var rows []positionRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM positions ORDER BY ticket`); err != nil {
		return nil, domain.Connectivity("postgres.ListPositions", err)
	}
	out := make([]model.PositionSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, nil
}

func (r *Repo) InsertTradeIfAbsent(ctx context.Context, ev model.TradeEvent) (model.InsertOutcome, error) {
	if ev.ID == "" {
		ev.ID = id.At(ev.OccurredAt)
	}
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO trades
			(id, ticket, action, symbol, side, volume, price, profit, swap, commission, comment, occurred_at, source)
		VALUES
			(:id, :ticket, :action, :symbol, :side, :volume, :price, :profit, :swap, :commission, :comment, :occurred_at, :source)
		ON CONFLICT DO NOTHING`, toTradeRow(ev))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, fmt.Errorf("postgres.InsertTrade: %w", domain.ErrConflict)
		}
		return 0, domain.Connectivity("postgres.InsertTrade", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.Connectivity("postgres.InsertTrade", err)
	}
	if n == 0 {
		return model.Duplicate, nil
	}
	return model.Inserted, nil
}

const tradeColumns = `id, ticket, action, symbol, side, volume, price, profit, swap, commission, comment, occurred_at, source`

func (r *Repo) ListOpenWithoutClose(ctx context.Context) ([]model.TradeEvent, error) {
	var rows []tradeRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+tradeColumns+` FROM trades o
		WHERE o.action = 'OPEN'
		AND NOT EXISTS (SELECT 1 FROM trades c WHERE c.ticket = o.ticket AND c.action = 'CLOSE')
		ORDER BY o.ticket`)
	if err != nil {
		return nil, domain.Connectivity("postgres.ListOpenWithoutClose", err)
	}
	return tradeModels(rows), nil
}

func (r *Repo) ListTrades(ctx context.Context, limit int) ([]model.TradeEvent, error) {
	var rows []tradeRow
	var err error
	if limit > 0 {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT `+tradeColumns+` FROM trades ORDER BY occurred_at DESC, id DESC LIMIT $1`, limit)
	} else {
		err = r.db.SelectContext(ctx, &rows,
			`SELECT `+tradeColumns+` FROM trades ORDER BY occurred_at DESC, id DESC`)
	}
	if err != nil {
		return nil, domain.Connectivity("postgres.ListTrades", err)
	}
	return tradeModels(rows), nil
}

func tradeModels(rows []tradeRow) []model.TradeEvent {
	out := make([]model.TradeEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out
}

func (r *Repo) SetHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bridge_status (id, instance_id, status, last_seen_at, open_position_count, last_error, started_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			instance_id = EXCLUDED.instance_id, status = EXCLUDED.status,
			last_seen_at = EXCLUDED.last_seen_at, open_position_count = EXCLUDED.open_position_count,
			last_error = EXCLUDED.last_error, started_at = EXCLUDED.started_at`,
		hb.InstanceID, string(hb.Status), hb.LastSeenAt.UTC(), hb.OpenPositionCount,
		storage.NullStr(hb.LastError), hb.StartedAt.UTC())
	return domain.Connectivity("postgres.SetHeartbeat", err)
}

type statusRow struct {
	InstanceID sql.NullString `db:"instance_id"`
	Status     sql.NullString `db:"status"`
	LastSeenAt sql.NullTime   `db:"last_seen_at"`
	Count      sql.NullInt64  `db:"open_position_count"`
	LastError  sql.NullString `db:"last_error"`
	StartedAt  sql.NullTime   `db:"started_at"`
}

func (r *Repo) GetHeartbeat(ctx context.Context) (*model.Heartbeat, error) {
	var row statusRow
	err := r.db.GetContext(ctx, &row, `
		SELECT instance_id, status, last_seen_at, open_position_count, last_error, started_at
		FROM bridge_status WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Connectivity("postgres.GetHeartbeat", err)
	}
	if !row.Status.Valid {
		return nil, nil
	}
	return &model.Heartbeat{
		InstanceID:        row.InstanceID.String,
		Status:            model.BridgeStatus(row.Status.String),
		LastSeenAt:        row.LastSeenAt.Time.UTC(),
		OpenPositionCount: int(row.Count.Int64),
		LastError:         storage.StrPtr(row.LastError),
		StartedAt:         row.StartedAt.Time.UTC(),
	}, nil
}

func (r *Repo) GetCursor(ctx context.Context) (time.Time, bool, error) {
	var at sql.NullTime
	err := r.db.GetContext(ctx, &at, `SELECT last_close_check FROM bridge_status WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, domain.Connectivity("postgres.GetCursor", err)
	}
	if !at.Valid {
		return time.Time{}, false, nil
	}
	return at.Time.UTC(), true, nil
}

func (r *Repo) SetCursor(ctx context.Context, cursor time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bridge_status (id, last_close_check) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET last_close_check = EXCLUDED.last_close_check`, cursor.UTC())
	return domain.Connectivity("postgres.SetCursor", err)
}

var _ port.Store = (*Repo)(nil)
