package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/domain/model"
	"mt5bridge/internal/infrastructure/storage"
)

// Repo stores decimals as TEXT and times as unix milliseconds.
type Repo struct {
	db  *sql.DB
	now func() time.Time
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db, now: time.Now}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB {
	return r.db
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;

CREATE TABLE IF NOT EXISTS positions (
  ticket INTEGER PRIMARY KEY,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  volume TEXT NOT NULL,
  open_price TEXT NOT NULL,
  current_price TEXT,
  profit TEXT,
  swap TEXT,
  commission TEXT,
  comment TEXT,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  ticket INTEGER NOT NULL,
  action TEXT NOT NULL CHECK (action IN ('OPEN', 'CLOSE')),
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  volume TEXT NOT NULL,
  price TEXT NOT NULL,
  profit TEXT,
  swap TEXT,
  commission TEXT,
  comment TEXT,
  occurred_at INTEGER NOT NULL,
  source TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE(ticket, action),
  UNIQUE(ticket, action, occurred_at)
);
CREATE INDEX IF NOT EXISTS idx_trades_occurred ON trades(occurred_at);

CREATE TABLE IF NOT EXISTS bridge_status (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  instance_id TEXT,
  status TEXT,
  last_seen_at INTEGER,
  open_position_count INTEGER,
  last_error TEXT,
  started_at INTEGER,
  last_close_check INTEGER
);
`)
	return err
}

func (r *Repo) UpsertPositions(ctx context.Context, positions []model.PositionSnapshot) error {
	if len(positions) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("sqlite.UpsertPositions", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions(ticket, symbol, side, volume, open_price, current_price, profit, swap, commission, comment, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket) DO UPDATE SET
		symbol=excluded.symbol, side=excluded.side, volume=excluded.volume, open_price=excluded.open_price,
		current_price=excluded.current_price, profit=excluded.profit, swap=excluded.swap,
		commission=excluded.commission, comment=excluded.comment, updated_at=excluded.updated_at
	`)
	if err != nil {
		return wrap("sqlite.UpsertPositions", err)
	}
	defer stmt.Close()

	for _, p := range positions {
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = r.now()
		}
		_, err := stmt.ExecContext(ctx,
			p.Ticket, p.Symbol, string(p.Side), p.Volume.String(), p.OpenPrice.String(),
			storage.NullDec(p.CurrentPrice), storage.NullDec(p.Profit), storage.NullDec(p.Swap),
			storage.NullDec(p.Commission), storage.NullStr(p.Comment), updated.UnixMilli())
		if err != nil {
			return wrap("sqlite.UpsertPositions", err)
		}
	}
	return wrap("sqlite.UpsertPositions", tx.Commit())
}

func (r *Repo) DeletePositions(ctx context.Context, tickets []int64) error {
	if len(tickets) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("sqlite.DeletePositions", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range tickets {
		if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE ticket=?`, t); err != nil {
			return wrap("sqlite.DeletePositions", err)
		}
	}
	return wrap("sqlite.DeletePositions", tx.Commit())
}

func (r *Repo) ListPositions(ctx context.Context) ([]model.PositionSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ticket, symbol, side, volume, open_price, current_price, profit, swap, commission, comment, updated_at
		FROM positions ORDER BY ticket`)
	if err != nil {
		return nil, wrap("sqlite.ListPositions", err)
	}
	defer rows.Close()

	var out []model.PositionSnapshot
	for rows.Next() {
		var (
			p                              model.PositionSnapshot
			side                           string
			current, profit, swap, commiss decimal.NullDecimal
			comment                        sql.NullString
			updated                        int64
		)
		if err := rows.Scan(&p.Ticket, &p.Symbol, &side, &p.Volume, &p.OpenPrice,
			&current, &profit, &swap, &commiss, &comment, &updated); err != nil {
			return nil, wrap("sqlite.ListPositions", err)
		}
		p.Side = model.Side(side)
		p.CurrentPrice = storage.DecPtr(current)
		p.Profit = storage.DecPtr(profit)
		p.Swap = storage.DecPtr(swap)
		p.Commission = storage.DecPtr(commiss)
		p.Comment = storage.StrPtr(comment)
		p.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("sqlite.ListPositions", err)
	}
	return out, nil
}

func (r *Repo) SetHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bridge_status(id, instance_id, status, last_seen_at, open_position_count, last_error, started_at)
		VALUES(1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		instance_id=excluded.instance_id, status=excluded.status, last_seen_at=excluded.last_seen_at,
		open_position_count=excluded.open_position_count, last_error=excluded.last_error, started_at=excluded.started_at
	`, hb.InstanceID, string(hb.Status), hb.LastSeenAt.UnixMilli(), hb.OpenPositionCount,
		storage.NullStr(hb.LastError), hb.StartedAt.UnixMilli())
	return wrap("sqlite.SetHeartbeat", err)
}

func (r *Repo) GetHeartbeat(ctx context.Context) (*model.Heartbeat, error) {
	var (
		instance, status, lastErr sql.NullString
		seen, started             sql.NullInt64
		count                     sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT instance_id, status, last_seen_at, open_position_count, last_error, started_at
		FROM bridge_status WHERE id=1`).
		Scan(&instance, &status, &seen, &count, &lastErr, &started)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("sqlite.GetHeartbeat", err)
	}
	if !status.Valid {
		return nil, nil
	}
	return &model.Heartbeat{
		InstanceID:        instance.String,
		Status:            model.BridgeStatus(status.String),
		LastSeenAt:        time.UnixMilli(seen.Int64).UTC(),
		OpenPositionCount: int(count.Int64),
		LastError:         storage.StrPtr(lastErr),
		StartedAt:         time.UnixMilli(started.Int64).UTC(),
	}, nil
}

func (r *Repo) GetCursor(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT last_close_check FROM bridge_status WHERE id=1`).Scan(&ms)
	if err == sql.ErrNoRows || (err == nil && !ms.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrap("sqlite.GetCursor", err)
	}
	return time.UnixMilli(ms.Int64).UTC(), true, nil
}

func (r *Repo) SetCursor(ctx context.Context, cursor time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bridge_status(id, last_close_check) VALUES(1, ?)
		ON CONFLICT(id) DO UPDATE SET last_close_check=excluded.last_close_check
	`, cursor.UnixMilli())
	return wrap("sqlite.SetCursor", err)
}

var _ port.Store = (*Repo)(nil)
