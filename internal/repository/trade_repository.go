package repository

import (
	"context"
	"database/sql"
	"time"

	"tradeengine/internal/models"
)

// TradeRepository - журнал закрытых сделок (только добавление)
type TradeRepository struct {
	db   *sql.DB
	mode models.TradingMode
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB, mode models.TradingMode) *TradeRepository {
	return &TradeRepository{db: db, mode: mode}
}

// Create записывает сделку
func (r *TradeRepository) Create(ctx context.Context, t *models.Trade) error {
	query := `
		INSERT INTO trades (id, mode, position_id, signal_id, symbol, side, quantity, entry_price, exit_price,
			realized_pnl, fees, slippage, opened_at, closed_at, close_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.db.ExecContext(ctx, query,
		t.ID,
		string(r.mode),
		t.PositionID,
		t.SignalID,
		t.Symbol,
		string(t.Side),
		t.Quantity,
		t.EntryPrice,
		t.ExitPrice,
		t.RealizedPnL,
		t.Fees,
		t.Slippage,
		t.OpenedAt.UTC(),
		t.ClosedAt.UTC(),
		string(t.CloseReason),
	)
	return err
}

const tradeColumns = `id, position_id, signal_id, symbol, side, quantity, entry_price, exit_price, realized_pnl,
		fees, slippage, opened_at, closed_at, close_reason`

// Recent возвращает последние limit сделок
func (r *TradeRepository) Recent(ctx context.Context, limit int) ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades
		WHERE mode = $1
		ORDER BY closed_at DESC
		LIMIT $2`

	return r.list(ctx, query, string(r.mode), limit)
}

// ClosedSince возвращает сделки, закрытые начиная с from (старые первыми)
func (r *TradeRepository) ClosedSince(ctx context.Context, from time.Time) ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + `
		FROM trades
		WHERE mode = $1 AND closed_at >= $2
		ORDER BY closed_at ASC`

	return r.list(ctx, query, string(r.mode), from.UTC())
}

func (r *TradeRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*models.Trade
	for rows.Next() {
		var (
			t                  models.Trade
			side, reason       string
			openedAt, closedAt time.Time
		)
		err := rows.Scan(
			&t.ID,
			&t.PositionID,
			&t.SignalID,
			&t.Symbol,
			&side,
			&t.Quantity,
			&t.EntryPrice,
			&t.ExitPrice,
			&t.RealizedPnL,
			&t.Fees,
			&t.Slippage,
			&openedAt,
			&closedAt,
			&reason,
		)
		if err != nil {
			return nil, err
		}

		t.Side = models.PositionSide(side)
		t.CloseReason = models.CloseReason(reason)
		t.OpenedAt = openedAt.UTC()
		t.ClosedAt = closedAt.UTC()
		t.Duration = t.ClosedAt.Sub(t.OpenedAt)
		trades = append(trades, &t)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return trades, nil
}
