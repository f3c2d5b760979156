package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradeengine/internal/models"
)

// Ошибки репозитория позиций
var (
	ErrPositionNotFound = errors.New("position not found")
)

// PositionRepository - открытые позиции режима
//
// Хранятся только открытые позиции: закрытая удаляется, а её итог
// записывается в trades.
type PositionRepository struct {
	db   *sql.DB
	mode models.TradingMode
}

// NewPositionRepository создает новый экземпляр репозитория
func NewPositionRepository(db *sql.DB, mode models.TradingMode) *PositionRepository {
	return &PositionRepository{db: db, mode: mode}
}

// Upsert создаёт позицию или обновляет существующую
func (r *PositionRepository) Upsert(ctx context.Context, p *models.Position) error {
	query := `
		INSERT INTO positions (id, mode, symbol, side, quantity, entry_price, leverage, stop_loss, take_profit,
			trailing_stop_pct, peak_price, fees, slippage, signal_id, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			entry_price = EXCLUDED.entry_price,
			leverage = EXCLUDED.leverage,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			trailing_stop_pct = EXCLUDED.trailing_stop_pct,
			peak_price = EXCLUDED.peak_price,
			fees = EXCLUDED.fees,
			slippage = EXCLUDED.slippage,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		string(r.mode),
		p.Symbol,
		string(p.Side),
		p.Quantity,
		p.EntryPrice,
		p.Leverage,
		nullFloat(p.StopLoss),
		nullFloat(p.TakeProfit),
		nullFloat(p.TrailingStopPct),
		p.PeakPrice,
		p.Fees,
		p.Slippage,
		p.SignalID,
		p.OpenedAt.UTC(),
		p.UpdatedAt.UTC(),
	)
	return err
}

// Delete удаляет закрытую позицию
func (r *PositionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM positions WHERE id = $1 AND mode = $2`, id, string(r.mode))
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrPositionNotFound
	}

	return nil
}

// ListOpen возвращает все открытые позиции режима
func (r *PositionRepository) ListOpen(ctx context.Context) ([]*models.Position, error) {
	query := `
		SELECT id, symbol, side, quantity, entry_price, leverage, stop_loss, take_profit, trailing_stop_pct,
			peak_price, fees, slippage, signal_id, opened_at, updated_at
		FROM positions
		WHERE mode = $1
		ORDER BY opened_at ASC`

	rows, err := r.db.QueryContext(ctx, query, string(r.mode))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		var (
			p                   models.Position
			side                string
			sl, tp, trailing    sql.NullFloat64
			openedAt, updatedAt time.Time
		)
		err := rows.Scan(
			&p.ID,
			&p.Symbol,
			&side,
			&p.Quantity,
			&p.EntryPrice,
			&p.Leverage,
			&sl,
			&tp,
			&trailing,
			&p.PeakPrice,
			&p.Fees,
			&p.Slippage,
			&p.SignalID,
			&openedAt,
			&updatedAt,
		)
		if err != nil {
			return nil, err
		}

		p.Side = models.PositionSide(side)
		p.StopLoss = floatPtr(sl)
		p.TakeProfit = floatPtr(tp)
		p.TrailingStopPct = floatPtr(trailing)
		p.OpenedAt = openedAt.UTC()
		p.UpdatedAt = updatedAt.UTC()
		positions = append(positions, &p)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return positions, nil
}
