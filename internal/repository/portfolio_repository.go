package repository

import (
	"context"
	"database/sql"
	"errors"

	"tradeengine/internal/models"
)

// Ошибки репозитория портфеля
var (
	ErrPortfolioNotFound = errors.New("portfolio not found")
)

// PortfolioRepository - агрегаты счёта, одна строка на режим
type PortfolioRepository struct {
	db   *sql.DB
	mode models.TradingMode
}

// NewPortfolioRepository создает новый экземпляр репозитория
func NewPortfolioRepository(db *sql.DB, mode models.TradingMode) *PortfolioRepository {
	return &PortfolioRepository{db: db, mode: mode}
}

// Get возвращает портфель режима
func (r *PortfolioRepository) Get(ctx context.Context) (*models.Portfolio, error) {
	query := `
		SELECT balance, day_start, equity_at_day_start, daily_realized_pnl, daily_loss_limit_hit,
			consecutive_losses, cooldown_until, updated_at
		FROM portfolios
		WHERE mode = $1`

	p := &models.Portfolio{Mode: r.mode}
	var cooldown sql.NullTime
	err := r.db.QueryRowContext(ctx, query, string(r.mode)).Scan(
		&p.Balance,
		&p.DayStart,
		&p.EquityAtDayStart,
		&p.DailyRealizedPnL,
		&p.DailyLossLimitHit,
		&p.ConsecutiveLosses,
		&cooldown,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPortfolioNotFound
		}
		return nil, err
	}

	p.DayStart = p.DayStart.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if t := timePtr(cooldown); t != nil {
		utc := t.UTC()
		p.CooldownUntil = &utc
	}

	return p, nil
}

// Save записывает портфель целиком (upsert по mode)
func (r *PortfolioRepository) Save(ctx context.Context, p *models.Portfolio) error {
	query := `
		INSERT INTO portfolios (mode, balance, day_start, equity_at_day_start, daily_realized_pnl,
			daily_loss_limit_hit, consecutive_losses, cooldown_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (mode) DO UPDATE SET
			balance = EXCLUDED.balance,
			day_start = EXCLUDED.day_start,
			equity_at_day_start = EXCLUDED.equity_at_day_start,
			daily_realized_pnl = EXCLUDED.daily_realized_pnl,
			daily_loss_limit_hit = EXCLUDED.daily_loss_limit_hit,
			consecutive_losses = EXCLUDED.consecutive_losses,
			cooldown_until = EXCLUDED.cooldown_until,
			updated_at = EXCLUDED.updated_at`

	var cooldown sql.NullTime
	if p.CooldownUntil != nil {
		cooldown = sql.NullTime{Time: p.CooldownUntil.UTC(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		string(r.mode),
		p.Balance,
		p.DayStart.UTC(),
		p.EquityAtDayStart,
		p.DailyRealizedPnL,
		p.DailyLossLimitHit,
		p.ConsecutiveLosses,
		cooldown,
		p.UpdatedAt.UTC(),
	)
	return err
}
