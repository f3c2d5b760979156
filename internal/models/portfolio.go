package models

import "time"

// TradingMode - режим исполнения
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

func (m TradingMode) Valid() bool {
	return m == ModePaper || m == ModeLive
}

// Portfolio - агрегаты счёта, по одному на режим
//
// Equity не хранится: баланс + нереализованный PnL открытых позиций.
type Portfolio struct {
	Mode              TradingMode `json:"mode"`
	Balance           float64     `json:"balance"`
	DayStart          time.Time   `json:"day_start"`
	EquityAtDayStart  float64     `json:"equity_at_day_start"`
	DailyRealizedPnL  float64     `json:"daily_realized_pnl"`
	DailyLossLimitHit bool        `json:"daily_loss_limit_hit"`
	ConsecutiveLosses int         `json:"consecutive_losses"`
	CooldownUntil     *time.Time  `json:"cooldown_until,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Clone - копия для чтения вне блокировки
func (p Portfolio) Clone() Portfolio {
	if p.CooldownUntil != nil {
		t := *p.CooldownUntil
		p.CooldownUntil = &t
	}
	return p
}

// InCooldown - активна ли пауза после серии убытков
func (p Portfolio) InCooldown(now time.Time) bool {
	return p.CooldownUntil != nil && now.Before(*p.CooldownUntil)
}

// PortfolioView - снимок портфеля с производными значениями
type PortfolioView struct {
	Portfolio
	Equity        float64        `json:"equity"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	Positions     []PositionView `json:"positions"`
	At            time.Time      `json:"at"`
}
