package models

import (
	"time"

	"tradeengine/pkg/utils"
)

// PositionSide - сторона позиции
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// OpenSide - сторона ордера, открывающего позицию
func (s PositionSide) OpenSide() Side {
	if s == PositionLong {
		return SideBuy
	}
	return SideSell
}

// CloseSide - сторона ордера, закрывающего позицию
func (s PositionSide) CloseSide() Side {
	return s.OpenSide().Opposite()
}

func (s PositionSide) Opposite() PositionSide {
	if s == PositionLong {
		return PositionShort
	}
	return PositionLong
}

// SideFromOrder - какую позицию открывает ордер данной стороны
func SideFromOrder(side Side) PositionSide {
	if side == SideBuy {
		return PositionLong
	}
	return PositionShort
}

// Position - открытая позиция
//
// Нереализованный PnL не хранится: считается при чтении по текущей цене.
type Position struct {
	ID              string       `json:"id"`
	Symbol          string       `json:"symbol"`
	Side            PositionSide `json:"side"`
	Quantity        float64      `json:"quantity"`
	EntryPrice      float64      `json:"entry_price"`
	Leverage        float64      `json:"leverage"`
	StopLoss        *float64     `json:"stop_loss,omitempty"`
	TakeProfit      *float64     `json:"take_profit,omitempty"`
	TrailingStopPct *float64     `json:"trailing_stop_pct,omitempty"`
	// Лучшая цена с момента открытия, база для трейлинг-стопа
	PeakPrice float64   `json:"peak_price"`
	Fees      float64   `json:"fees"`
	Slippage  float64   `json:"slippage"`
	SignalID  string    `json:"signal_id"`
	OpenedAt  time.Time `json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UnrealizedPnL по цене price (без учёта комиссий)
func (p *Position) UnrealizedPnL(price float64) float64 {
	if price <= 0 {
		return 0
	}
	return utils.CalculatePNL(string(p.Side), p.EntryPrice, price, p.Quantity)
}

// Notional - стоимость позиции по цене входа
func (p *Position) Notional() float64 {
	return utils.Notional(p.Quantity, p.EntryPrice)
}

// Margin - залог позиции с учётом плеча
func (p *Position) Margin() float64 {
	if p.Leverage <= 0 {
		return p.Notional()
	}
	return p.Notional() / p.Leverage
}

// Clone - независимая копия (указатели на уровни копируются по значению)
func (p *Position) Clone() *Position {
	c := *p
	c.StopLoss = cloneFloat(p.StopLoss)
	c.TakeProfit = cloneFloat(p.TakeProfit)
	c.TrailingStopPct = cloneFloat(p.TrailingStopPct)
	return &c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

// Float - указатель на значение (для необязательных уровней)
func Float(v float64) *float64 {
	return &v
}

// PositionView - позиция с производными значениями на момент чтения
type PositionView struct {
	Position
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// DeltaKind - что сделало исполнение с позицией
type DeltaKind string

const (
	DeltaOpened    DeltaKind = "opened"
	DeltaIncreased DeltaKind = "increased"
	DeltaReduced   DeltaKind = "reduced"
	DeltaClosed    DeltaKind = "closed"
)

// PositionDelta - результат PortfolioStore.Apply
type PositionDelta struct {
	Kind     DeltaKind `json:"kind"`
	Position *Position `json:"position"`
	// Trade заполнен при частичном или полном закрытии
	Trade *Trade `json:"trade,omitempty"`
}
