package models

import (
	"fmt"
	"strings"
	"time"

	"tradeengine/pkg/utils"
)

// Direction - направление сигнала (закрытый набор значений)
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat" // выйти из позиции по символу
)

// ParseDirection разбирает направление, неизвестные значения - ошибка
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionLong, DirectionShort, DirectionFlat:
		return d, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// PositionSide - сторона позиции, которую открывает сигнал.
// Для flat второе значение false.
func (d Direction) PositionSide() (PositionSide, bool) {
	switch d {
	case DirectionLong:
		return PositionLong, true
	case DirectionShort:
		return PositionShort, true
	case DirectionFlat:
		return "", false
	default:
		panic("models: unhandled direction " + string(d))
	}
}

// Signal - торговый сигнал внешнего генератора
//
// Неизменяем после выпуска. ID уникален в рамках генератора и входит
// в ключ идемпотентности ордера (symbol, side, signal_id).
type Signal struct {
	ID          string    `json:"id" validate:"required,max=64"`
	Symbol      string    `json:"symbol" validate:"required,symbol"`
	Direction   Direction `json:"direction" validate:"required,oneof=long short flat"`
	Confidence  float64   `json:"confidence" validate:"gte=0,lte=1"`
	StrategyID  string    `json:"strategy_id" validate:"required,max=64"`
	Timeframe   string    `json:"timeframe" validate:"required"`
	GeneratedAt time.Time `json:"generated_at" validate:"required"`
}

// MaxClockSkew - насколько сигнал может быть "из будущего" из-за расхождения часов
const MaxClockSkew = 5 * time.Second

// Validate проверяет сигнал как недоверенный ввод
//
// Проверяются теги структуры, таймфрейм и свежесть относительно now.
// Пороговые правила настроек (min confidence, разрешённые таймфреймы)
// проверяет конвейер: это бизнес-отказ, а не ошибка ввода.
func (s Signal) Validate(now time.Time, maxAge time.Duration) error {
	var errs utils.ValidationErrors

	if err := utils.ValidateStruct(s); err != nil {
		if verrs, ok := err.(utils.ValidationErrors); ok {
			errs = append(errs, verrs...)
		} else {
			return err
		}
	}

	if s.Timeframe != "" {
		if _, err := utils.ParseTimeframe(s.Timeframe); err != nil {
			errs.Add("timeframe", err.Error())
		}
	}

	if !s.GeneratedAt.IsZero() {
		if s.GeneratedAt.After(now.Add(MaxClockSkew)) {
			errs.Add("generated_at", "is in the future")
		} else if maxAge > 0 && now.Sub(s.GeneratedAt) > maxAge {
			errs.Add("generated_at", fmt.Sprintf("is older than %s", maxAge))
		}
	}

	if errs.HasErrors() {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// Normalized возвращает копию с символом в формате биржи
func (s Signal) Normalized() Signal {
	s.Symbol = utils.NormalizeSymbol(s.Symbol)
	s.Direction = Direction(strings.ToLower(string(s.Direction)))
	return s
}
