package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"tradeengine/pkg/utils"
)

// ============================================================
// Правило расчёта объёма (tagged variant)
// ============================================================

// SizingKind - тег варианта
type SizingKind string

const (
	SizingRiskPerStop   SizingKind = "risk_per_stop"
	SizingFixedFraction SizingKind = "fixed_fraction"
)

// SizingRule - правило расчёта объёма позиции: RiskPerStop или FixedFraction
type SizingRule interface {
	Kind() SizingKind
	// StopDistancePct - расстояние до стоп-лосса в % от цены входа
	StopDistancePct() float64
}

// RiskPerStop: qty = equity × RiskPct% / (price × StopLossPct%)
// Убыток при срабатывании стопа равен RiskPct% капитала.
type RiskPerStop struct {
	RiskPct     float64 `json:"risk_pct" yaml:"risk_pct"`
	StopLossPct float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
}

// FixedFraction: номинал позиции = equity × Pct%
type FixedFraction struct {
	Pct         float64 `json:"pct" yaml:"pct"`
	StopLossPct float64 `json:"stop_loss_pct" yaml:"stop_loss_pct"`
}

func (RiskPerStop) Kind() SizingKind   { return SizingRiskPerStop }
func (FixedFraction) Kind() SizingKind { return SizingFixedFraction }

func (r RiskPerStop) StopDistancePct() float64   { return r.StopLossPct }
func (f FixedFraction) StopDistancePct() float64 { return f.StopLossPct }

// Sizing - контейнер варианта для (де)сериализации
type Sizing struct {
	Rule SizingRule
}

// sizingEnvelope - плоское представление в JSON/YAML/БД
type sizingEnvelope struct {
	Type        SizingKind `json:"type" yaml:"type"`
	RiskPct     float64    `json:"risk_pct,omitempty" yaml:"risk_pct,omitempty"`
	Pct         float64    `json:"pct,omitempty" yaml:"pct,omitempty"`
	StopLossPct float64    `json:"stop_loss_pct" yaml:"stop_loss_pct"`
}

func (s Sizing) envelope() sizingEnvelope {
	switch r := s.Rule.(type) {
	case RiskPerStop:
		return sizingEnvelope{Type: SizingRiskPerStop, RiskPct: r.RiskPct, StopLossPct: r.StopLossPct}
	case FixedFraction:
		return sizingEnvelope{Type: SizingFixedFraction, Pct: r.Pct, StopLossPct: r.StopLossPct}
	case nil:
		return sizingEnvelope{}
	default:
		panic(fmt.Sprintf("models: unhandled sizing rule %T", s.Rule))
	}
}

func (e sizingEnvelope) rule() (SizingRule, error) {
	switch e.Type {
	case SizingRiskPerStop:
		return RiskPerStop{RiskPct: e.RiskPct, StopLossPct: e.StopLossPct}, nil
	case SizingFixedFraction:
		return FixedFraction{Pct: e.Pct, StopLossPct: e.StopLossPct}, nil
	default:
		return nil, fmt.Errorf("unknown sizing type %q", e.Type)
	}
}

func (s Sizing) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.envelope())
}

func (s *Sizing) UnmarshalJSON(data []byte) error {
	var e sizingEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	r, err := e.rule()
	if err != nil {
		return err
	}
	s.Rule = r
	return nil
}

func (s Sizing) MarshalYAML() (interface{}, error) {
	return s.envelope(), nil
}

func (s *Sizing) UnmarshalYAML(node *yaml.Node) error {
	var e sizingEnvelope
	if err := node.Decode(&e); err != nil {
		return err
	}
	r, err := e.rule()
	if err != nil {
		return err
	}
	s.Rule = r
	return nil
}

// ============================================================
// Settings
// ============================================================

// Settings - версионированные риск-лимиты и пороги сигналов
//
// Общие для движка и внешнего генератора сигналов. Заменяются целиком
// (атомарный swap указателя), читаются копией.
type Settings struct {
	Version   int64     `json:"version" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`

	// Риск
	DailyLossLimitPct     float64 `json:"daily_loss_limit_pct" yaml:"daily_loss_limit_pct" validate:"gt=0,lte=100"`
	CooldownLossStreak    int     `json:"cooldown_loss_streak" yaml:"cooldown_loss_streak" validate:"gte=1"`
	CooldownMinutes       int     `json:"cooldown_minutes" yaml:"cooldown_minutes" validate:"gte=0"`
	MaxExposurePct        float64 `json:"max_exposure_pct" yaml:"max_exposure_pct" validate:"gt=0,lte=10000"`
	MaxPositionsPerSymbol int     `json:"max_positions_per_symbol" yaml:"max_positions_per_symbol" validate:"gte=1"`
	MaxOpenPositions      int     `json:"max_open_positions" yaml:"max_open_positions" validate:"gte=1"`
	MaxLeverage           float64 `json:"max_leverage" yaml:"max_leverage" validate:"gte=1,lte=125"`
	Sizing                Sizing  `json:"sizing" yaml:"sizing"`
	TakeProfitPct         float64 `json:"take_profit_pct" yaml:"take_profit_pct" validate:"gte=0"`
	TrailingStopPct       float64 `json:"trailing_stop_pct" yaml:"trailing_stop_pct" validate:"gte=0,lt=100"`
	WarmupBars            int     `json:"warmup_bars" yaml:"warmup_bars" validate:"gte=0"`

	// Пороги сигналов (согласованы с генератором)
	MinConfidence     float64  `json:"min_confidence" yaml:"min_confidence" validate:"gte=0,lte=1"`
	AllowedTimeframes []string `json:"allowed_timeframes" yaml:"allowed_timeframes" validate:"min=1,dive,required"`
	SignalMaxAgeSec   int      `json:"signal_max_age_sec" yaml:"signal_max_age_sec" validate:"gte=1"`

	// Разворот: закрыть противоположную позицию и открыть новую
	ReversalEnabled bool `json:"reversal_enabled" yaml:"reversal_enabled"`
	// Проходит ли разворот полную риск-проверку до закрытия старой позиции
	ReversalRiskChecked bool `json:"reversal_risk_checked" yaml:"reversal_risk_checked"`

	StaleOrderAfterSec int `json:"stale_order_after_sec" yaml:"stale_order_after_sec" validate:"gte=1"`
}

// DefaultSettings - консервативные значения по умолчанию
func DefaultSettings() Settings {
	return Settings{
		Version:               1,
		DailyLossLimitPct:     5.0,
		CooldownLossStreak:    3,
		CooldownMinutes:       60,
		MaxExposurePct:        300,
		MaxPositionsPerSymbol: 1,
		MaxOpenPositions:      5,
		MaxLeverage:           3,
		Sizing:                Sizing{Rule: RiskPerStop{RiskPct: 1.0, StopLossPct: 2.0}},
		TakeProfitPct:         4.0,
		TrailingStopPct:       0,
		WarmupBars:            20,
		MinConfidence:         0.6,
		AllowedTimeframes:     []string{"5m", "15m", "1h", "4h"},
		SignalMaxAgeSec:       30,
		ReversalEnabled:       false,
		ReversalRiskChecked:   true,
		StaleOrderAfterSec:    120,
	}
}

func (s Settings) CooldownDuration() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

func (s Settings) SignalMaxAge() time.Duration {
	return time.Duration(s.SignalMaxAgeSec) * time.Second
}

func (s Settings) StaleOrderAfter() time.Duration {
	return time.Duration(s.StaleOrderAfterSec) * time.Second
}

// TimeframeAllowed - разрешён ли таймфрейм сигнала
func (s Settings) TimeframeAllowed(tf string) bool {
	for _, a := range s.AllowedTimeframes {
		if a == tf {
			return true
		}
	}
	return false
}

// Clone - глубокая копия (слайс таймфреймов не разделяется)
func (s Settings) Clone() Settings {
	s.AllowedTimeframes = append([]string(nil), s.AllowedTimeframes...)
	return s
}

// Validate проверяет настройки целиком
func (s Settings) Validate() error {
	var errs utils.ValidationErrors

	if err := utils.ValidateStruct(s); err != nil {
		verrs, ok := err.(utils.ValidationErrors)
		if !ok {
			return err
		}
		errs = append(errs, verrs...)
	}

	for _, tf := range s.AllowedTimeframes {
		if _, err := utils.ParseTimeframe(tf); err != nil {
			errs.Add("allowed_timeframes", err.Error())
		}
	}

	switch r := s.Sizing.Rule.(type) {
	case RiskPerStop:
		errs.AddError("sizing.risk_pct", utils.ValidatePercentage(r.RiskPct))
		errs.AddError("sizing.stop_loss_pct", utils.ValidatePercentage(r.StopLossPct))
	case FixedFraction:
		errs.AddError("sizing.pct", utils.ValidatePercentage(r.Pct))
		errs.AddError("sizing.stop_loss_pct", utils.ValidatePercentage(r.StopLossPct))
	case nil:
		errs.Add("sizing", "is required")
	default:
		errs.Add("sizing", fmt.Sprintf("unsupported rule %T", r))
	}

	if errs.HasErrors() {
		return &ValidationError{Errors: errs}
	}
	return nil
}
