package bot

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/internal/exchange"
	"tradeengine/internal/models"
	"tradeengine/pkg/utils"
)

// ============================================================
// Решение риск-менеджера (tagged variant)
// ============================================================

// RiskDecision - Approve или Reject
type RiskDecision interface {
	isRiskDecision()
}

// OrderParams - параметры ордера после расчёта объёма
type OrderParams struct {
	Side            models.Side
	Quantity        float64
	Leverage        float64
	Notional        float64
	RefPrice        float64
	StopLoss        *float64
	TakeProfit      *float64
	TrailingStopPct *float64
}

// Approve - сигнал прошёл все правила
type Approve struct {
	Params OrderParams
}

// Reject - отказ по правилу
type Reject struct {
	Rule   RejectReason
	Detail string
}

func (Approve) isRiskDecision() {}
func (Reject) isRiskDecision()  {}

// RiskInput - всё, что нужно для решения, одним снимком
//
// Positions уже без позиции, закрываемой разворотом.
type RiskInput struct {
	Signal    models.Signal
	Side      models.PositionSide
	Portfolio models.Portfolio
	Equity    float64
	Positions []*models.Position
	Price     float64
	Limits    exchange.Limits
	Settings  models.Settings
	Now       time.Time
}

// RiskManager - проверка сигнала по лимитам и расчёт объёма
//
// Сам состояния не хранит: портфель и настройки приходят снимком,
// поэтому решение детерминировано для данного входа.
type RiskManager struct {
	warmup WarmupTracker
	log    *utils.Logger
}

func NewRiskManager(warmup WarmupTracker, log *utils.Logger) *RiskManager {
	if log == nil {
		log = utils.L()
	}
	return &RiskManager{warmup: warmup, log: log.WithComponent("risk")}
}

var hundred = decimal.NewFromInt(100)

// CheckThresholds - пороги сигнала, общие с генератором
func (r *RiskManager) CheckThresholds(sig models.Signal, s models.Settings) RiskDecision {
	if sig.Confidence < s.MinConfidence {
		return r.rejected(sig, RuleConfidenceBelowThreshold,
			fmt.Sprintf("confidence %.3f < %.3f", sig.Confidence, s.MinConfidence))
	}
	if !s.TimeframeAllowed(sig.Timeframe) {
		return r.rejected(sig, RuleTimeframeNotAllowed,
			fmt.Sprintf("timeframe %s not in %v", sig.Timeframe, s.AllowedTimeframes))
	}
	return Approve{}
}

// Evaluate проверяет правила по порядку и рассчитывает объём:
// прогрев, дневной убыток, cooldown, экспозиция, лимиты позиций, минимальный объём.
func (r *RiskManager) Evaluate(in RiskInput) RiskDecision {
	s := in.Settings

	// 1. Прогрев
	if r.warmup != nil && !r.warmup.Ready(in.Signal.Symbol, in.Signal.Timeframe, s.WarmupBars) {
		return r.rejected(in.Signal, RuleWarmupIncomplete,
			fmt.Sprintf("need %d bars of %s", s.WarmupBars, in.Signal.Timeframe))
	}

	// 2. Дневной убыток: защёлка держится до конца дня
	if in.Portfolio.DailyLossLimitHit {
		return r.rejected(in.Signal, RuleDailyLossLimit,
			fmt.Sprintf("daily loss limit %.2f%% hit today, trading resumes %s",
				s.DailyLossLimitPct, utils.NextDayStart(in.Now).Format(time.RFC3339)))
	}
	if lossPct, hit := dailyLossHit(in.Portfolio, s.DailyLossLimitPct); hit {
		return r.rejected(in.Signal, RuleDailyLossLimit,
			fmt.Sprintf("daily loss %.2f%% >= %.2f%%, trading resumes %s",
				lossPct, s.DailyLossLimitPct, utils.NextDayStart(in.Now).Format(time.RFC3339)))
	}

	// 3. Cooldown после серии убытков
	if in.Portfolio.ConsecutiveLosses >= s.CooldownLossStreak && in.Portfolio.InCooldown(in.Now) {
		return r.rejected(in.Signal, RuleCooldownActive,
			fmt.Sprintf("%d losses in a row, cooldown until %s",
				in.Portfolio.ConsecutiveLosses, in.Portfolio.CooldownUntil.UTC().Format(time.RFC3339)))
	}

	params, sizeErr := r.size(in)

	// 4. Экспозиция в одном направлении, включая предлагаемый ордер
	if in.Equity > 0 && params.Notional > 0 {
		exposure := params.Notional
		for _, p := range in.Positions {
			if p.Side == in.Side {
				exposure += p.Notional()
			}
		}
		if pct := utils.PercentOf(exposure, in.Equity); pct > s.MaxExposurePct {
			return r.rejected(in.Signal, RuleExposureLimit,
				fmt.Sprintf("%s exposure %.1f%% > %.1f%%", in.Side, pct, s.MaxExposurePct))
		}
	}

	// 5. Лимиты числа позиций
	var perSymbol int
	var sameSideOpen bool
	for _, p := range in.Positions {
		if p.Symbol == in.Signal.Symbol {
			perSymbol++
			if p.Side == in.Side {
				sameSideOpen = true
			}
		}
	}
	if perSymbol >= s.MaxPositionsPerSymbol {
		return r.rejected(in.Signal, RuleMaxPositionsPerSymbol,
			fmt.Sprintf("%d open on %s (max %d)", perSymbol, in.Signal.Symbol, s.MaxPositionsPerSymbol))
	}
	if !sameSideOpen && len(in.Positions) >= s.MaxOpenPositions {
		return r.rejected(in.Signal, RuleMaxOpenPositions,
			fmt.Sprintf("%d open positions (max %d)", len(in.Positions), s.MaxOpenPositions))
	}

	// 6. Минимальный объём
	if sizeErr != "" {
		return r.rejected(in.Signal, RuleBelowMinOrderSize, sizeErr)
	}

	return Approve{Params: params}
}

// dailyLossHit: чистый убыток дня в % от капитала на начало дня.
// Отступление от abs(daily_realized_pnl)/equity_at_day_start: дневная
// прибыль лимит не взводит.
func dailyLossHit(p models.Portfolio, limitPct float64) (float64, bool) {
	if p.DailyRealizedPnL >= 0 || p.EquityAtDayStart <= 0 {
		return 0, false
	}
	lossPct := utils.PercentOf(-p.DailyRealizedPnL, p.EquityAtDayStart)
	return lossPct, lossPct >= limitPct
}

// size рассчитывает объём по правилу настроек. Вторым значением
// возвращает причину, по которой объём меньше минимального.
func (r *RiskManager) size(in RiskInput) (OrderParams, string) {
	params := OrderParams{Side: in.Side.OpenSide(), RefPrice: in.Price}
	if in.Price <= 0 {
		return params, "no reference price"
	}
	if in.Equity <= 0 {
		return params, "no equity"
	}

	equity := decimal.NewFromFloat(in.Equity)
	price := decimal.NewFromFloat(in.Price)

	var qty decimal.Decimal
	var stopPct float64
	switch rule := in.Settings.Sizing.Rule.(type) {
	case models.RiskPerStop:
		stopPct = rule.StopLossPct
		stopDistance := price.Mul(decimal.NewFromFloat(rule.StopLossPct)).Div(hundred)
		if stopDistance.IsZero() {
			return params, "zero stop distance"
		}
		riskAmount := equity.Mul(decimal.NewFromFloat(rule.RiskPct)).Div(hundred)
		qty = riskAmount.Div(stopDistance)
	case models.FixedFraction:
		stopPct = rule.StopLossPct
		qty = equity.Mul(decimal.NewFromFloat(rule.Pct)).Div(hundred).Div(price)
	case nil:
		return params, "sizing rule is not configured"
	default:
		panic(fmt.Sprintf("bot: unhandled sizing rule %T", rule))
	}

	leverage := in.Settings.MaxLeverage
	if in.Limits.MaxLeverage > 0 {
		leverage = utils.Clamp(leverage, 1, in.Limits.MaxLeverage)
	}
	if leverage < 1 {
		leverage = 1
	}

	// номинал не больше капитала × плечо
	maxQty := equity.Mul(decimal.NewFromFloat(leverage)).Div(price)
	if qty.GreaterThan(maxQty) {
		qty = maxQty
	}
	if in.Limits.MaxOrderQty > 0 {
		if limit := decimal.NewFromFloat(in.Limits.MaxOrderQty); qty.GreaterThan(limit) {
			qty = limit
		}
	}

	q, _ := qty.Float64()
	q = utils.RoundToLotSize(q, in.Limits.QtyStep)

	params.Quantity = q
	params.Leverage = leverage
	params.Notional = utils.Notional(q, in.Price)
	params.StopLoss, params.TakeProfit = protectiveLevels(in.Side, in.Price, stopPct, in.Settings.TakeProfitPct, in.Limits.PriceStep)
	if in.Settings.TrailingStopPct > 0 {
		params.TrailingStopPct = models.Float(in.Settings.TrailingStopPct)
	}

	if q <= 0 || (in.Limits.MinOrderQty > 0 && q < in.Limits.MinOrderQty) {
		return params, fmt.Sprintf("qty %v < min %v", q, in.Limits.MinOrderQty)
	}
	if in.Limits.MinNotional > 0 && params.Notional < in.Limits.MinNotional {
		return params, fmt.Sprintf("notional %.2f < min %.2f", params.Notional, in.Limits.MinNotional)
	}
	return params, ""
}

// protectiveLevels - цены стоп-лосса и тейк-профита от цены входа
func protectiveLevels(side models.PositionSide, price, stopPct, takePct, tick float64) (sl, tp *float64) {
	sign := decimal.NewFromInt(1)
	if side == models.PositionShort {
		sign = sign.Neg()
	}
	p := decimal.NewFromFloat(price)

	if stopPct > 0 {
		shift := p.Mul(decimal.NewFromFloat(stopPct)).Div(hundred).Mul(sign)
		v, _ := p.Sub(shift).Float64()
		sl = models.Float(utils.RoundToTick(v, tick))
	}
	if takePct > 0 {
		shift := p.Mul(decimal.NewFromFloat(takePct)).Div(hundred).Mul(sign)
		v, _ := p.Add(shift).Float64()
		tp = models.Float(utils.RoundToTick(v, tick))
	}
	return sl, tp
}

func (r *RiskManager) rejected(sig models.Signal, rule RejectReason, detail string) Reject {
	RecordRejection(rule)
	r.log.Info("signal rejected",
		utils.Rule(string(rule)),
		utils.Symbol(sig.Symbol),
		utils.SignalID(sig.ID),
		utils.String("detail", detail),
	)
	return Reject{Rule: rule, Detail: detail}
}
