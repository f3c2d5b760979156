package bot

import (
	"errors"

	"tradeengine/internal/models"
)

// ============================================================
// Ошибки движка
// ============================================================

var (
	// ErrDuplicateOrder - ордер на (symbol, side, signal_id) уже есть в журнале,
	// в том числе в статусе unknown
	ErrDuplicateOrder = errors.New("duplicate order for symbol, side and signal")
	// ErrBreakerOpen - circuit breaker не пропускает размещение ордеров
	ErrBreakerOpen = errors.New("circuit breaker is open")
	// ErrPositionNotFound - позиция не найдена в хранилище движка
	ErrPositionNotFound = errors.New("position not found")
	// ErrPoisonedSection - паника внутри секции символа
	ErrPoisonedSection = errors.New("panic inside symbol section")
	// ErrOrderNotFilled - ордер не исполнился (отказ, отмена, неизвестный исход)
	ErrOrderNotFilled = errors.New("order not filled")
	// ErrNotRunning - движок не запущен
	ErrNotRunning = errors.New("engine is not running")
)

// ============================================================
// Решение по сигналу (tagged variant)
// ============================================================

// RejectReason - причина отказа: правило риска или состояние движка
type RejectReason string

// Отказы гейта и движка
const (
	ReasonSymbolBusy            RejectReason = "symbol_busy"
	ReasonReconciliationPending RejectReason = "reconciliation_pending"
	ReasonTradingStopped        RejectReason = "trading_stopped"
	ReasonBreakerOpen           RejectReason = "breaker_open"
	ReasonOppositePosition      RejectReason = "opposite_position_open"
	ReasonDuplicateSignal       RejectReason = "duplicate_signal"
	ReasonNoPrice               RejectReason = "no_price"
	ReasonNothingToClose        RejectReason = "no_position_to_close"
	ReasonOrderRejected         RejectReason = "order_rejected"
)

// Правила риска, в порядке проверки
const (
	RuleConfidenceBelowThreshold RejectReason = "confidence_below_threshold"
	RuleTimeframeNotAllowed      RejectReason = "timeframe_not_allowed"
	RuleWarmupIncomplete         RejectReason = "warmup_incomplete"
	RuleDailyLossLimit           RejectReason = "daily_loss_limit_exceeded"
	RuleCooldownActive           RejectReason = "cooldown_active"
	RuleExposureLimit            RejectReason = "exposure_limit_exceeded"
	RuleMaxPositionsPerSymbol    RejectReason = "max_positions_per_symbol"
	RuleMaxOpenPositions         RejectReason = "max_open_positions"
	RuleBelowMinOrderSize        RejectReason = "below_min_order_size"
)

// Outcome - что сделал конвейер с принятым сигналом
type Outcome string

const (
	OutcomeOpened    Outcome = "opened"
	OutcomeIncreased Outcome = "increased"
	OutcomeReversed  Outcome = "reversed"
	OutcomeClosed    Outcome = "closed"
	// OutcomePending - ордер отправлен, исход придёт из потока или сверки
	OutcomePending Outcome = "pending"
)

// Decision - Accepted или Rejected
type Decision interface {
	isDecision()
}

// Accepted - сигнал исполнен
type Accepted struct {
	Outcome Outcome                `json:"outcome"`
	Orders  []*models.Order        `json:"orders"`
	Deltas  []models.PositionDelta `json:"deltas"`
	// OpenRejected - разворот без риск-проверки закрыл позицию,
	// а новая нога не прошла риск
	OpenRejected *Rejected `json:"open_rejected,omitempty"`
}

// Rejected - сигнал отклонён без ошибки
type Rejected struct {
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

func (Accepted) isDecision() {}
func (Rejected) isDecision() {}

func reject(reason RejectReason, detail string) Rejected {
	return Rejected{Reason: reason, Detail: detail}
}
