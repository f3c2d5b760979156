package models

import "time"

// CloseReason - причина закрытия позиции
type CloseReason string

const (
	CloseReasonSignal       CloseReason = "signal"
	CloseReasonReversal     CloseReason = "reversal"
	CloseReasonStopLoss     CloseReason = "stop_loss"
	CloseReasonTakeProfit   CloseReason = "take_profit"
	CloseReasonTrailingStop CloseReason = "trailing_stop"
	CloseReasonManual       CloseReason = "manual"
	CloseReasonEmergency    CloseReason = "emergency_stop"
	CloseReasonReconciled   CloseReason = "reconciled"
)

// Trade - закрытая сделка. Создаётся один раз, не изменяется.
type Trade struct {
	ID          string        `json:"id"`
	PositionID  string        `json:"position_id"`
	SignalID    string        `json:"signal_id"`
	Symbol      string        `json:"symbol"`
	Side        PositionSide  `json:"side"`
	Quantity    float64       `json:"quantity"`
	EntryPrice  float64       `json:"entry_price"`
	ExitPrice   float64       `json:"exit_price"`
	RealizedPnL float64       `json:"realized_pnl"` // за вычетом комиссий
	Fees        float64       `json:"fees"`
	Slippage    float64       `json:"slippage"`
	OpenedAt    time.Time     `json:"opened_at"`
	ClosedAt    time.Time     `json:"closed_at"`
	Duration    time.Duration `json:"duration"`
	CloseReason CloseReason   `json:"close_reason"`
}

// IsLoss - убыточная сделка (для счётчика серии убытков)
func (t *Trade) IsLoss() bool {
	return t.RealizedPnL < 0
}
