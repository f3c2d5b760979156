package models

import "time"

// ReconcileTrigger - что запустило сверку
type ReconcileTrigger string

const (
	TriggerInterval     ReconcileTrigger = "interval"
	TriggerReconnect    ReconcileTrigger = "reconnect"
	TriggerManual       ReconcileTrigger = "manual"
	TriggerUnknownOrder ReconcileTrigger = "unknown_order"
	TriggerPoisonedLock ReconcileTrigger = "poisoned_lock"
	TriggerStartup      ReconcileTrigger = "startup"
)

// DiscrepancyKind - вид расхождения локального состояния с брокером
type DiscrepancyKind string

const (
	// ордер в unknown выяснен по данным брокера
	DiscrepancyUnknownOrderResolved DiscrepancyKind = "unknown_order_resolved"
	// позиция есть у брокера, но нет локально
	DiscrepancyMissingLocalPosition DiscrepancyKind = "missing_local_position"
	// позиция есть локально, но нет у брокера
	DiscrepancyMissingBrokerPosition DiscrepancyKind = "missing_broker_position"
	DiscrepancySizeMismatch          DiscrepancyKind = "size_mismatch"
	DiscrepancyStaleOrder            DiscrepancyKind = "stale_order"
	DiscrepancyBalanceMismatch       DiscrepancyKind = "balance_mismatch"
	// открытый ордер у брокера, о котором движок не знает
	DiscrepancyOrphanBrokerOrder DiscrepancyKind = "orphan_broker_order"
)

// Discrepancy - одно расхождение и принятое действие
type Discrepancy struct {
	Kind       DiscrepancyKind `json:"kind"`
	Symbol     string          `json:"symbol,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
	PositionID string          `json:"position_id,omitempty"`
	Local      string          `json:"local"`
	Broker     string          `json:"broker"`
	Action     string          `json:"action"`
}

// ReconciliationRecord - отчёт одного прохода сверки (append-only)
type ReconciliationRecord struct {
	ID            string           `json:"id"`
	Mode          TradingMode      `json:"mode"`
	Trigger       ReconcileTrigger `json:"trigger"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	BrokerBalance float64          `json:"broker_balance"`
	Discrepancies []Discrepancy    `json:"discrepancies"`
	Errors        []string         `json:"errors,omitempty"`
}

// Clean - проход без расхождений и ошибок
func (r *ReconciliationRecord) Clean() bool {
	return len(r.Discrepancies) == 0 && len(r.Errors) == 0
}
