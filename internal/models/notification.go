package models

import "time"

// Notification - событие для оператора (алерт)
type Notification struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Severity  string                 `json:"severity"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Типы уведомлений
const (
	NotificationTypeOpen          = "OPEN"           // открыта позиция
	NotificationTypeClose         = "CLOSE"          // закрыта позиция
	NotificationTypeStop          = "STOP"           // сработал стоп/тейк/трейлинг
	NotificationTypeBreaker       = "BREAKER"        // смена состояния circuit breaker
	NotificationTypeEmergency     = "EMERGENCY_STOP" // аварийная остановка
	NotificationTypeLoopCrash     = "LOOP_CRASH"     // упал фоновый цикл
	NotificationTypeDrift         = "DRIFT"          // сверка нашла расхождения
	NotificationTypeUnknownOrder  = "UNKNOWN_ORDER"  // исход ордера неизвестен
	NotificationTypeDailyLimit    = "DAILY_LIMIT"    // достигнут дневной лимит убытка
	NotificationTypePoisonedLock  = "POISONED_LOCK"  // паника под блокировкой символа
	NotificationTypeStreamOffline = "STREAM_OFFLINE" // поток брокера отключён
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)
