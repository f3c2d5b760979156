package websocket

import (
	"time"

	"tradeengine/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

const (
	// MessageTypeEvent - событие движка: order, position, trade, signal,
	// breaker, reconciliation, trading, emergency_stop, status, health
	MessageTypeEvent MessageType = "event"

	// MessageTypeNotification - алерт оператору
	MessageTypeNotification MessageType = "notification"
)

// BaseMessage - общие поля всех сообщений ленты
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventMessage - событие движка
type EventMessage struct {
	BaseMessage
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// NotificationMessage - уведомление
type NotificationMessage struct {
	BaseMessage
	Data *NotificationData `json:"data"`
}

// NotificationData - данные уведомления
type NotificationData struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity"`
	Symbol   string                 `json:"symbol,omitempty"`
	Message  string                 `json:"message"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
	// Время создания уведомления, не отправки
	Timestamp time.Time `json:"timestamp"`
}

func NewEventMessage(event string, data interface{}, now time.Time) *EventMessage {
	return &EventMessage{
		BaseMessage: BaseMessage{Type: MessageTypeEvent, Timestamp: now.UTC()},
		Event:       event,
		Data:        data,
	}
}

func NewNotificationMessage(n *models.Notification, now time.Time) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{Type: MessageTypeNotification, Timestamp: now.UTC()},
		Data: &NotificationData{
			ID:        n.ID,
			Type:      n.Type,
			Severity:  n.Severity,
			Symbol:    n.Symbol,
			Message:   n.Message,
			Meta:      n.Meta,
			Timestamp: n.Timestamp,
		},
	}
}
