package bot

import (
	"errors"
	"fmt"

	"tradeengine/internal/models"
)

// errInvalidTransition - переход статуса запрещён автоматом
var errInvalidTransition = errors.New("invalid order status transition")

// ValidTransitions определяет допустимые переходы статуса ордера
var ValidTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending: {
		models.OrderStatusFilled,
		models.OrderStatusPartiallyFilled,
		models.OrderStatusRejected,
		models.OrderStatusCancelled,
		models.OrderStatusUnknown, // таймаут или обрыв без явного ответа
	},
	models.OrderStatusPartiallyFilled: {
		models.OrderStatusPartiallyFilled, // очередное частичное исполнение
		models.OrderStatusFilled,
		models.OrderStatusCancelled, // отмена остатка, исполненная часть остаётся
		models.OrderStatusUnknown,
	},
	// выход из unknown только через сверку
	models.OrderStatusUnknown: {
		models.OrderStatusFilled,
		models.OrderStatusPartiallyFilled,
		models.OrderStatusCancelled,
		models.OrderStatusRejected,
	},
	models.OrderStatusFilled:    {},
	models.OrderStatusCancelled: {},
	models.OrderStatusRejected:  {},
}

// CanTransition проверяет допустимость перехода.
// viaReconcile - переход выполняет сверка по данным брокера.
func CanTransition(from, to models.OrderStatus, viaReconcile bool) bool {
	if from == models.OrderStatusUnknown && !viaReconcile {
		return false
	}
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// transition меняет статус ордера или возвращает ошибку
func transition(o *models.Order, to models.OrderStatus, viaReconcile bool) error {
	if o.Status == to && to != models.OrderStatusPartiallyFilled {
		return nil
	}
	if !CanTransition(o.Status, to, viaReconcile) {
		return fmt.Errorf("order %s: %w %s -> %s", o.ClientOrderID, errInvalidTransition, o.Status, to)
	}
	o.Status = to
	return nil
}

// StatusInfo возвращает описание статуса для оператора
func StatusInfo(s models.OrderStatus) string {
	switch s {
	case models.OrderStatusPending:
		return "Ордер отправлен, ожидается исполнение"
	case models.OrderStatusFilled:
		return "Ордер исполнен"
	case models.OrderStatusPartiallyFilled:
		return "Ордер исполнен частично"
	case models.OrderStatusCancelled:
		return "Ордер отменён"
	case models.OrderStatusRejected:
		return "Ордер отклонён брокером"
	case models.OrderStatusUnknown:
		return "Исход неизвестен, ожидается сверка"
	default:
		return "Неизвестный статус"
	}
}

// IsOpenStatus - ордер может ещё получить исполнение
func IsOpenStatus(s models.OrderStatus) bool {
	return s == models.OrderStatusPending || s == models.OrderStatusPartiallyFilled || s == models.OrderStatusUnknown
}
