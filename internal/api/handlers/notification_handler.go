package handlers

import (
	"context"
	"net/http"
	"strings"

	"tradeengine/internal/models"
)

// NotificationReader - журнал алертов
type NotificationReader interface {
	GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
}

// NotificationHandler отдаёт журнал уведомлений
//
// Endpoints:
//   - GET /api/v1/notifications
//   - GET /api/v1/notifications?types=breaker,drift&limit=50
type NotificationHandler struct {
	notifications NotificationReader
}

// NewNotificationHandler создает новый NotificationHandler с внедрением зависимости
func NewNotificationHandler(notifications NotificationReader) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []*models.Notification `json:"notifications"`
	Total         int                    `json:"total"`
}

// GetNotifications возвращает список уведомлений с фильтрацией
//
// Query параметры:
//   - types: типы через запятую (open, close, stop, breaker, emergency_stop,
//     loop_crash, drift, unknown_order, daily_limit, poisoned_lock, stream_offline)
//   - limit: по умолчанию 100, максимум 500
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				types = append(types, strings.ToUpper(trimmed))
			}
		}
	}

	limit, err := parseLimit(r, 100, 500)
	if err != nil {
		respondError(w, err)
		return
	}

	notifications, err := h.notifications.GetNotifications(r.Context(), types, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if notifications == nil {
		notifications = []*models.Notification{}
	}
	respondJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: notifications,
		Total:         len(notifications),
	})
}
