package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"tradeengine/internal/models"
)

// NotificationRepository - работа с таблицей notifications
//
// Функции:
// - Create: записать уведомление
// - GetRecent: последние N уведомлений
// - GetByTypes: последние уведомления определённых типов
// - DeleteOlderThan: автоочистка старых уведомлений
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create записывает уведомление
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	meta := n.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notifications (id, timestamp, type, severity, symbol, message, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.ExecContext(ctx, query,
		n.ID,
		n.Timestamp.UTC(),
		n.Type,
		n.Severity,
		n.Symbol,
		n.Message,
		string(metaJSON),
	)
	return err
}

const notificationColumns = `id, timestamp, type, severity, symbol, message, meta`

// GetRecent возвращает последние limit уведомлений
func (r *NotificationRepository) GetRecent(ctx context.Context, limit int) ([]*models.Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		ORDER BY timestamp DESC
		LIMIT $1`

	return r.list(ctx, query, limit)
}

// GetByTypes возвращает последние limit уведомлений указанных типов
func (r *NotificationRepository) GetByTypes(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	if len(types) == 0 {
		return r.GetRecent(ctx, limit)
	}

	args := make([]interface{}, 0, len(types)+1)
	placeholders := make([]string, 0, len(types))
	for i, t := range types {
		args = append(args, t)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}
	args = append(args, limit)

	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE type IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY timestamp DESC
		LIMIT $` + fmt.Sprint(len(types)+1)

	return r.list(ctx, query, args...)
}

// DeleteOlderThan удаляет уведомления старше before, возвращает число удалённых
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *NotificationRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var metaJSON []byte
		err := rows.Scan(
			&n.ID,
			&n.Timestamp,
			&n.Type,
			&n.Severity,
			&n.Symbol,
			&n.Message,
			&metaJSON,
		)
		if err != nil {
			return nil, err
		}

		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &n.Meta); err != nil {
				return nil, err
			}
		}
		if len(n.Meta) == 0 {
			n.Meta = nil
		}
		n.Timestamp = n.Timestamp.UTC()
		notifications = append(notifications, n)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return notifications, nil
}
