package service

import (
	"context"
	"time"

	"tradeengine/internal/models"
)

// SettingsRepositoryInterface определяет интерфейс хранилища версий настроек
type SettingsRepositoryInterface interface {
	Latest(ctx context.Context) (*models.Settings, error)
	Insert(ctx context.Context, s *models.Settings) error
	History(ctx context.Context, limit int) ([]*models.Settings, error)
}

// NotificationRepositoryInterface определяет интерфейс репозитория уведомлений
type NotificationRepositoryInterface interface {
	Create(ctx context.Context, n *models.Notification) error
	GetRecent(ctx context.Context, limit int) ([]*models.Notification, error)
	GetByTypes(ctx context.Context, types []string, limit int) ([]*models.Notification, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
