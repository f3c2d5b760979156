package service

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradeengine/internal/models"
	"tradeengine/pkg/utils"
)

// WebSocketBroadcaster - интерфейс для отправки WebSocket сообщений
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type WebSocketBroadcaster interface {
	BroadcastNotification(notif *models.Notification)
}

// NotificationService - доставка алертов оператору.
//
// Publish никогда не блокирует торговые циклы: уведомление кладётся в
// буферизированный канал, при переполнении отбрасывается и учитывается в
// Dropped. Run вычитывает канал, пишет в лог, в БД и рассылает в hub.
type NotificationService struct {
	repo    NotificationRepositoryInterface
	log     *utils.Logger
	queue   chan *models.Notification
	dropped atomic.Int64

	wsHub atomic.Pointer[hubHolder]
}

type hubHolder struct {
	hub WebSocketBroadcaster
}

// DefaultNotificationBuffer - размер очереди уведомлений
const DefaultNotificationBuffer = 256

// NewNotificationService создает новый экземпляр NotificationService.
func NewNotificationService(repo NotificationRepositoryInterface, log *utils.Logger, buffer int) *NotificationService {
	if log == nil {
		log = utils.L()
	}
	if buffer <= 0 {
		buffer = DefaultNotificationBuffer
	}
	return &NotificationService{
		repo:  repo,
		log:   log.WithComponent("notifications"),
		queue: make(chan *models.Notification, buffer),
	}
}

// SetWebSocketHub устанавливает WebSocket hub для broadcast уведомлений.
func (s *NotificationService) SetWebSocketHub(hub WebSocketBroadcaster) {
	s.wsHub.Store(&hubHolder{hub: hub})
}

// Publish ставит уведомление в очередь. Возвращает false, если очередь полна.
func (s *NotificationService) Publish(n *models.Notification) bool {
	if n == nil {
		return false
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if n.Severity == "" {
		n.Severity = models.SeverityInfo
	}

	select {
	case s.queue <- n:
		return true
	default:
		s.dropped.Add(1)
		s.log.Warn("notification queue full, dropping",
			utils.String("type", n.Type),
			utils.String("message", n.Message),
		)
		return false
	}
}

// Notify - сокращение для Publish
func (s *NotificationService) Notify(typ, severity, symbol, message string, meta map[string]interface{}) bool {
	return s.Publish(&models.Notification{
		Type:     typ,
		Severity: severity,
		Symbol:   symbol,
		Message:  message,
		Meta:     meta,
	})
}

// Dropped - число уведомлений, отброшенных из-за переполнения
func (s *NotificationService) Dropped() int64 {
	return s.dropped.Load()
}

// Backlog - текущая длина очереди
func (s *NotificationService) Backlog() int {
	return len(s.queue)
}

// Run обрабатывает очередь до отмены ctx, затем дочитывает остаток
func (s *NotificationService) Run(ctx context.Context) {
	for {
		select {
		case n := <-s.queue:
			s.deliver(n)
		case <-ctx.Done():
			for {
				select {
				case n := <-s.queue:
					s.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (s *NotificationService) deliver(n *models.Notification) {
	fields := []utils.Field{
		utils.String("type", n.Type),
		utils.Symbol(n.Symbol),
		utils.Any("meta", n.Meta),
	}
	switch n.Severity {
	case models.SeverityError:
		s.log.Error(n.Message, fields...)
	case models.SeverityWarn:
		s.log.Warn(n.Message, fields...)
	default:
		s.log.Info(n.Message, fields...)
	}

	if s.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.repo.Create(ctx, n); err != nil {
			s.log.Warn("failed to persist notification", utils.Err(err), utils.String("type", n.Type))
		}
		cancel()
	}

	if h := s.wsHub.Load(); h != nil && h.hub != nil {
		h.hub.BroadcastNotification(n)
	}
}

// GetNotifications возвращает последние уведомления, опционально по типам.
func (s *NotificationService) GetNotifications(ctx context.Context, types []string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	normalized := make([]string, 0, len(types))
	for _, t := range types {
		if v := strings.ToUpper(strings.TrimSpace(t)); v != "" {
			normalized = append(normalized, v)
		}
	}

	if len(normalized) > 0 {
		return s.repo.GetByTypes(ctx, normalized, limit)
	}
	return s.repo.GetRecent(ctx, limit)
}

// CleanupOld удаляет уведомления старше retention
func (s *NotificationService) CleanupOld(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return s.repo.DeleteOlderThan(ctx, time.Now().Add(-retention))
}
