package bot

import (
	"context"
	"time"

	"tradeengine/internal/models"
	"tradeengine/internal/repository"
)

// ============================================================
// Зависимости движка
// ============================================================
//
// Движок работает через узкие интерфейсы хранилища, чтобы тесты
// подставляли in-memory реализации. Продакшн-реализации лежат в
// internal/repository и собираются через StoresFromRepository.

// OrderLedger - журнал ордеров (client_order_id уникален)
type OrderLedger interface {
	Create(ctx context.Context, o *models.Order) error
	Update(ctx context.Context, o *models.Order) error
	GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error)
	ListByStatus(ctx context.Context, statuses ...models.OrderStatus) ([]*models.Order, error)
}

type PositionRepository interface {
	Upsert(ctx context.Context, p *models.Position) error
	Delete(ctx context.Context, id string) error
	ListOpen(ctx context.Context) ([]*models.Position, error)
}

type TradeRepository interface {
	Create(ctx context.Context, t *models.Trade) error
	ClosedSince(ctx context.Context, from time.Time) ([]*models.Trade, error)
}

type PortfolioRepository interface {
	Get(ctx context.Context) (*models.Portfolio, error)
	Save(ctx context.Context, p *models.Portfolio) error
}

type ReconciliationRepository interface {
	Create(ctx context.Context, rec *models.ReconciliationRecord) error
}

// Stores - набор хранилищ одного режима
type Stores struct {
	Orders          OrderLedger
	Positions       PositionRepository
	Trades          TradeRepository
	Portfolio       PortfolioRepository
	Reconciliations ReconciliationRepository
}

// StoresFromRepository собирает Stores из репозиториев БД
func StoresFromRepository(s *repository.Store) Stores {
	return Stores{
		Orders:          s.Orders,
		Positions:       s.Positions,
		Trades:          s.Trades,
		Portfolio:       s.Portfolio,
		Reconciliations: s.Reconciliations,
	}
}

// SettingsProvider - источник текущего снимка настроек
type SettingsProvider interface {
	Current() models.Settings
}

// Notifier - неблокирующая отправка алертов оператору
type Notifier interface {
	Notify(typ, severity, symbol, message string, meta map[string]interface{}) bool
}

// EventSink - лента событий для оператора (WebSocket hub)
type EventSink interface {
	BroadcastEvent(eventType string, data interface{})
}

// nopNotifier и nopSink - заглушки, когда зависимость не передана
type nopNotifier struct{}

func (nopNotifier) Notify(string, string, string, string, map[string]interface{}) bool { return true }

type nopSink struct{}

func (nopSink) BroadcastEvent(string, interface{}) {}
