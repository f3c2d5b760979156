package repository

import (
	"database/sql"

	"tradeengine/internal/models"
)

// Store - набор репозиториев одного режима поверх общего подключения
type Store struct {
	DB              *sql.DB
	Dialect         Dialect
	Mode            models.TradingMode
	Orders          *OrderRepository
	Positions       *PositionRepository
	Trades          *TradeRepository
	Portfolio       *PortfolioRepository
	Reconciliations *ReconciliationRepository
	Settings        *SettingsRepository
	Notifications   *NotificationRepository
}

// NewStore собирает репозитории для режима mode
func NewStore(db *sql.DB, dialect Dialect, mode models.TradingMode) *Store {
	return &Store{
		DB:              db,
		Dialect:         dialect,
		Mode:            mode,
		Orders:          NewOrderRepository(db, mode),
		Positions:       NewPositionRepository(db, mode),
		Trades:          NewTradeRepository(db, mode),
		Portfolio:       NewPortfolioRepository(db, mode),
		Reconciliations: NewReconciliationRepository(db, mode),
		Settings:        NewSettingsRepository(db),
		Notifications:   NewNotificationRepository(db),
	}
}

// Close закрывает подключение
func (s *Store) Close() error {
	return s.DB.Close()
}
