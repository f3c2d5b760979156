package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeengine/internal/bot"
	"tradeengine/internal/models"
	"tradeengine/internal/service"
)

// ErrMockDatabase - ошибка хранилища в моках
var ErrMockDatabase = errors.New("mock database error")

// ============ Mock Engine ============

// MockEngine мок для EngineController
type MockEngine struct {
	mu sync.Mutex

	decision  bot.Decision
	submitErr error
	lastSig   models.Signal

	trading   bool
	breaker   bot.BreakerStatus
	view      models.PortfolioView
	positions map[string]*models.Trade

	emergencyFlatten *bool
	reconcileErr     error
	reconciles       int
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		trading:   true,
		breaker:   bot.BreakerStatus{State: bot.BreakerClosed},
		positions: make(map[string]*models.Trade),
		view: models.PortfolioView{
			Portfolio: models.Portfolio{Mode: models.ModePaper, Balance: 10000},
			Equity:    10000,
		},
	}
}

func (m *MockEngine) SubmitSignal(_ context.Context, sig models.Signal) (bot.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSig = sig
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return m.decision, nil
}

func (m *MockEngine) StartTrading() {
	m.mu.Lock()
	m.trading = true
	m.mu.Unlock()
}

func (m *MockEngine) StopTrading() {
	m.mu.Lock()
	m.trading = false
	m.mu.Unlock()
}

func (m *MockEngine) Status() bot.EngineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bot.EngineStatus{
		Mode:    models.ModePaper,
		Running: true,
		Trading: m.trading,
		Breaker: m.breaker,
		Equity:  m.view.Equity,
		Balance: m.view.Balance,
	}
}

func (m *MockEngine) Portfolio() models.PortfolioView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

func (m *MockEngine) ClosePosition(_ context.Context, id string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bot.ErrPositionNotFound, id)
	}
	delete(m.positions, id)
	return t, nil
}

func (m *MockEngine) TripBreaker(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason == "" {
		reason = "tripped by operator"
	}
	m.breaker = bot.BreakerStatus{State: bot.BreakerOpen, Reason: reason}
}

func (m *MockEngine) ResetBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker = bot.BreakerStatus{State: bot.BreakerClosed}
}

func (m *MockEngine) Breaker() bot.BreakerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breaker
}

func (m *MockEngine) EmergencyStop(_ context.Context, flatten bool) (*bot.EmergencyReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyFlatten = &flatten
	m.trading = false
	m.breaker = bot.BreakerStatus{State: bot.BreakerOpen, Latched: true, Reason: "emergency stop"}
	report := &bot.EmergencyReport{ClosedTrades: []*models.Trade{}}
	if flatten {
		for id, t := range m.positions {
			report.ClosedTrades = append(report.ClosedTrades, t)
			delete(m.positions, id)
		}
	}
	return report, nil
}

func (m *MockEngine) Reconcile(context.Context) (*models.ReconciliationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciles++
	if m.reconcileErr != nil {
		return nil, m.reconcileErr
	}
	return &models.ReconciliationRecord{ID: "rec-1", Trigger: models.TriggerManual, StartedAt: time.Now()}, nil
}

// ============ Mock Settings Service ============

// MockSettingsService мок для SettingsManager с проверкой версии
type MockSettingsService struct {
	mu        sync.Mutex
	current   models.Settings
	history   []*models.Settings
	updateErr error
}

func NewMockSettingsService() *MockSettingsService {
	s := models.DefaultSettings()
	return &MockSettingsService{current: s, history: []*models.Settings{&s}}
}

func (m *MockSettingsService) Current() models.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

func (m *MockSettingsService) Update(_ context.Context, req service.UpdateSettingsRequest) (models.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return models.Settings{}, m.updateErr
	}
	if err := req.Settings.Validate(); err != nil {
		return models.Settings{}, err
	}
	if req.IfMatch != nil && *req.IfMatch != m.current.Version {
		return models.Settings{}, service.ErrVersionConflict
	}
	next := req.Settings.Clone()
	next.Version = m.current.Version + 1
	m.current = next
	m.history = append(m.history, &next)
	return next.Clone(), nil
}

func (m *MockSettingsService) History(_ context.Context, limit int) ([]*models.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Settings, 0, limit)
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.history[i])
	}
	return out, nil
}

// ============ Mock журналов ============

type MockHistory struct {
	trades     []*models.Trade
	orders     []*models.Order
	recs       []*models.ReconciliationRecord
	err        error
	lastStatus models.OrderStatus
	lastLimit  int
}

type mockTrades struct{ *MockHistory }
type mockOrders struct{ *MockHistory }
type mockRecs struct{ *MockHistory }

func (m mockTrades) Recent(_ context.Context, limit int) ([]*models.Trade, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	if len(m.trades) > limit {
		return m.trades[:limit], nil
	}
	return m.trades, nil
}

func (m mockOrders) Recent(_ context.Context, status models.OrderStatus, limit int) ([]*models.Order, error) {
	m.lastStatus = status
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.Order
	for _, o := range m.orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m mockRecs) Recent(_ context.Context, limit int) ([]*models.ReconciliationRecord, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.recs, nil
}

func (m *MockHistory) handler() *HistoryHandler {
	return NewHistoryHandler(mockTrades{m}, mockOrders{m}, mockRecs{m})
}

// ============ Mock Notification Service ============

type MockNotificationService struct {
	notifications []*models.Notification
	err           error
	lastTypes     []string
	lastLimit     int
}

func (m *MockNotificationService) GetNotifications(_ context.Context, types []string, limit int) ([]*models.Notification, error) {
	m.lastTypes = types
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.Notification
	for _, n := range m.notifications {
		if len(types) == 0 {
			out = append(out, n)
			continue
		}
		for _, t := range types {
			if n.Type == t {
				out = append(out, n)
				break
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
