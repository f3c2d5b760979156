package bot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"tradeengine/internal/models"
	"tradeengine/pkg/utils"
)

// ============================================================
// Управление оператора
// ============================================================
//
// Все команды идемпотентны: повторный вызов в том же состоянии
// ничего не меняет и не считается ошибкой.

// StartTrading возобновляет приём сигналов
func (e *Engine) StartTrading() {
	if !e.trading.Swap(true) {
		e.log.Info("trading started by operator")
		e.sink.BroadcastEvent("trading", map[string]interface{}{"enabled": true})
	}
}

// StopTrading перестаёт принимать сигналы. Позиции, стопы и сверка
// продолжают работать.
func (e *Engine) StopTrading() {
	if e.trading.Swap(false) {
		e.log.Info("trading stopped by operator")
		e.sink.BroadcastEvent("trading", map[string]interface{}{"enabled": false})
	}
}

// Trading - принимаются ли сигналы
func (e *Engine) Trading() bool {
	return e.trading.Load()
}

// TripBreaker размыкает автомат вручную
func (e *Engine) TripBreaker(reason string) {
	if reason == "" {
		reason = "tripped by operator"
	}
	e.breaker.Trip(reason)
}

// ResetBreaker замыкает автомат, в том числе после аварийной остановки
func (e *Engine) ResetBreaker() {
	e.breaker.Reset()
}

// Breaker - состояние автомата
func (e *Engine) Breaker() BreakerStatus {
	return e.breaker.Status()
}

// EmergencyReport - итог аварийной остановки
type EmergencyReport struct {
	CancelledOrders int             `json:"cancelled_orders"`
	ClosedTrades    []*models.Trade `json:"closed_trades"`
	Errors          []string        `json:"errors,omitempty"`
}

// EmergencyStop фиксирует автомат разомкнутым, останавливает приём
// сигналов, отменяет открытые ордера и при flatten закрывает все позиции
func (e *Engine) EmergencyStop(ctx context.Context, flatten bool) (*EmergencyReport, error) {
	e.breaker.Latch("emergency stop")
	e.StopTrading()

	report := &EmergencyReport{ClosedTrades: []*models.Trade{}}
	var errs error

	open, err := e.ledger.ListByStatus(ctx, models.OrderStatusPending, models.OrderStatusPartiallyFilled)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("list open orders: %w", err))
	}
	for _, o := range open {
		var cur *models.Order
		cerr := e.gate.Run(ctx, o.Symbol, func(ctx context.Context) error {
			var err error
			cur, err = e.cancelOrder(ctx, o.ClientOrderID)
			return err
		})
		if cerr != nil {
			errs = multierr.Append(errs, cerr)
			continue
		}
		if cur != nil && cur.Status == models.OrderStatusCancelled {
			report.CancelledOrders++
		}
	}

	if flatten {
		for _, pos := range e.portfolio.Positions() {
			pos := pos
			cerr := e.gate.Run(ctx, pos.Symbol, func(ctx context.Context) error {
				current, ok := e.portfolio.Position(pos.ID)
				if !ok {
					return nil
				}
				res, err := e.closePosition(ctx, current, models.CloseReasonEmergency, "")
				if err != nil {
					return err
				}
				if res.Delta != nil && res.Delta.Trade != nil {
					report.ClosedTrades = append(report.ClosedTrades, res.Delta.Trade)
				}
				return nil
			})
			errs = multierr.Append(errs, cerr)
		}
	}

	for _, ee := range multierr.Errors(errs) {
		report.Errors = append(report.Errors, ee.Error())
	}

	e.log.Warn("emergency stop",
		utils.Bool("flatten", flatten),
		utils.Int("cancelled_orders", report.CancelledOrders),
		utils.Int("closed_positions", len(report.ClosedTrades)),
		utils.Int("errors", len(report.Errors)),
	)
	e.notifier.Notify(models.NotificationTypeEmergency, models.SeverityError, "",
		fmt.Sprintf("emergency stop: %d orders cancelled, %d positions closed", report.CancelledOrders, len(report.ClosedTrades)),
		map[string]interface{}{"flatten": flatten, "errors": len(report.Errors)})
	e.sink.BroadcastEvent("emergency_stop", report)
	return report, errs
}

// cancelOrder отменяет ордер по свежей записи журнала. Вызывающий держит
// секцию символа. Исполнение, обнаруженное при отмене, идёт в портфель.
func (e *Engine) cancelOrder(ctx context.Context, clientOrderID string) (*models.Order, error) {
	cur, err := e.ledger.GetByClientOrderID(ctx, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", clientOrderID, err)
	}
	if cur.Status != models.OrderStatusPending && cur.Status != models.OrderStatusPartiallyFilled {
		return cur, nil
	}

	prev := cur.Clone()
	if err := e.executor.Cancel(ctx, cur); err != nil {
		return cur, err
	}
	e.sink.BroadcastEvent("order", cur)

	req := e.requests.Request(cur.ClientOrderID)
	if !IsOpenStatus(cur.Status) {
		defer e.requests.Forget(cur.ClientOrderID)
	}
	fill, ok := fillDelta(prev, cur, req)
	if !ok {
		return cur, nil
	}
	delta, err := e.portfolio.Apply(ctx, fill)
	if err != nil {
		e.reconciler.Schedule(models.TriggerUnknownOrder)
		return cur, fmt.Errorf("apply fill of %s: %w", cur.ClientOrderID, err)
	}
	e.log.Warn("order filled before cancel",
		utils.OrderID(cur.ClientOrderID),
		utils.Symbol(cur.Symbol),
		utils.Volume(fill.Quantity),
	)
	e.sink.BroadcastEvent("position", delta)
	if delta.Trade != nil {
		e.sink.BroadcastEvent("trade", delta.Trade)
	}
	return cur, nil
}

// ClosePosition закрывает позицию по команде оператора
func (e *Engine) ClosePosition(ctx context.Context, positionID string) (*models.Trade, error) {
	pos, ok := e.portfolio.Position(positionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}

	var trade *models.Trade
	err := e.gate.Run(ctx, pos.Symbol, func(ctx context.Context) error {
		current, ok := e.portfolio.Position(positionID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
		}
		res, err := e.closePosition(ctx, current, models.CloseReasonManual, "")
		if err != nil {
			return err
		}
		if res.Delta == nil || res.Delta.Trade == nil {
			return fmt.Errorf("%w: close order %s is %s", ErrOrderNotFilled, res.Order.ClientOrderID, res.Order.Status)
		}
		trade = res.Delta.Trade
		return nil
	})
	return trade, err
}

// Reconcile - внеочередная сверка по команде оператора
func (e *Engine) Reconcile(ctx context.Context) (*models.ReconciliationRecord, error) {
	return e.reconciler.Reconcile(ctx, models.TriggerManual)
}

// Portfolio - снимок портфеля
func (e *Engine) Portfolio() models.PortfolioView {
	return e.portfolio.Snapshot()
}

// ============================================================
// Статус
// ============================================================

// EngineStatus - состояние движка для оператора
type EngineStatus struct {
	Mode               models.TradingMode           `json:"mode"`
	Running            bool                         `json:"running"`
	Trading            bool                         `json:"trading"`
	Hold               string                       `json:"hold,omitempty"`
	StreamConnected    bool                         `json:"stream_connected"`
	Breaker            BreakerStatus                `json:"breaker"`
	PoisonedSymbols    []string                     `json:"poisoned_symbols"`
	SettingsVersion    int64                        `json:"settings_version"`
	Equity             float64                      `json:"equity"`
	Balance            float64                      `json:"balance"`
	DailyRealizedPnL   float64                      `json:"daily_realized_pnl"`
	OpenPositions      int                          `json:"open_positions"`
	LastReconciliation *models.ReconciliationRecord `json:"last_reconciliation,omitempty"`
	LoopRestarts       map[string]int               `json:"loop_restarts"`
	StartedAt          time.Time                    `json:"started_at"`
	Uptime             string                       `json:"uptime"`
}

func (e *Engine) Status() EngineStatus {
	view := e.portfolio.Snapshot()
	st := EngineStatus{
		Mode:               e.cfg.Mode,
		Running:            e.running.Load(),
		Trading:            e.trading.Load(),
		StreamConnected:    e.listener.Connected(),
		Breaker:            e.breaker.Status(),
		PoisonedSymbols:    e.gate.Poisoned(),
		SettingsVersion:    e.settings.Current().Version,
		Equity:             view.Equity,
		Balance:            view.Balance,
		DailyRealizedPnL:   view.DailyRealizedPnL,
		OpenPositions:      len(view.Positions),
		LastReconciliation: e.reconciler.Last(),
		LoopRestarts:       e.supervisor.Restarts(),
	}
	if reason, held := e.gate.Held(); held {
		st.Hold = string(reason)
	}
	if ns := e.startedAt.Load(); ns > 0 {
		st.StartedAt = time.Unix(0, ns).UTC()
		st.Uptime = utils.FormatDuration(e.now().Sub(st.StartedAt))
	}
	return st
}
