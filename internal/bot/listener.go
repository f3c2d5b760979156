package bot

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"tradeengine/internal/exchange"
	"tradeengine/internal/models"
	"tradeengine/pkg/utils"
)

// ============================================================
// Поток событий аккаунта
// ============================================================

// eventBufferSize - ёмкость буфера между колбэком брокера и обработчиком
const eventBufferSize = 1024

// reconnectRetry - пауза перед повторной сверкой после неудачной
const reconnectRetry = 5 * time.Second

// EventListener применяет события потока брокера к журналу и портфелю
//
// Колбэк брокера только кладёт событие в буфер. Обработка идёт в Run под
// секцией символа, поэтому исполнение, пришедшее из потока, не гоняется
// с конвейером сигнала. Исполнение применяется по разнице накопленного
// объёма с журналом: дубль события ничего не меняет.
//
// Пока поток отключён, приём сигналов остановлен. После переподключения
// сначала проходит сверка, и только потом приём возобновляется.
type EventListener struct {
	name       string
	stream     exchange.UserStream
	ledger     OrderLedger
	portfolio  *PortfolioStore
	gate       *SignalGate
	reconciler *Reconciler
	requests   RequestBook
	notifier   Notifier
	sink       EventSink

	events     chan exchange.UserEvent
	subscribed atomic.Bool
	connected  atomic.Bool
	// awaiting - после переподключения ждём успешной сверки
	awaiting atomic.Bool

	log *utils.Logger
	now func() time.Time
}

// ListenerDeps - зависимости слушателя
type ListenerDeps struct {
	Name       string
	Stream     exchange.UserStream
	Ledger     OrderLedger
	Portfolio  *PortfolioStore
	Gate       *SignalGate
	Reconciler *Reconciler
	Requests   RequestBook
	Notifier   Notifier
	Sink       EventSink
}

func NewEventListener(deps ListenerDeps, log *utils.Logger) *EventListener {
	if log == nil {
		log = utils.L()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if deps.Name == "" {
		deps.Name = "user"
	}
	return &EventListener{
		name:       deps.Name,
		stream:     deps.Stream,
		ledger:     deps.Ledger,
		portfolio:  deps.Portfolio,
		gate:       deps.Gate,
		reconciler: deps.Reconciler,
		requests:   deps.Requests,
		notifier:   deps.Notifier,
		sink:       deps.Sink,
		events:     make(chan exchange.UserEvent, eventBufferSize),
		log:        log.WithComponent("listener"),
		now:        time.Now,
	}
}

// Subscribe регистрирует колбэк у брокера. Повторный вызов ничего не делает.
func (l *EventListener) Subscribe() error {
	if !l.subscribed.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.stream.SubscribeUserEvents(l.enqueue); err != nil {
		l.subscribed.Store(false)
		return fmt.Errorf("subscribe user events: %w", err)
	}
	return nil
}

// Connected - подключён ли поток
func (l *EventListener) Connected() bool {
	return l.connected.Load()
}

func (l *EventListener) enqueue(ev exchange.UserEvent) {
	select {
	case l.events <- ev:
	default:
		// событие потеряно: состояние восстановит сверка
		RecordBufferOverflow("user_events")
		l.log.Warn("user event buffer full, event dropped", utils.String("kind", string(ev.Kind)))
		if l.reconciler != nil {
			l.reconciler.Schedule(models.TriggerUnknownOrder)
		}
	}
}

// Run обрабатывает события до отмены контекста
func (l *EventListener) Run(ctx context.Context) error {
	var retryC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-l.events:
			if ev.Kind == exchange.EventConnected {
				retryC = l.onConnected(ctx)
				continue
			}
			l.handle(ctx, ev)

		case <-retryC:
			retryC = l.resume(ctx)
		}
	}
}

func (l *EventListener) handle(ctx context.Context, ev exchange.UserEvent) {
	switch ev.Kind {
	case exchange.EventOrderUpdate:
		if ev.Order == nil {
			return
		}
		if err := l.onOrderUpdate(ctx, ev.Order); err != nil && ctx.Err() == nil {
			l.log.Error("order update not applied",
				utils.Symbol(ev.Order.Symbol),
				utils.OrderID(ev.Order.ClientOrderID),
				utils.Err(err),
			)
			if l.reconciler != nil {
				l.reconciler.Schedule(models.TriggerUnknownOrder)
			}
		}

	case exchange.EventExecution:
		if ev.Execution != nil {
			l.log.Debug("execution",
				utils.Symbol(ev.Execution.Symbol),
				utils.OrderID(ev.Execution.ClientOrderID),
				utils.Volume(ev.Execution.Quantity),
				utils.Price(ev.Execution.Price),
			)
		}

	case exchange.EventBalance:
		l.sink.BroadcastEvent("balance", map[string]interface{}{
			"balance": ev.Balance,
			"at":      ev.At,
		})

	case exchange.EventDisconnected:
		l.onDisconnected(ev.Err)
	}
}

// ============ Связь ============

func (l *EventListener) onDisconnected(cause error) {
	wasConnected := l.connected.Swap(false)
	UpdateStreamStatus(l.name, false)
	l.gate.Hold(ReasonReconciliationPending)
	l.awaiting.Store(true)

	if !wasConnected {
		return
	}
	msg := "broker user stream disconnected, signal intake paused"
	l.log.Warn(msg, utils.Err(cause))
	meta := map[string]interface{}{"stream": l.name}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	l.notifier.Notify(models.NotificationTypeStreamOffline, models.SeverityWarn, "", msg, meta)
	l.sink.BroadcastEvent("stream", map[string]interface{}{"stream": l.name, "connected": false})
}

func (l *EventListener) onConnected(ctx context.Context) <-chan time.Time {
	l.connected.Store(true)
	UpdateStreamStatus(l.name, true)
	l.sink.BroadcastEvent("stream", map[string]interface{}{"stream": l.name, "connected": true})

	if !l.awaiting.Load() {
		// первое подключение: стартовую сверку выполняет движок
		return nil
	}
	l.log.Info("broker user stream reconnected, reconciling before resuming")
	return l.resume(ctx)
}

// resume сверяет состояние и снимает остановку приёма.
// При ошибке возвращает таймер повторной попытки.
func (l *EventListener) resume(ctx context.Context) <-chan time.Time {
	if !l.connected.Load() {
		return nil
	}
	if l.reconciler != nil {
		if _, err := l.reconciler.Reconcile(ctx, models.TriggerReconnect); err != nil {
			l.log.Error("reconciliation after reconnect failed, intake stays paused", utils.Err(err))
			return time.After(reconnectRetry)
		}
	}
	l.awaiting.Store(false)
	l.gate.Release()
	return nil
}

// ============ Ордера ============

// onOrderUpdate применяет накопленное состояние ордера из потока
func (l *EventListener) onOrderUpdate(ctx context.Context, b *exchange.Order) error {
	return l.gate.Run(ctx, b.Symbol, func(ctx context.Context) error {
		o, err := l.ledger.GetByClientOrderID(ctx, b.ClientOrderID)
		if isNotFound(err) {
			// чужой ордер: сверка его отменит
			l.log.Warn("update for order missing from ledger", utils.OrderID(b.ClientOrderID))
			if l.reconciler != nil {
				l.reconciler.Schedule(models.TriggerUnknownOrder)
			}
			return nil
		}
		if err != nil {
			return err
		}

		if o.Status == models.OrderStatusUnknown {
			// исход выясняет только сверка
			if l.reconciler != nil {
				l.reconciler.Schedule(models.TriggerUnknownOrder)
			}
			return nil
		}
		if o.Status.IsTerminal() && b.FilledQty <= o.FilledQty+qtyEpsilon {
			return nil
		}

		var req *models.OrderRequest
		if l.requests != nil {
			req = l.requests.Request(o.ClientOrderID)
		}
		var refPrice float64
		if req != nil {
			refPrice = req.RefPrice
		}

		prev := o.Clone()
		if err := applyBrokerOrder(o, b, refPrice, false); err != nil {
			if errors.Is(err, errInvalidTransition) {
				l.log.Warn("stream update out of order, skipped",
					utils.OrderID(o.ClientOrderID),
					utils.String("local", string(prev.Status)),
					utils.String("broker", string(b.Status)),
				)
				return nil
			}
			return err
		}
		o.UpdatedAt = l.now().UTC()
		if err := l.ledger.Update(ctx, o); err != nil {
			return fmt.Errorf("update order %s: %w", o.ClientOrderID, err)
		}
		l.sink.BroadcastEvent("order", o)

		fill, ok := fillDelta(prev, o, req)
		if !ok {
			return nil
		}
		delta, err := l.portfolio.Apply(ctx, fill)
		if err != nil {
			return fmt.Errorf("apply fill of %s: %w", o.ClientOrderID, err)
		}
		l.sink.BroadcastEvent("position", delta)
		if delta.Trade != nil {
			l.sink.BroadcastEvent("trade", delta.Trade)
		}
		return nil
	})
}
