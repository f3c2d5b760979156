package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"tradeengine/internal/exchange"
	"tradeengine/internal/models"
	"tradeengine/internal/repository"
	"tradeengine/pkg/retry"
	"tradeengine/pkg/utils"
)

// ReconcilerConfig - параметры сверки
type ReconcilerConfig struct {
	Interval time.Duration
	// BalanceTolerance - расхождение баланса, которое не считается дрейфом
	BalanceTolerance float64
	// Timeout - ограничение на один проход
	Timeout time.Duration
	Read    retry.Config
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:         30 * time.Second,
		BalanceTolerance: 0.01,
		Timeout:          time.Minute,
		Read:             retry.BrokerReadConfig(),
	}
}

// Reconciler - сверка локального состояния с брокером
//
// Брокер - источник истины. Проход снимает баланс, открытые ордера и
// позиции, затем по каждому символу под его секцией гейта:
//   - выясняет ордера в unknown и применяет их исполнения ровно один раз;
//   - дочитывает pending-ордера без пары у брокера, устаревшие отменяет;
//   - выравнивает позиции (принять чужую, закрыть лишнюю, поправить объём).
//
// В конце отменяются ордера брокера, которых нет в журнале, и баланс
// выставляется по брокеру. Каждое исправление попадает в запись сверки.
// Повторный проход без изменений у брокера даёт пустую запись.
type Reconciler struct {
	runMu sync.Mutex

	mode      models.TradingMode
	venue     exchange.Broker
	ledger    OrderLedger
	portfolio *PortfolioStore
	records   ReconciliationRepository
	gate      *SignalGate
	prices    PriceSource
	settings  SettingsProvider
	requests  RequestBook
	notifier  Notifier
	sink      EventSink
	cfg       ReconcilerConfig

	queue chan models.ReconcileTrigger

	lastMu sync.RWMutex
	last   *models.ReconciliationRecord

	log *utils.Logger
	now func() time.Time
}

// ReconcilerDeps - зависимости сверки
type ReconcilerDeps struct {
	Mode      models.TradingMode
	Venue     exchange.Broker
	Ledger    OrderLedger
	Portfolio *PortfolioStore
	Records   ReconciliationRepository
	Gate      *SignalGate
	Prices    PriceSource
	Settings  SettingsProvider
	Requests  RequestBook
	Notifier  Notifier
	Sink      EventSink
}

func NewReconciler(deps ReconcilerDeps, cfg ReconcilerConfig, log *utils.Logger) *Reconciler {
	if log == nil {
		log = utils.L()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Read.MaxAttempts <= 0 {
		cfg.Read = retry.BrokerReadConfig()
	}
	return &Reconciler{
		mode:      deps.Mode,
		venue:     deps.Venue,
		ledger:    deps.Ledger,
		portfolio: deps.Portfolio,
		records:   deps.Records,
		gate:      deps.Gate,
		prices:    deps.Prices,
		settings:  deps.Settings,
		requests:  deps.Requests,
		notifier:  deps.Notifier,
		sink:      deps.Sink,
		cfg:       cfg,
		queue:     make(chan models.ReconcileTrigger, 16),
		log:       log.WithComponent("reconciler"),
		now:       time.Now,
	}
}

// Schedule ставит внеочередную сверку, не блокируя вызывающего
func (r *Reconciler) Schedule(trigger models.ReconcileTrigger) {
	select {
	case r.queue <- trigger:
	default:
		// проход уже в очереди, он увидит то же состояние
		RecordBufferOverflow("reconcile_queue")
	}
}

// Run - цикл сверки по таймеру и по запросам
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runLogged(ctx, models.TriggerInterval)
		case trig := <-r.queue:
			r.runLogged(ctx, trig)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context, trigger models.ReconcileTrigger) {
	if _, err := r.Reconcile(ctx, trigger); err != nil && ctx.Err() == nil {
		r.log.Error("reconciliation failed", utils.String("trigger", string(trigger)), utils.Err(err))
	}
}

// Last - последняя запись сверки
func (r *Reconciler) Last() *models.ReconciliationRecord {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.last
}

// brokerSnapshot - состояние брокера на момент прохода
type brokerSnapshot struct {
	balance    float64
	orders     map[string]*exchange.Order // по client order id
	positions  map[string]*exchange.Position
	symbolsSet map[string]struct{}
}

func positionKey(symbol string, side models.PositionSide) string {
	return symbol + "|" + string(side)
}

// Reconcile выполняет один проход сверки
func (r *Reconciler) Reconcile(ctx context.Context, trigger models.ReconcileTrigger) (*models.ReconciliationRecord, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	rec := &models.ReconciliationRecord{
		ID:            uuid.NewString(),
		Mode:          r.mode,
		Trigger:       trigger,
		StartedAt:     r.now().UTC(),
		Discrepancies: []models.Discrepancy{},
	}
	var errs error

	snap, err := r.snapshot(ctx)
	if err != nil {
		errs = multierr.Append(errs, err)
		return r.finish(ctx, rec, errs)
	}
	rec.BrokerBalance = snap.balance

	open, err := r.listOpenOrders(ctx)
	if err != nil {
		errs = multierr.Append(errs, err)
		return r.finish(ctx, rec, errs)
	}

	symbols := make(map[string]struct{})
	for _, o := range open {
		symbols[o.Symbol] = struct{}{}
	}
	for _, p := range r.portfolio.Positions() {
		symbols[p.Symbol] = struct{}{}
	}
	for s := range snap.symbolsSet {
		symbols[s] = struct{}{}
	}

	ordered := make([]string, 0, len(symbols))
	for s := range symbols {
		ordered = append(ordered, s)
	}
	sort.Strings(ordered)

	for _, symbol := range ordered {
		err := r.gate.Run(ctx, symbol, func(ctx context.Context) error {
			// пока секцию держал сигнал, снимок и журнал могли устареть
			if err := r.refreshSymbol(ctx, symbol, snap); err != nil {
				return err
			}
			orders, err := r.listOpenOrders(ctx)
			if err != nil {
				return err
			}
			var serr error
			for _, o := range orders {
				if o.Symbol != symbol {
					continue
				}
				d, oerr := r.reconcileOrder(ctx, o, snap)
				serr = multierr.Append(serr, oerr)
				if d != nil {
					rec.Discrepancies = append(rec.Discrepancies, *d)
				}
			}
			ds, perr := r.reconcilePositions(ctx, symbol, snap)
			rec.Discrepancies = append(rec.Discrepancies, ds...)
			return multierr.Append(serr, perr)
		})
		errs = multierr.Append(errs, err)
	}

	ds, err := r.cancelOrphans(ctx, snap)
	rec.Discrepancies = append(rec.Discrepancies, ds...)
	errs = multierr.Append(errs, err)

	// баланс перечитывается после поправок позиций
	if balance, berr := r.readBalance(ctx); berr == nil {
		snap.balance = balance
		rec.BrokerBalance = balance
	} else {
		errs = multierr.Append(errs, berr)
	}
	d, err := r.reconcileBalance(ctx, snap.balance)
	if d != nil {
		rec.Discrepancies = append(rec.Discrepancies, *d)
	}
	errs = multierr.Append(errs, err)

	return r.finish(ctx, rec, errs)
}

func (r *Reconciler) listOpenOrders(ctx context.Context) ([]*models.Order, error) {
	open, err := r.ledger.ListByStatus(ctx,
		models.OrderStatusUnknown, models.OrderStatusPending, models.OrderStatusPartiallyFilled)
	if err != nil {
		return nil, fmt.Errorf("list local orders: %w", err)
	}
	return open, nil
}

func (r *Reconciler) readBalance(ctx context.Context) (float64, error) {
	balance, err := retry.DoWithResult(ctx, func() (float64, error) {
		return r.venue.GetBalance(ctx)
	}, r.cfg.Read)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (r *Reconciler) readOrdersAndPositions(ctx context.Context) ([]*exchange.Order, []*exchange.Position, error) {
	orders, err := retry.DoWithResult(ctx, func() ([]*exchange.Order, error) {
		return r.venue.GetOpenOrders(ctx)
	}, r.cfg.Read)
	if err != nil {
		return nil, nil, fmt.Errorf("get open orders: %w", err)
	}

	positions, err := retry.DoWithResult(ctx, func() ([]*exchange.Position, error) {
		return r.venue.GetPositions(ctx)
	}, r.cfg.Read)
	if err != nil {
		return nil, nil, fmt.Errorf("get positions: %w", err)
	}
	return orders, positions, nil
}

// refreshSymbol заменяет в снимке ордера и позиции символа свежими.
// Вызывающий держит секцию символа.
func (r *Reconciler) refreshSymbol(ctx context.Context, symbol string, snap *brokerSnapshot) error {
	orders, positions, err := r.readOrdersAndPositions(ctx)
	if err != nil {
		return err
	}

	for id, o := range snap.orders {
		if o.Symbol == symbol {
			delete(snap.orders, id)
		}
	}
	for _, o := range orders {
		if o.Symbol == symbol {
			snap.orders[o.ClientOrderID] = o
		}
	}

	delete(snap.positions, positionKey(symbol, models.PositionLong))
	delete(snap.positions, positionKey(symbol, models.PositionShort))
	for _, p := range positions {
		if p.Symbol == symbol && p.Size > qtyEpsilon {
			snap.positions[positionKey(p.Symbol, p.Side)] = p
		}
	}
	return nil
}

func (r *Reconciler) snapshot(ctx context.Context) (*brokerSnapshot, error) {
	balance, err := r.readBalance(ctx)
	if err != nil {
		return nil, err
	}

	orders, positions, err := r.readOrdersAndPositions(ctx)
	if err != nil {
		return nil, err
	}

	snap := &brokerSnapshot{
		balance:    balance,
		orders:     make(map[string]*exchange.Order, len(orders)),
		positions:  make(map[string]*exchange.Position, len(positions)),
		symbolsSet: make(map[string]struct{}),
	}
	for _, o := range orders {
		snap.orders[o.ClientOrderID] = o
	}
	for _, p := range positions {
		if p.Size <= qtyEpsilon {
			continue
		}
		snap.positions[positionKey(p.Symbol, p.Side)] = p
		snap.symbolsSet[p.Symbol] = struct{}{}
	}
	return snap, nil
}

// ============================================================
// Ордера
// ============================================================

// reconcileOrder доводит незавершённый локальный ордер до состояния брокера
func (r *Reconciler) reconcileOrder(ctx context.Context, o *models.Order, snap *brokerSnapshot) (*models.Discrepancy, error) {
	if b, resting := snap.orders[o.ClientOrderID]; resting && o.Status != models.OrderStatusUnknown {
		// ордер жив у брокера; исполнения, пропущенные потоком, догоняем
		if b.FilledQty > o.FilledQty+qtyEpsilon {
			return r.applyBroker(ctx, o, b, models.DiscrepancyUnknownOrderResolved, "applied missed fill")
		}
		return nil, nil
	}

	b, err := retry.DoWithResult(ctx, func() (*exchange.Order, error) {
		return r.venue.GetOrder(ctx, o.Symbol, o.ClientOrderID)
	}, r.readNotFound())

	switch {
	case errors.Is(err, exchange.ErrOrderNotFound):
		if o.Status == models.OrderStatusUnknown {
			// до брокера не дошёл
			return r.markCancelled(ctx, o, models.DiscrepancyUnknownOrderResolved, "not found at broker")
		}
		if r.now().Sub(o.CreatedAt) >= r.currentSettings().StaleOrderAfter() {
			return r.markCancelled(ctx, o, models.DiscrepancyStaleOrder, "no broker counterpart")
		}
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get order %s: %w", o.ClientOrderID, err)
	}

	if b.Status == models.OrderStatusPending {
		if o.Status == models.OrderStatusUnknown {
			// дошёл и ждёт в книге брокера: отменяем, решение по сигналу устарело
			if cerr := r.venue.CancelOrder(ctx, o.Symbol, o.ClientOrderID); cerr != nil && !errors.Is(cerr, exchange.ErrOrderNotFound) {
				return nil, fmt.Errorf("cancel %s: %w", o.ClientOrderID, cerr)
			}
			return r.markCancelled(ctx, o, models.DiscrepancyUnknownOrderResolved, "resting at broker, cancelled")
		}
		if r.now().Sub(o.CreatedAt) >= r.currentSettings().StaleOrderAfter() {
			if cerr := r.venue.CancelOrder(ctx, o.Symbol, o.ClientOrderID); cerr != nil && !errors.Is(cerr, exchange.ErrOrderNotFound) {
				return nil, fmt.Errorf("cancel stale %s: %w", o.ClientOrderID, cerr)
			}
			return r.markCancelled(ctx, o, models.DiscrepancyStaleOrder, "stale at broker, cancelled")
		}
		return nil, nil
	}

	kind := models.DiscrepancyUnknownOrderResolved
	return r.applyBroker(ctx, o, b, kind, "resolved to "+string(b.Status))
}

// applyBroker переносит состояние ордера брокера в журнал, затем применяет
// новое исполнение к портфелю. Журнал пишется первым: повторный проход
// увидит накопленный объём и не применит исполнение второй раз.
func (r *Reconciler) applyBroker(ctx context.Context, o *models.Order, b *exchange.Order, kind models.DiscrepancyKind, action string) (*models.Discrepancy, error) {
	var req *models.OrderRequest
	if r.requests != nil {
		req = r.requests.Request(o.ClientOrderID)
	}
	var refPrice float64
	if req != nil {
		refPrice = req.RefPrice
	}

	prev := o.Clone()
	if err := applyBrokerOrder(o, b, refPrice, true); err != nil {
		return nil, err
	}
	o.UpdatedAt = r.now().UTC()
	if err := r.ledger.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("update order %s: %w", o.ClientOrderID, err)
	}

	d := &models.Discrepancy{
		Kind:    kind,
		Symbol:  o.Symbol,
		OrderID: o.ID,
		Local:   fmt.Sprintf("%s filled=%v", prev.Status, prev.FilledQty),
		Broker:  fmt.Sprintf("%s filled=%v", b.Status, b.FilledQty),
		Action:  action,
	}

	fill, ok := fillDelta(prev, o, req)
	if !ok {
		return d, nil
	}
	delta, err := r.portfolio.Apply(ctx, fill)
	if err != nil {
		return d, fmt.Errorf("apply fill of %s: %w", o.ClientOrderID, err)
	}
	if delta.Position != nil {
		d.PositionID = delta.Position.ID
	}
	d.Action = fmt.Sprintf("%s, position %s", action, delta.Kind)
	r.sink.BroadcastEvent("position", delta)
	return d, nil
}

func (r *Reconciler) markCancelled(ctx context.Context, o *models.Order, kind models.DiscrepancyKind, why string) (*models.Discrepancy, error) {
	prev := o.Status
	if err := transition(o, models.OrderStatusCancelled, true); err != nil {
		return nil, err
	}
	o.Reason = why
	o.UpdatedAt = r.now().UTC()
	if err := r.ledger.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("update order %s: %w", o.ClientOrderID, err)
	}
	return &models.Discrepancy{
		Kind:    kind,
		Symbol:  o.Symbol,
		OrderID: o.ID,
		Local:   string(prev),
		Broker:  "absent",
		Action:  "marked cancelled: " + why,
	}, nil
}

// readNotFound - чтение одного ордера: "не найден" не повторяется
func (r *Reconciler) readNotFound() retry.Config {
	cfg := r.cfg.Read
	cfg.RetryIf = func(err error) bool {
		return retry.RetryIfNotContext(err) && !errors.Is(err, exchange.ErrOrderNotFound)
	}
	return cfg
}

// ============================================================
// Позиции
// ============================================================

func (r *Reconciler) reconcilePositions(ctx context.Context, symbol string, snap *brokerSnapshot) ([]models.Discrepancy, error) {
	var out []models.Discrepancy
	var errs error

	for _, side := range []models.PositionSide{models.PositionLong, models.PositionShort} {
		local, haveLocal := r.portfolio.PositionFor(symbol, side)
		broker, haveBroker := snap.positions[positionKey(symbol, side)]

		switch {
		case haveBroker && !haveLocal:
			pos := r.adoptedPosition(broker)
			if err := r.portfolio.Adopt(ctx, pos); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("adopt %s %s: %w", symbol, side, err))
				continue
			}
			out = append(out, models.Discrepancy{
				Kind:       models.DiscrepancyMissingLocalPosition,
				Symbol:     symbol,
				PositionID: pos.ID,
				Local:      "none",
				Broker:     fmt.Sprintf("%s %v @ %v", side, broker.Size, broker.EntryPrice),
				Action:     "adopted broker position",
			})

		case haveLocal && !haveBroker:
			exit := r.markPrice(symbol, local.EntryPrice)
			trade, err := r.portfolio.Close(ctx, local.ID, exit, models.CloseReasonReconciled)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("close %s: %w", local.ID, err))
				continue
			}
			r.sink.BroadcastEvent("trade", trade)
			out = append(out, models.Discrepancy{
				Kind:       models.DiscrepancyMissingBrokerPosition,
				Symbol:     symbol,
				PositionID: local.ID,
				Local:      fmt.Sprintf("%s %v @ %v", side, local.Quantity, local.EntryPrice),
				Broker:     "none",
				Action:     fmt.Sprintf("closed as reconciled @ %v", exit),
			})

		case haveLocal && haveBroker:
			if utils.Abs(local.Quantity-broker.Size) <= qtyEpsilon {
				continue
			}
			if err := r.portfolio.Resize(ctx, local.ID, broker.Size, broker.EntryPrice); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("resize %s: %w", local.ID, err))
				continue
			}
			out = append(out, models.Discrepancy{
				Kind:       models.DiscrepancySizeMismatch,
				Symbol:     symbol,
				PositionID: local.ID,
				Local:      fmt.Sprintf("%v", local.Quantity),
				Broker:     fmt.Sprintf("%v", broker.Size),
				Action:     "set to broker size",
			})
		}
	}
	return out, errs
}

// adoptedPosition строит локальную позицию по позиции брокера с защитными
// уровнями из текущих настроек
func (r *Reconciler) adoptedPosition(b *exchange.Position) *models.Position {
	s := r.currentSettings()
	var stopPct float64
	if s.Sizing.Rule != nil {
		stopPct = s.Sizing.Rule.StopDistancePct()
	}
	sl, tp := protectiveLevels(b.Side, b.EntryPrice, stopPct, s.TakeProfitPct, 0)

	pos := &models.Position{
		Symbol:     b.Symbol,
		Side:       b.Side,
		Quantity:   b.Size,
		EntryPrice: b.EntryPrice,
		Leverage:   b.Leverage,
		StopLoss:   sl,
		TakeProfit: tp,
		PeakPrice:  b.EntryPrice,
	}
	if s.TrailingStopPct > 0 {
		pos.TrailingStopPct = models.Float(s.TrailingStopPct)
	}
	return pos
}

func (r *Reconciler) markPrice(symbol string, fallback float64) float64 {
	if r.prices != nil {
		if p, ok := r.prices.LastPrice(symbol); ok {
			return p
		}
	}
	return fallback
}

// ============================================================
// Чужие ордера и баланс
// ============================================================

func (r *Reconciler) cancelOrphans(ctx context.Context, snap *brokerSnapshot) ([]models.Discrepancy, error) {
	ids := make([]string, 0, len(snap.orders))
	for id := range snap.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []models.Discrepancy
	var errs error
	for _, id := range ids {
		b := snap.orders[id]
		_, err := r.ledger.GetByClientOrderID(ctx, id)
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			errs = multierr.Append(errs, err)
			continue
		}
		if cerr := r.venue.CancelOrder(ctx, b.Symbol, id); cerr != nil && !errors.Is(cerr, exchange.ErrOrderNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("cancel orphan %s: %w", id, cerr))
			continue
		}
		out = append(out, models.Discrepancy{
			Kind:    models.DiscrepancyOrphanBrokerOrder,
			Symbol:  b.Symbol,
			OrderID: id,
			Local:   "none",
			Broker:  fmt.Sprintf("%s %s %v", b.Type, b.Side, b.Quantity),
			Action:  "cancelled at broker",
		})
	}
	return out, errs
}

func (r *Reconciler) reconcileBalance(ctx context.Context, brokerBalance float64) (*models.Discrepancy, error) {
	local := r.portfolio.Snapshot().Balance
	if utils.Abs(local-brokerBalance) <= r.cfg.BalanceTolerance {
		return nil, nil
	}
	if err := r.portfolio.SetBalance(ctx, brokerBalance); err != nil {
		return nil, err
	}
	return &models.Discrepancy{
		Kind:   models.DiscrepancyBalanceMismatch,
		Local:  fmt.Sprintf("%.8f", local),
		Broker: fmt.Sprintf("%.8f", brokerBalance),
		Action: "set to broker balance",
	}, nil
}

// ============================================================
// Итог прохода
// ============================================================

func (r *Reconciler) finish(ctx context.Context, rec *models.ReconciliationRecord, errs error) (*models.ReconciliationRecord, error) {
	rec.FinishedAt = r.now().UTC()
	for _, e := range multierr.Errors(errs) {
		rec.Errors = append(rec.Errors, e.Error())
	}

	result := "clean"
	switch {
	case errs != nil:
		result = "failed"
	case len(rec.Discrepancies) > 0:
		result = "corrected"
	}
	ReconcileRuns.WithLabelValues(string(rec.Trigger), result).Inc()
	for _, d := range rec.Discrepancies {
		ReconcileDiscrepancies.WithLabelValues(string(d.Kind)).Inc()
	}

	if errs == nil {
		r.gate.ClearPoisoned()
	}

	// запись сохраняется даже при отменённом контексте прохода
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.records.Create(saveCtx, rec); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("save reconciliation record: %w", err))
	}

	r.lastMu.Lock()
	r.last = rec
	r.lastMu.Unlock()

	fields := []utils.Field{
		utils.String("trigger", string(rec.Trigger)),
		utils.Int("discrepancies", len(rec.Discrepancies)),
		utils.Int("errors", len(rec.Errors)),
		utils.Duration("took", rec.FinishedAt.Sub(rec.StartedAt)),
	}
	if rec.Clean() {
		r.log.Debug("reconciliation clean", fields...)
	} else {
		r.log.Warn("reconciliation found drift", fields...)
		if len(rec.Discrepancies) > 0 {
			r.notifier.Notify(models.NotificationTypeDrift, models.SeverityWarn, "",
				fmt.Sprintf("reconciliation (%s) corrected %d discrepancies", rec.Trigger, len(rec.Discrepancies)),
				map[string]interface{}{"record_id": rec.ID, "errors": len(rec.Errors)})
		}
	}
	r.sink.BroadcastEvent("reconciliation", rec)

	return rec, errs
}

func (r *Reconciler) currentSettings() models.Settings {
	if r.settings == nil {
		return models.DefaultSettings()
	}
	return r.settings.Current()
}

// isNotFound - журнал не знает ордер
func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrOrderNotFound)
}
