package bot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"tradeengine/internal/exchange"
	"tradeengine/internal/models"
	"tradeengine/internal/repository"
	"tradeengine/pkg/retry"
	"tradeengine/pkg/utils"
)

// Executor - исполнение ордеров в одном из режимов
//
// Execute возвращает ордер в итоговом для конвейера статусе: filled,
// partially_filled, pending (ждёт исполнения из потока), rejected или
// unknown. Ошибка означает, что ордер не был размещён вовсе (дубль,
// сбой журнала), либо ошибку площадки вне отказа по ордеру.
type Executor interface {
	Mode() models.TradingMode
	Execute(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	Cancel(ctx context.Context, o *models.Order) error
	// Venue - сторона чтения площадки для сверки
	Venue() exchange.Broker
}

// OutcomeRecorder - получатель исходов размещения (circuit breaker)
type OutcomeRecorder interface {
	RecordSuccess()
	RecordFailure(err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordSuccess()      {}
func (nopRecorder) RecordFailure(error) {}

// ============================================================
// Журнал ордеров
// ============================================================

// recordPending записывает ордер до отправки. Второй ордер на тот же
// (symbol, side, signal_id) отвергается уникальным client_order_id.
func recordPending(ctx context.Context, ledger OrderLedger, o *models.Order) error {
	if err := ledger.Create(ctx, o); err != nil {
		if errors.Is(err, repository.ErrDuplicateOrder) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.IdempotencyKey())
		}
		return fmt.Errorf("record order: %w", err)
	}
	return nil
}

func toExchangeRequest(o *models.Order) exchange.OrderRequest {
	typ, price, stop := models.KindColumns(o.Kind)
	return exchange.OrderRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          typ,
		Quantity:      o.Quantity,
		Price:         price,
		StopPrice:     stop,
		Leverage:      o.Leverage,
		ReduceOnly:    o.ReduceOnly,
	}
}

// applyBrokerOrder переносит состояние ордера брокера в локальный ордер.
// Проскальзывание считается против ожидаемой цены refPrice.
func applyBrokerOrder(o *models.Order, b *exchange.Order, refPrice float64, viaReconcile bool) error {
	if b.ID != "" {
		id := b.ID
		o.BrokerOrderID = &id
	}
	if err := transition(o, b.Status, viaReconcile); err != nil {
		return err
	}
	o.FilledQty = b.FilledQty
	o.AvgFillPrice = b.AvgFillPrice
	o.Fee = b.Fee
	if b.Reason != "" {
		o.Reason = b.Reason
	}
	if refPrice > 0 && b.FilledQty > 0 {
		o.Slippage = adverseSlippage(o.Side, refPrice, b.AvgFillPrice, b.FilledQty)
	}
	return nil
}

// adverseSlippage - стоимость проскальзывания в валюте котировки (>0 - против нас)
func adverseSlippage(side models.Side, ref, fill, qty float64) float64 {
	if side == models.SideBuy {
		return utils.Notional(qty, fill-ref)
	}
	return utils.Notional(qty, ref-fill)
}

// ============================================================
// SimulatedExecutor
// ============================================================

// SimConfig - параметры симуляции исполнения
type SimConfig struct {
	MaxSlippageBps float64
	FeeRate        float64
	Latency        time.Duration
	Seed           int64
}

// SimulatedExecutor - режим paper: без внешнего I/O
//
// Рыночный ордер исполняется сразу по последней цене со случайным
// неблагоприятным проскальзыванием из [0, MaxSlippageBps]; исполнение
// бронируется в бумажной площадке, поэтому сверка работает так же,
// как в live. Limit и stop ложатся в книгу площадки.
type SimulatedExecutor struct {
	venue   *exchange.PaperBroker
	ledger  OrderLedger
	prices  PriceSource
	cfg     SimConfig
	outcome OutcomeRecorder

	rngMu sync.Mutex
	rng   *rand.Rand

	log *utils.Logger
	now func() time.Time
}

func NewSimulatedExecutor(venue *exchange.PaperBroker, ledger OrderLedger, prices PriceSource, cfg SimConfig, outcome OutcomeRecorder, log *utils.Logger) *SimulatedExecutor {
	if log == nil {
		log = utils.L()
	}
	if outcome == nil {
		outcome = nopRecorder{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedExecutor{
		venue:   venue,
		ledger:  ledger,
		prices:  prices,
		cfg:     cfg,
		outcome: outcome,
		rng:     rand.New(rand.NewSource(seed)),
		log:     log.WithComponent("executor").WithMode(string(models.ModePaper)),
		now:     time.Now,
	}
}

func (e *SimulatedExecutor) Mode() models.TradingMode { return models.ModePaper }

func (e *SimulatedExecutor) Venue() exchange.Broker { return e.venue }

func (e *SimulatedExecutor) slippageBps() float64 {
	if e.cfg.MaxSlippageBps <= 0 {
		return 0
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64() * e.cfg.MaxSlippageBps
}

func (e *SimulatedExecutor) Execute(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	o := models.NewOrder(req, e.now().UTC())
	if err := recordPending(ctx, e.ledger, o); err != nil {
		return nil, err
	}
	start := time.Now()

	if e.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			// ордер не дошёл до площадки
			o.Reason = "cancelled before submission: " + ctx.Err().Error()
			_ = transition(o, models.OrderStatusCancelled, false)
			return o, e.finish(o, start)
		case <-time.After(e.cfg.Latency):
		}
	}

	var (
		placed *exchange.Order
		err    error
	)
	switch req.Kind.(type) {
	case models.MarketOrder, nil:
		ref, ok := e.prices.LastPrice(req.Symbol)
		if !ok {
			ref = req.RefPrice
		}
		if ref <= 0 {
			err = &exchange.ExchangeError{Exchange: "paper", Message: "no price for " + req.Symbol}
			break
		}
		price := utils.ApplySlippage(ref, e.slippageBps(), req.Side == models.SideBuy)
		fee := utils.FeeAmount(utils.Notional(req.Quantity, price), e.cfg.FeeRate)
		placed, err = e.venue.Book(toExchangeRequest(o), price, fee)
		if err == nil {
			req.RefPrice = ref
		}
	default:
		placed, err = e.venue.PlaceOrder(ctx, toExchangeRequest(o))
	}

	if err != nil {
		o.Reason = err.Error()
		_ = transition(o, models.OrderStatusRejected, false)
		e.outcome.RecordFailure(err)
		e.log.Warn("order rejected", utils.Symbol(o.Symbol), utils.OrderID(o.ClientOrderID), utils.Err(err))
		return o, e.finish(o, start)
	}

	if err := applyBrokerOrder(o, placed, req.RefPrice, false); err != nil {
		return o, err
	}
	e.outcome.RecordSuccess()
	return o, e.finish(o, start)
}

func (e *SimulatedExecutor) finish(o *models.Order, start time.Time) error {
	o.UpdatedAt = e.now().UTC()
	typ, _, _ := models.KindColumns(o.Kind)
	RecordOrder(string(models.ModePaper), string(typ), string(o.Status), float64(time.Since(start).Microseconds())/1000)
	if err := e.ledger.Update(context.Background(), o); err != nil {
		return fmt.Errorf("update order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

func (e *SimulatedExecutor) Cancel(ctx context.Context, o *models.Order) error {
	return cancelOrder(ctx, e.venue, e.ledger, o, e.now)
}

// ============================================================
// LiveExecutor
// ============================================================

// LiveExecutor - режим live: реальный брокер
//
// Ордер записывается в журнал как pending до вызова брокера. Явный
// отказ брокера даёт rejected; таймаут или транспортная ошибка без
// отказа дают unknown и внеочередную сверку. Размещение никогда не
// повторяется: повтор того же client_order_id брокер отвергнет, и
// тогда состояние дочитывается через GetOrder.
type LiveExecutor struct {
	broker    exchange.Broker
	ledger    OrderLedger
	timeout   time.Duration
	outcome   OutcomeRecorder
	onUnknown func(o *models.Order)

	log *utils.Logger
	now func() time.Time
}

func NewLiveExecutor(broker exchange.Broker, ledger OrderLedger, timeout time.Duration, outcome OutcomeRecorder, onUnknown func(o *models.Order), log *utils.Logger) *LiveExecutor {
	if log == nil {
		log = utils.L()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if outcome == nil {
		outcome = nopRecorder{}
	}
	return &LiveExecutor{
		broker:    broker,
		ledger:    ledger,
		timeout:   timeout,
		outcome:   outcome,
		onUnknown: onUnknown,
		log:       log.WithComponent("executor").WithMode(string(models.ModeLive)),
		now:       time.Now,
	}
}

func (e *LiveExecutor) Mode() models.TradingMode { return models.ModeLive }

func (e *LiveExecutor) Venue() exchange.Broker { return e.broker }

func (e *LiveExecutor) Execute(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	o := models.NewOrder(req, e.now().UTC())
	if err := recordPending(ctx, e.ledger, o); err != nil {
		return nil, err
	}

	start := time.Now()
	placeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	placed, err := e.broker.PlaceOrder(placeCtx, toExchangeRequest(o))
	cancel()

	switch {
	case err == nil:
		if aerr := applyBrokerOrder(o, placed, req.RefPrice, false); aerr != nil {
			e.markUnknown(o, aerr)
		} else {
			e.outcome.RecordSuccess()
		}

	case errors.Is(err, exchange.ErrDuplicateClientOrderID):
		// брокер уже знает этот client_order_id: дочитываем состояние
		e.resolveDuplicate(ctx, o, req.RefPrice)

	case exchange.IsRejection(err):
		o.Reason = err.Error()
		_ = transition(o, models.OrderStatusRejected, false)
		e.outcome.RecordFailure(err)
		e.log.Warn("order rejected by broker",
			utils.Symbol(o.Symbol), utils.OrderID(o.ClientOrderID), utils.Err(err))

	default:
		e.markUnknown(o, err)
	}

	o.UpdatedAt = e.now().UTC()
	typ, _, _ := models.KindColumns(o.Kind)
	RecordOrder(string(models.ModeLive), string(typ), string(o.Status), float64(time.Since(start).Microseconds())/1000)

	// журнал обновляется даже при отменённом ctx вызывающего
	updCtx, updCancel := context.WithTimeout(context.Background(), e.timeout)
	defer updCancel()
	if uerr := e.ledger.Update(updCtx, o); uerr != nil {
		return o, fmt.Errorf("update order %s: %w", o.ClientOrderID, uerr)
	}

	if o.Status == models.OrderStatusUnknown && e.onUnknown != nil {
		e.onUnknown(o.Clone())
	}
	return o, nil
}

func (e *LiveExecutor) markUnknown(o *models.Order, cause error) {
	o.Reason = cause.Error()
	_ = transition(o, models.OrderStatusUnknown, false)
	e.outcome.RecordFailure(cause)
	e.log.Error("order outcome unknown, reconciliation scheduled",
		utils.Symbol(o.Symbol),
		utils.OrderID(o.ClientOrderID),
		utils.SignalID(o.SignalID),
		utils.Err(cause),
	)
}

func (e *LiveExecutor) resolveDuplicate(ctx context.Context, o *models.Order, refPrice float64) {
	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cfg := retry.DefaultConfig()
	cfg.RetryIf = func(err error) bool {
		return retry.RetryIfNotContext(err) && exchange.IsTransient(err)
	}
	existing, err := retry.DoWithResult(lookupCtx, func() (*exchange.Order, error) {
		return e.broker.GetOrder(lookupCtx, o.Symbol, o.ClientOrderID)
	}, cfg)
	if err != nil {
		e.markUnknown(o, fmt.Errorf("duplicate client order id, lookup failed: %w", err))
		return
	}
	if aerr := applyBrokerOrder(o, existing, refPrice, false); aerr != nil {
		e.markUnknown(o, aerr)
		return
	}
	e.outcome.RecordSuccess()
}

func (e *LiveExecutor) Cancel(ctx context.Context, o *models.Order) error {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return cancelOrder(cctx, e.broker, e.ledger, o, e.now)
}

// cancelOrder отменяет ордер у площадки и отмечает его в журнале.
// Ордер, которого площадка уже не знает, считается отменённым.
func cancelOrder(ctx context.Context, venue exchange.Broker, ledger OrderLedger, o *models.Order, now func() time.Time) error {
	err := retry.Do(ctx, func() error {
		cerr := venue.CancelOrder(ctx, o.Symbol, o.ClientOrderID)
		if cerr != nil && !exchange.IsTransient(cerr) {
			return retry.Permanent(cerr)
		}
		return cerr
	}, retry.AggressiveConfig())
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		return fmt.Errorf("cancel %s: %w", o.ClientOrderID, err)
	}
	if err != nil {
		// ордер мог успеть исполниться: фиксируем фактический статус,
		// вызывающий увидит его в o.Status
		b, gerr := venue.GetOrder(ctx, o.Symbol, o.ClientOrderID)
		switch {
		case gerr == nil && b.Status != models.OrderStatusPending:
			if aerr := applyBrokerOrder(o, b, 0, true); aerr != nil {
				return aerr
			}
			o.UpdatedAt = now().UTC()
			return ledger.Update(ctx, o)
		case gerr != nil && !errors.Is(gerr, exchange.ErrOrderNotFound):
			return fmt.Errorf("cancel %s: lookup: %w", o.ClientOrderID, gerr)
		}
	}

	viaReconcile := o.Status == models.OrderStatusUnknown
	if terr := transition(o, models.OrderStatusCancelled, viaReconcile); terr != nil {
		return terr
	}
	o.UpdatedAt = now().UTC()
	return ledger.Update(ctx, o)
}
