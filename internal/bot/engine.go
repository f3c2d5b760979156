package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradeengine/internal/exchange"
	"tradeengine/internal/models"
	"tradeengine/pkg/retry"
	"tradeengine/pkg/utils"
)

// EngineConfig - параметры движка из конфигурации процесса
type EngineConfig struct {
	Mode           models.TradingMode
	InitialBalance float64

	// OrderTimeout - таймаут PlaceOrder; по истечении ордер уходит в unknown
	OrderTimeout time.Duration
	// BrokerTimeout - таймаут чтений у брокера
	BrokerTimeout time.Duration

	ReconcileInterval time.Duration
	BalanceTolerance  float64

	BreakerThreshold int
	BreakerCooldown  time.Duration

	// ProtectiveInterval - период проверки стопов помимо событий цены
	ProtectiveInterval time.Duration
	// HealthInterval - период смены торгового дня, метрик и статуса
	HealthInterval time.Duration

	// Symbols - символы для подписки на цены
	Symbols []string

	Sim   SimConfig
	Paper exchange.PaperConfig

	// TradingOnStart - принимать сигналы сразу после стартовой сверки
	TradingOnStart bool
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Mode:               models.ModePaper,
		InitialBalance:     10000,
		OrderTimeout:       10 * time.Second,
		BrokerTimeout:      10 * time.Second,
		ReconcileInterval:  30 * time.Second,
		BalanceTolerance:   0.01,
		BreakerThreshold:   5,
		BreakerCooldown:    60 * time.Second,
		ProtectiveInterval: time.Second,
		HealthInterval:     10 * time.Second,
		Sim: SimConfig{
			MaxSlippageBps: 5,
			FeeRate:        0.00055,
		},
		Paper:          exchange.DefaultPaperConfig(),
		TradingOnStart: true,
	}
}

// EngineDeps - внешние зависимости движка
type EngineDeps struct {
	// Live - брокер режима live (REST + поток аккаунта)
	Live interface {
		exchange.Broker
		exchange.UserStream
	}
	// Tickers - поток цен; в paper тоже берётся у реального брокера
	Tickers  exchange.TickerStream
	Stores   Stores
	Settings SettingsProvider
	Notifier Notifier
	Sink     EventSink
}

// tickerBufferSize - буфер цен между колбэком потока и циклом цен
const tickerBufferSize = 4096

// Engine - контекст торгового движка одного режима
//
// Всё состояние торговли живёт в полях: цены, портфель, шлюз, автомат
// отключения и сверка собираются в NewEngine и не разделяются через
// глобальные переменные. Поток данных:
//
//	Signal → SignalGate (секция символа) → pipeline → Executor → PortfolioStore
//	UserStream → EventListener (секция символа) → журнал → PortfolioStore
//	Reconciler (секция символа) → журнал / PortfolioStore / брокер
type Engine struct {
	cfg EngineConfig

	prices     *PriceCache
	settings   SettingsProvider
	portfolio  *PortfolioStore
	risk       *RiskManager
	gate       *SignalGate
	breaker    *CircuitBreaker
	executor   Executor
	ledger     OrderLedger
	paper      *exchange.PaperBroker
	reconciler *Reconciler
	listener   *EventListener
	supervisor *Supervisor
	requests   *requestBook
	tickers    exchange.TickerStream

	notifier Notifier
	sink     EventSink

	limitsMu sync.RWMutex
	limits   map[string]exchange.Limits

	tickerCh     chan *exchange.Ticker
	protectiveCh chan string

	trading atomic.Bool
	running atomic.Bool
	baseCtx atomic.Pointer[context.Context]

	dailyLimitMu  sync.Mutex
	dailyLimitDay time.Time

	startedAt atomic.Int64 // unix nano
	log       *utils.Logger
	now       func() time.Time
}

// NewEngine собирает движок. В paper площадкой служит PaperBroker,
// в live - deps.Live.
func NewEngine(cfg EngineConfig, deps EngineDeps, log *utils.Logger) (*Engine, error) {
	if log == nil {
		log = utils.L()
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("invalid trading mode %q", cfg.Mode)
	}
	if deps.Settings == nil {
		return nil, errors.New("engine: settings provider is required")
	}
	if deps.Stores.Orders == nil || deps.Stores.Portfolio == nil || deps.Stores.Positions == nil ||
		deps.Stores.Trades == nil || deps.Stores.Reconciliations == nil {
		return nil, errors.New("engine: all stores are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}

	e := &Engine{
		cfg:          cfg,
		prices:       NewPriceCache(),
		settings:     deps.Settings,
		ledger:       deps.Stores.Orders,
		requests:     newRequestBook(),
		tickers:      deps.Tickers,
		notifier:     deps.Notifier,
		sink:         deps.Sink,
		limits:       make(map[string]exchange.Limits),
		tickerCh:     make(chan *exchange.Ticker, tickerBufferSize),
		protectiveCh: make(chan string, 256),
		log:          log.WithComponent("engine").WithMode(string(cfg.Mode)),
		now:          time.Now,
	}

	e.portfolio = NewPortfolioStore(cfg.Mode, deps.Stores, e.prices, deps.Settings, log)
	e.risk = NewRiskManager(e.prices, log)
	e.gate = NewSignalGate(log, e.onPoison)
	e.gate.Handle(e.pipeline)

	e.breaker = NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, log)
	e.breaker.OnChange(e.onBreakerChange)

	var (
		venue  exchange.Broker
		stream exchange.UserStream
	)
	switch cfg.Mode {
	case models.ModePaper:
		paperCfg := cfg.Paper
		paperCfg.InitialBalance = cfg.InitialBalance
		e.paper = exchange.NewPaperBroker(paperCfg, e.prices)
		e.executor = NewSimulatedExecutor(e.paper, e.ledger, e.prices, cfg.Sim, e.breaker, log)
		venue, stream = e.paper, e.paper
	case models.ModeLive:
		if deps.Live == nil {
			return nil, errors.New("engine: live mode requires a broker")
		}
		e.executor = NewLiveExecutor(deps.Live, e.ledger, cfg.OrderTimeout, e.breaker, e.onUnknownOrder, log)
		venue, stream = deps.Live, deps.Live
	}

	e.reconciler = NewReconciler(ReconcilerDeps{
		Mode:      cfg.Mode,
		Venue:     venue,
		Ledger:    e.ledger,
		Portfolio: e.portfolio,
		Records:   deps.Stores.Reconciliations,
		Gate:      e.gate,
		Prices:    e.prices,
		Settings:  deps.Settings,
		Requests:  e.requests,
		Notifier:  deps.Notifier,
		Sink:      deps.Sink,
	}, reconcilerConfig(cfg), log)

	e.listener = NewEventListener(ListenerDeps{
		Name:       venue.Name(),
		Stream:     stream,
		Ledger:     e.ledger,
		Portfolio:  e.portfolio,
		Gate:       e.gate,
		Reconciler: e.reconciler,
		Requests:   e.requests,
		Notifier:   deps.Notifier,
		Sink:       deps.Sink,
	}, log)

	e.supervisor = NewSupervisor(log, e.onLoopEvent)
	return e, nil
}

// ============================================================
// Жизненный цикл
// ============================================================

// Start восстанавливает состояние, сверяет его с брокером и запускает

func reconcilerConfig(cfg EngineConfig) ReconcilerConfig {
	rc := DefaultReconcilerConfig()
	if cfg.ReconcileInterval > 0 {
		rc.Interval = cfg.ReconcileInterval
	}
	if cfg.BalanceTolerance > 0 {
		rc.BalanceTolerance = cfg.BalanceTolerance
	}
	return rc
}

// фоновые циклы. Сигналы принимаются только после стартовой сверки.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	e.baseCtx.Store(&ctx)
	e.startedAt.Store(e.now().UnixNano())

	if err := e.portfolio.Rebuild(ctx, e.cfg.InitialBalance); err != nil {
		e.running.Store(false)
		return fmt.Errorf("rebuild portfolio: %w", err)
	}
	if e.paper != nil {
		e.restorePaperVenue()
	}

	e.gate.Hold(ReasonReconciliationPending)
	if err := e.listener.Subscribe(); err != nil {
		e.running.Store(false)
		return err
	}
	if e.tickers != nil && len(e.cfg.Symbols) > 0 {
		if err := e.tickers.SubscribeTickers(e.cfg.Symbols, e.OnTicker); err != nil {
			e.running.Store(false)
			return fmt.Errorf("subscribe tickers: %w", err)
		}
	}

	rec, err := e.reconciler.Reconcile(ctx, models.TriggerStartup)
	if err != nil {
		e.running.Store(false)
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	e.gate.Release()
	e.trading.Store(e.cfg.TradingOnStart)

	e.supervisor.Go(ctx, "prices", e.priceLoop)
	e.supervisor.Go(ctx, "listener", e.listener.Run)
	e.supervisor.Go(ctx, "reconciler", e.reconciler.Run)
	e.supervisor.Go(ctx, "protective", e.protectiveLoop)
	e.supervisor.Go(ctx, "health", e.healthLoop)

	view := e.portfolio.Snapshot()
	e.log.Info("engine started",
		utils.Float64("balance", view.Balance),
		utils.Int("positions", len(view.Positions)),
		utils.Int("startup_discrepancies", len(rec.Discrepancies)),
		utils.Bool("trading", e.trading.Load()),
	)
	return nil
}

// Supervise запускает дополнительный цикл под надзором движка
func (e *Engine) Supervise(name string, loop LoopFunc) error {
	p := e.baseCtx.Load()
	if p == nil || !e.running.Load() {
		return ErrNotRunning
	}
	e.supervisor.Go(*p, name, loop)
	return nil
}

// Wait ждёт завершения циклов после отмены контекста Start
func (e *Engine) Wait() {
	e.supervisor.Wait()
	e.running.Store(false)
}

func (e *Engine) restorePaperVenue() {
	view := e.portfolio.Snapshot()
	positions := make([]*exchange.Position, 0, len(view.Positions))
	for _, pv := range view.Positions {
		positions = append(positions, &exchange.Position{
			Symbol:     pv.Symbol,
			Side:       pv.Side,
			Size:       pv.Quantity,
			EntryPrice: pv.EntryPrice,
			MarkPrice:  pv.MarkPrice,
			Leverage:   pv.Leverage,
			UpdatedAt:  pv.UpdatedAt,
		})
	}
	e.paper.Restore(view.Balance, positions)
}

func (e *Engine) context() context.Context {
	if p := e.baseCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

// ============================================================
// Цены
// ============================================================

// OnTicker - колбэк потока цен, не блокирует
func (e *Engine) OnTicker(t *exchange.Ticker) {
	if t == nil {
		return
	}
	select {
	case e.tickerCh <- t:
	default:
		RecordBufferOverflow("tickers")
	}
}

func (e *Engine) priceLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-e.tickerCh:
			e.applyTicker(t)
		}
	}
}

// applyTicker обновляет кэш, бумажную площадку и будит монитор стопов
func (e *Engine) applyTicker(t *exchange.Ticker) {
	if !e.prices.Update(t) {
		return
	}
	if e.paper != nil {
		e.paper.OnTicker(t)
	}
	select {
	case e.protectiveCh <- t.Symbol:
	default:
	}
}

// ============================================================
// Защитные выходы
// ============================================================

func (e *Engine) protectiveLoop(ctx context.Context) error {
	interval := e.cfg.ProtectiveInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.protectiveCh:
			e.runProtective(ctx)
		case <-ticker.C:
			e.runProtective(ctx)
		}
	}
}

// runProtective закрывает позиции, у которых сработал стоп, тейк или трейлинг
func (e *Engine) runProtective(ctx context.Context) {
	for _, trig := range e.portfolio.CheckProtective() {
		trig := trig
		err := e.gate.Run(ctx, trig.Symbol, func(ctx context.Context) error {
			// позиция могла закрыться, пока ждали секцию
			pos, ok := e.portfolio.Position(trig.PositionID)
			if !ok {
				return nil
			}
			if _, still := evaluateProtective(pos, trig.Price); !still {
				return nil
			}
			_, err := e.closePosition(ctx, pos, trig.Reason, "")
			return err
		})
		if err != nil && ctx.Err() == nil {
			e.log.Error("protective close failed",
				utils.Symbol(trig.Symbol),
				utils.PositionID(trig.PositionID),
				utils.String("reason", string(trig.Reason)),
				utils.Err(err),
			)
			continue
		}
		e.notifier.Notify(models.NotificationTypeStop, models.SeverityInfo, trig.Symbol,
			fmt.Sprintf("%s triggered at %v (level %v)", trig.Reason, trig.Price, trig.Level),
			map[string]interface{}{"position_id": trig.PositionID})
	}
}

// ============================================================
// Здоровье
// ============================================================

func (e *Engine) healthLoop(ctx context.Context) error {
	interval := e.cfg.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.portfolio.Roll(ctx); err != nil {
				e.log.Error("trading day rollover failed", utils.Err(err))
			}
			view := e.portfolio.Snapshot()
			UpdatePortfolioGauges(view.Equity, view.DailyRealizedPnL, len(view.Positions))
			e.sink.BroadcastEvent("status", e.Status())
		}
	}
}

func (e *Engine) onLoopEvent(ev HealthEvent) {
	e.notifier.Notify(models.NotificationTypeLoopCrash, models.SeverityError, "",
		fmt.Sprintf("loop %s restarted: %s", ev.Loop, ev.Reason),
		map[string]interface{}{"loop": ev.Loop, "restarts": ev.Restarts, "panic": ev.Panic})
	e.sink.BroadcastEvent("health", ev)
}

func (e *Engine) onBreakerChange(from, to BreakerStateName, reason string) {
	severity := models.SeverityWarn
	if to == BreakerClosed {
		severity = models.SeverityInfo
	}
	e.notifier.Notify(models.NotificationTypeBreaker, severity, "",
		fmt.Sprintf("circuit breaker %s -> %s: %s", from, to, reason), nil)
	e.sink.BroadcastEvent("breaker", e.breaker.Status())
}

// onUnknownOrder - исход ордера неизвестен, выясняет сверка
func (e *Engine) onUnknownOrder(o *models.Order) {
	e.notifier.Notify(models.NotificationTypeUnknownOrder, models.SeverityWarn, o.Symbol,
		"order outcome unknown, reconciliation scheduled",
		map[string]interface{}{"client_order_id": o.ClientOrderID, "reason": o.Reason, "status": StatusInfo(o.Status)})
	e.reconciler.Schedule(models.TriggerUnknownOrder)
}

// onPoison восстанавливает состояние после паники в секции символа:
// портфель перечитывается из хранилища, затем сверка с брокером
func (e *Engine) onPoison(symbol string, recovered interface{}) {
	ctx := e.context()
	log := e.log.WithSymbol(symbol)
	e.notifier.Notify(models.NotificationTypePoisonedLock, models.SeverityError, symbol,
		fmt.Sprintf("panic inside %s section: %v", symbol, recovered), nil)

	if err := e.portfolio.Rebuild(ctx, e.cfg.InitialBalance); err != nil {
		log.Error("portfolio rebuild after panic failed", utils.Err(err))
	}
	if _, err := e.reconciler.Reconcile(ctx, models.TriggerPoisonedLock); err != nil {
		log.Error("reconciliation after panic failed", utils.Err(err))
		return
	}
	log.Info("state restored after panic")
}

// ============================================================
// Лимиты инструментов
// ============================================================

// symbolLimits - лимиты символа, кэшируются на время жизни процесса
func (e *Engine) symbolLimits(ctx context.Context, symbol string) (exchange.Limits, error) {
	e.limitsMu.RLock()
	l, ok := e.limits[symbol]
	e.limitsMu.RUnlock()
	if ok {
		return l, nil
	}

	readCtx, cancel := context.WithTimeout(ctx, e.brokerTimeout())
	defer cancel()
	limits, err := retry.DoWithResult(readCtx, func() (*exchange.Limits, error) {
		return e.executor.Venue().GetLimits(readCtx, symbol)
	}, retry.BrokerReadConfig())
	if err != nil {
		return exchange.Limits{}, fmt.Errorf("get limits %s: %w", symbol, err)
	}

	e.limitsMu.Lock()
	e.limits[symbol] = *limits
	e.limitsMu.Unlock()
	return *limits, nil
}

func (e *Engine) brokerTimeout() time.Duration {
	if e.cfg.BrokerTimeout > 0 {
		return e.cfg.BrokerTimeout
	}
	return 10 * time.Second
}

// ============================================================
// Запросы ожидающих ордеров
// ============================================================

// requestBook хранит запросы ордеров до окончательного исхода
type requestBook struct {
	mu   sync.RWMutex
	reqs map[string]*models.OrderRequest
}

func newRequestBook() *requestBook {
	return &requestBook{reqs: make(map[string]*models.OrderRequest)}
}

// Put запоминает запрос, если под тем же client_order_id нет запроса в работе.
// added=false: запрос уже записан ранней попыткой, его не трогаем.
func (b *requestBook) Put(req models.OrderRequest) (cid string, added bool) {
	cid = models.ClientOrderID(req.Symbol, req.Side, req.SignalID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.reqs[cid]; ok {
		return cid, false
	}
	b.reqs[cid] = &req
	return cid, true
}

func (b *requestBook) Request(clientOrderID string) *models.OrderRequest {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if r, ok := b.reqs[clientOrderID]; ok {
		c := *r
		return &c
	}
	return nil
}

func (b *requestBook) Forget(clientOrderID string) {
	b.mu.Lock()
	delete(b.reqs, clientOrderID)
	b.mu.Unlock()
}
