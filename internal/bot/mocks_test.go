package bot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradeengine/internal/exchange"
	"tradeengine/internal/models"
	"tradeengine/internal/repository"
	"tradeengine/pkg/retry"
	"tradeengine/pkg/utils"
)

// ============ In-memory хранилища ============

// memLedger - журнал ордеров с уникальным client_order_id
type memLedger struct {
	mu     sync.Mutex
	orders map[string]*models.Order
}

func newMemLedger() *memLedger {
	return &memLedger{orders: make(map[string]*models.Order)}
}

func (l *memLedger) Create(_ context.Context, o *models.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.orders[o.ClientOrderID]; dup {
		return repository.ErrDuplicateOrder
	}
	l.orders[o.ClientOrderID] = o.Clone()
	return nil
}

func (l *memLedger) Update(_ context.Context, o *models.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.orders[o.ClientOrderID]; !ok {
		return repository.ErrOrderNotFound
	}
	l.orders[o.ClientOrderID] = o.Clone()
	return nil
}

func (l *memLedger) GetByClientOrderID(_ context.Context, cid string) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[cid]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (l *memLedger) ListByStatus(_ context.Context, statuses ...models.OrderStatus) ([]*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Order
	for _, o := range l.orders {
		for _, s := range statuses {
			if o.Status == s {
				out = append(out, o.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out, nil
}

func (l *memLedger) all() []*models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.Order, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o.Clone())
	}
	return out
}

type memPositions struct {
	mu        sync.Mutex
	positions map[string]*models.Position
}

func (r *memPositions) Upsert(_ context.Context, p *models.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[p.ID] = p.Clone()
	return nil
}

func (r *memPositions) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.positions[id]; !ok {
		return repository.ErrPositionNotFound
	}
	delete(r.positions, id)
	return nil
}

func (r *memPositions) ListOpen(_ context.Context) ([]*models.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p.Clone())
	}
	return out, nil
}

type memTrades struct {
	mu     sync.Mutex
	trades []*models.Trade
}

func (r *memTrades) Create(_ context.Context, t *models.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *t
	r.trades = append(r.trades, &c)
	return nil
}

func (r *memTrades) ClosedSince(_ context.Context, from time.Time) ([]*models.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Trade
	for _, t := range r.trades {
		if !t.ClosedAt.Before(from) {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memTrades) list() []*models.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Trade(nil), r.trades...)
}

type memPortfolio struct {
	mu sync.Mutex
	p  *models.Portfolio
}

func (r *memPortfolio) Get(_ context.Context) (*models.Portfolio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p == nil {
		return nil, repository.ErrPortfolioNotFound
	}
	c := r.p.Clone()
	return &c, nil
}

func (r *memPortfolio) Save(_ context.Context, p *models.Portfolio) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := p.Clone()
	r.p = &c
	return nil
}

type memRecords struct {
	mu      sync.Mutex
	records []*models.ReconciliationRecord
}

func (r *memRecords) Create(_ context.Context, rec *models.ReconciliationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memRecords) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type memStores struct {
	Stores
	ledger    *memLedger
	positions *memPositions
	trades    *memTrades
	portfolio *memPortfolio
	records   *memRecords
}

func newMemStores() *memStores {
	m := &memStores{
		ledger:    newMemLedger(),
		positions: &memPositions{positions: make(map[string]*models.Position)},
		trades:    &memTrades{},
		portfolio: &memPortfolio{},
		records:   &memRecords{},
	}
	m.Stores = Stores{
		Orders:          m.ledger,
		Positions:       m.positions,
		Trades:          m.trades,
		Portfolio:       m.portfolio,
		Reconciliations: m.records,
	}
	return m
}

// ============ Настройки, алерты, лента ============

type staticSettings struct {
	p atomic.Pointer[models.Settings]
}

func newStaticSettings(mut func(*models.Settings)) *staticSettings {
	s := models.DefaultSettings()
	s.WarmupBars = 0
	s.AllowedTimeframes = []string{"5m", "15m", "1h"}
	if mut != nil {
		mut(&s)
	}
	st := &staticSettings{}
	st.p.Store(&s)
	return st
}

func (s *staticSettings) Current() models.Settings {
	return s.p.Load().Clone()
}

func (s *staticSettings) update(mut func(*models.Settings)) {
	c := s.Current()
	mut(&c)
	c.Version++
	s.p.Store(&c)
}

type recNotifier struct {
	mu    sync.Mutex
	types []string
}

func (n *recNotifier) Notify(typ, _, _, _ string, _ map[string]interface{}) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, typ)
	return true
}

func (n *recNotifier) count(typ string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, t := range n.types {
		if t == typ {
			c++
		}
	}
	return c
}

// ============ Цены ============

type fixedPrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFixedPrices(kv ...interface{}) *fixedPrices {
	p := &fixedPrices{prices: make(map[string]float64)}
	for i := 0; i+1 < len(kv); i += 2 {
		p.prices[kv[i].(string)] = kv[i+1].(float64)
	}
	return p
}

func (p *fixedPrices) LastPrice(symbol string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.prices[symbol]
	return v, ok
}

func (p *fixedPrices) set(symbol string, v float64) {
	p.mu.Lock()
	p.prices[symbol] = v
	p.mu.Unlock()
}

// ============ Брокер ============

// fakeBroker - управляемый брокер режима live
//
// placeFn решает судьбу PlaceOrder; по умолчанию рыночный ордер
// исполняется целиком по цене price и запоминается как ордер брокера.
type fakeBroker struct {
	mu        sync.Mutex
	orders    map[string]*exchange.Order
	open      map[string]bool
	positions map[string]*exchange.Position
	balance   float64
	price     float64
	limits    exchange.Limits

	placeFn  func(req exchange.OrderRequest) (*exchange.Order, error)
	placed   int
	posReads int
	readErr  error
	callback func(exchange.UserEvent)
}

func newFakeBroker(balance, price float64) *fakeBroker {
	return &fakeBroker{
		orders:    make(map[string]*exchange.Order),
		open:      make(map[string]bool),
		positions: make(map[string]*exchange.Position),
		balance:   balance,
		price:     price,
		limits: exchange.Limits{
			MinOrderQty: 0.001,
			MaxOrderQty: 100,
			QtyStep:     0.001,
			MinNotional: 5,
			PriceStep:   0.1,
			MaxLeverage: 50,
		},
	}
}

func (b *fakeBroker) Name() string { return "fake" }

// fill исполняет ордер у брокера: запоминает его и двигает позицию
func (b *fakeBroker) fill(req exchange.OrderRequest) *exchange.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fillLocked(req)
}

func (b *fakeBroker) fillLocked(req exchange.OrderRequest) *exchange.Order {
	now := time.Now().UTC()
	o := &exchange.Order{
		ID:            "b-" + req.ClientOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		FilledQty:     req.Quantity,
		AvgFillPrice:  b.price,
		Status:        models.OrderStatusFilled,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.orders[req.ClientOrderID] = o

	side := models.SideFromOrder(req.Side)
	if req.ReduceOnly {
		side = side.Opposite()
		if pos := b.positions[req.Symbol]; pos != nil {
			pos.Size -= req.Quantity
			if pos.Size <= 1e-12 {
				delete(b.positions, req.Symbol)
			}
		}
	} else if pos := b.positions[req.Symbol]; pos != nil && pos.Side == side {
		pos.Size += req.Quantity
	} else {
		b.positions[req.Symbol] = &exchange.Position{
			Symbol: req.Symbol, Side: side, Size: req.Quantity,
			EntryPrice: b.price, MarkPrice: b.price, Leverage: req.Leverage,
		}
	}
	c := *o
	return &c
}

func (b *fakeBroker) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	b.mu.Lock()
	b.placed++
	if _, dup := b.orders[req.ClientOrderID]; dup {
		b.mu.Unlock()
		return nil, &exchange.ExchangeError{Exchange: "fake", Message: "duplicate", Original: exchange.ErrDuplicateClientOrderID}
	}
	fn := b.placeFn
	b.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return b.fill(req), nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, _, cid string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[cid]
	if !ok || !b.open[cid] {
		return exchange.ErrOrderNotFound
	}
	delete(b.open, cid)
	o.Status = models.OrderStatusCancelled
	return nil
}

func (b *fakeBroker) GetOrder(_ context.Context, _, cid string) (*exchange.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	o, ok := b.orders[cid]
	if !ok {
		return nil, exchange.ErrOrderNotFound
	}
	c := *o
	return &c, nil
}

func (b *fakeBroker) GetOpenOrders(_ context.Context) ([]*exchange.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	var out []*exchange.Order
	for cid := range b.open {
		c := *b.orders[cid]
		out = append(out, &c)
	}
	return out, nil
}

func (b *fakeBroker) GetPositions(_ context.Context) ([]*exchange.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.posReads++
	if b.readErr != nil {
		return nil, b.readErr
	}
	var out []*exchange.Position
	for _, p := range b.positions {
		c := *p
		out = append(out, &c)
	}
	return out, nil
}

func (b *fakeBroker) GetBalance(_ context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return 0, b.readErr
	}
	return b.balance, nil
}

func (b *fakeBroker) GetLimits(_ context.Context, symbol string) (*exchange.Limits, error) {
	l := b.limits
	l.Symbol = symbol
	return &l, nil
}

func (b *fakeBroker) GetTicker(_ context.Context, symbol string) (*exchange.Ticker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &exchange.Ticker{Symbol: symbol, LastPrice: b.price, Timestamp: time.Now()}, nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) SubscribeUserEvents(cb func(exchange.UserEvent)) error {
	b.mu.Lock()
	b.callback = cb
	b.mu.Unlock()
	cb(exchange.UserEvent{Kind: exchange.EventConnected, At: time.Now()})
	return nil
}

func (b *fakeBroker) emit(ev exchange.UserEvent) {
	b.mu.Lock()
	cb := b.callback
	b.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (b *fakeBroker) setPlaceFn(fn func(exchange.OrderRequest) (*exchange.Order, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeFn = fn
}

func (b *fakeBroker) positionReads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.posReads
}

func (b *fakeBroker) placedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placed
}

func (b *fakeBroker) setPosition(p *exchange.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p == nil {
		return
	}
	c := *p
	b.positions[p.Symbol] = &c
}

func (b *fakeBroker) setReadErr(err error) {
	b.mu.Lock()
	b.readErr = err
	b.mu.Unlock()
}

func (b *fakeBroker) setBalance(v float64) {
	b.mu.Lock()
	b.balance = v
	b.mu.Unlock()
}

// ============ Сборка ============

func testLogger() *utils.Logger {
	return utils.NewNopLogger()
}

// fastRead - чтения брокера без задержек между попытками
func fastRead() retry.Config {
	return retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

// testSignal - валидный сигнал с уникальным id
func testSignal(id, symbol string, dir models.Direction) models.Signal {
	return models.Signal{
		ID:          id,
		Symbol:      symbol,
		Direction:   dir,
		Confidence:  0.9,
		StrategyID:  "test",
		Timeframe:   "15m",
		GeneratedAt: time.Now(),
	}
}

func mustAccepted(d Decision, err error) (Accepted, error) {
	if err != nil {
		return Accepted{}, err
	}
	acc, ok := d.(Accepted)
	if !ok {
		return Accepted{}, fmt.Errorf("decision = %#v, want Accepted", d)
	}
	return acc, nil
}
