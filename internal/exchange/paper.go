package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeengine/internal/models"
	"tradeengine/pkg/utils"
)

// PriceSource - источник последних цен для бумажной площадки
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

// PaperConfig - параметры бумажной площадки
type PaperConfig struct {
	InitialBalance float64
	// Комиссия для ордеров, исполненных самой площадкой (limit/stop по цене)
	FeeRate float64
	// Лимиты, которые площадка отдаёт для любого символа
	Limits Limits
}

// DefaultPaperConfig - лимиты уровня Bybit для основных перпетуалов
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		InitialBalance: 10000,
		FeeRate:        0.00055,
		Limits: Limits{
			MinOrderQty: 0.001,
			MaxOrderQty: 1000,
			QtyStep:     0.001,
			MinNotional: 5,
			PriceStep:   0.01,
			MaxLeverage: 100,
		},
	}
}

// PaperBroker - внутрипроцессная площадка для режима paper
//
// Держит баланс, нетто-позиции по символам (как one-way mode Bybit) и
// ордера. Рыночные исполнения бронирует симулятор через Book; limit и
// stop ордера лежат в книге до пересечения цены в OnTicker. Реализует
// Broker, поэтому сверка работает одинаково в обоих режимах.
type PaperBroker struct {
	mu        sync.Mutex
	cfg       PaperConfig
	prices    PriceSource
	balance   float64
	positions map[string]*Position
	orders    map[string]*Order        // по client order id
	resting   map[string]*OrderRequest // активные limit/stop

	callbackMu sync.RWMutex
	callback   func(UserEvent)

	now func() time.Time
}

const paperQtyEpsilon = 1e-12

// NewPaperBroker создаёт площадку с начальным балансом
func NewPaperBroker(cfg PaperConfig, prices PriceSource) *PaperBroker {
	return &PaperBroker{
		cfg:       cfg,
		prices:    prices,
		balance:   cfg.InitialBalance,
		positions: make(map[string]*Position),
		orders:    make(map[string]*Order),
		resting:   make(map[string]*OrderRequest),
		now:       time.Now,
	}
}

func (p *PaperBroker) Name() string {
	return "paper"
}

// Restore переносит в площадку состояние, восстановленное из хранилища.
// Вызывается при старте до первой сверки.
func (p *PaperBroker) Restore(balance float64, positions []*Position) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.balance = balance
	p.positions = make(map[string]*Position, len(positions))
	for _, pos := range positions {
		c := *pos
		p.positions[pos.Symbol] = &c
	}
}

// Book бронирует немедленное исполнение по цене и комиссии, рассчитанным
// симулятором исполнения.
func (p *PaperBroker) Book(req OrderRequest, price, fee float64) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkLocked(req); err != nil {
		return nil, err
	}
	if price <= 0 {
		return nil, fmt.Errorf("paper: fill price must be positive")
	}

	order := p.newOrderLocked(req)
	p.fillLocked(order, req, price, fee)
	return cloneOrder(order), nil
}

func (p *PaperBroker) checkLocked(req OrderRequest) error {
	if req.ClientOrderID == "" {
		return fmt.Errorf("paper: client order id is required")
	}
	if _, dup := p.orders[req.ClientOrderID]; dup {
		return &ExchangeError{Exchange: "paper", Message: "duplicate client order id", Original: ErrDuplicateClientOrderID}
	}
	if req.Quantity <= 0 {
		return &ExchangeError{Exchange: "paper", Message: "quantity must be positive"}
	}
	if req.ReduceOnly {
		pos := p.positions[req.Symbol]
		if pos == nil || pos.Side.OpenSide() == req.Side {
			return &ExchangeError{Exchange: "paper", Message: "reduce-only order would increase position"}
		}
	}
	return nil
}

func (p *PaperBroker) newOrderLocked(req OrderRequest) *Order {
	now := p.now()
	order := &Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Status:        models.OrderStatusPending,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p.orders[req.ClientOrderID] = order
	return order
}

// fillLocked исполняет ордер целиком и обновляет позицию и баланс
func (p *PaperBroker) fillLocked(order *Order, req OrderRequest, price, fee float64) {
	qty := req.Quantity
	if req.ReduceOnly {
		if pos := p.positions[req.Symbol]; pos != nil && qty > pos.Size {
			qty = pos.Size
		}
	}

	p.balance -= fee
	p.applyLocked(req.Symbol, req.Side, qty, price, req.Leverage)

	order.FilledQty = qty
	order.AvgFillPrice = price
	order.Fee = fee
	order.Status = models.OrderStatusFilled
	order.UpdatedAt = p.now()
}

// applyLocked: нетто-учёт позиции; встречный объём сверх позиции открывает обратную
func (p *PaperBroker) applyLocked(symbol string, side models.Side, qty, price, leverage float64) {
	now := p.now()
	pos := p.positions[symbol]

	if pos == nil {
		p.positions[symbol] = &Position{
			Symbol:     symbol,
			Side:       models.SideFromOrder(side),
			Size:       qty,
			EntryPrice: price,
			Leverage:   leverage,
			UpdatedAt:  now,
		}
		return
	}

	if pos.Side.OpenSide() == side {
		pos.EntryPrice = utils.WeightedAverage(
			[]float64{pos.EntryPrice, price},
			[]float64{pos.Size, qty},
		)
		pos.Size = utils.Sum(pos.Size, qty)
		pos.UpdatedAt = now
		return
	}

	closeQty := utils.Min(qty, pos.Size)
	p.balance += utils.CalculatePNL(string(pos.Side), pos.EntryPrice, price, closeQty)
	pos.Size = utils.Sum(pos.Size, -closeQty)
	pos.UpdatedAt = now

	if pos.Size <= paperQtyEpsilon {
		delete(p.positions, symbol)
	}
	if rest := utils.Sum(qty, -closeQty); rest > paperQtyEpsilon {
		p.applyLocked(symbol, side, rest, price, leverage)
	}
}

// PlaceOrder: market исполняется по последней цене без проскальзывания,
// limit исполняется сразу если цена пересечена, иначе ложится в книгу.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	last, haveLast := p.prices.LastPrice(req.Symbol)

	p.mu.Lock()
	if err := p.checkLocked(req); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	var order *Order
	switch req.Type {
	case models.OrderTypeMarket:
		if !haveLast {
			p.mu.Unlock()
			return nil, &ExchangeError{Exchange: "paper", Message: "no price for " + req.Symbol}
		}
		order = p.newOrderLocked(req)
		p.fillLocked(order, req, last, utils.FeeAmount(utils.Notional(req.Quantity, last), p.cfg.FeeRate))

	case models.OrderTypeLimit, models.OrderTypeStop:
		order = p.newOrderLocked(req)
		r := req
		p.resting[req.ClientOrderID] = &r
		if haveLast {
			if price, ok := triggerPrice(r, last); ok {
				delete(p.resting, req.ClientOrderID)
				p.fillLocked(order, req, price, utils.FeeAmount(utils.Notional(req.Quantity, price), p.cfg.FeeRate))
			}
		}

	default:
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOrderType, req.Type)
	}

	out := cloneOrder(order)
	p.mu.Unlock()
	return out, nil
}

// triggerPrice - цена исполнения ордера из книги при последней цене last
func triggerPrice(req OrderRequest, last float64) (float64, bool) {
	switch req.Type {
	case models.OrderTypeLimit:
		if req.Side == models.SideBuy && last <= req.Price {
			return utils.Min(last, req.Price), true
		}
		if req.Side == models.SideSell && last >= req.Price {
			return utils.Max(last, req.Price), true
		}
	case models.OrderTypeStop:
		if req.Side == models.SideBuy && last >= req.StopPrice {
			return last, true
		}
		if req.Side == models.SideSell && last <= req.StopPrice {
			return last, true
		}
	}
	return 0, false
}

// OnTicker исполняет ордера из книги, чью цену пересекла новая цена.
// Исполнения уходят подписчику потока как события execution и order.
func (p *PaperBroker) OnTicker(t *Ticker) {
	if t == nil || t.LastPrice <= 0 {
		return
	}

	var events []UserEvent

	p.mu.Lock()
	ids := make([]string, 0, len(p.resting))
	for id, req := range p.resting {
		if req.Symbol == t.Symbol {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		req := p.resting[id]
		price, ok := triggerPrice(*req, t.LastPrice)
		if !ok {
			continue
		}
		order := p.orders[id]
		if req.ReduceOnly {
			if err := p.checkLocked(OrderRequest{ClientOrderID: "_", Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity, ReduceOnly: true}); err != nil {
				// позиция уже закрыта, reduce-only остаток бессмыслен
				delete(p.resting, id)
				order.Status = models.OrderStatusCancelled
				order.Reason = "reduce-only without position"
				order.UpdatedAt = p.now()
				events = append(events, UserEvent{Kind: EventOrderUpdate, Order: cloneOrder(order), At: order.UpdatedAt})
				continue
			}
		}

		delete(p.resting, id)
		fee := utils.FeeAmount(utils.Notional(req.Quantity, price), p.cfg.FeeRate)
		p.fillLocked(order, *req, price, fee)

		events = append(events,
			UserEvent{Kind: EventExecution, At: order.UpdatedAt, Execution: &Execution{
				ExecID:        uuid.NewString(),
				OrderID:       order.ID,
				ClientOrderID: order.ClientOrderID,
				Symbol:        order.Symbol,
				Side:          order.Side,
				Quantity:      order.FilledQty,
				Price:         price,
				Fee:           fee,
				At:            order.UpdatedAt,
			}},
			UserEvent{Kind: EventOrderUpdate, Order: cloneOrder(order), At: order.UpdatedAt},
			UserEvent{Kind: EventBalance, Balance: p.balance, At: order.UpdatedAt},
		)
	}
	p.mu.Unlock()

	for _, ev := range events {
		p.emit(ev)
	}
}

func (p *PaperBroker) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("paper %s: %w", clientOrderID, ErrOrderNotFound)
	}
	if _, open := p.resting[clientOrderID]; !open {
		return &ExchangeError{Exchange: "paper", Message: "order is not active", Original: ErrOrderNotFound}
	}
	delete(p.resting, clientOrderID)
	order.Status = models.OrderStatusCancelled
	order.UpdatedAt = p.now()
	return nil
}

func (p *PaperBroker) GetOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("paper %s: %w", clientOrderID, ErrOrderNotFound)
	}
	return cloneOrder(order), nil
}

func (p *PaperBroker) GetOpenOrders(ctx context.Context) ([]*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Order, 0, len(p.resting))
	for id := range p.resting {
		out = append(out, cloneOrder(p.orders[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *PaperBroker) GetPositions(ctx context.Context) ([]*Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Position, 0, len(p.positions))
	for _, pos := range p.positions {
		c := *pos
		if last, ok := p.prices.LastPrice(pos.Symbol); ok {
			c.MarkPrice = last
			c.UnrealizedPnl = utils.CalculatePNL(string(c.Side), c.EntryPrice, last, c.Size)
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *PaperBroker) GetBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *PaperBroker) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	l := p.cfg.Limits
	l.Symbol = symbol
	return &l, nil
}

func (p *PaperBroker) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	last, ok := p.prices.LastPrice(symbol)
	if !ok {
		return nil, fmt.Errorf("paper: no price for %s", symbol)
	}
	return &Ticker{Symbol: symbol, BidPrice: last, AskPrice: last, LastPrice: last, Timestamp: p.now()}, nil
}

// SubscribeUserEvents - поток бумажной площадки никогда не рвётся
func (p *PaperBroker) SubscribeUserEvents(callback func(UserEvent)) error {
	p.callbackMu.Lock()
	p.callback = callback
	p.callbackMu.Unlock()
	p.emit(UserEvent{Kind: EventConnected, At: p.now()})
	return nil
}

func (p *PaperBroker) emit(ev UserEvent) {
	p.callbackMu.RLock()
	cb := p.callback
	p.callbackMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

func (p *PaperBroker) Close() error {
	return nil
}

func cloneOrder(o *Order) *Order {
	c := *o
	return &c
}
