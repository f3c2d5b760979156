package exchange

import (
	"context"
	"errors"
	"time"

	"tradeengine/internal/models"
)

// Broker - унифицированный интерфейс брокера (реального или симулированного)
//
// Все вызовы несут context с таймаутом. Чтения идемпотентны и могут
// повторяться через pkg/retry; PlaceOrder не повторяется никогда.
type Broker interface {
	// Name возвращает имя площадки ("bybit", "paper")
	Name() string

	// PlaceOrder размещает ордер. ClientOrderID обязателен: по нему брокер
	// отвергает дубли, по нему же ордер ищется после таймаута.
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// CancelOrder отменяет ордер по client order id
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error

	// GetOrder возвращает ордер по client order id (ErrOrderNotFound если нет)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)

	// GetOpenOrders - все активные ордера аккаунта
	GetOpenOrders(ctx context.Context) ([]*Order, error)

	// GetPositions - открытые позиции (нулевые отфильтрованы)
	GetPositions(ctx context.Context) ([]*Position, error)

	// GetBalance - баланс кошелька в USDT без нереализованного PnL
	GetBalance(ctx context.Context) (float64, error)

	// GetLimits - торговые ограничения инструмента
	GetLimits(ctx context.Context, symbol string) (*Limits, error)

	// GetTicker - текущая цена
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// Close закрывает соединения
	Close() error
}

// UserStream - поток событий аккаунта (исполнения, ордера, баланс, связь)
type UserStream interface {
	SubscribeUserEvents(callback func(UserEvent)) error
}

// TickerStream - поток цен
type TickerStream interface {
	SubscribeTickers(symbols []string, callback func(*Ticker)) error
}

// ============================================================
// Типы
// ============================================================

// OrderRequest - ордер в терминах брокера
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Type          models.OrderType
	Quantity      float64
	Price         float64 // для limit
	StopPrice     float64 // для stop
	Leverage      float64
	ReduceOnly    bool
}

// Order - ордер в представлении брокера
type Order struct {
	ID            string             `json:"id"` // id брокера
	ClientOrderID string             `json:"client_order_id"`
	Symbol        string             `json:"symbol"`
	Side          models.Side        `json:"side"`
	Type          models.OrderType   `json:"type"`
	Quantity      float64            `json:"quantity"`
	FilledQty     float64            `json:"filled_qty"`
	AvgFillPrice  float64            `json:"avg_fill_price"`
	Fee           float64            `json:"fee"`
	Status        models.OrderStatus `json:"status"`
	ReduceOnly    bool               `json:"reduce_only"`
	Reason        string             `json:"reason,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Position - позиция в представлении брокера (one-way mode: одна на символ)
type Position struct {
	Symbol        string              `json:"symbol"`
	Side          models.PositionSide `json:"side"`
	Size          float64             `json:"size"`
	EntryPrice    float64             `json:"entry_price"`
	MarkPrice     float64             `json:"mark_price"`
	Leverage      float64             `json:"leverage"`
	UnrealizedPnl float64             `json:"unrealized_pnl"`
	Liquidation   bool                `json:"liquidation"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Ticker содержит информацию о текущей цене
type Ticker struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}

// Limits содержит торговые ограничения биржи
type Limits struct {
	Symbol      string  `json:"symbol"`
	MinOrderQty float64 `json:"min_order_qty"`
	MaxOrderQty float64 `json:"max_order_qty"`
	QtyStep     float64 `json:"qty_step"`     // lot size
	MinNotional float64 `json:"min_notional"` // в USDT
	PriceStep   float64 `json:"price_step"`   // tick size
	MaxLeverage float64 `json:"max_leverage"`
}

// ============================================================
// События потока аккаунта
// ============================================================

// UserEventKind - тип события
type UserEventKind string

const (
	EventExecution    UserEventKind = "execution"
	EventOrderUpdate  UserEventKind = "order"
	EventBalance      UserEventKind = "balance"
	EventConnected    UserEventKind = "connected"
	EventDisconnected UserEventKind = "disconnected"
)

// Execution - одно исполнение (частичное или полное)
type Execution struct {
	ExecID        string      `json:"exec_id"`
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          models.Side `json:"side"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price"`
	Fee           float64     `json:"fee"`
	At            time.Time   `json:"at"`
}

// UserEvent - событие потока аккаунта. Заполнено поле, соответствующее Kind.
type UserEvent struct {
	Kind      UserEventKind
	Execution *Execution
	Order     *Order
	Balance   float64
	Err       error
	At        time.Time
}

// ============================================================
// Ошибки
// ============================================================

var (
	// ErrOrderNotFound - брокер не знает ордер с таким client order id
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateClientOrderID - брокер уже принял ордер с этим client order id
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")
	// ErrUnsupportedOrderType - площадка не поддерживает вид ордера
	ErrUnsupportedOrderType = errors.New("unsupported order type")
	// ErrNotConnected - поток не подключён
	ErrNotConnected = errors.New("not connected")
)

// ExchangeError представляет ошибку от биржи
//
// Transient=false означает явный отказ брокера (ордер rejected);
// Transient=true - перегрузка/лимит, запрос можно повторить.
type ExchangeError struct {
	Exchange  string
	Code      string
	Message   string
	Transient bool
	Original  error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return e.Exchange + ": " + e.Message + " (code " + e.Code + ")"
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable для pkg/retry
func (e *ExchangeError) Retryable() bool {
	return e.Transient
}

// IsRejection - брокер явно отверг запрос
func IsRejection(err error) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && !ee.Transient
}

// IsTransient - ошибка временная: таймаут, обрыв, перегрузка брокера.
// Для PlaceOrder такая ошибка означает неизвестный исход.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Transient
	}
	return !errors.Is(err, ErrOrderNotFound) &&
		!errors.Is(err, ErrUnsupportedOrderType) &&
		!errors.Is(err, context.Canceled)
}
