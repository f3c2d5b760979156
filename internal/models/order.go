package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Side - сторона ордера
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite - противоположная сторона
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus - состояние ордера
//
//	pending -> filled | partially_filled | rejected | cancelled | unknown
//	partially_filled -> filled | cancelled
//	unknown -> filled | partially_filled | rejected | cancelled (только сверкой)
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusUnknown         OrderStatus = "unknown"
)

// IsTerminal - статус окончательный для вызывающего кода
//
// unknown терминален для конвейера сигнала, но не для сверки.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusUnknown:
		return true
	case OrderStatusPending, OrderStatusPartiallyFilled:
		return false
	default:
		return false
	}
}

// ============================================================
// Вид ордера (tagged variant)
// ============================================================

// OrderType - тег варианта
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// OrderKind - вид ордера: MarketOrder, LimitOrder или StopOrder.
// Цена есть только у тех вариантов, которым она нужна.
type OrderKind interface {
	Type() OrderType
}

type MarketOrder struct{}

type LimitOrder struct {
	Price float64
}

type StopOrder struct {
	StopPrice float64
}

func (MarketOrder) Type() OrderType { return OrderTypeMarket }
func (LimitOrder) Type() OrderType  { return OrderTypeLimit }
func (StopOrder) Type() OrderType   { return OrderTypeStop }

// KindFromColumns собирает вариант из плоских колонок хранилища
func KindFromColumns(t OrderType, price, stopPrice float64) (OrderKind, error) {
	switch t {
	case OrderTypeMarket:
		return MarketOrder{}, nil
	case OrderTypeLimit:
		if price <= 0 {
			return nil, fmt.Errorf("limit order without price")
		}
		return LimitOrder{Price: price}, nil
	case OrderTypeStop:
		if stopPrice <= 0 {
			return nil, fmt.Errorf("stop order without stop price")
		}
		return StopOrder{StopPrice: stopPrice}, nil
	default:
		return nil, fmt.Errorf("unknown order type %q", t)
	}
}

// KindColumns раскладывает вариант в колонки (type, price, stop_price)
func KindColumns(k OrderKind) (OrderType, float64, float64) {
	switch v := k.(type) {
	case MarketOrder:
		return OrderTypeMarket, 0, 0
	case LimitOrder:
		return OrderTypeLimit, v.Price, 0
	case StopOrder:
		return OrderTypeStop, 0, v.StopPrice
	case nil:
		return OrderTypeMarket, 0, 0
	default:
		panic(fmt.Sprintf("models: unhandled order kind %T", k))
	}
}

// ============================================================
// Запрос и ордер
// ============================================================

// clientOrderNamespace - пространство имён UUIDv5 для client order id
var clientOrderNamespace = uuid.MustParse("6f1c2b1e-8d55-4c1a-9a0e-3f7f4f0b9a21")

// ClientOrderID детерминированно выводит id из ключа идемпотентности.
// Повторная отправка того же ключа даёт тот же id, и брокер отвергнет дубль.
func ClientOrderID(symbol string, side Side, signalID string) string {
	return uuid.NewSHA1(clientOrderNamespace, []byte(symbol+"|"+string(side)+"|"+signalID)).String()
}

// OrderRequest - полностью определённый ордер после риск-менеджера
type OrderRequest struct {
	SignalID   string
	Symbol     string
	Side       Side
	Kind       OrderKind
	Quantity   float64
	Leverage   float64
	ReduceOnly bool
	// Ожидаемая цена исполнения (последняя цена на момент решения)
	RefPrice   float64
	StopLoss   *float64
	TakeProfit *float64
	// TrailingStopPct - трейлинг-стоп открываемой позиции
	TrailingStopPct *float64
	// CloseReason - причина закрытия для reduce-only ордеров
	CloseReason CloseReason
	// PositionID закрываемой позиции для reduce-only ордеров
	PositionID string
}

// IdempotencyKey - ключ (symbol, side, signal_id)
func (r OrderRequest) IdempotencyKey() string {
	return r.Symbol + "|" + string(r.Side) + "|" + r.SignalID
}

// Order - ордер и его жизненный цикл
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id"`
	SignalID      string      `json:"signal_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Kind          OrderKind   `json:"-"`
	Quantity      float64     `json:"quantity"`
	Leverage      float64     `json:"leverage"`
	ReduceOnly    bool        `json:"reduce_only"`
	PositionID    string      `json:"position_id,omitempty"`
	Status        OrderStatus `json:"status"`
	BrokerOrderID *string     `json:"broker_order_id,omitempty"`
	FilledQty     float64     `json:"filled_qty"`
	AvgFillPrice  float64     `json:"avg_fill_price"`
	Fee           float64     `json:"fee"`
	Slippage      float64     `json:"slippage"`
	Reason        string      `json:"reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// NewOrder создаёт pending-ордер из запроса
func NewOrder(req OrderRequest, now time.Time) *Order {
	kind := req.Kind
	if kind == nil {
		kind = MarketOrder{}
	}
	return &Order{
		ID:            uuid.NewString(),
		ClientOrderID: ClientOrderID(req.Symbol, req.Side, req.SignalID),
		SignalID:      req.SignalID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Kind:          kind,
		Quantity:      req.Quantity,
		Leverage:      req.Leverage,
		ReduceOnly:    req.ReduceOnly,
		PositionID:    req.PositionID,
		Status:        OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IdempotencyKey - ключ (symbol, side, signal_id) ордера
func (o *Order) IdempotencyKey() string {
	return o.Symbol + "|" + string(o.Side) + "|" + o.SignalID
}

// Clone - независимая копия (BrokerOrderID копируется по значению)
func (o *Order) Clone() *Order {
	c := *o
	if o.BrokerOrderID != nil {
		id := *o.BrokerOrderID
		c.BrokerOrderID = &id
	}
	return &c
}

// MarshalJSON добавляет плоские поля варианта вида ордера
func (o Order) MarshalJSON() ([]byte, error) {
	type plain Order
	t, price, stop := KindColumns(o.Kind)
	return json.Marshal(struct {
		plain
		Type      OrderType `json:"type"`
		Price     float64   `json:"price,omitempty"`
		StopPrice float64   `json:"stop_price,omitempty"`
	}{plain(o), t, price, stop})
}

// Fill - исполнение ордера, вход для PortfolioStore.Apply
type Fill struct {
	OrderID    string
	SignalID   string
	Symbol     string
	Side       Side
	Quantity   float64
	Price      float64
	Fee        float64
	Slippage   float64
	Leverage   float64
	ReduceOnly bool
	PositionID string
	StopLoss   *float64
	TakeProfit *float64
	// TrailingStopPct переносится в открываемую позицию
	TrailingStopPct *float64
	// CloseReason - причина для сделки, если исполнение закрывает позицию
	CloseReason CloseReason
	At          time.Time
}

// FillFromOrder строит исполнение по заполненному ордеру
func FillFromOrder(o *Order, req *OrderRequest) Fill {
	f := Fill{
		OrderID:    o.ID,
		SignalID:   o.SignalID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   o.FilledQty,
		Price:      o.AvgFillPrice,
		Fee:        o.Fee,
		Slippage:   o.Slippage,
		Leverage:   o.Leverage,
		ReduceOnly: o.ReduceOnly,
		PositionID: o.PositionID,
		At:         o.UpdatedAt,
	}
	if req != nil {
		f.StopLoss = req.StopLoss
		f.TakeProfit = req.TakeProfit
		f.TrailingStopPct = req.TrailingStopPct
		f.CloseReason = req.CloseReason
	}
	return f
}
