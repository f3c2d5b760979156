package exchange

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"tradeengine/internal/models"
)

type staticPrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (s *staticPrices) LastPrice(symbol string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	return p, ok
}

func (s *staticPrices) set(symbol string, price float64) {
	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()
}

func newTestPaper() (*PaperBroker, *staticPrices) {
	prices := &staticPrices{prices: map[string]float64{"BTCUSDT": 50000}}
	cfg := DefaultPaperConfig()
	cfg.InitialBalance = 1000
	cfg.FeeRate = 0.001
	return NewPaperBroker(cfg, prices), prices
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPaperBroker_BookOpenAndClose(t *testing.T) {
	p, _ := newTestPaper()
	ctx := context.Background()

	if _, err := p.Book(OrderRequest{ClientOrderID: "open", Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: 0.1, Leverage: 2}, 50000, 5); err != nil {
		t.Fatal(err)
	}

	positions, _ := p.GetPositions(ctx)
	if len(positions) != 1 || positions[0].Side != models.PositionLong || positions[0].Size != 0.1 {
		t.Fatalf("позиция после открытия: %+v", positions)
	}

	if _, err := p.Book(OrderRequest{ClientOrderID: "close", Symbol: "BTCUSDT", Side: models.SideSell, Type: models.OrderTypeMarket, Quantity: 0.1, ReduceOnly: true}, 51000, 5.1); err != nil {
		t.Fatal(err)
	}

	positions, _ = p.GetPositions(ctx)
	if len(positions) != 0 {
		t.Fatalf("позиция не закрыта: %+v", positions)
	}

	// 1000 - 5 - 5.1 + 0.1*(51000-50000)
	balance, _ := p.GetBalance(ctx)
	if !almostEqual(balance, 1089.9) {
		t.Errorf("баланс = %v, want 1089.9", balance)
	}
}

func TestPaperBroker_DuplicateClientOrderID(t *testing.T) {
	p, _ := newTestPaper()
	req := OrderRequest{ClientOrderID: "same", Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: 0.01}

	if _, err := p.Book(req, 50000, 0); err != nil {
		t.Fatal(err)
	}
	_, err := p.Book(req, 50000, 0)
	if !errors.Is(err, ErrDuplicateClientOrderID) {
		t.Fatalf("ожидали ErrDuplicateClientOrderID, получили %v", err)
	}
	if !IsRejection(err) {
		t.Error("дубль - явный отказ площадки")
	}
}

func TestPaperBroker_ReduceOnlyWithoutPosition(t *testing.T) {
	p, _ := newTestPaper()
	_, err := p.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "r", Symbol: "BTCUSDT", Side: models.SideSell,
		Type: models.OrderTypeMarket, Quantity: 1, ReduceOnly: true,
	})
	if !IsRejection(err) {
		t.Fatalf("reduce-only без позиции должен быть отвергнут, получили %v", err)
	}
}

func TestPaperBroker_NettingFlipsPosition(t *testing.T) {
	p, _ := newTestPaper()
	ctx := context.Background()

	p.Book(OrderRequest{ClientOrderID: "a", Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: 1}, 100, 0)
	p.Book(OrderRequest{ClientOrderID: "b", Symbol: "BTCUSDT", Side: models.SideSell, Type: models.OrderTypeMarket, Quantity: 3}, 110, 0)

	positions, _ := p.GetPositions(ctx)
	if len(positions) != 1 || positions[0].Side != models.PositionShort || !almostEqual(positions[0].Size, 2) {
		t.Fatalf("ожидали short 2, получили %+v", positions)
	}
	if positions[0].EntryPrice != 110 {
		t.Errorf("цена входа обратной позиции = %v", positions[0].EntryPrice)
	}
}

func TestPaperBroker_RestingLimitFillsOnTicker(t *testing.T) {
	p, prices := newTestPaper()
	ctx := context.Background()

	var events []UserEvent
	p.SubscribeUserEvents(func(ev UserEvent) { events = append(events, ev) })

	order, err := p.PlaceOrder(ctx, OrderRequest{
		ClientOrderID: "lim", Symbol: "BTCUSDT", Side: models.SideBuy,
		Type: models.OrderTypeLimit, Price: 49000, Quantity: 0.01,
	})
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != models.OrderStatusPending {
		t.Fatalf("limit ниже рынка должен лежать в книге, status=%s", order.Status)
	}

	open, _ := p.GetOpenOrders(ctx)
	if len(open) != 1 {
		t.Fatalf("в книге %d ордеров", len(open))
	}

	prices.set("BTCUSDT", 48900)
	p.OnTicker(&Ticker{Symbol: "BTCUSDT", LastPrice: 48900})

	got, _ := p.GetOrder(ctx, "BTCUSDT", "lim")
	if got.Status != models.OrderStatusFilled || got.AvgFillPrice != 48900 {
		t.Errorf("ордер после пересечения: %+v", got)
	}

	var execs int
	for _, ev := range events {
		if ev.Kind == EventExecution {
			execs++
		}
	}
	if execs != 1 {
		t.Errorf("событий исполнения: %d", execs)
	}

	if err := p.CancelOrder(ctx, "BTCUSDT", "lim"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("отмена исполненного ордера: %v", err)
	}
}

func TestPaperBroker_RestoreAndMarketWithoutPrice(t *testing.T) {
	p, _ := newTestPaper()
	ctx := context.Background()

	p.Restore(500, []*Position{{Symbol: "ETHUSDT", Side: models.PositionShort, Size: 2, EntryPrice: 2000}})

	balance, _ := p.GetBalance(ctx)
	positions, _ := p.GetPositions(ctx)
	if balance != 500 || len(positions) != 1 {
		t.Fatalf("Restore: balance=%v positions=%d", balance, len(positions))
	}

	_, err := p.PlaceOrder(ctx, OrderRequest{ClientOrderID: "x", Symbol: "ETHUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Quantity: 1})
	if err == nil {
		t.Error("рыночный ордер без цены должен быть отвергнут")
	}
}
