package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradeengine/internal/exchange"
	"tradeengine/internal/models"
)

type countingRecorder struct {
	success atomic.Int32
	failure atomic.Int32
}

func (r *countingRecorder) RecordSuccess()      { r.success.Add(1) }
func (r *countingRecorder) RecordFailure(error) { r.failure.Add(1) }

func marketRequest(signalID string, side models.Side, qty float64) models.OrderRequest {
	return models.OrderRequest{
		SignalID: signalID,
		Symbol:   "BTCUSDT",
		Side:     side,
		Kind:     models.MarketOrder{},
		Quantity: qty,
		Leverage: 3,
		RefPrice: 50000,
	}
}

func TestLiveExecutor_Filled(t *testing.T) {
	broker := newFakeBroker(10000, 50100)
	ledger := newMemLedger()
	rec := &countingRecorder{}
	ex := NewLiveExecutor(broker, ledger, time.Second, rec, nil, testLogger())

	o, err := ex.Execute(context.Background(), marketRequest("s1", models.SideBuy, 0.1))
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.OrderStatusFilled || !approxEqual(o.FilledQty, 0.1) {
		t.Fatalf("order = %s %v", o.Status, o.FilledQty)
	}
	// покупка на 100 дороже ожидаемой: 0.1 × 100 = 10 против нас
	if !approxEqual(o.Slippage, 10) {
		t.Errorf("Slippage = %v, want 10", o.Slippage)
	}
	if o.BrokerOrderID == nil || *o.BrokerOrderID == "" {
		t.Error("broker order id must be recorded")
	}
	stored, err := ledger.GetByClientOrderID(context.Background(), o.ClientOrderID)
	if err != nil || stored.Status != models.OrderStatusFilled {
		t.Errorf("ledger = %+v, %v", stored, err)
	}
	if rec.success.Load() != 1 {
		t.Error("success not recorded")
	}
}

func TestLiveExecutor_TimeoutBecomesUnknown(t *testing.T) {
	broker := newFakeBroker(10000, 50000)
	broker.placeFn = func(req exchange.OrderRequest) (*exchange.Order, error) {
		// брокер принял ордер, но ответ потерян
		broker.fill(req)
		return nil, context.DeadlineExceeded
	}
	ledger := newMemLedger()
	rec := &countingRecorder{}

	var unknown []*models.Order
	ex := NewLiveExecutor(broker, ledger, 20*time.Millisecond, rec, func(o *models.Order) {
		unknown = append(unknown, o)
	}, testLogger())

	o, err := ex.Execute(context.Background(), marketRequest("s1", models.SideBuy, 0.1))
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.OrderStatusUnknown {
		t.Fatalf("Status = %s, want unknown", o.Status)
	}
	if len(unknown) != 1 || unknown[0].ClientOrderID != o.ClientOrderID {
		t.Errorf("onUnknown calls = %d", len(unknown))
	}
	if rec.failure.Load() != 1 {
		t.Error("unknown outcome must count as a breaker failure")
	}

	// повтор того же сигнала не уходит к брокеру
	if _, err := ex.Execute(context.Background(), marketRequest("s1", models.SideBuy, 0.1)); !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("retry err = %v, want ErrDuplicateOrder", err)
	}
	if broker.placedCount() != 1 {
		t.Errorf("broker placements = %d, want 1", broker.placedCount())
	}
}

func TestLiveExecutor_Rejected(t *testing.T) {
	broker := newFakeBroker(10000, 50000)
	broker.placeFn = func(exchange.OrderRequest) (*exchange.Order, error) {
		return nil, &exchange.ExchangeError{Exchange: "fake", Code: "110007", Message: "insufficient balance"}
	}
	ledger := newMemLedger()
	rec := &countingRecorder{}
	ex := NewLiveExecutor(broker, ledger, time.Second, rec, func(*models.Order) {
		t.Error("rejection must not be treated as unknown")
	}, testLogger())

	o, err := ex.Execute(context.Background(), marketRequest("s1", models.SideBuy, 0.1))
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.OrderStatusRejected || o.Reason == "" {
		t.Errorf("order = %s (%q)", o.Status, o.Reason)
	}
	if rec.failure.Load() != 1 {
		t.Error("rejection must count as a breaker failure")
	}
}

func TestLiveExecutor_BrokerDuplicateIsResolved(t *testing.T) {
	broker := newFakeBroker(10000, 50000)
	req := marketRequest("s1", models.SideBuy, 0.1)
	// ордер уже у брокера (отправлен до рестарта), журнал пуст
	broker.fill(exchange.OrderRequest{
		ClientOrderID: models.ClientOrderID(req.Symbol, req.Side, req.SignalID),
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          models.OrderTypeMarket,
		Quantity:      req.Quantity,
	})

	ex := NewLiveExecutor(broker, newMemLedger(), time.Second, nil, nil, testLogger())
	o, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.OrderStatusFilled {
		t.Errorf("Status = %s, want filled from broker lookup", o.Status)
	}
}

func TestLiveExecutor_ConcurrentDuplicateSignal(t *testing.T) {
	broker := newFakeBroker(10000, 50000)
	ledger := newMemLedger()
	ex := NewLiveExecutor(broker, ledger, time.Second, nil, nil, testLogger())

	const workers = 16
	var (
		wg         sync.WaitGroup
		filled     atomic.Int32
		duplicates atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			o, err := ex.Execute(context.Background(), marketRequest("same-signal", models.SideBuy, 0.1))
			switch {
			case errors.Is(err, ErrDuplicateOrder):
				duplicates.Add(1)
			case err == nil && o.Status == models.OrderStatusFilled:
				filled.Add(1)
			default:
				t.Errorf("unexpected result %v %v", o, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if filled.Load() != 1 || duplicates.Load() != workers-1 {
		t.Errorf("filled = %d, duplicates = %d", filled.Load(), duplicates.Load())
	}
	if broker.placedCount() != 1 {
		t.Errorf("broker saw %d orders for one key", broker.placedCount())
	}
	if n := len(ledger.all()); n != 1 {
		t.Errorf("ledger holds %d orders", n)
	}
}

func TestSimulatedExecutor_MarketFill(t *testing.T) {
	prices := newFixedPrices("BTCUSDT", 50000.0)
	venue := exchange.NewPaperBroker(exchange.DefaultPaperConfig(), prices)
	ledger := newMemLedger()
	ex := NewSimulatedExecutor(venue, ledger, prices, SimConfig{MaxSlippageBps: 10, FeeRate: 0.001, Seed: 42}, nil, testLogger())

	o, err := ex.Execute(context.Background(), marketRequest("s1", models.SideBuy, 0.1))
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.OrderStatusFilled {
		t.Fatalf("Status = %s", o.Status)
	}
	if o.AvgFillPrice < 50000 || o.AvgFillPrice > 50050 {
		t.Errorf("fill price %v outside [50000, 50050]", o.AvgFillPrice)
	}
	if o.Slippage < 0 {
		t.Errorf("simulated slippage must be adverse, got %v", o.Slippage)
	}
	if !approxEqual(o.Fee, 0.1*o.AvgFillPrice*0.001) {
		t.Errorf("Fee = %v", o.Fee)
	}

	positions, err := venue.GetPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || !approxEqual(positions[0].Size, 0.1) {
		t.Errorf("paper venue positions = %+v", positions)
	}

	if _, err := ex.Execute(context.Background(), marketRequest("s1", models.SideBuy, 0.1)); !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("duplicate = %v", err)
	}
}

func TestSimulatedExecutor_ReduceWithoutPositionRejected(t *testing.T) {
	prices := newFixedPrices("BTCUSDT", 50000.0)
	venue := exchange.NewPaperBroker(exchange.DefaultPaperConfig(), prices)
	rec := &countingRecorder{}
	ex := NewSimulatedExecutor(venue, newMemLedger(), prices, SimConfig{}, rec, testLogger())

	req := marketRequest("s1", models.SideSell, 0.1)
	req.ReduceOnly = true
	o, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.OrderStatusRejected {
		t.Errorf("Status = %s, want rejected", o.Status)
	}
	if rec.failure.Load() != 1 {
		t.Error("rejection must be recorded")
	}
}

func TestCancelOrder_UnknownAtVenueIsCancelled(t *testing.T) {
	broker := newFakeBroker(10000, 50000)
	ledger := newMemLedger()
	o := models.NewOrder(marketRequest("s1", models.SideBuy, 0.1), time.Now())
	o.Kind = models.LimitOrder{Price: 49000}
	if err := ledger.Create(context.Background(), o); err != nil {
		t.Fatal(err)
	}

	if err := cancelOrder(context.Background(), broker, ledger, o, time.Now); err != nil {
		t.Fatal(err)
	}
	if o.Status != models.OrderStatusCancelled {
		t.Errorf("Status = %s", o.Status)
	}
	stored, _ := ledger.GetByClientOrderID(context.Background(), o.ClientOrderID)
	if stored.Status != models.OrderStatusCancelled {
		t.Errorf("ledger status = %s", stored.Status)
	}
}
