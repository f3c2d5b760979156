package bot

import (
	"testing"
	"time"

	"tradeengine/internal/exchange"
	"tradeengine/internal/models"
)

func TestPriceCache_IgnoresStaleTicker(t *testing.T) {
	c := NewPriceCache()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !c.Update(&exchange.Ticker{Symbol: "BTCUSDT", LastPrice: 50000, Timestamp: now}) {
		t.Fatal("first ticker must be stored")
	}
	if c.Update(&exchange.Ticker{Symbol: "BTCUSDT", LastPrice: 49000, Timestamp: now.Add(-time.Second)}) {
		t.Error("older ticker must be ignored")
	}
	if c.Update(&exchange.Ticker{Symbol: "BTCUSDT", LastPrice: 0, Timestamp: now.Add(time.Second)}) {
		t.Error("zero price must be ignored")
	}
	if p, ok := c.LastPrice("BTCUSDT"); !ok || p != 50000 {
		t.Errorf("LastPrice = %v, %v", p, ok)
	}
	if _, ok := c.LastPrice("ETHUSDT"); ok {
		t.Error("unknown symbol must have no price")
	}
}

func TestPriceCache_Warmup(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewPriceCache()
	c.now = clock.Now

	if c.Ready("BTCUSDT", "5m", 3) {
		t.Error("no ticks yet")
	}
	if !c.Ready("BTCUSDT", "5m", 0) {
		t.Error("zero bars is always ready")
	}

	c.Update(&exchange.Ticker{Symbol: "BTCUSDT", LastPrice: 50000})
	clock.Advance(14 * time.Minute)
	if c.Ready("BTCUSDT", "5m", 3) {
		t.Error("14 minutes is less than 3 bars of 5m")
	}
	clock.Advance(time.Minute)
	if !c.Ready("BTCUSDT", "5m", 3) {
		t.Error("15 minutes covers 3 bars of 5m")
	}
	if c.Ready("BTCUSDT", "bogus", 1) {
		t.Error("bad timeframe is never ready")
	}

	c.Seed("ETHUSDT", clock.Now().Add(-2*time.Hour))
	if !c.Ready("ETHUSDT", "1h", 2) {
		t.Error("seeded history must count toward warmup")
	}
}

func TestFillDelta(t *testing.T) {
	prev := &models.Order{ID: "o1", Symbol: "BTCUSDT", Side: models.SideBuy, FilledQty: 0.04, AvgFillPrice: 50000, Fee: 1}
	cur := &models.Order{ID: "o1", Symbol: "BTCUSDT", Side: models.SideBuy, FilledQty: 0.1, AvgFillPrice: 50600, Fee: 2.5}

	f, ok := fillDelta(prev, cur, &models.OrderRequest{StopLoss: models.Float(49000)})
	if !ok {
		t.Fatal("new fill expected")
	}
	if !approxEqual(f.Quantity, 0.06) {
		t.Errorf("Quantity = %v", f.Quantity)
	}
	// (50600×0.1 − 50000×0.04) / 0.06 = 51000
	if !approxEqual(f.Price, 51000) {
		t.Errorf("Price = %v, want 51000", f.Price)
	}
	if !approxEqual(f.Fee, 1.5) {
		t.Errorf("Fee = %v", f.Fee)
	}
	if f.StopLoss == nil || *f.StopLoss != 49000 {
		t.Error("protective levels come from the request")
	}

	if _, ok := fillDelta(cur, cur.Clone(), nil); ok {
		t.Error("same cumulative snapshot must not produce a fill")
	}
}
