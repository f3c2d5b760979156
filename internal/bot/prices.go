package bot

import (
	"sync"
	"time"

	"tradeengine/internal/exchange"
	"tradeengine/pkg/utils"
)

// WarmupTracker - набралось ли достаточно истории цен по символу
type WarmupTracker interface {
	Ready(symbol, timeframe string, bars int) bool
}

// PriceCache - последние тикеры по символам
//
// Пишет только цикл цен, читают все остальные; секции записи короткие.
// Реализует exchange.PriceSource для бумажной площадки и WarmupTracker
// для риск-менеджера: прогрев считается по времени с первого тика,
// делённому на длительность таймфрейма.
type PriceCache struct {
	mu        sync.RWMutex
	tickers   map[string]exchange.Ticker
	firstSeen map[string]time.Time
	now       func() time.Time
}

func NewPriceCache() *PriceCache {
	return &PriceCache{
		tickers:   make(map[string]exchange.Ticker),
		firstSeen: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Update сохраняет тикер. Тикеры старше сохранённого игнорируются.
func (c *PriceCache) Update(t *exchange.Ticker) bool {
	if t == nil || t.LastPrice <= 0 {
		return false
	}
	at := t.Timestamp
	if at.IsZero() {
		at = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.tickers[t.Symbol]; ok && at.Before(prev.Timestamp) {
		return false
	}
	stored := *t
	stored.Timestamp = at
	c.tickers[t.Symbol] = stored
	if _, ok := c.firstSeen[t.Symbol]; !ok {
		c.firstSeen[t.Symbol] = at
	}
	return true
}

// LastPrice - последняя цена символа
func (c *PriceCache) LastPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	t, ok := c.tickers[symbol]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return t.LastPrice, true
}

// Ticker - копия последнего тикера
func (c *PriceCache) Ticker(symbol string) (exchange.Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickers[symbol]
	return t, ok
}

// Symbols - символы, по которым есть цена
func (c *PriceCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tickers))
	for s := range c.tickers {
		out = append(out, s)
	}
	return out
}

// Seed отмечает начало истории символа (например, по загруженным свечам)
func (c *PriceCache) Seed(symbol string, since time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if first, ok := c.firstSeen[symbol]; !ok || since.Before(first) {
		c.firstSeen[symbol] = since
	}
}

// Ready - прошло ли bars баров таймфрейма с первого тика по символу
func (c *PriceCache) Ready(symbol, timeframe string, bars int) bool {
	if bars <= 0 {
		return true
	}
	tf, err := utils.ParseTimeframe(timeframe)
	if err != nil {
		return false
	}

	c.mu.RLock()
	first, ok := c.firstSeen[symbol]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return c.now().Sub(first) >= time.Duration(bars)*tf
}
