package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - token bucket для REST-запросов к брокеру
//
// Ведро пополняется со скоростью rate токенов/сек до ёмкости burst,
// каждый запрос забирает один токен. Bybit v5 ограничивает
// /v5/order/* отдельно от запросов состояния, поэтому лимитеры
// группируются по категориям в MultiLimiter.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter создаёт лимитер (rate <= 0 -> 10/сек, burst < rate -> rate)
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst < rate {
		burst = rate
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
	}
}

// refill вызывается под mu
func (rl *RateLimiter) refill(now time.Time) {
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill(time.Now())
		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow забирает токен без ожидания
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill(time.Now())
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Tokens - текущее число токенов (для метрик и тестов)
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(time.Now())
	return rl.tokens
}

// ============================================================
// MultiLimiter
// ============================================================

// MultiLimiter - набор лимитеров по категориям эндпоинтов
type MultiLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
	fallback *RateLimiter
}

// NewMultiLimiter: запросы неизвестной категории идут через fallback
func NewMultiLimiter(fallbackRate, fallbackBurst float64) *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*RateLimiter),
		fallback: NewRateLimiter(fallbackRate, fallbackBurst),
	}
}

func (ml *MultiLimiter) Add(category string, rate, burst float64) {
	ml.mu.Lock()
	ml.limiters[category] = NewRateLimiter(rate, burst)
	ml.mu.Unlock()
}

func (ml *MultiLimiter) get(category string) *RateLimiter {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	if l, ok := ml.limiters[category]; ok {
		return l
	}
	return ml.fallback
}

// Wait ждёт токен категории
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	return ml.get(category).Wait(ctx)
}
