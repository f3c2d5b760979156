package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Пакет повторов для ИДЕМПОТЕНТНЫХ операций с брокером:
// чтение балансов, позиций, открытых ордеров, отмена ордера.
//
// Размещение ордера через retry НЕ проходит никогда: таймаут ордера
// переводит его в unknown, исход выясняет сверка.

// Config - экспоненциальный backoff с jitter
//
//	delay = min(InitialDelay * Multiplier^attempt, MaxDelay) ± jitter
type Config struct {
	// MaxAttempts - число попыток включая первую (<= 0 -> 1)
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterFactor в [0, 1]
	JitterFactor float64

	// RetryIf решает, повторять ли ошибку. nil - повторять всё кроме Permanent.
	RetryIf func(error) bool

	// OnRetry вызывается перед ожиданием очередной попытки
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig - 4 попытки: 100ms, 200ms, 400ms (+ jitter)
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		RetryIf:      RetryIfNotContext,
	}
}

// BrokerReadConfig - для снимков состояния брокера при сверке
func BrokerReadConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
		RetryIf:      RetryIfNotContext,
	}
}

// AggressiveConfig - для отмены ордеров и закрытия позиций при аварийной остановке
func AggressiveConfig() Config {
	return Config{
		MaxAttempts:  6,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		RetryIf:      RetryIfNotContext,
	}
}

func (c *Config) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// Delay - задержка перед попыткой attempt (с нуля)
func (c Config) Delay(attempt int) time.Duration {
	c.normalize()

	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do выполняет операцию с повторами
//
// Возвращает nil при успехе, иначе последнюю ошибку операции.
// Permanent-ошибки и ошибки, отвергнутые RetryIf, возвращаются сразу.
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult - то же что Do, но с результатом
//
//	positions, err := retry.DoWithResult(ctx, func() ([]exchange.Position, error) {
//	    return broker.GetPositions(ctx)
//	}, retry.BrokerReadConfig())
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.normalize()

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError - ошибка, сама знающая можно ли её повторять
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable: false для nil и для ошибок с Retryable() == false
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return true
}

// RetryIfNotContext не повторяет отмену и дедлайн контекста
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// PermanentError - ошибка, которую бессмысленно повторять (отказ биржи, валидация)
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retryable() bool { return false }

// Permanent оборачивает ошибку в PermanentError (nil остаётся nil)
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
