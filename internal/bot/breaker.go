package bot

import (
	"sync"
	"time"

	"tradeengine/pkg/utils"
)

// BreakerStateName - состояние circuit breaker
type BreakerStateName string

const (
	BreakerClosed   BreakerStateName = "closed"
	BreakerOpen     BreakerStateName = "open"
	BreakerHalfOpen BreakerStateName = "half_open"
)

// BreakerStatus - снимок состояния для API
type BreakerStatus struct {
	State     BreakerStateName `json:"state"`
	Failures  int              `json:"failures"`
	Reason    string           `json:"reason,omitempty"`
	Latched   bool             `json:"latched"`
	OpenedAt  *time.Time       `json:"opened_at,omitempty"`
	RetryAt   *time.Time       `json:"retry_at,omitempty"`
	Threshold int              `json:"threshold"`
}

// CircuitBreaker - автомат защиты размещения ордеров
//
//	closed --N ошибок подряд--> open --cooldown--> half_open --проба ок--> closed
//	                                                          --ошибка--> open
//
// Allow пропускает в half_open ровно одну пробу; если ордер так и не
// ушёл на площадку, слот пробы возвращает release. Latch (аварийная
// остановка) держит open без автоматического перехода в half_open,
// снимается только Reset. Мониторинг и сверка работают при любом состоянии.
type CircuitBreaker struct {
	mu         sync.Mutex
	state      BreakerStateName
	failures   int
	threshold  int
	cooldown   time.Duration
	openedAt   time.Time
	trialTaken bool
	trialSeq   uint64
	latched    bool
	reason     string

	onChange func(from, to BreakerStateName, reason string)
	now      func() time.Time
	log      *utils.Logger
}

// NewCircuitBreaker: threshold ошибок подряд открывает автомат на cooldown
func NewCircuitBreaker(threshold int, cooldown time.Duration, log *utils.Logger) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	if log == nil {
		log = utils.L()
	}
	BreakerState.Set(0)
	return &CircuitBreaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		log:       log.WithComponent("breaker"),
	}
}

// OnChange регистрирует обработчик смены состояния (вызывается вне блокировки)
func (b *CircuitBreaker) OnChange(fn func(from, to BreakerStateName, reason string)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func noRelease() {}

// Allow - можно ли разместить ордер сейчас. release вызывается после
// попытки размещения в любом случае: без исхода ордера он освобождает пробу.
func (b *CircuitBreaker) Allow() (release func(), err error) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	switch b.state {
	case BreakerClosed:
		return noRelease, nil
	case BreakerOpen:
		if b.latched || b.now().Sub(b.openedAt) < b.cooldown {
			return noRelease, ErrBreakerOpen
		}
		changed = b.transitionLocked(BreakerHalfOpen, "cooldown elapsed")
		return b.takeTrialLocked(), nil
	case BreakerHalfOpen:
		if b.trialTaken {
			return noRelease, ErrBreakerOpen
		}
		return b.takeTrialLocked(), nil
	default:
		return noRelease, ErrBreakerOpen
	}
}

func (b *CircuitBreaker) takeTrialLocked() func() {
	b.trialTaken = true
	b.trialSeq++
	seq := b.trialSeq
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// исход уже записан или проба сменилась
		if b.state != BreakerHalfOpen || !b.trialTaken || b.trialSeq != seq {
			return
		}
		b.trialTaken = false
		b.log.Debug("trial order slot released without order outcome")
	}
}

// RecordSuccess - ордер дошёл до площадки и получил ответ
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	var changed func()
	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.trialTaken = false
		changed = b.transitionLocked(BreakerClosed, "trial order succeeded")
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// RecordFailure - ошибка размещения (таймаут, транспорт, отказ площадки)
func (b *CircuitBreaker) RecordFailure(err error) {
	b.mu.Lock()
	var changed func()
	b.failures++
	reason := "order placement failures"
	if err != nil {
		reason = err.Error()
	}

	switch b.state {
	case BreakerHalfOpen:
		b.trialTaken = false
		b.openedAt = b.now()
		changed = b.transitionLocked(BreakerOpen, "trial order failed: "+reason)
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			changed = b.transitionLocked(BreakerOpen, reason)
		}
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// Trip открывает автомат вручную или по фатальной ошибке
func (b *CircuitBreaker) Trip(reason string) {
	b.open(reason, false)
}

// Latch открывает автомат без автоматического восстановления
func (b *CircuitBreaker) Latch(reason string) {
	b.open(reason, true)
}

func (b *CircuitBreaker) open(reason string, latch bool) {
	b.mu.Lock()
	var changed func()
	b.openedAt = b.now()
	b.trialTaken = false
	if latch {
		b.latched = true
	}
	if b.state != BreakerOpen {
		changed = b.transitionLocked(BreakerOpen, reason)
	} else {
		b.reason = reason
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// Reset закрывает автомат и снимает защёлку
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	var changed func()
	b.failures = 0
	b.trialTaken = false
	b.latched = false
	if b.state != BreakerClosed {
		changed = b.transitionLocked(BreakerClosed, "manual reset")
	}
	b.reason = ""
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}

// State - текущее состояние
func (b *CircuitBreaker) State() BreakerStateName {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status - снимок для API
func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := BreakerStatus{
		State:     b.state,
		Failures:  b.failures,
		Reason:    b.reason,
		Latched:   b.latched,
		Threshold: b.threshold,
	}
	if b.state != BreakerClosed {
		opened := b.openedAt
		st.OpenedAt = &opened
		if b.state == BreakerOpen && !b.latched {
			retry := opened.Add(b.cooldown)
			st.RetryAt = &retry
		}
	}
	return st
}

// transitionLocked меняет состояние и возвращает отложенный вызов обработчика
func (b *CircuitBreaker) transitionLocked(to BreakerStateName, reason string) func() {
	from := b.state
	b.state = to
	b.reason = reason

	switch to {
	case BreakerClosed:
		BreakerState.Set(0)
	case BreakerHalfOpen:
		BreakerState.Set(1)
	case BreakerOpen:
		BreakerState.Set(2)
	}

	b.log.Warn("breaker state changed",
		utils.String("from", string(from)),
		utils.State(string(to)),
		utils.String("reason", reason),
		utils.Int("failures", b.failures),
	)

	fn := b.onChange
	if fn == nil {
		return nil
	}
	return func() { fn(from, to, reason) }
}
