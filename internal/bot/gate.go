package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"tradeengine/internal/models"
	"tradeengine/pkg/utils"
)

// SignalHandler - конвейер решения по сигналу, выполняется под секцией символа
type SignalHandler func(ctx context.Context, sig models.Signal) (Decision, error)

// SignalGate - входной шлюз сигналов
//
// Для каждого символа есть эксклюзивная секция (канал ёмкостью 1).
// Сигнал по символу, который сейчас в работе, получает отказ symbol_busy:
// очереди нет, устаревший сигнал хуже пропущенного. Сверка, ручное
// закрытие и защитные стопы берут ту же секцию блокирующе через Acquire.
//
// Паника внутри секции перехватывается: секция освобождается, символ
// помечается отравленным до следующей успешной сверки, onPoison
// запускает восстановление.
type SignalGate struct {
	mu       sync.Mutex
	sections map[string]chan struct{}
	poisoned map[string]string

	hold    atomic.Pointer[RejectReason]
	handler SignalHandler

	onPoison func(symbol string, recovered interface{})
	log      *utils.Logger
}

// NewSignalGate создаёт шлюз. onPoison вызывается в отдельной горутине.
func NewSignalGate(log *utils.Logger, onPoison func(symbol string, recovered interface{})) *SignalGate {
	if log == nil {
		log = utils.L()
	}
	return &SignalGate{
		sections: make(map[string]chan struct{}),
		poisoned: make(map[string]string),
		onPoison: onPoison,
		log:      log.WithComponent("gate"),
	}
}

// Handle устанавливает конвейер. Вызывается один раз при сборке движка.
func (g *SignalGate) Handle(h SignalHandler) {
	g.handler = h
}

func (g *SignalGate) section(symbol string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sections[symbol]
	if !ok {
		s = make(chan struct{}, 1)
		g.sections[symbol] = s
	}
	return s
}

// TryAcquire занимает секцию символа без ожидания
func (g *SignalGate) TryAcquire(symbol string) (release func(), ok bool) {
	s := g.section(symbol)
	select {
	case s <- struct{}{}:
		return releaseOnce(s), true
	default:
		return nil, false
	}
}

// Acquire занимает секцию символа, ожидая её освобождения
func (g *SignalGate) Acquire(ctx context.Context, symbol string) (release func(), err error) {
	s := g.section(symbol)
	select {
	case s <- struct{}{}:
		return releaseOnce(s), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func releaseOnce(s chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { <-s })
	}
}

// Busy - занята ли секция символа
func (g *SignalGate) Busy(symbol string) bool {
	return len(g.section(symbol)) > 0
}

// ============ Глобальная остановка приёма ============

// Hold перестаёт принимать сигналы с указанной причиной
func (g *SignalGate) Hold(reason RejectReason) {
	g.hold.Store(&reason)
	g.log.Warn("signal intake on hold", utils.String("reason", string(reason)))
}

// Release возобновляет приём сигналов
func (g *SignalGate) Release() {
	if g.hold.Swap(nil) != nil {
		g.log.Info("signal intake released")
	}
}

// Held возвращает причину остановки приёма
func (g *SignalGate) Held() (RejectReason, bool) {
	if r := g.hold.Load(); r != nil {
		return *r, true
	}
	return "", false
}

// ============ Отравленные секции ============

// Poisoned - отравленные символы (отсортированы)
func (g *SignalGate) Poisoned() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.poisoned))
	for s := range g.poisoned {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ClearPoisoned снимает отметки после успешной сверки
func (g *SignalGate) ClearPoisoned() {
	g.mu.Lock()
	n := len(g.poisoned)
	g.poisoned = make(map[string]string)
	g.mu.Unlock()
	if n > 0 {
		g.log.Info("poisoned sections cleared", utils.Int("count", n))
	}
}

func (g *SignalGate) isPoisoned(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.poisoned[symbol]
	return ok
}

func (g *SignalGate) poison(symbol string, r interface{}) {
	PoisonedLocks.Inc()

	g.mu.Lock()
	g.poisoned[symbol] = fmt.Sprint(r)
	g.mu.Unlock()

	g.log.Error("panic inside symbol section",
		utils.Symbol(symbol),
		utils.Any("panic", r),
		zap.Stack("stack"),
	)

	if g.onPoison != nil {
		// секция ещё занята вызывающим, восстановление ждёт её освобождения
		go g.onPoison(symbol, r)
	}
}

// guard выполняет fn, превращая панику в ErrPoisonedSection
func (g *SignalGate) guard(symbol string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.poison(symbol, r)
			err = fmt.Errorf("%w: %s: %v", ErrPoisonedSection, symbol, r)
		}
	}()
	return fn()
}

// ============ Вход ============

// Submit пропускает сигнал в конвейер под секцией символа
func (g *SignalGate) Submit(ctx context.Context, sig models.Signal) (Decision, error) {
	if g.handler == nil {
		return nil, errors.New("gate: no handler installed")
	}
	if reason, held := g.Held(); held {
		return reject(reason, "signal intake is on hold"), nil
	}
	if g.isPoisoned(sig.Symbol) {
		return reject(ReasonReconciliationPending, "symbol awaits recovery after a panic"), nil
	}

	release, ok := g.TryAcquire(sig.Symbol)
	if !ok {
		return reject(ReasonSymbolBusy, "another signal for "+sig.Symbol+" is in progress"), nil
	}
	defer release()

	// Hold мог включиться, пока мы занимали секцию
	if reason, held := g.Held(); held {
		return reject(reason, "signal intake is on hold"), nil
	}

	var decision Decision
	err := g.guard(sig.Symbol, func() error {
		var herr error
		decision, herr = g.handler(ctx, sig)
		return herr
	})
	return decision, err
}

// Run выполняет fn под секцией символа, ожидая её освобождения
func (g *SignalGate) Run(ctx context.Context, symbol string, fn func(ctx context.Context) error) error {
	release, err := g.Acquire(ctx, symbol)
	if err != nil {
		return err
	}
	defer release()
	return g.guard(symbol, func() error { return fn(ctx) })
}
