package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradeengine/pkg/utils"
)

// HealthEvent - сообщение супервизора о падении цикла
type HealthEvent struct {
	Loop     string    `json:"loop"`
	Reason   string    `json:"reason"`
	Panic    bool      `json:"panic"`
	Restarts int       `json:"restarts"`
	Backoff  string    `json:"backoff"`
	At       time.Time `json:"at"`
}

// LoopFunc - фоновый цикл. Возврат nil или ошибки контекста завершает
// его штатно, любая другая ошибка или паника ведут к перезапуску.
type LoopFunc func(ctx context.Context) error

// Supervisor перезапускает упавшие циклы с экспоненциальной задержкой
type Supervisor struct {
	minBackoff time.Duration
	maxBackoff time.Duration
	// цикл, проработавший дольше, считается здоровым и сбрасывает задержку
	healthyAfter time.Duration

	onEvent func(HealthEvent)
	log     *utils.Logger
	wg      sync.WaitGroup

	mu       sync.Mutex
	restarts map[string]int
}

func NewSupervisor(log *utils.Logger, onEvent func(HealthEvent)) *Supervisor {
	if log == nil {
		log = utils.L()
	}
	return &Supervisor{
		minBackoff:   100 * time.Millisecond,
		maxBackoff:   30 * time.Second,
		healthyAfter: time.Minute,
		onEvent:      onEvent,
		log:          log.WithComponent("supervisor"),
		restarts:     make(map[string]int),
	}
}

// Go запускает цикл под надзором
func (s *Supervisor) Go(ctx context.Context, name string, loop LoopFunc) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(ctx, name, loop)
	}()
}

func (s *Supervisor) supervise(ctx context.Context, name string, loop LoopFunc) {
	backoff := s.minBackoff
	for {
		started := time.Now()
		err, panicked := s.runOnce(ctx, loop)

		if ctx.Err() != nil {
			return
		}
		if err == nil && !panicked {
			s.log.Info("loop finished", utils.String("loop", name))
			return
		}
		if !panicked && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return
		}

		if time.Since(started) > s.healthyAfter {
			backoff = s.minBackoff
		}

		restarts := s.countRestart(name)
		LoopRestarts.WithLabelValues(name).Inc()
		s.log.Error("loop crashed, restarting",
			utils.String("loop", name),
			utils.Err(err),
			utils.Bool("panic", panicked),
			utils.Int("restarts", restarts),
			utils.Duration("backoff", backoff),
		)
		if s.onEvent != nil {
			s.onEvent(HealthEvent{
				Loop:     name,
				Reason:   err.Error(),
				Panic:    panicked,
				Restarts: restarts,
				Backoff:  backoff.String(),
				At:       time.Now().UTC(),
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, loop LoopFunc) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("loop panic", utils.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
			panicked = true
		}
	}()
	return loop(ctx), false
}

func (s *Supervisor) countRestart(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts[name]++
	return s.restarts[name]
}

// Restarts - число перезапусков по циклам
func (s *Supervisor) Restarts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.restarts))
	for k, v := range s.restarts {
		out[k] = v
	}
	return out
}

// Wait ждёт завершения всех циклов
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
