package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradeengine/internal/exchange"
	"tradeengine/internal/models"
)

type engineHarness struct {
	engine   *Engine
	stores   *memStores
	settings *staticSettings
	notifier *recNotifier
}

func startEngine(t *testing.T, cfg EngineConfig, live *fakeBroker, mut func(*models.Settings)) *engineHarness {
	t.Helper()
	cfg.Sim = SimConfig{Seed: 1}
	cfg.ProtectiveInterval = 10 * time.Millisecond
	cfg.ReconcileInterval = time.Hour
	cfg.HealthInterval = time.Hour
	cfg.OrderTimeout = 50 * time.Millisecond

	h := &engineHarness{
		stores:   newMemStores(),
		settings: newStaticSettings(mut),
		notifier: &recNotifier{},
	}
	deps := EngineDeps{
		Stores:   h.stores.Stores,
		Settings: h.settings,
		Notifier: h.notifier,
	}
	if live != nil {
		cfg.Mode = models.ModeLive
		deps.Live = live
	}

	e, err := NewEngine(cfg, deps, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	h.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		cancel()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		e.Wait()
	})

	h.tick("BTCUSDT", 50000)
	h.tick("ETHUSDT", 3000)
	return h
}

func startPaperEngine(t *testing.T, mut func(*models.Settings)) *engineHarness {
	return startEngine(t, DefaultEngineConfig(), nil, mut)
}

func (h *engineHarness) tick(symbol string, price float64) {
	h.engine.applyTicker(&exchange.Ticker{Symbol: symbol, LastPrice: price, Timestamp: time.Now()})
}

func (h *engineHarness) submit(t *testing.T, id, symbol string, dir models.Direction) Decision {
	t.Helper()
	d, err := h.engine.SubmitSignal(context.Background(), testSignal(id, symbol, dir))
	if err != nil {
		t.Fatalf("SubmitSignal(%s): %v", id, err)
	}
	return d
}

func wantRejected(t *testing.T, d Decision, reason RejectReason) {
	t.Helper()
	r, ok := d.(Rejected)
	if !ok {
		t.Fatalf("decision = %#v, want Rejected(%s)", d, reason)
	}
	if r.Reason != reason {
		t.Fatalf("reason = %s (%s), want %s", r.Reason, r.Detail, reason)
	}
}

func TestEngine_OpenLong(t *testing.T) {
	h := startPaperEngine(t, nil)

	acc, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong)))
	if err != nil {
		t.Fatal(err)
	}
	if acc.Outcome != OutcomeOpened || len(acc.Orders) != 1 || len(acc.Deltas) != 1 {
		t.Fatalf("accepted = %+v", acc)
	}

	pos, ok := h.engine.portfolio.PositionFor("BTCUSDT", models.PositionLong)
	if !ok {
		t.Fatal("position must be open")
	}
	// 1% от 10000 при стопе 2% от 50000
	if !approxEqual(pos.Quantity, 0.1) {
		t.Errorf("Quantity = %v, want 0.1", pos.Quantity)
	}
	if pos.StopLoss == nil || !approxEqual(*pos.StopLoss, 49000) {
		t.Errorf("StopLoss = %v", pos.StopLoss)
	}
	if h.notifier.count(models.NotificationTypeOpen) != 1 {
		t.Error("open must be announced")
	}

	// площадка и портфель согласованы
	rec, err := h.engine.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Clean() {
		t.Errorf("reconciliation after open = %+v", rec.Discrepancies)
	}
}

func TestEngine_RejectsBeforeGate(t *testing.T) {
	h := startPaperEngine(t, nil)

	bad := testSignal("bad", "BTCUSDT", models.DirectionLong)
	bad.Confidence = 1.5
	if _, err := h.engine.SubmitSignal(context.Background(), bad); err == nil {
		t.Error("invalid signal must fail validation")
	}

	stale := testSignal("old", "BTCUSDT", models.DirectionLong)
	stale.GeneratedAt = time.Now().Add(-time.Hour)
	if _, err := h.engine.SubmitSignal(context.Background(), stale); err == nil {
		t.Error("stale signal must fail validation")
	}

	h.settings.update(func(s *models.Settings) { s.MinConfidence = 0.95 })
	wantRejected(t, h.submit(t, "low", "BTCUSDT", models.DirectionLong), RuleConfidenceBelowThreshold)
	if n := len(h.stores.ledger.all()); n != 0 {
		t.Errorf("rejected signals reached the ledger: %d orders", n)
	}
}

func TestEngine_NoPrice(t *testing.T) {
	h := startPaperEngine(t, nil)
	wantRejected(t, h.submit(t, "s1", "SOLUSDT", models.DirectionLong), ReasonNoPrice)
}

func TestEngine_DuplicateSignal(t *testing.T) {
	h := startPaperEngine(t, func(s *models.Settings) { s.MaxPositionsPerSymbol = 2 })

	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong))); err != nil {
		t.Fatal(err)
	}
	wantRejected(t, h.submit(t, "s1", "BTCUSDT", models.DirectionLong), ReasonDuplicateSignal)

	if n := len(h.stores.ledger.all()); n != 1 {
		t.Errorf("ledger holds %d orders, want 1", n)
	}
	pos, _ := h.engine.portfolio.PositionFor("BTCUSDT", models.PositionLong)
	if !approxEqual(pos.Quantity, 0.1) {
		t.Errorf("duplicate changed the position: %v", pos.Quantity)
	}

	acc, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s2", "BTCUSDT", models.DirectionLong)))
	if err != nil {
		t.Fatal(err)
	}
	if acc.Outcome != OutcomeIncreased {
		t.Errorf("Outcome = %s, want increased", acc.Outcome)
	}
}

func TestEngine_SameSideLimitedPerSymbol(t *testing.T) {
	h := startPaperEngine(t, nil)

	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong))); err != nil {
		t.Fatal(err)
	}
	wantRejected(t, h.submit(t, "s2", "BTCUSDT", models.DirectionLong), RuleMaxPositionsPerSymbol)
}

func TestEngine_OppositeSignalWithoutReversal(t *testing.T) {
	h := startPaperEngine(t, nil)

	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong))); err != nil {
		t.Fatal(err)
	}
	wantRejected(t, h.submit(t, "s2", "BTCUSDT", models.DirectionShort), ReasonOppositePosition)

	if _, ok := h.engine.portfolio.PositionFor("BTCUSDT", models.PositionLong); !ok {
		t.Error("long must stay open")
	}
}

func TestEngine_Reversal(t *testing.T) {
	h := startPaperEngine(t, func(s *models.Settings) { s.ReversalEnabled = true })

	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong))); err != nil {
		t.Fatal(err)
	}
	h.tick("BTCUSDT", 50500)

	acc, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s2", "BTCUSDT", models.DirectionShort)))
	if err != nil {
		t.Fatal(err)
	}
	if acc.Outcome != OutcomeReversed || len(acc.Orders) != 2 {
		t.Fatalf("accepted = %+v", acc)
	}
	if _, ok := h.engine.portfolio.PositionFor("BTCUSDT", models.PositionLong); ok {
		t.Error("long must be closed")
	}
	if _, ok := h.engine.portfolio.PositionFor("BTCUSDT", models.PositionShort); !ok {
		t.Error("short must be open")
	}

	trades := h.stores.trades.list()
	if len(trades) != 1 || trades[0].CloseReason != models.CloseReasonReversal {
		t.Fatalf("trades = %+v", trades)
	}
	// 0.1 × 500 без комиссий
	if !approxEqual(trades[0].RealizedPnL, 50) {
		t.Errorf("RealizedPnL = %v, want 50", trades[0].RealizedPnL)
	}
}

func TestEngine_ReversalRiskFailure(t *testing.T) {
	tests := []struct {
		name        string
		riskChecked bool
		wantLong    bool
	}{
		{name: "risk checked keeps position", riskChecked: true, wantLong: true},
		{name: "unchecked closes and skips new leg", riskChecked: false, wantLong: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startPaperEngine(t, func(s *models.Settings) {
				s.ReversalEnabled = true
				s.ReversalRiskChecked = tt.riskChecked
			})
			if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong))); err != nil {
				t.Fatal(err)
			}

			// новая нога меньше минимального объёма
			h.settings.update(func(s *models.Settings) {
				s.Sizing = models.Sizing{Rule: models.RiskPerStop{RiskPct: 0.0001, StopLossPct: 2}}
			})

			d := h.submit(t, "s2", "BTCUSDT", models.DirectionShort)
			if tt.riskChecked {
				wantRejected(t, d, RuleBelowMinOrderSize)
			} else {
				acc, ok := d.(Accepted)
				if !ok {
					t.Fatalf("decision = %#v", d)
				}
				if acc.Outcome != OutcomeClosed || acc.OpenRejected == nil || acc.OpenRejected.Reason != RuleBelowMinOrderSize {
					t.Errorf("accepted = %+v", acc)
				}
			}

			if _, ok := h.engine.portfolio.PositionFor("BTCUSDT", models.PositionLong); ok != tt.wantLong {
				t.Errorf("long open = %v, want %v", ok, tt.wantLong)
			}
			if _, ok := h.engine.portfolio.PositionFor("BTCUSDT", models.PositionShort); ok {
				t.Error("short must not open")
			}
		})
	}
}

func TestEngine_FlatSignal(t *testing.T) {
	h := startPaperEngine(t, nil)

	wantRejected(t, h.submit(t, "f0", "BTCUSDT", models.DirectionFlat), ReasonNothingToClose)

	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong))); err != nil {
		t.Fatal(err)
	}
	h.tick("BTCUSDT", 49800)

	acc, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("f1", "BTCUSDT", models.DirectionFlat)))
	if err != nil {
		t.Fatal(err)
	}
	if acc.Outcome != OutcomeClosed {
		t.Errorf("Outcome = %s", acc.Outcome)
	}
	if len(h.engine.portfolio.Positions()) != 0 {
		t.Error("flat must close the position")
	}

	view := h.engine.Portfolio()
	if !approxEqual(view.Balance, 10000-20) {
		t.Errorf("Balance = %v, want 9980", view.Balance)
	}
	if !approxEqual(view.Equity, view.Balance) {
		t.Errorf("flat equity %v != balance %v", view.Equity, view.Balance)
	}
	if !approxEqual(view.DailyRealizedPnL, -20) {
		t.Errorf("DailyRealizedPnL = %v", view.DailyRealizedPnL)
	}
}

func TestEngine_TradingStopped(t *testing.T) {
	h := startPaperEngine(t, nil)

	h.engine.StopTrading()
	h.engine.StopTrading()
	wantRejected(t, h.submit(t, "s1", "BTCUSDT", models.DirectionLong), ReasonTradingStopped)
	if st := h.engine.Status(); st.Trading {
		t.Error("status must report trading stopped")
	}

	h.engine.StartTrading()
	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s2", "BTCUSDT", models.DirectionLong))); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_BreakerBlocksOpensOnly(t *testing.T) {
	h := startPaperEngine(t, nil)

	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong))); err != nil {
		t.Fatal(err)
	}

	h.engine.TripBreaker("")
	if h.engine.Breaker().State != BreakerOpen {
		t.Fatalf("breaker = %+v", h.engine.Breaker())
	}
	wantRejected(t, h.submit(t, "s2", "ETHUSDT", models.DirectionLong), ReasonBreakerOpen)

	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("f1", "BTCUSDT", models.DirectionFlat))); err != nil {
		t.Fatalf("close must pass an open breaker: %v", err)
	}

	h.engine.ResetBreaker()
	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s3", "ETHUSDT", models.DirectionLong))); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_HalfOpenTrialSurvivesDuplicate(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.BreakerCooldown = 20 * time.Millisecond
	h := startEngine(t, cfg, nil, nil)

	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong))); err != nil {
		t.Fatal(err)
	}
	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("f1", "BTCUSDT", models.DirectionFlat))); err != nil {
		t.Fatal(err)
	}

	h.engine.TripBreaker("test")
	time.Sleep(40 * time.Millisecond)

	// проба взята, но ордер отвергнут журналом как дубликат
	wantRejected(t, h.submit(t, "s1", "BTCUSDT", models.DirectionLong), ReasonDuplicateSignal)
	if st := h.engine.Breaker().State; st != BreakerHalfOpen {
		t.Fatalf("breaker = %s, want half_open", st)
	}

	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s2", "BTCUSDT", models.DirectionLong))); err != nil {
		t.Fatalf("trial order slot must be free after a duplicate: %v", err)
	}
	if st := h.engine.Breaker().State; st != BreakerClosed {
		t.Errorf("breaker after successful trial order = %s", st)
	}
}

func TestEngine_EmergencyStop(t *testing.T) {
	h := startPaperEngine(t, nil)

	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("open-"+sym, sym, models.DirectionLong))); err != nil {
			t.Fatal(err)
		}
	}

	report, err := h.engine.EmergencyStop(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.ClosedTrades) != 2 {
		t.Errorf("closed = %d, want 2", len(report.ClosedTrades))
	}
	for _, tr := range report.ClosedTrades {
		if tr.CloseReason != models.CloseReasonEmergency {
			t.Errorf("CloseReason = %s", tr.CloseReason)
		}
	}
	if len(h.engine.portfolio.Positions()) != 0 {
		t.Error("flatten must close everything")
	}
	if h.engine.Trading() {
		t.Error("emergency stop must stop trading")
	}
	if h.notifier.count(models.NotificationTypeEmergency) != 1 {
		t.Error("emergency must be announced")
	}

	// автомат зафиксирован до ручного сброса
	h.engine.StartTrading()
	wantRejected(t, h.submit(t, "s3", "BTCUSDT", models.DirectionLong), ReasonBreakerOpen)

	// повторный вызов безопасен
	if _, err := h.engine.EmergencyStop(context.Background(), true); err != nil {
		t.Errorf("second emergency stop: %v", err)
	}
}

func TestEngine_ClosePositionManual(t *testing.T) {
	h := startPaperEngine(t, nil)

	acc, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong)))
	if err != nil {
		t.Fatal(err)
	}
	id := acc.Deltas[0].Position.ID

	trade, err := h.engine.ClosePosition(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if trade.CloseReason != models.CloseReasonManual || trade.PositionID != id {
		t.Errorf("trade = %+v", trade)
	}
	if _, err := h.engine.ClosePosition(context.Background(), id); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("second close err = %v, want ErrPositionNotFound", err)
	}
}

func TestEngine_ProtectiveStop(t *testing.T) {
	h := startPaperEngine(t, nil)

	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong))); err != nil {
		t.Fatal(err)
	}
	h.tick("BTCUSDT", 48900)

	waitFor(t, "stop loss close", func() bool {
		return len(h.engine.portfolio.Positions()) == 0
	})

	trades := h.stores.trades.list()
	if len(trades) != 1 || trades[0].CloseReason != models.CloseReasonStopLoss {
		t.Fatalf("trades = %+v", trades)
	}
	if n := h.notifier.count(models.NotificationTypeStop); n != 1 {
		t.Errorf("stop notifications = %d, want 1", n)
	}
}

func TestEngine_ConcurrentSameSymbol(t *testing.T) {
	h := startPaperEngine(t, nil)

	const workers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[string]int{}
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := h.engine.SubmitSignal(context.Background(), testSignal("same", "BTCUSDT", models.DirectionLong))
			mu.Lock()
			defer mu.Unlock()
			switch v := d.(type) {
			case Accepted:
				counts[string(v.Outcome)]++
			case Rejected:
				counts[string(v.Reason)]++
			default:
				counts["error"]++
				t.Errorf("unexpected %v %v", d, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if counts[string(OutcomeOpened)] != 1 {
		t.Errorf("outcomes = %v, want exactly one open", counts)
	}
	if n := len(h.stores.ledger.all()); n != 1 {
		t.Errorf("ledger holds %d orders", n)
	}
	if n := len(h.engine.portfolio.Positions()); n != 1 {
		t.Errorf("positions = %d", n)
	}
}

func TestEngine_EquityMatchesRealizedHistory(t *testing.T) {
	h := startPaperEngine(t, func(s *models.Settings) { s.ReversalEnabled = true })

	steps := []struct {
		id    string
		dir   models.Direction
		price float64
	}{
		{"a", models.DirectionLong, 50000},
		{"b", models.DirectionShort, 50300},
		{"c", models.DirectionFlat, 50100},
		{"d", models.DirectionLong, 50100},
		{"e", models.DirectionFlat, 49900},
	}
	for _, st := range steps {
		h.tick("BTCUSDT", st.price)
		if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal(st.id, "BTCUSDT", st.dir))); err != nil {
			t.Fatalf("%s: %v", st.id, err)
		}
	}

	var realized float64
	for _, tr := range h.stores.trades.list() {
		realized += tr.RealizedPnL
	}
	view := h.engine.Portfolio()
	if !approxEqual(view.Balance, 10000+realized) {
		t.Errorf("Balance = %v, want %v", view.Balance, 10000+realized)
	}

	rec, err := h.engine.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Clean() {
		t.Errorf("paper venue diverged: %+v", rec.Discrepancies)
	}
}

func TestEngine_Status(t *testing.T) {
	h := startPaperEngine(t, nil)

	st := h.engine.Status()
	if !st.Running || !st.Trading || st.Mode != models.ModePaper {
		t.Errorf("status = %+v", st)
	}
	if st.Hold != "" {
		t.Errorf("Hold = %q after startup", st.Hold)
	}
	if st.LastReconciliation == nil || st.LastReconciliation.Trigger != models.TriggerStartup {
		t.Errorf("LastReconciliation = %+v", st.LastReconciliation)
	}
	if !approxEqual(st.Equity, 10000) {
		t.Errorf("Equity = %v", st.Equity)
	}
}

func TestEngine_NotRunning(t *testing.T) {
	e, err := NewEngine(DefaultEngineConfig(), EngineDeps{
		Stores:   newMemStores().Stores,
		Settings: newStaticSettings(nil),
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
	if err := e.Supervise("x", func(context.Context) error { return nil }); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Supervise err = %v", err)
	}
}

func TestEngine_RestartRestoresState(t *testing.T) {
	stores := newMemStores()
	settings := newStaticSettings(nil)
	cfg := DefaultEngineConfig()
	cfg.Sim = SimConfig{Seed: 1}

	run := func(fn func(e *Engine)) {
		e, err := NewEngine(cfg, EngineDeps{Stores: stores.Stores, Settings: settings}, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		if err := e.Start(ctx); err != nil {
			cancel()
			t.Fatal(err)
		}
		e.applyTicker(&exchange.Ticker{Symbol: "BTCUSDT", LastPrice: 50000, Timestamp: time.Now()})
		fn(e)
		cancel()
		e.Wait()
	}

	run(func(e *Engine) {
		if _, err := mustAccepted(e.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong))); err != nil {
			t.Fatal(err)
		}
	})
	run(func(e *Engine) {
		if _, ok := e.portfolio.PositionFor("BTCUSDT", models.PositionLong); !ok {
			t.Error("position must survive restart")
		}
		// бумажная площадка восстановлена из портфеля: стартовая сверка чистая
		if last := e.reconciler.Last(); last == nil || !last.Clean() {
			t.Errorf("startup reconciliation = %+v", last)
		}
		wantRejected(t, func() Decision {
			d, err := e.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong))
			if err != nil {
				t.Fatal(err)
			}
			return d
		}(), RuleMaxPositionsPerSymbol)
	})
}

// ============ Live ============

func TestEngine_LiveReconnectReconcilesBeforeNextSignal(t *testing.T) {
	broker := newFakeBroker(10000, 50000)
	h := startEngine(t, DefaultEngineConfig(), broker, nil)

	waitFor(t, "stream connected", h.engine.listener.Connected)

	broker.emit(exchange.UserEvent{Kind: exchange.EventDisconnected, At: time.Now()})
	waitFor(t, "hold", func() bool {
		_, held := h.engine.gate.Held()
		return held
	})
	wantRejected(t, h.submit(t, "s1", "BTCUSDT", models.DirectionLong), ReasonReconciliationPending)

	// за время обрыва у брокера открылась позиция
	broker.setPosition(&exchange.Position{Symbol: "ETHUSDT", Side: models.PositionShort, Size: 1, EntryPrice: 3000})

	broker.emit(exchange.UserEvent{Kind: exchange.EventConnected, At: time.Now()})
	waitFor(t, "release", func() bool {
		_, held := h.engine.gate.Held()
		return !held
	})
	if _, ok := h.engine.portfolio.PositionFor("ETHUSDT", models.PositionShort); !ok {
		t.Fatal("reconnect reconciliation must adopt the broker position")
	}

	if _, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s2", "BTCUSDT", models.DirectionLong))); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_LiveUnknownOrderResolvedOnce(t *testing.T) {
	broker := newFakeBroker(10000, 50000)
	h := startEngine(t, DefaultEngineConfig(), broker, nil)

	broker.setPlaceFn(func(req exchange.OrderRequest) (*exchange.Order, error) {
		broker.fill(req)
		return nil, context.DeadlineExceeded
	})

	acc, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong)))
	if err != nil {
		t.Fatal(err)
	}
	if acc.Outcome != OutcomePending {
		t.Fatalf("Outcome = %s, want pending", acc.Outcome)
	}

	waitFor(t, "unknown order reconciled", func() bool {
		_, ok := h.engine.portfolio.PositionFor("BTCUSDT", models.PositionLong)
		return ok
	})
	pos, _ := h.engine.portfolio.PositionFor("BTCUSDT", models.PositionLong)
	if !approxEqual(pos.Quantity, 0.1) {
		t.Errorf("Quantity = %v, want 0.1", pos.Quantity)
	}
	if pos.StopLoss == nil {
		t.Error("protective levels of the request must survive the unknown outcome")
	}

	// повтор сигнала не создаёт второй ордер
	broker.setPlaceFn(nil)
	wantRejected(t, h.submit(t, "s1", "BTCUSDT", models.DirectionLong), RuleMaxPositionsPerSymbol)
	if broker.placedCount() != 1 {
		t.Errorf("broker placements = %d", broker.placedCount())
	}

	rec, err := h.engine.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Clean() {
		t.Errorf("second pass = %+v", rec.Discrepancies)
	}
}

func TestEngine_LiveRetryWhileUnknownKeepsProtectiveLevels(t *testing.T) {
	broker := newFakeBroker(10000, 50000)
	h := startEngine(t, DefaultEngineConfig(), broker, nil)

	// ордер исполнен, ответ потерян, чтения брокера недоступны
	broker.setPlaceFn(func(req exchange.OrderRequest) (*exchange.Order, error) {
		broker.fill(req)
		return nil, context.DeadlineExceeded
	})
	broker.setReadErr(&exchange.ExchangeError{Exchange: "fake", Message: "503", Transient: true})

	acc, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong)))
	if err != nil {
		t.Fatal(err)
	}
	if acc.Outcome != OutcomePending {
		t.Fatalf("Outcome = %s, want pending", acc.Outcome)
	}

	broker.setPlaceFn(nil)
	wantRejected(t, h.submit(t, "s1", "BTCUSDT", models.DirectionLong), ReasonDuplicateSignal)

	broker.setReadErr(nil)
	if _, err := h.engine.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	pos, ok := h.engine.portfolio.PositionFor("BTCUSDT", models.PositionLong)
	if !ok {
		t.Fatal("unknown order must be resolved into a position")
	}
	if pos.StopLoss == nil {
		t.Error("retry must not drop the protective levels of the first request")
	}
	if broker.placedCount() != 1 {
		t.Errorf("broker placements = %d", broker.placedCount())
	}
}

func TestEngine_EmergencyStopAppliesFillFoundAtCancel(t *testing.T) {
	broker := newFakeBroker(10000, 50000)
	h := startEngine(t, DefaultEngineConfig(), broker, nil)

	broker.setPlaceFn(func(req exchange.OrderRequest) (*exchange.Order, error) {
		broker.rest(req.ClientOrderID, req.Symbol, req.Side, req.Quantity)
		return broker.GetOrder(context.Background(), req.Symbol, req.ClientOrderID)
	})
	acc, err := mustAccepted(h.engine.SubmitSignal(context.Background(), testSignal("s1", "BTCUSDT", models.DirectionLong)))
	if err != nil {
		t.Fatal(err)
	}
	if acc.Outcome != OutcomePending {
		t.Fatalf("Outcome = %s, want pending", acc.Outcome)
	}
	placed := acc.Orders[0]

	// исполнение прошло мимо потока, отмена его обнаружит
	broker.fillResting(placed.ClientOrderID)

	report, err := h.engine.EmergencyStop(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if report.CancelledOrders != 0 {
		t.Errorf("CancelledOrders = %d, filled order is not cancelled", report.CancelledOrders)
	}

	stored, err := h.stores.ledger.GetByClientOrderID(context.Background(), placed.ClientOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.OrderStatusFilled {
		t.Errorf("ledger status = %s", stored.Status)
	}
	pos, ok := h.engine.portfolio.PositionFor("BTCUSDT", models.PositionLong)
	if !ok {
		t.Fatal("fill found at cancel must reach the portfolio")
	}
	if !approxEqual(pos.Quantity, placed.Quantity) {
		t.Errorf("Quantity = %v, want %v", pos.Quantity, placed.Quantity)
	}
	if pos.StopLoss == nil {
		t.Error("position must keep the protective levels of the request")
	}
}
