//go:build integration

// Package integration contains end-to-end tests of the trade engine.
//
// These tests verify the correct interaction between components:
//   - API: HTTP request → handler → engine → repository
//   - WebSocket: engine events reach connected operators
//   - Database: migrations and restart recovery on both dialects
//
// By default the store is an in-memory SQLite database. Set
// TEST_DB_DRIVER=postgres and TEST_DB_DSN to run against Postgres.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradeengine/internal/api"
	"tradeengine/internal/bot"
	"tradeengine/internal/exchange"
	"tradeengine/internal/models"
	"tradeengine/internal/repository"
	"tradeengine/internal/service"
	"tradeengine/internal/websocket"
	"tradeengine/pkg/crypto"
	"tradeengine/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const operatorToken = "integration-token"

// fakeTickers - поток цен под управлением теста
type fakeTickers struct {
	mu sync.Mutex
	cb func(*exchange.Ticker)
}

func (f *fakeTickers) SubscribeTickers(_ []string, cb func(*exchange.Ticker)) error {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return nil
}

func (f *fakeTickers) push(symbol string, price float64) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(&exchange.Ticker{Symbol: symbol, LastPrice: price, BidPrice: price, AskPrice: price, Timestamp: time.Now()})
	}
}

// TestServer encapsulates all components needed for integration testing
type TestServer struct {
	Store         *repository.Store
	Settings      *service.SettingsService
	Notifications *service.NotificationService
	Hub           *websocket.Hub
	Engine        *bot.Engine
	Tickers       *fakeTickers
	Server        *httptest.Server

	stop func()
}

// openTestStore opens the configured database and applies migrations
func openTestStore(t *testing.T) *repository.Store {
	t.Helper()
	ctx := context.Background()

	driver := os.Getenv("TEST_DB_DRIVER")
	dsn := os.Getenv("TEST_DB_DSN")
	if driver == "" {
		driver, dsn = "sqlite", ":memory:"
	}
	dialect, err := repository.ParseDialect(driver)
	if err != nil {
		t.Fatal(err)
	}

	db, err := repository.Open(ctx, dialect, dsn)
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to database: %v", err)
	}
	if err := repository.Migrate(ctx, db, dialect); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return repository.NewStore(db, dialect, models.ModePaper)
}

func testSeed() *models.Settings {
	s := models.DefaultSettings()
	s.WarmupBars = 0
	return &s
}

// SetupTestServer creates a complete paper-mode server on a fresh store
func SetupTestServer(t *testing.T) *TestServer {
	t.Helper()
	return startServer(t, openTestStore(t))
}

// startServer wires services, engine and router on top of store
func startServer(t *testing.T, store *repository.Store) *TestServer {
	t.Helper()
	ctx := context.Background()
	log := utils.NewNopLogger()

	settings := service.NewSettingsService(store.Settings, log)
	if err := settings.Load(ctx, testSeed()); err != nil {
		t.Fatalf("settings: %v", err)
	}

	hub := websocket.NewHub(log)
	notifications := service.NewNotificationService(store.Notifications, log, 64)
	notifications.SetWebSocketHub(hub)

	tickers := &fakeTickers{}
	cfg := bot.DefaultEngineConfig()
	cfg.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	cfg.Sim = bot.SimConfig{Seed: 1}
	cfg.Paper.FeeRate = 0
	cfg.ProtectiveInterval = 20 * time.Millisecond
	cfg.ReconcileInterval = time.Hour
	cfg.HealthInterval = time.Hour

	engine, err := bot.NewEngine(cfg, bot.EngineDeps{
		Tickers:  tickers,
		Stores:   bot.StoresFromRepository(store),
		Settings: settings,
		Notifier: notifications,
		Sink:     hub,
	}, log)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	engineCtx, cancel := context.WithCancel(ctx)
	if err := engine.Start(engineCtx); err != nil {
		cancel()
		t.Fatalf("start: %v", err)
	}
	if err := engine.Supervise("ws-hub", hub.Run); err != nil {
		t.Fatal(err)
	}
	if err := engine.Supervise("notifications", func(ctx context.Context) error {
		notifications.Run(ctx)
		return ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}

	hash, err := crypto.HashToken(operatorToken, 4)
	if err != nil {
		t.Fatal(err)
	}
	router := api.SetupRoutes(&api.Dependencies{
		Engine:          engine,
		Settings:        settings,
		Trades:          store.Trades,
		Orders:          store.Orders,
		Reconciliations: store.Reconciliations,
		Notifications:   notifications,
		Hub:             hub,
		TokenHash:       hash,
		Logger:          log,
	})
	server := httptest.NewServer(router)

	ts := &TestServer{
		Store:         store,
		Settings:      settings,
		Notifications: notifications,
		Hub:           hub,
		Engine:        engine,
		Tickers:       tickers,
		Server:        server,
	}
	var once sync.Once
	ts.stop = func() {
		once.Do(func() {
			server.Close()
			cancel()
			engine.Wait()
		})
	}
	t.Cleanup(ts.stop)
	return ts
}

// Stop shuts the server and the engine down; the store stays open
func (ts *TestServer) Stop() {
	ts.stop()
}

// do sends an authenticated request and decodes the JSON response into out
func (ts *TestServer) do(t *testing.T, method, path string, body interface{}, out interface{}) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

// signalRequest is the JSON body of POST /api/v1/signals
func signalRequest(id, symbol, direction string) map[string]interface{} {
	return map[string]interface{}{
		"id":           id,
		"symbol":       symbol,
		"direction":    direction,
		"confidence":   0.9,
		"strategy_id":  "integration",
		"timeframe":    "15m",
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
}

type signalResponse struct {
	Status  string `json:"status"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail"`
}

// submit posts a signal, retrying while the price loop has not seen the symbol yet
func (ts *TestServer) submit(t *testing.T, id, symbol, direction string) signalResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var resp signalResponse
		httpResp := ts.do(t, http.MethodPost, "/api/v1/signals", signalRequest(id, symbol, direction), &resp)
		if httpResp.StatusCode != http.StatusOK {
			t.Fatalf("signal %s: HTTP %d", id, httpResp.StatusCode)
		}
		if resp.Reason != string(bot.ReasonNoPrice) || time.Now().After(deadline) {
			return resp
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
