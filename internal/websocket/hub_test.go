package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradeengine/internal/models"
	"tradeengine/pkg/utils"
)

// ============================================================
// Unit Tests
// ============================================================

func newTestHub(t *testing.T, origins ...string) *Hub {
	t.Helper()
	hub := NewHub(utils.NewNopLogger(), origins...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func TestNewHub(t *testing.T) {
	hub := NewHub(utils.NewNopLogger())

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := NewOriginChecker([]string{"http://localhost:3000", " https://example.com "})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"https://example.com", true},
		{"http://evil.com", false},
		{"http://localhost:8080", false},
	}

	for _, tt := range tests {
		if got := checker.Check(tt.origin); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	for _, origins := range [][]string{nil, {"*"}, {""}} {
		checker := NewOriginChecker(origins)
		if !checker.Check("https://anything.example.org") {
			t.Errorf("origins %q must allow all", origins)
		}
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	// без Run очередь никто не читает
	hub := NewHub(utils.NewNopLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBufferSize+10; i++ {
			hub.BroadcastEvent("status", map[string]int{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}
	if got := hub.DroppedMessages(); got != 10 {
		t.Errorf("dropped = %d, want 10", got)
	}
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub(utils.NewNopLogger())

	done := make(chan struct{})
	go func() {
		_ = hub.Run(context.Background())
		close(done)
	}()

	hub.Stop()
	hub.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Run did not exit after Stop")
	}
}

func TestHub_DeliversEventsAndNotifications(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitUntil(t, "client registered", func() bool { return hub.ClientCount() == 1 })

	hub.BroadcastEvent("order", map[string]interface{}{"client_order_id": "abc", "status": "filled"})
	hub.BroadcastNotification(&models.Notification{ID: "n1", Type: models.NotificationTypeBreaker, Severity: models.SeverityWarn, Message: "breaker open"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev struct {
		Type  MessageType            `json:"type"`
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != MessageTypeEvent || ev.Event != "order" || ev.Data["status"] != "filled" {
		t.Errorf("event = %+v", ev)
	}

	var n NotificationMessage
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatal(err)
	}
	if n.Type != MessageTypeNotification || n.Data == nil || n.Data.Type != models.NotificationTypeBreaker {
		t.Errorf("notification = %+v", n)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "client registered", func() bool { return hub.ClientCount() == 1 })

	conn.Close()
	waitUntil(t, "client removed", func() bool { return hub.ClientCount() == 0 })
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := newTestHub(t, "https://ops.example.com")
	srv := httptest.NewServer(hub)
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := dial(t, srv, header)
	if err == nil {
		t.Fatal("foreign origin must be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %+v", resp)
	}

	header.Set("Origin", "https://ops.example.com")
	conn, _, err := dial(t, srv, header)
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	conn.Close()
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := newTestHub(t)

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.BroadcastEvent("position", map[string]int{"goroutine": id, "op": j})
			}
		}(i)
	}
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}
	wg.Wait()
}

// ============================================================
// Benchmarks
// ============================================================

func BenchmarkHub_BroadcastEvent(b *testing.B) {
	hub := NewHub(utils.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	data := map[string]interface{}{"symbol": "BTCUSDT", "quantity": 0.1, "entry_price": 50000.0}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.BroadcastEvent("position", data)
	}
}

func BenchmarkOriginChecker_Check(b *testing.B) {
	checker := NewOriginChecker([]string{"http://localhost:3000"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		checker.Check("http://localhost:3000")
	}
}
