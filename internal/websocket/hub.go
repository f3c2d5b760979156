package websocket

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradeengine/internal/models"
	"tradeengine/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============ sync.Pool для JSON буферов ============

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// broadcastBufferSize - очередь сообщений между движком и циклом hub
const broadcastBufferSize = 1024

// Hub управляет WebSocket соединениями ленты событий оператора
//
// Лента только на чтение: движок публикует ордера, позиции, сделки,
// состояние автомата, сверки и уведомления, клиенты их получают.
// Публикация не блокирует вызывающего: при полной очереди сообщение
// отбрасывается и учитывается в DroppedMessages.
//
// Использование:
//  1. hub := NewHub(log)
//  2. go hub.Run(ctx) или engine.Supervise("ws_hub", hub.Run)
//  3. hub.BroadcastEvent("order", order)
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	done     chan struct{}
	stopOnce sync.Once

	clientCount atomic.Int64
	dropped     atomic.Int64

	origins *OriginChecker
	log     *utils.Logger
	now     func() time.Time
}

// NewHub создает Hub; без списка origins разрешены все
func NewHub(log *utils.Logger, allowedOrigins ...string) *Hub {
	if log == nil {
		log = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		origins:    NewOriginChecker(allowedOrigins),
		log:        log.WithComponent("ws_hub"),
		now:        time.Now,
	}
}

// Run - главный цикл: регистрация, отключение и рассылка.
// Завершается по отмене контекста или Stop.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		h.Stop()
		h.closeAll()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.clientCount.Store(int64(len(h.clients)))
			h.mu.Unlock()
			h.log.Debug("client connected", utils.Int64("clients", h.clientCount.Load()))

		case client := <-h.unregister:
			h.remove(client)
			h.log.Debug("client disconnected", utils.Int64("clients", h.clientCount.Load()))

		case message := <-h.broadcast:
			// список копируется под коротким RLock, отправка без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var slow []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				h.remove(client)
			}
			if len(slow) > 0 {
				h.log.Warn("removed slow clients", utils.Int("removed", len(slow)), utils.Int64("clients", h.clientCount.Load()))
			}
		}
	}
}

// Stop завершает Run; повторный вызов безопасен
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.clientCount.Store(int64(len(h.clients)))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.clientCount.Store(0)
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Error("marshal broadcast message", utils.Err(err))
		jsonBufferPool.Put(buf)
		return
	}

	// Encode добавляет перевод строки
	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	msg := make([]byte, len(data))
	copy(msg, data)
	jsonBufferPool.Put(buf)

	h.BroadcastRaw(msg)
}

// BroadcastRaw ставит в очередь уже сериализованное сообщение
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastEvent публикует событие движка
func (h *Hub) BroadcastEvent(eventType string, data interface{}) {
	h.Broadcast(NewEventMessage(eventType, data, h.now()))
}

// BroadcastNotification публикует уведомление
func (h *Hub) BroadcastNotification(n *models.Notification) {
	if n == nil {
		return
	}
	h.Broadcast(NewNotificationMessage(n, h.now()))
}

// ClientCount - число подключенных клиентов, без блокировки
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

// DroppedMessages - сколько сообщений отброшено из-за полной очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
