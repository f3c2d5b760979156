package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradeengine/pkg/retry"
	"tradeengine/pkg/utils"
)

// WSReconnectConfig конфигурация переподключения WebSocket
type WSReconnectConfig struct {
	// Backoff между попытками: 2s, 4s, 8s, 16s, 16s...
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Максимальное количество попыток подряд (0 = бесконечно)
	MaxRetries     int
	ConnectTimeout time.Duration
	// Интервал ping и таймаут записи
	PingInterval time.Duration
	PongTimeout  time.Duration
	// Соединение считается мёртвым, если за ReadTimeout ничего не пришло
	ReadTimeout time.Duration
}

// DefaultWSReconnectConfig возвращает конфигурацию по умолчанию
func DefaultWSReconnectConfig() WSReconnectConfig {
	return WSReconnectConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     0,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		PongTimeout:    10 * time.Second,
		ReadTimeout:    60 * time.Second,
	}
}

// WSConnectionState состояние WebSocket соединения
type WSConnectionState int32

const (
	WSStateDisconnected WSConnectionState = iota
	WSStateConnecting
	WSStateConnected
	WSStateReconnecting
	WSStateClosed
)

func (s WSConnectionState) String() string {
	switch s {
	case WSStateDisconnected:
		return "disconnected"
	case WSStateConnecting:
		return "connecting"
	case WSStateConnected:
		return "connected"
	case WSStateReconnecting:
		return "reconnecting"
	case WSStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WSReconnectManager держит WebSocket соединение с брокером
//
// При разрыве переподключается с exponential backoff, заново проходит
// аутентификацию и восстанавливает подписки. О разрыве и восстановлении
// сообщает через onDisconnect/onConnect: слушатель событий по ним ставит
// движок на удержание и запускает сверку.
type WSReconnectManager struct {
	name   string
	wsURL  string
	config WSReconnectConfig
	log    *utils.Logger

	conn   *websocket.Conn
	connMu sync.RWMutex
	// запись в gorilla/websocket не потокобезопасна
	writeMu sync.Mutex

	state      int32 // atomic WSConnectionState
	retryCount int32 // atomic

	// поколение соединения: не даёт старому readPump уронить новое соединение
	generation uint64

	closeChan chan struct{}
	closeOnce sync.Once

	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)
	callbackMu   sync.RWMutex

	subscriptions   []interface{}
	subscriptionsMu sync.RWMutex

	// аутентификация приватных каналов, выполняется на каждом новом соединении
	authFunc func(*websocket.Conn) error
}

// NewWSReconnectManager создаёт новый менеджер переподключений
func NewWSReconnectManager(name, wsURL string, config WSReconnectConfig, log *utils.Logger) *WSReconnectManager {
	if log == nil {
		log = utils.L()
	}
	return &WSReconnectManager{
		name:      name,
		wsURL:     wsURL,
		config:    config,
		log:       log.WithComponent("ws").With(utils.String("stream", name)),
		closeChan: make(chan struct{}),
	}
}

func (m *WSReconnectManager) SetOnMessage(handler func([]byte)) {
	m.callbackMu.Lock()
	m.onMessage = handler
	m.callbackMu.Unlock()
}

func (m *WSReconnectManager) SetOnConnect(handler func()) {
	m.callbackMu.Lock()
	m.onConnect = handler
	m.callbackMu.Unlock()
}

func (m *WSReconnectManager) SetOnDisconnect(handler func(error)) {
	m.callbackMu.Lock()
	m.onDisconnect = handler
	m.callbackMu.Unlock()
}

func (m *WSReconnectManager) SetAuthFunc(authFunc func(*websocket.Conn) error) {
	m.authFunc = authFunc
}

// AddSubscription добавляет подписку для восстановления после переподключения
func (m *WSReconnectManager) AddSubscription(sub interface{}) {
	m.subscriptionsMu.Lock()
	m.subscriptions = append(m.subscriptions, sub)
	m.subscriptionsMu.Unlock()
}

// GetState возвращает текущее состояние соединения
func (m *WSReconnectManager) GetState() WSConnectionState {
	return WSConnectionState(atomic.LoadInt32(&m.state))
}

// IsConnected проверяет, установлено ли соединение
func (m *WSReconnectManager) IsConnected() bool {
	return m.GetState() == WSStateConnected
}

// GetRetryCount возвращает текущее количество попыток переподключения
func (m *WSReconnectManager) GetRetryCount() int {
	return int(atomic.LoadInt32(&m.retryCount))
}

func (m *WSReconnectManager) closed() bool {
	select {
	case <-m.closeChan:
		return true
	default:
		return false
	}
}

// Connect устанавливает первое соединение
func (m *WSReconnectManager) Connect() error {
	if m.closed() {
		return fmt.Errorf("%s: manager is closed", m.name)
	}

	atomic.StoreInt32(&m.state, int32(WSStateConnecting))
	if err := m.dial(); err != nil {
		atomic.StoreInt32(&m.state, int32(WSStateDisconnected))
		return err
	}

	m.connected()
	m.log.Info("websocket connected", utils.String("url", m.wsURL))
	return nil
}

func (m *WSReconnectManager) connected() {
	atomic.StoreInt32(&m.state, int32(WSStateConnected))
	atomic.StoreInt32(&m.retryCount, 0)

	gen := atomic.AddUint64(&m.generation, 1)
	go m.readPump(gen)
	go m.pingPump(gen)

	m.callbackMu.RLock()
	onConnect := m.onConnect
	m.callbackMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}
}

// dial подключается, аутентифицируется и восстанавливает подписки
func (m *WSReconnectManager) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: m.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.name, err)
	}

	if m.authFunc != nil {
		if err := m.authFunc(conn); err != nil {
			conn.Close()
			return fmt.Errorf("auth %s: %w", m.name, err)
		}
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	if err := m.resubscribe(conn); err != nil {
		// подписки восстановятся при следующем переподключении
		m.log.Warn("resubscribe failed", utils.Err(err))
	}
	return nil
}

func (m *WSReconnectManager) resubscribe(conn *websocket.Conn) error {
	m.subscriptionsMu.RLock()
	subs := make([]interface{}, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.subscriptionsMu.RUnlock()

	for _, sub := range subs {
		if err := m.write(conn, sub); err != nil {
			return err
		}
	}
	if len(subs) > 0 {
		m.log.Debug("resubscribed", utils.Int("channels", len(subs)))
	}
	return nil
}

func (m *WSReconnectManager) write(conn *websocket.Conn, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.config.PongTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *WSReconnectManager) current(gen uint64) *websocket.Conn {
	if atomic.LoadUint64(&m.generation) != gen {
		return nil
	}
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.conn
}

func (m *WSReconnectManager) readPump(gen uint64) {
	for {
		conn := m.current(gen)
		if conn == nil || m.closed() {
			return
		}

		if m.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}

		m.callbackMu.RLock()
		onMessage := m.onMessage
		m.callbackMu.RUnlock()
		if onMessage != nil {
			onMessage(message)
		}
	}
}

// pingPump: Bybit ожидает прикладной {"op":"ping"}, а не только control frame
func (m *WSReconnectManager) pingPump(gen uint64) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeChan:
			return
		case <-ticker.C:
			conn := m.current(gen)
			if conn == nil {
				return
			}
			if err := m.write(conn, map[string]string{"op": "ping"}); err != nil {
				m.handleDisconnect(gen, err)
				return
			}
		}
	}
}

// handleDisconnect обрабатывает разрыв соединения поколения gen
func (m *WSReconnectManager) handleDisconnect(gen uint64, err error) {
	if m.closed() {
		return
	}
	// разрыв уже обработан другим pump или соединение заменено
	if !atomic.CompareAndSwapUint64(&m.generation, gen, gen+1) {
		return
	}

	atomic.StoreInt32(&m.state, int32(WSStateReconnecting))

	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connMu.Unlock()

	m.log.Warn("websocket disconnected", utils.Err(err))

	m.callbackMu.RLock()
	onDisconnect := m.onDisconnect
	m.callbackMu.RUnlock()
	if onDisconnect != nil {
		onDisconnect(err)
	}

	go m.reconnectLoop()
}

func (m *WSReconnectManager) reconnectLoop() {
	backoff := retry.Config{
		InitialDelay: m.config.InitialDelay,
		MaxDelay:     m.config.MaxDelay,
		Multiplier:   2,
	}

	for attempt := 0; ; attempt++ {
		if m.closed() {
			return
		}

		n := atomic.AddInt32(&m.retryCount, 1)
		if m.config.MaxRetries > 0 && int(n) > m.config.MaxRetries {
			m.log.Error("max reconnect attempts reached", utils.Int("attempts", m.config.MaxRetries))
			atomic.StoreInt32(&m.state, int32(WSStateDisconnected))
			return
		}

		delay := backoff.Delay(attempt)
		m.log.Info("reconnecting", utils.Duration("delay", delay), utils.Int("attempt", int(n)))

		select {
		case <-m.closeChan:
			return
		case <-time.After(delay):
		}

		if err := m.dial(); err != nil {
			m.log.Warn("reconnect failed", utils.Err(err))
			continue
		}

		m.connected()
		m.log.Info("websocket reconnected")
		return
	}
}

// Send отправляет сообщение через WebSocket
func (m *WSReconnectManager) Send(msg interface{}) error {
	if m.GetState() != WSStateConnected {
		return fmt.Errorf("%w (state: %s)", ErrNotConnected, m.GetState())
	}

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return m.write(conn, msg)
}

// Close закрывает WebSocket соединение и останавливает переподключение
func (m *WSReconnectManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closeChan)
		atomic.StoreInt32(&m.state, int32(WSStateClosed))

		m.connMu.Lock()
		defer m.connMu.Unlock()
		if m.conn != nil {
			err = m.conn.Close()
			m.conn = nil
		}
	})
	return err
}
