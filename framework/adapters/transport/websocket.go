package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akriventsev/eventcore/framework/eventsourcing"
	"github.com/akriventsev/eventcore/framework/logging"
)

// WebSocketConfig конфигурация потока прогресса
type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	// AllowedOrigins пустой список разрешает любой origin
	AllowedOrigins []string
}

// DefaultWebSocketConfig возвращает конфигурацию WebSocket по умолчанию
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		PingInterval:    54 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
	}
}

// ProgressHub рассылает прогресс воспроизведения подключенным клиентам.
// Publish подходит как eventsourcing.ProgressCallback.
type ProgressHub struct {
	config   WebSocketConfig
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu          sync.Mutex
	connections map[*websocket.Conn]chan eventsourcing.ReplayProgress
	last        *eventsourcing.ReplayProgress
	closed      bool
}

// NewProgressHub создает hub
func NewProgressHub(config WebSocketConfig, logger logging.Logger) *ProgressHub {
	h := &ProgressHub{
		config:      config,
		logger:      logging.OrNop(logger),
		connections: make(map[*websocket.Conn]chan eventsourcing.ReplayProgress),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *ProgressHub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Publish рассылает прогресс. Медленный клиент получает только последнее
// состояние: старое значение в его очереди заменяется.
func (h *ProgressHub) Publish(progress eventsourcing.ReplayProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = &progress
	for _, queue := range h.connections {
		select {
		case queue <- progress:
		default:
			select {
			case <-queue:
			default:
			}
			queue <- progress
		}
	}
}

// ConnectionCount возвращает число подключенных клиентов
func (h *ProgressHub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// Close закрывает все соединения
func (h *ProgressHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn, queue := range h.connections {
		close(queue)
		delete(h.connections, conn)
	}
}

// ServeHTTP переводит соединение в WebSocket и пишет в него прогресс.
// Новый клиент сразу получает последнее известное состояние.
func (h *ProgressHub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		h.logger.Log(logging.LevelWarn, "websocket upgrade failed", logging.Err(err))
		return
	}

	queue := make(chan eventsourcing.ReplayProgress, 1)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	if h.last != nil {
		queue <- *h.last
	}
	h.connections[conn] = queue
	h.mu.Unlock()

	go h.readLoop(conn)
	h.writeLoop(conn, queue)
}

// readLoop обрабатывает pong и обнаруживает закрытие соединения клиентом
func (h *ProgressHub) readLoop(conn *websocket.Conn) {
	defer h.remove(conn)
	_ = conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *ProgressHub) writeLoop(conn *websocket.Conn, queue chan eventsourcing.ReplayProgress) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		h.remove(conn)
		_ = conn.Close()
	}()

	for {
		select {
		case progress, ok := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteJSON(progress); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *ProgressHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if queue, ok := h.connections[conn]; ok {
		close(queue)
		delete(h.connections, conn)
	}
}
