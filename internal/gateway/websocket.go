package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/pong-server/internal/game"
	apperrors "github.com/koopa0/system-design/pong-server/pkg/errors"
	"github.com/koopa0/system-design/pong-server/pkg/logger"
)

// Dispatcher 接收客戶端事件（由 game.Engine 實作）
type Dispatcher interface {
	Join(connID string) error
	Input(connID string, in game.InputPayload) bool
	Disconnect(connID string)
}

// HubConfig 連接參數
type HubConfig struct {
	SendBuffer     int           // 每個連接的發送緩衝（訊息數）
	MaxMessageSize int64         // 客戶端單一訊息上限（bytes）
	PongWait       time.Duration // 多久沒收到任何訊息（含 Pong）就斷線
	WriteWait      time.Duration
}

// DefaultHubConfig 預設連接參數（54s Ping / 60s 超時）
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:     256,
		MaxMessageSize: 512,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
	}
}

// pingPeriod 必須小於 PongWait，留 10% 給網路延遲
func (c HubConfig) pingPeriod() time.Duration {
	return c.PongWait * 9 / 10
}

// Hub 管理所有 WebSocket 連接，並實作 game.Notifier
//
// 每個連接有自己的 ID（UUID，不重用），引擎只認這個 ID；
// 連接斷開後 ID 即失效，沒有斷線重連。
//
// 鎖順序：Hub.mu 是最內層的鎖。引擎會在持有註冊表鎖 / 房間鎖時呼叫 Notify，
// 因此 Hub 持有 mu 時絕不呼叫引擎。
type Hub struct {
	cfg      HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Connection
	closed bool
}

// Connection 單一客戶端連接
type Connection struct {
	ID         string
	RemoteAddr string
	ConnectAt  time.Time

	conn      *websocket.Conn
	codec     Codec
	send      chan []byte
	hub       *Hub
	closeOnce sync.Once // 確保 channel 只關閉一次

	// ctx 帶著 conn_id，所有與此連接相關的日誌都經由它輸出
	ctx context.Context
}

// NewHub 創建 WebSocket Hub
func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	d := DefaultHubConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = d.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = d.PongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = d.WriteWait
	}

	return &Hub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 瀏覽器客戶端可能由其他網域提供
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*Connection),
	}
}

// Serve 升級連接並啟動讀寫 goroutine
func (hub *Hub) Serve(w http.ResponseWriter, r *http.Request, d Dispatcher) {
	codec, ok := CodecByName(r.URL.Query().Get("codec"))
	if !ok {
		http.Error(w, "unsupported codec", http.StatusBadRequest)
		return
	}

	hub.mu.RLock()
	closed := hub.closed
	hub.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("升級 WebSocket 失敗", "error", err)
		return
	}

	id := uuid.NewString()
	c := &Connection{
		ID:         id,
		RemoteAddr: r.RemoteAddr,
		ConnectAt:  time.Now(),
		conn:       ws,
		codec:      codec,
		send:       make(chan []byte, hub.cfg.SendBuffer),
		hub:        hub,
		ctx:        logger.WithConnID(context.Background(), id),
	}

	if !hub.register(c) {
		_ = ws.Close()
		return
	}

	go c.writePump()
	go c.readPump(d)

	hub.logger.InfoContext(c.ctx, "WebSocket 連接建立",
		"remote_addr", c.RemoteAddr,
		"codec", codec.Name())
}

// Notify 非阻塞地把事件送到指定連接
//
// 連接不存在（已斷線）時直接丟棄；發送緩衝滿時丟棄並記錄，
// 慢客戶端不能拖累房間 loop。
func (hub *Hub) Notify(connID, event string, payload any) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	c, ok := hub.conns[connID]
	if !ok {
		return
	}

	data, err := c.codec.Encode(event, payload)
	if err != nil {
		hub.logger.ErrorContext(c.ctx, "編碼訊息失敗", "event", event, "error", err)
		return
	}

	select {
	case c.send <- data:
	default:
		hub.logger.WarnContext(c.ctx, "連接緩衝區滿，丟棄訊息", "event", event)
	}
}

// Count 目前連接數
func (hub *Hub) Count() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.conns)
}

// Stop 關閉所有連接並拒絕新連接
//
// 各連接的 readPump 會隨之結束並通知引擎斷線。
func (hub *Hub) Stop() {
	hub.mu.Lock()
	hub.closed = true
	conns := hub.conns
	hub.conns = make(map[string]*Connection)
	for _, c := range conns {
		c.closeSend()
	}
	hub.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}

	hub.logger.Info("WebSocket Hub 已停止", "closed_connections", len(conns))
}

func (hub *Hub) register(c *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.closed {
		return false
	}
	hub.conns[c.ID] = c
	return true
}

func (hub *Hub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if actual, ok := hub.conns[c.ID]; ok && actual == c {
		delete(hub.conns, c.ID)
		c.closeSend()
	}
}

func (c *Connection) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump 讀取客戶端訊息
//
// 心跳（讀取端）：PongWait 內沒有收到任何訊息（包括 Pong）就關閉連接。
// 結束時先從 Hub 移除、再通知引擎斷線，最後關閉底層連接。
func (c *Connection) readPump(d Dispatcher) {
	log := c.hub.logger

	defer func() {
		c.hub.unregister(c)
		d.Disconnect(c.ID)
		_ = c.conn.Close()
		log.InfoContext(c.ctx, "WebSocket 連接關閉")
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait)); err != nil {
		log.ErrorContext(c.ctx, "設置讀取期限失敗", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.WarnContext(c.ctx, "WebSocket 讀取錯誤", "error", err)
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait)); err != nil {
			log.ErrorContext(c.ctx, "設置讀取期限失敗", "error", err)
		}

		c.handleMessage(message, d)
	}
}

// handleMessage 分派客戶端訊息
//
// 格式錯誤與未知事件回覆 error；房間不存在、角色不符等語意錯誤由引擎靜默忽略。
func (c *Connection) handleMessage(message []byte, d Dispatcher) {
	in, err := c.codec.Decode(message)
	if err != nil {
		c.hub.logger.DebugContext(c.ctx, "無效的客戶端訊息", "error", err)
		c.hub.Notify(c.ID, game.EventError, errorPayload(err))
		return
	}

	switch in.Event {
	case game.EventJoinRequest:
		if err := d.Join(c.ID); err != nil {
			c.hub.logger.ErrorContext(c.ctx, "配對失敗", "error", err)
		}
	case game.EventPlayerInput:
		d.Input(c.ID, in.Input)
	}
}

// errorPayload 只把協議錯誤的訊息回傳給客戶端
func errorPayload(err error) game.MessagePayload {
	var appErr *apperrors.AppError
	if apperrors.IsInvalidInput(err) && errors.As(err, &appErr) {
		msg := appErr.Message
		if appErr.Details != "" {
			msg += ": " + appErr.Details
		}
		return game.MessagePayload{Message: msg}
	}
	return game.MessagePayload{Message: "internal error"}
}

// writePump 寫入訊息到客戶端
//
// 心跳（發送端）：每 pingPeriod 送一次 Ping，客戶端自動回 Pong。
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	frameType := c.codec.FrameType()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				// Hub 關閉了通道，優雅關閉連接
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(frameType, message); err != nil {
				return
			}

			// 一併送出排隊中的訊息（每則仍是獨立的幀）
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.conn.WriteMessage(frameType, next); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
