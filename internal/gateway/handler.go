package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/pong-server/internal/game"
	"github.com/koopa0/system-design/pong-server/internal/limiter"
	apperrors "github.com/koopa0/system-design/pong-server/pkg/errors"
	"github.com/koopa0/system-design/pong-server/pkg/logger"
)

// GameService 處理器需要的引擎能力（由 game.Engine 實作）
type GameService interface {
	Dispatcher
	Stats() game.Stats
	Rooms() []game.RoomInfo
	Room(roomID string) (*game.Room, bool)
	Constants() game.ConstantsView
}

// HealthCheck 依賴檢查，回傳 nil 代表健康
type HealthCheck func(ctx context.Context) error

// Handler HTTP 請求處理器
type Handler struct {
	game      GameService
	hub       *Hub
	admission limiter.Limiter // nil 代表不限流
	logger    *slog.Logger

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewHandler 創建 HTTP 處理器
func NewHandler(svc GameService, hub *Hub, admission limiter.Limiter, logger *slog.Logger) *Handler {
	return &Handler{
		game:      svc,
		hub:       hub,
		admission: admission,
		logger:    logger,
		checks:    make(map[string]HealthCheck),
	}
}

// AddCheck 註冊健康檢查（例如 redis、nats）
func (h *Handler) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：日誌在外層，panic 時也帶著 request_id 並記錄 500
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.loggerMiddleware(h.recoverer(handler))
	}

	// WebSocket：需要原始的 ResponseWriter（Hijacker），不經過日誌包裝
	mux.HandleFunc("GET /ws", h.recoverer(h.admit(h.serveWS)))

	// 查詢 API
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoom))
	mux.HandleFunc("GET /api/v1/constants", wrap(h.constants))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	h.hub.Serve(w, r, h.game)
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	status := game.Status(r.URL.Query().Get("status"))

	rooms := h.game.Rooms()
	filtered := make([]game.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		if status != "" && room.Status != status {
			continue
		}
		filtered = append(filtered, room)
	}

	h.jsonResponse(w, map[string]any{
		"rooms": filtered,
		"total": len(filtered),
	}, http.StatusOK)
}

// getRoom 房間目前的快照
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	room, ok := h.game.Room(roomID)
	if !ok {
		h.errorResponse(w, apperrors.ErrRoomNotFound.WithDetails(roomID))
		return
	}

	h.jsonResponse(w, map[string]any{
		"room":  room.Info(),
		"state": room.Snapshot(),
	}, http.StatusOK)
}

// constants 客戶端共用的遊戲常數
func (h *Handler) constants(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.game.Constants(), http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	deps := make(map[string]string, len(names))
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()

		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	h.jsonResponse(w, map[string]any{
		"status":       status,
		"time":         time.Now().Unix(),
		"dependencies": deps,
	}, code)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"game":        h.game.Stats(),
		"connections": h.hub.Count(),
	}, http.StatusOK)
}

// admit 新連接准入限流（每個客戶端 IP）
//
// 限流器出錯時放行：可用性優先。
func (h *Handler) admit(next http.HandlerFunc) http.HandlerFunc {
	if h.admission == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
		defer cancel()

		ip := clientIP(r)
		allowed, err := h.admission.Allow(ctx, ip)
		if err != nil {
			if apperrors.IsUnavailable(err) {
				h.logger.Warn("限流後端不可用，放行連接", "ip", ip, "error", err)
			} else {
				h.logger.Error("限流器錯誤，放行連接", "ip", ip, "error", err)
			}
			next(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", "1")
			h.errorResponse(w, apperrors.ErrRateLimited.WithDetails(ip))
			return
		}

		next(w, r)
	}
}

// clientIP 取 RemoteAddr 的主機部分
//
// 不信任 X-Forwarded-For：部署在反向代理後方時應由代理層限流。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 依錯誤碼返回錯誤響應，非 AppError 一律視為內部錯誤
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternal, "internal server error")
	}

	h.jsonResponse(w, map[string]any{
		"error": appErr,
	}, statusOf(err))
}

// statusOf 錯誤碼對應的 HTTP 狀態碼
func statusOf(err error) int {
	switch {
	case apperrors.IsInvalidInput(err):
		return http.StatusBadRequest
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case apperrors.IsRateLimited(err):
		return http.StatusTooManyRequests
	case apperrors.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// loggerMiddleware 日誌中間件
//
// 沿用客戶端帶來的 X-Request-ID，沒有則產生一個，並回寫到響應標頭。
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := logger.WithRequestID(r.Context(), requestID)

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r.WithContext(ctx))

		h.logger.DebugContext(ctx, "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, apperrors.New(apperrors.ErrCodeInternal, "internal server error"))
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
