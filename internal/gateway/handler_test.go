package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/koopa0/system-design/pong-server/internal/game"
	"github.com/koopa0/system-design/pong-server/internal/gateway"
	"github.com/koopa0/system-design/pong-server/internal/limiter"
	"github.com/koopa0/system-design/pong-server/pkg/logger"
	"github.com/koopa0/system-design/pong-server/pkg/snowflake"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	srv     *httptest.Server
	handler *gateway.Handler
	hub     *gateway.Hub
	engine  *game.Engine
}

func newTestServer(t *testing.T, admission limiter.Limiter) *testServer {
	t.Helper()
	return newTestServerWithLogger(t, admission, testLogger())
}

func newTestServerWithLogger(t *testing.T, admission limiter.Limiter, log *slog.Logger) *testServer {
	t.Helper()

	ids, err := snowflake.New(1)
	require.NoError(t, err)

	hub := gateway.NewHub(gateway.DefaultHubConfig(), log)
	engine := game.NewEngine(game.Options{Seed: 7, CleanupInterval: time.Hour}, ids, hub, nil, log)
	handler := gateway.NewHandler(engine, hub, admission, log)
	srv := httptest.NewServer(handler.Routes())

	t.Cleanup(func() {
		hub.Stop()
		engine.Stop()
		srv.Close()
	})

	return &testServer{srv: srv, handler: handler, hub: hub, engine: engine}
}

func (ts *testServer) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(""), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// expect 讀取直到收到指定事件（略過其他事件，例如每個 tick 的 game-update）
func expect(t *testing.T, conn *websocket.Conn, event string) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var env envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

// TestWebSocket_MatchFlow 配對 → 開局 → 輸入 → 對手斷線
func TestWebSocket_MatchFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	a := ts.dial(t)
	send(t, a, game.EventJoinRequest, nil)

	var waiting game.MessagePayload
	require.NoError(t, json.Unmarshal(expect(t, a, game.EventWaiting).Data, &waiting))
	assert.Equal(t, "Waiting for an opponent...", waiting.Message)

	b := ts.dial(t)
	send(t, b, game.EventJoinRequest, nil)

	var joinedA, joinedB game.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(expect(t, a, game.EventRoomJoined).Data, &joinedA))
	require.NoError(t, json.Unmarshal(expect(t, b, game.EventRoomJoined).Data, &joinedB))

	assert.Equal(t, joinedA.RoomID, joinedB.RoomID)
	assert.True(t, joinedA.IsPlayerOne)
	assert.False(t, joinedB.IsPlayerOne)
	assert.NotEqual(t, joinedA.YourID, joinedB.YourID)
	assert.Equal(t, "Match found!", joinedA.Message)

	expect(t, a, game.EventGameStart)
	expect(t, b, game.EventGameStart)

	var update game.GameUpdatePayload
	require.NoError(t, json.Unmarshal(expect(t, a, game.EventGameUpdate).Data, &update))
	assert.Equal(t, game.StatusPlaying, update.GameState.Status)
	assert.Contains(t, update.GameState.Paddles, joinedA.YourID)

	// 左方玩家按 w，球拍上移
	send(t, a, game.EventPlayerInput, game.InputPayload{RoomID: joinedA.RoomID, Key: "w", Action: game.ActionPress})
	assert.Eventually(t, func() bool {
		var body struct {
			State game.Snapshot `json:"state"`
		}
		if ts.getJSON(t, "/api/v1/rooms/"+joinedA.RoomID, &body) != http.StatusOK {
			return false
		}
		return body.State.Paddles[joinedA.YourID].Y < (game.GameHeight-game.PaddleHeight)/2
	}, 2*time.Second, 20*time.Millisecond)

	var list struct {
		Total int `json:"total"`
	}
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/v1/rooms?status=playing", &list))
	assert.Equal(t, 1, list.Total)

	// B 斷線，A 收到通知，房間立即移除
	require.NoError(t, b.Close())

	var gone game.MessagePayload
	require.NoError(t, json.Unmarshal(expect(t, a, game.EventOpponentDisconnected).Data, &gone))
	assert.Equal(t, "Opponent disconnected", gone.Message)

	assert.Equal(t, http.StatusNotFound, ts.getJSON(t, "/api/v1/rooms/"+joinedA.RoomID, nil))
}

func TestWebSocket_MalformedMessage(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	var payload game.MessagePayload
	require.NoError(t, json.Unmarshal(expect(t, conn, game.EventError).Data, &payload))
	assert.Contains(t, payload.Message, "malformed message")

	// 連接仍然可用
	send(t, conn, game.EventJoinRequest, nil)
	expect(t, conn, game.EventWaiting)
}

func TestWebSocket_UnknownEvent(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)

	send(t, conn, "spectate", nil)

	var payload game.MessagePayload
	require.NoError(t, json.Unmarshal(expect(t, conn, game.EventError).Data, &payload))
	assert.Equal(t, "unknown event: spectate", payload.Message)
}

func TestWebSocket_Msgpack(t *testing.T) {
	ts := newTestServer(t, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL("codec=msgpack"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	req, err := msgpack.Marshal(map[string]any{"event": game.EventJoinRequest})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, req))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	frameType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, frameType)

	var msg map[string]any
	require.NoError(t, msgpack.Unmarshal(data, &msg))
	assert.Equal(t, game.EventWaiting, msg["event"])
}

func TestWebSocket_UnsupportedCodec(t *testing.T) {
	ts := newTestServer(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL("codec=xml"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_AdmissionLimit(t *testing.T) {
	ts := newTestServer(t, limiter.NewTokenBucket(1, 0.001))

	ts.dial(t)

	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "RATE_LIMITED", body.Error.Code)
}

// failingLimiter 模擬 Redis 不可用
type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

// 限流器出錯時放行
func TestHandler_AdmissionFailOpen(t *testing.T) {
	ts := newTestServer(t, failingLimiter{})
	ts.dial(t)
	ts.dial(t)
}

func TestHandler_Health(t *testing.T) {
	ts := newTestServer(t, nil)

	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/health", &body))
	assert.Equal(t, "healthy", body.Status)

	ts.handler.AddCheck("redis", func(context.Context) error { return nil })
	ts.handler.AddCheck("nats", func(context.Context) error { return errors.New("nats: no servers available") })

	assert.Equal(t, http.StatusServiceUnavailable, ts.getJSON(t, "/health", &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, "ok", body.Dependencies["redis"])
	assert.Equal(t, "nats: no servers available", body.Dependencies["nats"])
}

func TestHandler_Stats(t *testing.T) {
	ts := newTestServer(t, nil)

	conn := ts.dial(t)
	send(t, conn, game.EventJoinRequest, nil)
	expect(t, conn, game.EventWaiting)

	var body struct {
		Game        game.Stats `json:"game"`
		Connections int        `json:"connections"`
	}
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/stats", &body))
	assert.Equal(t, 1, body.Connections)
	assert.True(t, body.Game.Waiting)
	assert.Equal(t, 0, body.Game.TotalRooms)
}

func TestHandler_Constants(t *testing.T) {
	ts := newTestServer(t, nil)

	var body game.ConstantsView
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/v1/constants", &body))
	assert.Equal(t, game.Constants(game.DefaultWinningScore, game.DefaultTickRate), body)
}

func TestHandler_RoomNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Details string `json:"details"`
		} `json:"error"`
	}
	assert.Equal(t, http.StatusNotFound, ts.getJSON(t, "/api/v1/rooms/room_missing", &body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.Equal(t, "room_missing", body.Error.Details)
}

// syncBuffer 併發安全的日誌緩衝
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// records 解析 JSON 日誌，回傳指定訊息的紀錄
func (b *syncBuffer) records(msg string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(b.buf.String(), "\n") {
		var rec map[string]any
		if json.Unmarshal([]byte(line), &rec) == nil && rec["msg"] == msg {
			out = append(out, rec)
		}
	}
	return out
}

// TestLogging_ConnID 連接相關日誌帶有 conn_id
func TestLogging_ConnID(t *testing.T) {
	buf := &syncBuffer{}
	ts := newTestServerWithLogger(t, nil, logger.NewWithWriter(buf, logger.Options{Level: "debug", Format: "json"}))

	conn := ts.dial(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	expect(t, conn, game.EventError)

	recs := buf.records("無效的客戶端訊息")
	require.Len(t, recs, 1)
	connID, _ := recs[0]["conn_id"].(string)
	assert.NotEmpty(t, connID)

	assert.Eventually(t, func() bool {
		established := buf.records("WebSocket 連接建立")
		return len(established) == 1 && established[0]["conn_id"] == connID
	}, time.Second, 10*time.Millisecond)
}

// TestLogging_RequestID HTTP 請求沿用或產生 X-Request-ID
func TestLogging_RequestID(t *testing.T) {
	buf := &syncBuffer{}
	ts := newTestServerWithLogger(t, nil, logger.NewWithWriter(buf, logger.Options{Level: "debug", Format: "json"}))

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))

	assert.Eventually(t, func() bool {
		recs := buf.records("HTTP 請求")
		return len(recs) == 1 && recs[0]["request_id"] == "req-123"
	}, time.Second, 10*time.Millisecond)

	resp, err = http.Get(ts.srv.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
