package game

import "time"

// 邊界事件名稱（與客戶端的協議契約）
const (
	// 客戶端 → 服務器
	EventJoinRequest = "join-request"
	EventPlayerInput = "player-input"

	// 服務器 → 客戶端
	EventWaiting              = "waiting"
	EventRoomJoined           = "room-joined"
	EventGameStart            = "game-start"
	EventGameUpdate           = "game-update"
	EventGameOver             = "game-over"
	EventOpponentDisconnected = "opponent-disconnected"
	EventError                = "error"
)

// 按鍵動作
const (
	ActionPress   = "press"
	ActionRelease = "release"
)

// Notifier 把事件送到指定連接
//
// 實作必須是非阻塞的：引擎會在持有房間鎖或註冊表鎖時呼叫它。
type Notifier interface {
	Notify(connID, event string, payload any)
}

// MessagePayload waiting / opponent-disconnected / error 的內容
type MessagePayload struct {
	Message string `json:"message"`
}

// RoomJoinedPayload 配對成功（或重新同步）時送給玩家
type RoomJoinedPayload struct {
	RoomID       string   `json:"roomId"`
	YourID       string   `json:"yourId"`
	IsPlayerOne  bool     `json:"isPlayerOne"`
	InitialState Snapshot `json:"initialState"`
	Message      string   `json:"message"`
}

// GameUpdatePayload 每個 tick 的狀態廣播
type GameUpdatePayload struct {
	GameState Snapshot `json:"gameState"`
}

// InputPayload player-input 的內容
type InputPayload struct {
	RoomID string `json:"roomId"`
	Key    string `json:"key"`
	Action string `json:"action"`
}

// 比賽生命週期事件類型
const (
	MatchStarted  = "started"
	MatchFinished = "finished"
	MatchAborted  = "aborted"
)

// MatchEvent 比賽生命週期事件（對外發布用）
type MatchEvent struct {
	Type    string         `json:"type"`
	RoomID  string         `json:"room_id"`
	Players [2]string      `json:"players"` // [左, 右]
	Scores  map[string]int `json:"scores,omitempty"`
	Winner  string         `json:"winner,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	At      time.Time      `json:"at"`
}

// Publisher 發布比賽生命週期事件
//
// 發布失敗只記錄日誌，不影響比賽。
type Publisher interface {
	Publish(event MatchEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(MatchEvent) error { return nil }
