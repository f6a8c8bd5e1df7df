package game

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	apperrors "github.com/koopa0/system-design/pong-server/pkg/errors"
)

// IDGenerator 產生房間 ID
//
// 只要求在同時存活的房間之間唯一，格式不限。
type IDGenerator interface {
	NextString(prefix string) (string, error)
}

// Matchmaker 單一等待位的配對器
//
// 所有分支都在 Registry.mu 內完成：查詢現有比賽、檢查等待位、
// 建立並註冊房間、通知雙方、啟動 loop。
// 房間 loop 的第一個 tick 需要 Registry.mu，所以一定晚於 room-joined / game-start。
type Matchmaker struct {
	reg       *Registry
	scheduler *Scheduler
	ids       IDGenerator
	notifier  Notifier
	publisher Publisher
	logger    *slog.Logger
	rng       *rand.Rand // 由 Registry.mu 保護，只用來為新房間產生種子
}

// NewMatchmaker 建立配對器
func NewMatchmaker(reg *Registry, scheduler *Scheduler, ids IDGenerator, notifier Notifier, publisher Publisher, logger *slog.Logger, rng *rand.Rand) *Matchmaker {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Matchmaker{
		reg:       reg,
		scheduler: scheduler,
		ids:       ids,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
		rng:       rng,
	}
}

// RequestJoin 處理 join-request
//
//  1. 已在進行中的比賽：回覆 error 並重新送出 room-joined（重新同步），不動等待位
//  2. 有另一個連接在等待：配對，先等待者為左側 / Player 1
//  3. 否則成為（或維持）等待者，回覆 waiting
func (m *Matchmaker) RequestJoin(connID string) error {
	m.reg.mu.Lock()

	if room, ok := m.reg.roomOfLocked(connID); ok && room.Status() == StatusPlaying {
		m.resync(room, connID)
		m.reg.mu.Unlock()
		return nil
	}

	if m.reg.waiting == "" || m.reg.waiting == connID {
		m.reg.waiting = connID
		m.notifier.Notify(connID, EventWaiting, MessagePayload{Message: "Waiting for an opponent..."})
		m.reg.mu.Unlock()

		m.logger.Debug("等待配對", "conn_id", connID)
		return nil
	}

	left, right := m.reg.waiting, connID
	room, err := m.pairLocked(left, right)
	m.reg.mu.Unlock()

	if err != nil {
		m.notifier.Notify(connID, EventError, MessagePayload{Message: "Failed to create a match"})
		return fmt.Errorf("pair %s with %s: %w", left, right, err)
	}

	m.logger.Info("配對成功",
		"room_id", room.ID,
		"left", left,
		"right", right)

	if err := m.publisher.Publish(MatchEvent{
		Type:    MatchStarted,
		RoomID:  room.ID,
		Players: room.Players(),
		At:      room.CreatedAt,
	}); err != nil {
		m.logger.Warn("發布比賽事件失敗", "room_id", room.ID, "error", err)
	}
	return nil
}

// pairLocked 建立房間、註冊、啟動 loop、通知雙方
//
// 呼叫方需持有 Registry.mu。
func (m *Matchmaker) pairLocked(left, right string) (*Room, error) {
	roomID, err := m.ids.NextString("room_")
	if err != nil {
		return nil, fmt.Errorf("generate room id: %w", err)
	}

	rng := rand.New(rand.NewPCG(m.rng.Uint64(), m.rng.Uint64()))
	room := newRoom(roomID, left, right, rng)

	m.reg.waiting = ""
	m.reg.addLocked(room)
	m.scheduler.Start(room)

	snap := room.Snapshot()
	for _, connID := range room.Players() {
		m.notifier.Notify(connID, EventRoomJoined, RoomJoinedPayload{
			RoomID:       room.ID,
			YourID:       connID,
			IsPlayerOne:  connID == left,
			InitialState: snap,
			Message:      "Match found!",
		})
	}
	for _, connID := range room.Players() {
		m.notifier.Notify(connID, EventGameStart, snap)
	}

	return room, nil
}

// resync 重複加入時讓客戶端恢復畫面，比賽不受影響
func (m *Matchmaker) resync(room *Room, connID string) {
	m.notifier.Notify(connID, EventError, MessagePayload{Message: apperrors.ErrAlreadyInMatch.Message})
	m.notifier.Notify(connID, EventRoomJoined, RoomJoinedPayload{
		RoomID:       room.ID,
		YourID:       connID,
		IsPlayerOne:  connID == room.Left,
		InitialState: room.Snapshot(),
		Message:      "Rejoined current match",
	})

	m.logger.Debug("重複加入，重新同步", "room_id", room.ID, "conn_id", connID)
}
