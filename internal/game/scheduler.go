package game

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Scheduler 每個房間一個 goroutine，以固定間隔推進物理
//
// 每個 tick：
//  1. 房間已不在註冊表中（斷線清理與 tick 競態）→ 取消並退出
//  2. 推進物理（移動、球拍碰撞、牆壁/得分）
//  3. 檢查勝負：結束則停止 loop、廣播最後一次快照與 game-over
//  4. 否則廣播快照給雙方
//
// 單一房間的 panic 只會終止該房間，不影響其他房間與配對。
type Scheduler struct {
	reg          *Registry
	notifier     Notifier
	publisher    Publisher
	logger       *slog.Logger
	interval     time.Duration
	winningScore int

	mu     sync.Mutex
	active map[string]*Room
	wg     sync.WaitGroup
}

// NewScheduler 建立排程器
func NewScheduler(reg *Registry, notifier Notifier, publisher Publisher, logger *slog.Logger, tickRate, winningScore int) *Scheduler {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if winningScore <= 0 {
		winningScore = DefaultWinningScore
	}
	return &Scheduler{
		reg:          reg,
		notifier:     notifier,
		publisher:    publisher,
		logger:       logger,
		interval:     TickInterval(tickRate),
		winningScore: winningScore,
		active:       make(map[string]*Room),
	}
}

// Start 啟動房間 loop
func (s *Scheduler) Start(room *Room) {
	s.mu.Lock()
	s.active[room.ID] = room
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(room)
}

// Active 運行中的 loop 數量
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// StopAll 停止所有 loop 並等待結束
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	rooms := make([]*Room, 0, len(s.active))
	for _, room := range s.active {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()

	for _, room := range rooms {
		room.Stop()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(room *Room) {
	defer s.wg.Done()
	defer s.deactivate(room)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("房間 loop panic",
				"room_id", room.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			s.abort(room, "internal_error")
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-room.Done():
			return
		case <-ticker.C:
			if done := s.tick(room); done {
				return
			}
		}
	}
}

// tick 執行一個 tick，回傳 loop 是否應該結束
func (s *Scheduler) tick(room *Room) bool {
	if !s.reg.Contains(room) {
		room.Stop()
		return true
	}

	result, finished := s.step(room)
	if finished {
		s.publish(MatchEvent{
			Type:    MatchFinished,
			RoomID:  room.ID,
			Players: room.Players(),
			Scores:  result.Scores,
			Winner:  result.Winner,
			At:      time.Now(),
		})
		s.logger.Info("比賽結束",
			"room_id", room.ID,
			"winner", result.Winner,
			"scores", result.Scores)
		return true
	}
	return room.ctx.Err() != nil
}

// step 在房間鎖內推進物理並廣播
//
// 廣播也在鎖內進行：斷線路徑取得鎖並停止房間之後，
// 不可能再有任何 game-update 送出。
func (s *Scheduler) step(room *Room) (Snapshot, bool) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return Snapshot{}, false
	}

	st := &room.state
	st.Step(room.rng)

	if _, won := st.CheckWinner(s.winningScore); won {
		room.finishedAt = time.Now()
		room.stopLocked()

		snap := st.Snapshot()
		s.broadcast(room, EventGameUpdate, GameUpdatePayload{GameState: snap})
		s.broadcast(room, EventGameOver, snap)
		return snap, true
	}

	s.broadcast(room, EventGameUpdate, GameUpdatePayload{GameState: st.Snapshot()})
	return Snapshot{}, false
}

// abort 內部錯誤時拆除房間
func (s *Scheduler) abort(room *Room, reason string) {
	s.reg.Remove(room)
	if wasPlaying := room.Stop(); !wasPlaying {
		return
	}

	msg := MessagePayload{Message: "Match aborted due to a server error"}
	for _, connID := range room.Players() {
		s.notifier.Notify(connID, EventError, msg)
	}

	s.publish(MatchEvent{
		Type:    MatchAborted,
		RoomID:  room.ID,
		Players: room.Players(),
		Reason:  reason,
		At:      time.Now(),
	})
}

func (s *Scheduler) broadcast(room *Room, event string, payload any) {
	s.notifier.Notify(room.Left, event, payload)
	s.notifier.Notify(room.Right, event, payload)
}

func (s *Scheduler) publish(event MatchEvent) {
	if err := s.publisher.Publish(event); err != nil {
		s.logger.Warn("發布比賽事件失敗",
			"room_id", event.RoomID,
			"type", event.Type,
			"error", err)
	}
}

func (s *Scheduler) deactivate(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[room.ID] == room {
		delete(s.active, room.ID)
	}
}
