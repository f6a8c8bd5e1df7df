package game

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Options 引擎參數
type Options struct {
	TickRate     int // Hz
	WinningScore int

	// FinishedRoomTTL 已結束房間保留多久（讓客戶端看完結果），之後由清理 goroutine 移除
	FinishedRoomTTL time.Duration
	CleanupInterval time.Duration

	// Seed 非 0 時使用固定種子（測試可重現）
	Seed uint64
}

// DefaultOptions 預設參數
func DefaultOptions() Options {
	return Options{
		TickRate:        DefaultTickRate,
		WinningScore:    DefaultWinningScore,
		FinishedRoomTTL: 30 * time.Second,
		CleanupInterval: 5 * time.Second,
	}
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.TickRate <= 0 {
		o.TickRate = d.TickRate
	}
	if o.TickRate > MaxTickRate {
		o.TickRate = MaxTickRate
	}
	if o.WinningScore <= 0 {
		o.WinningScore = d.WinningScore
	}
	if o.FinishedRoomTTL <= 0 {
		o.FinishedRoomTTL = d.FinishedRoomTTL
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = d.CleanupInterval
	}
}

// Engine 對外的門面：傳輸層只需要 Join / Input / Disconnect
type Engine struct {
	opts       Options
	reg        *Registry
	matchmaker *Matchmaker
	scheduler  *Scheduler
	notifier   Notifier
	publisher  Publisher
	logger     *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine 建立引擎並啟動已結束房間的清理 goroutine
func NewEngine(opts Options, ids IDGenerator, notifier Notifier, publisher Publisher, logger *slog.Logger) *Engine {
	opts.normalize()
	if publisher == nil {
		publisher = nopPublisher{}
	}

	seed1, seed2 := opts.Seed, opts.Seed^0x9e3779b97f4a7c15
	if opts.Seed == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}

	reg := NewRegistry()
	scheduler := NewScheduler(reg, notifier, publisher, logger, opts.TickRate, opts.WinningScore)

	e := &Engine{
		opts:       opts,
		reg:        reg,
		scheduler:  scheduler,
		matchmaker: NewMatchmaker(reg, scheduler, ids, notifier, publisher, logger, rand.New(rand.NewPCG(seed1, seed2))),
		notifier:   notifier,
		publisher:  publisher,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}

	e.wg.Add(1)
	go e.cleanupLoop()

	return e
}

// Join 處理 join-request
func (e *Engine) Join(connID string) error {
	return e.matchmaker.RequestJoin(connID)
}

// Input 處理 player-input
//
// 房間不存在、已結束、非玩家、角色不符的按鍵都靜默忽略。
func (e *Engine) Input(connID string, in InputPayload) bool {
	room, ok := e.reg.Room(in.RoomID)
	if !ok {
		return false
	}
	return room.ApplyInput(connID, in.Key, in.Action)
}

// Disconnect 連接斷開
//
// 清除等待位；若在房間中，立即移除房間與雙方綁定並取消 loop，
// 比賽仍在進行時通知對手。
func (e *Engine) Disconnect(connID string) {
	e.reg.mu.Lock()
	if e.reg.waiting == connID {
		e.reg.waiting = ""
	}

	room, ok := e.reg.roomOfLocked(connID)
	if !ok {
		e.reg.mu.Unlock()
		return
	}
	e.reg.removeLocked(room)

	wasPlaying := room.Stop()
	if wasPlaying {
		if opponent, ok := room.Opponent(connID); ok {
			e.notifier.Notify(opponent, EventOpponentDisconnected, MessagePayload{Message: "Opponent disconnected"})
		}
	}
	e.reg.mu.Unlock()

	e.logger.Info("玩家斷線，房間已移除",
		"room_id", room.ID,
		"conn_id", connID,
		"was_playing", wasPlaying)

	if wasPlaying {
		e.publish(MatchEvent{
			Type:    MatchAborted,
			RoomID:  room.ID,
			Players: room.Players(),
			Reason:  "disconnect",
			At:      time.Now(),
		})
	}
}

// Room 依 ID 查詢房間
func (e *Engine) Room(roomID string) (*Room, bool) {
	return e.reg.Room(roomID)
}

// RoomOf 查詢連接所在的房間
func (e *Engine) RoomOf(connID string) (*Room, bool) {
	return e.reg.RoomOf(connID)
}

// Rooms 所有存活房間的摘要
func (e *Engine) Rooms() []RoomInfo {
	rooms := e.reg.Rooms()
	infos := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.Info())
	}
	return infos
}

// Stats 統計資訊
type Stats struct {
	TotalRooms  int            `json:"total_rooms"`
	ByStatus    map[Status]int `json:"by_status"`
	Waiting     bool           `json:"waiting"`
	ActiveLoops int            `json:"active_loops"`
}

// Stats 獲取統計資訊
func (e *Engine) Stats() Stats {
	rooms := e.reg.Rooms()
	byStatus := make(map[Status]int)
	for _, room := range rooms {
		byStatus[room.Status()]++
	}
	_, waiting := e.reg.Waiting()

	return Stats{
		TotalRooms:  len(rooms),
		ByStatus:    byStatus,
		Waiting:     waiting,
		ActiveLoops: e.scheduler.Active(),
	}
}

// Constants 客戶端共用的常數（依實際運行值）
func (e *Engine) Constants() ConstantsView {
	return Constants(e.opts.WinningScore, e.opts.TickRate)
}

// cleanupLoop 定期移除已結束的房間
func (e *Engine) cleanupLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.cleanup(time.Now())
		case <-e.stopCh:
			return
		}
	}
}

// cleanup 移除結束超過 FinishedRoomTTL 的房間，回傳移除數量
func (e *Engine) cleanup(now time.Time) int {
	var expired []*Room
	for _, room := range e.reg.Rooms() {
		if age, ok := room.finishedFor(now); ok && age >= e.opts.FinishedRoomTTL {
			expired = append(expired, room)
		}
	}

	removed := 0
	for _, room := range expired {
		if e.reg.Remove(room) {
			removed++
			e.logger.Info("已結束房間清理", "room_id", room.ID)
		}
	}
	return removed
}

// Stop 停止清理 goroutine 與所有房間 loop
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		e.scheduler.StopAll()
		e.logger.Info("遊戲引擎已停止")
	})
}

func (e *Engine) publish(event MatchEvent) {
	if err := e.publisher.Publish(event); err != nil {
		e.logger.Warn("發布比賽事件失敗",
			"room_id", event.RoomID,
			"type", event.Type,
			"error", err)
	}
}
