package game

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Room 一場進行中（或剛結束）的雙人比賽
//
// 並發模型：
//
//	只有兩個生產者會修改 state：房間自己的 tick goroutine（物理）與輸入事件（球拍）。
//	兩者都必須持有 mu，因此同一房間的修改永遠不會交錯。
//
// 生命週期：
//
//	建立時即為 playing（只有配對成功才會建立房間）
//	playing → finished：tick 判定勝負，loop 自行結束
//	playing → 移除：任一玩家斷線，loop 被取消
//
// Stop 可以重複呼叫，取消只會真正發生一次。
type Room struct {
	ID        string
	Left      string // 左側 / Player 1（先等待的連接）
	Right     string // 右側 / Player 2
	CreatedAt time.Time

	mu         sync.Mutex
	state      State
	rng        *rand.Rand
	finishedAt time.Time
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newRoom(id, left, right string, rng *rand.Rand) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		ID:        id,
		Left:      left,
		Right:     right,
		CreatedAt: time.Now(),
		state:     NewState(left, right, rng),
		rng:       rng,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Players 回傳 [左, 右]
func (r *Room) Players() [2]string {
	return [2]string{r.Left, r.Right}
}

// IsPlayer 檢查連接是否為此房間的玩家
func (r *Room) IsPlayer(connID string) bool {
	return connID == r.Left || connID == r.Right
}

// Opponent 回傳對手的連接 ID
func (r *Room) Opponent(connID string) (string, bool) {
	switch connID {
	case r.Left:
		return r.Right, true
	case r.Right:
		return r.Left, true
	}
	return "", false
}

// Status 目前狀態
func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Status
}

// Snapshot 目前狀態的快照
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Snapshot()
}

// Done 房間 loop 被取消時關閉
func (r *Room) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Stop 取消房間 loop
//
// 回傳呼叫當下比賽是否仍在進行（用來決定是否通知對手）。
// 重複呼叫安全，只有第一次可能回傳 true。
func (r *Room) Stop() (wasPlaying bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wasPlaying = !r.closed && r.state.Status == StatusPlaying
	r.stopLocked()
	return wasPlaying
}

// stopLocked 呼叫方需持有 mu
func (r *Room) stopLocked() {
	if r.closed {
		return
	}
	r.closed = true
	r.cancel()
}

// finishedFor 比賽結束了多久（未結束回傳 false）
func (r *Room) finishedFor(now time.Time) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status != StatusFinished || r.finishedAt.IsZero() {
		return 0, false
	}
	return now.Sub(r.finishedAt), true
}

// ApplyInput 套用一次按鍵
//
// 以下情況靜默忽略（視為過期或競態的客戶端狀態，不是錯誤）：
//   - 不是 press（release 不帶任何狀態，移動是逐次的）
//   - 房間不是 playing 或已停止
//   - 連接不是此房間的玩家
//   - 按鍵不屬於該玩家的角色
//
// 回傳指令是否被接受（夾限後位置不變也算接受）。
func (r *Room) ApplyInput(connID, key, action string) bool {
	if action != ActionPress {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.state.Status != StatusPlaying {
		return false
	}

	side, ok := r.state.SideOf(connID)
	if !ok {
		return false
	}

	delta, ok := keyDelta(side, key)
	if !ok {
		return false
	}

	r.state.Paddles[side].Move(delta)
	return true
}

// keyDelta 角色專屬的按鍵對應，上為負、下為正
func keyDelta(side Side, key string) (float64, bool) {
	up, down := KeyLeftUp, KeyLeftDown
	if side == SideRight {
		up, down = KeyRightUp, KeyRightDown
	}

	switch key {
	case up:
		return -PaddleSpeed, true
	case down:
		return PaddleSpeed, true
	}
	return 0, false
}

// RoomInfo 房間摘要（列表 API 用）
type RoomInfo struct {
	ID        string         `json:"room_id"`
	Players   [2]string      `json:"players"`
	Status    Status         `json:"status"`
	Scores    map[string]int `json:"scores"`
	Winner    string         `json:"winner,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Info 房間摘要
func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RoomInfo{
		ID:      r.ID,
		Players: r.Players(),
		Status:  r.state.Status,
		Scores: map[string]int{
			r.Left:  r.state.Scores[SideLeft],
			r.Right: r.state.Scores[SideRight],
		},
		Winner:    r.state.Winner,
		CreatedAt: r.CreatedAt,
	}
}
