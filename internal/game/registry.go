package game

import (
	"sort"
	"sync"
)

// Registry 進程內的跨房間共享狀態
//
// 包含：所有存活房間、連接 → 房間的綁定、唯一的等待位。
// 三者由同一把鎖保護，由 Engine 擁有並以指標傳給 Matchmaker 與 Scheduler，
// 不使用任何全域變數。
//
// 鎖順序（避免死鎖）：
//
//	Registry.mu → Room.mu → Notifier
//
// 持有 Room.mu 時不可再取 Registry.mu。
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*Room  // roomID -> Room
	sessions map[string]string // connID -> roomID
	waiting  string            // 空字串代表沒有等待中的連接
}

// NewRegistry 建立空的註冊表
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		sessions: make(map[string]string),
	}
}

// Room 依 ID 查詢房間
func (g *Registry) Room(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[roomID]
	return room, ok
}

// RoomOf 查詢連接所在的房間
func (g *Registry) RoomOf(connID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.roomOfLocked(connID)
}

// Contains 房間是否仍在存活集合中（比對指標，同 ID 的新房間不算）
func (g *Registry) Contains(room *Room) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[room.ID] == room
}

// Waiting 目前等待中的連接
func (g *Registry) Waiting() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting, g.waiting != ""
}

// Len 存活房間數量
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Rooms 所有存活房間，依建立時間排序
func (g *Registry) Rooms() []*Room {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms
}

func (g *Registry) roomOfLocked(connID string) (*Room, bool) {
	roomID, ok := g.sessions[connID]
	if !ok {
		return nil, false
	}
	room, ok := g.rooms[roomID]
	return room, ok
}

func (g *Registry) addLocked(room *Room) {
	g.rooms[room.ID] = room
	g.sessions[room.Left] = room.ID
	g.sessions[room.Right] = room.ID
}

// removeLocked 移除房間與其玩家綁定
//
// 只有當註冊表中的房間正是傳入的那一個時才移除；
// 玩家若已綁定到別的房間，保留該綁定。
func (g *Registry) removeLocked(room *Room) bool {
	if g.rooms[room.ID] != room {
		return false
	}
	delete(g.rooms, room.ID)
	for _, connID := range room.Players() {
		if g.sessions[connID] == room.ID {
			delete(g.sessions, connID)
		}
	}
	return true
}

// Remove 移除房間
func (g *Registry) Remove(room *Room) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeLocked(room)
}
