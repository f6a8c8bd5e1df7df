package game

import "time"

// Update 在房間鎖內直接修改狀態，例如把比分推到賽點
func (r *Room) Update(fn func(*State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
}

// Cleanup 立即執行一次已結束房間的清理
func (e *Engine) Cleanup() int {
	return e.cleanup(time.Now())
}
