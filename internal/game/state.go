package game

import (
	"fmt"
	"math/rand/v2"
)

// Status 房間狀態
//
// 狀態機：playing → finished（終態）
//
// 房間只在兩名玩家配對成功時建立，所以沒有 waiting 狀態；
// 也不存在暫停。
type Status string

const (
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

// State 單場比賽的權威狀態
//
// Paddles 與 Scores 以 Side 為索引，左右分配在建立時固定、之後不再改變。
// 對外序列化時才轉換成以連接 ID 為鍵的 map。
type State struct {
	Ball         Ball
	Paddles      [2]Paddle
	Scores       [2]int
	Status       Status
	Message      string // 空字串代表 null（訊息只存在一個 tick）
	Winner       string
	LastScoredBy string
}

// NewState 建立開局狀態：球置中、兩拍置中、比分 0:0
func NewState(leftID, rightID string, rng *rand.Rand) State {
	return State{
		Ball: NewBall(rng),
		Paddles: [2]Paddle{
			NewPaddle(leftID, SideLeft),
			NewPaddle(rightID, SideRight),
		},
		Status: StatusPlaying,
	}
}

// Step 推進一個 tick 的物理
//
// 順序：
//  1. 移動球
//  2. 只檢查球前進方向那一側的球拍（往左只測左拍，往右只測右拍）
//  3. 上下牆反彈 / 左右出界
//  4. 出界時由「另一側」得分，設定訊息並重新發球
//  5. 沒有得分則清除訊息
func (s *State) Step(rng *rand.Rand) (scorer Side, scored bool) {
	Advance(&s.Ball)

	toward := SideRight
	if s.Ball.Dir.X() < 0 {
		toward = SideLeft
	}
	PaddleCollision(&s.Ball, s.Paddles[toward])

	exited, out := WallBounce(&s.Ball)
	if !out {
		s.Message = ""
		return SideLeft, false
	}

	scorer = exited.Opposite()
	s.Scores[scorer]++
	s.LastScoredBy = s.Paddles[scorer].PlayerID
	s.Message = fmt.Sprintf("Player %d scores!", int(scorer)+1)
	ResetBall(&s.Ball, rng)

	return scorer, true
}

// CheckWinner 任一方達到勝利分數時結束比賽
//
// 只會成功一次：狀態已是 finished 時回傳 false。
func (s *State) CheckWinner(winningScore int) (Side, bool) {
	if s.Status != StatusPlaying {
		return SideLeft, false
	}

	for _, side := range []Side{SideLeft, SideRight} {
		if s.Scores[side] >= winningScore {
			s.Status = StatusFinished
			s.Winner = s.Paddles[side].PlayerID
			s.Message = fmt.Sprintf("Player %d wins!", int(side)+1)
			return side, true
		}
	}
	return SideLeft, false
}

// SideOf 查詢連接所在的一側
func (s *State) SideOf(connID string) (Side, bool) {
	for _, side := range []Side{SideLeft, SideRight} {
		if s.Paddles[side].PlayerID == connID {
			return side, true
		}
	}
	return SideLeft, false
}

// BallView 球的序列化格式
type BallView struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
	Speed  float64 `json:"speed"`
}

// PaddleView 球拍的序列化格式
type PaddleView struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Snapshot 完整狀態快照（每個 tick 全量廣播，不做差分）
type Snapshot struct {
	Ball         BallView              `json:"ball"`
	Paddles      map[string]PaddleView `json:"paddles"`
	Scores       map[string]int        `json:"scores"`
	Status       Status                `json:"status"`
	Message      *string               `json:"message"`
	Winner       string                `json:"winner,omitempty"`
	LastScoredBy string                `json:"lastScoredBy,omitempty"`
}

// Snapshot 建立快照（呼叫方需持有房間鎖）
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Ball: BallView{
			X:      s.Ball.Pos.X(),
			Y:      s.Ball.Pos.Y(),
			Radius: s.Ball.Radius,
			DX:     s.Ball.Dir.X(),
			DY:     s.Ball.Dir.Y(),
			Speed:  s.Ball.Speed,
		},
		Paddles:      make(map[string]PaddleView, 2),
		Scores:       make(map[string]int, 2),
		Status:       s.Status,
		Winner:       s.Winner,
		LastScoredBy: s.LastScoredBy,
	}

	for _, side := range []Side{SideLeft, SideRight} {
		p := s.Paddles[side]
		snap.Paddles[p.PlayerID] = PaddleView{X: p.X, Y: p.Y, Width: p.Width, Height: p.Height}
		snap.Scores[p.PlayerID] = s.Scores[side]
	}

	if s.Message != "" {
		msg := s.Message
		snap.Message = &msg
	}

	return snap
}
