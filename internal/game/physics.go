package game

import (
	"math"
	"math/rand/v2"

	"github.com/go-gl/mathgl/mgl64"
)

// 物理核心
//
// 所有函數都是純函數（只修改傳入的球），不持有任何狀態，
// 呼叫方負責加鎖。
//
// 已知限制：
//   碰撞在每個 tick 的離散位置上判斷，沒有連續（swept）碰撞檢測。
//   以 60Hz、速度 5 的設定，球每 tick 移動 5~8 像素，小於球拍寬度 15，
//   實務上不會穿透；若提高速度需要重新評估。

// Side 場地左右兩側
type Side int

const (
	SideLeft Side = iota
	SideRight
)

// Opposite 回傳對側
func (s Side) Opposite() Side {
	if s == SideLeft {
		return SideRight
	}
	return SideLeft
}

func (s Side) String() string {
	if s == SideLeft {
		return "left"
	}
	return "right"
}

// Ball 球
//
// Dir 是方向分量，不一定是單位向量：
// 水平分量固定為 ±1，垂直分量在擊球後可達 MaxBounceFactor。
type Ball struct {
	Pos    mgl64.Vec2
	Dir    mgl64.Vec2
	Radius float64
	Speed  float64
}

// Paddle 球拍
type Paddle struct {
	PlayerID string
	X        float64 // 依側固定
	Y        float64 // 上緣，範圍 [0, GameHeight-Height]
	Width    float64
	Height   float64
}

// CenterY 球拍中心的 y 座標
func (p Paddle) CenterY() float64 {
	return p.Y + p.Height/2
}

// Move 移動球拍並夾限在合法範圍內
func (p *Paddle) Move(delta float64) {
	p.Y = clamp(p.Y+delta, 0, GameHeight-p.Height)
}

// NewPaddle 建立置中的球拍
func NewPaddle(playerID string, side Side) Paddle {
	x := PaddleOffsetX
	if side == SideRight {
		x = GameWidth - PaddleOffsetX - PaddleWidth
	}
	return Paddle{
		PlayerID: playerID,
		X:        x,
		Y:        (GameHeight - PaddleHeight) / 2,
		Width:    PaddleWidth,
		Height:   PaddleHeight,
	}
}

// NewBall 建立置中的球並隨機發球
func NewBall(rng *rand.Rand) Ball {
	var b Ball
	ResetBall(&b, rng)
	return b
}

// Advance 依方向與速度移動球，不做任何夾限
func Advance(b *Ball) {
	b.Pos = b.Pos.Add(b.Dir.Mul(b.Speed))
}

// WallBounce 處理上下牆反彈與左右出界
//
// 上下牆：夾回邊界並反轉垂直方向（完全彈性）。
// 左右牆：球的前緣越過邊界即視為得分，回傳球離開的那一側；
// 不夾限位置，呼叫方會接著重置球。
func WallBounce(b *Ball) (exited Side, scored bool) {
	r := b.Radius

	if b.Pos.Y()-r <= 0 {
		b.Pos[1] = r
		b.Dir[1] = math.Abs(b.Dir[1])
	} else if b.Pos.Y()+r >= GameHeight {
		b.Pos[1] = GameHeight - r
		b.Dir[1] = -math.Abs(b.Dir[1])
	}

	if b.Pos.X()-r <= 0 {
		return SideLeft, true
	}
	if b.Pos.X()+r >= GameWidth {
		return SideRight, true
	}
	return SideLeft, false
}

// PaddleCollision 球與球拍的 AABB 碰撞
//
// 命中時：
//  1. 反轉水平方向
//  2. 依擊球點相對球拍中心的偏移重新計算垂直方向
//     dy = clamp((ball.y - center) / (height/2), -1, 1) * MaxBounceFactor
//  3. 把球貼齊球拍外緣，避免下一個 tick 再次判定碰撞（黏拍）
//
// 球速不變。
func PaddleCollision(b *Ball, p Paddle) bool {
	if !overlaps(b, p) {
		return false
	}

	b.Dir[0] = -b.Dir[0]

	offset := (b.Pos.Y() - p.CenterY()) / (p.Height / 2)
	b.Dir[1] = clamp(offset, -1, 1) * MaxBounceFactor

	if b.Dir.X() > 0 {
		b.Pos[0] = p.X + p.Width + b.Radius
	} else {
		b.Pos[0] = p.X - b.Radius
	}
	return true
}

// ResetBall 得分後重置球
//
// 垂直分量以拒絕採樣產生，保證 |dy| >= ServeSlopeMin，
// 避免出現完全水平、永遠打不到上下牆的回合。
func ResetBall(b *Ball, rng *rand.Rand) {
	b.Pos = mgl64.Vec2{GameWidth / 2, GameHeight / 2}
	b.Radius = BallRadius
	b.Speed = InitialBallSpeed
	b.Dir = serve(rng)
}

// serve 產生發球方向
func serve(rng *rand.Rand) mgl64.Vec2 {
	dx := 1.0
	if rng.IntN(2) == 0 {
		dx = -1.0
	}

	dy := 0.0
	for math.Abs(dy) < ServeSlopeMin {
		dy = (rng.Float64()*2 - 1) * ServeSlopeMax
	}

	return mgl64.Vec2{dx, dy}
}

// overlaps 球的外接矩形與球拍矩形是否重疊
func overlaps(b *Ball, p Paddle) bool {
	r := b.Radius
	return b.Pos.X()+r > p.X &&
		b.Pos.X()-r < p.X+p.Width &&
		b.Pos.Y()+r > p.Y &&
		b.Pos.Y()-r < p.Y+p.Height
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
