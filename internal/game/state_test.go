package game_test

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/pong-server/internal/game"
)

func TestNewState(t *testing.T) {
	s := game.NewState("A", "B", testRand())

	assert.Equal(t, game.StatusPlaying, s.Status)
	assert.Equal(t, [2]int{0, 0}, s.Scores)
	assert.Equal(t, "A", s.Paddles[game.SideLeft].PlayerID)
	assert.Equal(t, "B", s.Paddles[game.SideRight].PlayerID)
	assert.Equal(t, mgl64.Vec2{400, 300}, s.Ball.Pos)
}

// TestStep_LeftExitScoresRight 球在左邊界（x=0）時右側得分
func TestStep_LeftExitScoresRight(t *testing.T) {
	rng := testRand()
	s := game.NewState("A", "B", rng)
	s.Ball.Pos = mgl64.Vec2{5, 300}
	s.Ball.Dir = mgl64.Vec2{-1, 0}

	scorer, scored := s.Step(rng)

	require.True(t, scored)
	assert.Equal(t, game.SideRight, scorer)
	assert.Equal(t, [2]int{0, 1}, s.Scores)
	assert.Equal(t, "B", s.LastScoredBy)
	assert.Equal(t, "Player 2 scores!", s.Message)
	assert.Equal(t, mgl64.Vec2{400, 300}, s.Ball.Pos, "ball should be reset")

	// 訊息只存在一個 tick
	_, scored = s.Step(rng)
	require.False(t, scored)
	assert.Empty(t, s.Message)
}

// TestStep_OnlyTestsPaddleInTravelDirection 往右移動的球不會與左拍碰撞
func TestStep_OnlyTestsPaddleInTravelDirection(t *testing.T) {
	rng := testRand()
	s := game.NewState("A", "B", rng)

	// 與左拍重疊但往右移動
	s.Ball.Pos = mgl64.Vec2{35, 300}
	s.Ball.Dir = mgl64.Vec2{1, 0}
	s.Step(rng)
	assert.Equal(t, 1.0, s.Ball.Dir.X())

	// 往左移動進入左拍：反彈
	s.Ball.Pos = mgl64.Vec2{55, 300}
	s.Ball.Dir = mgl64.Vec2{-1, 0}
	s.Step(rng)
	assert.Equal(t, 1.0, s.Ball.Dir.X())
	assert.Equal(t, 53.0, s.Ball.Pos.X())
}

// TestStep_Invariants 隨機按鍵下跑大量 tick：
// 分數不減且每次只有一方 +1、球始終在場內、球拍始終在合法範圍內
func TestStep_Invariants(t *testing.T) {
	rng := testRand()
	input := rand.New(rand.NewPCG(7, 11))
	s := game.NewState("A", "B", rng)

	scoringEvents := 0
	for i := 0; i < 20000; i++ {
		// 每個 tick 雙方各自隨機按上、按下或不動
		for side := range s.Paddles {
			switch input.IntN(3) {
			case 0:
				s.Paddles[side].Move(-game.PaddleSpeed)
			case 1:
				s.Paddles[side].Move(game.PaddleSpeed)
			}
		}

		before := s.Scores
		scorer, scored := s.Step(rng)

		if scored {
			scoringEvents++
			require.Equal(t, before[scorer]+1, s.Scores[scorer], "tick %d", i)
			require.Equal(t, before[scorer.Opposite()], s.Scores[scorer.Opposite()], "tick %d", i)
		} else {
			require.Equal(t, before, s.Scores, "tick %d", i)
		}

		b := s.Ball
		require.GreaterOrEqual(t, b.Pos.X()-b.Radius, 0.0, "tick %d", i)
		require.LessOrEqual(t, b.Pos.X()+b.Radius, game.GameWidth, "tick %d", i)
		require.GreaterOrEqual(t, b.Pos.Y()-b.Radius, 0.0, "tick %d", i)
		require.LessOrEqual(t, b.Pos.Y()+b.Radius, game.GameHeight, "tick %d", i)

		for _, p := range s.Paddles {
			require.GreaterOrEqual(t, p.Y, 0.0, "tick %d", i)
			require.LessOrEqual(t, p.Y, game.GameHeight-p.Height, "tick %d", i)
		}
	}

	assert.Greater(t, scoringEvents, 0)
	assert.Equal(t, scoringEvents, s.Scores[0]+s.Scores[1])
}

// TestCheckWinner 只在第一次達到勝利分數時結束
func TestCheckWinner(t *testing.T) {
	s := game.NewState("A", "B", testRand())

	s.Scores = [2]int{4, 3}
	_, won := s.CheckWinner(5)
	assert.False(t, won)
	assert.Equal(t, game.StatusPlaying, s.Status)

	s.Scores = [2]int{4, 5}
	side, won := s.CheckWinner(5)
	require.True(t, won)
	assert.Equal(t, game.SideRight, side)
	assert.Equal(t, game.StatusFinished, s.Status)
	assert.Equal(t, "B", s.Winner)
	assert.Equal(t, "Player 2 wins!", s.Message)

	_, won = s.CheckWinner(5)
	assert.False(t, won, "finished state must not fire twice")
}

// TestSnapshot_JSON 快照以連接 ID 為鍵，空訊息序列化為 null
func TestSnapshot_JSON(t *testing.T) {
	s := game.NewState("A", "B", testRand())
	s.Scores = [2]int{2, 1}

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Contains(t, decoded, "message")
	assert.Nil(t, decoded["message"])
	assert.NotContains(t, decoded, "winner")
	assert.Equal(t, "playing", decoded["status"])

	scores := decoded["scores"].(map[string]any)
	assert.Equal(t, 2.0, scores["A"])
	assert.Equal(t, 1.0, scores["B"])

	paddles := decoded["paddles"].(map[string]any)
	require.Len(t, paddles, 2)
	left := paddles["A"].(map[string]any)
	assert.Equal(t, 30.0, left["x"])
	assert.Equal(t, 100.0, left["height"])

	ball := decoded["ball"].(map[string]any)
	for _, key := range []string{"x", "y", "radius", "dx", "dy", "speed"} {
		assert.Contains(t, ball, key)
	}
}
