package game

import "time"

// 遊戲常數（客戶端與服務器共用的唯一來源）
//
// 數值來自前端共用型別定義，任何修改都必須同步到客戶端，
// 否則客戶端的渲染位置會與服務器的權威狀態不一致。
const (
	GameWidth  = 800.0
	GameHeight = 600.0

	PaddleWidth   = 15.0
	PaddleHeight  = 100.0
	PaddleSpeed   = 10.0 // 每次按鍵移動的距離
	PaddleOffsetX = 30.0 // 球拍與左右牆的距離

	BallRadius       = 8.0
	InitialBallSpeed = 5.0

	DefaultWinningScore = 5
	DefaultTickRate     = 60 // Hz
	MaxTickRate         = 1000

	// MaxBounceFactor 擊球後垂直分量的最大值
	//
	// 大於 1 是刻意保留的行為：擊中球拍邊緣時垂直速度會比水平速度快。
	MaxBounceFactor = 1.5

	// 發球角度範圍（垂直分量絕對值）
	ServeSlopeMax = 0.5
	ServeSlopeMin = 0.2
)

// 按鍵對應（依角色區分，兩組互不重疊）
const (
	KeyLeftUp    = "w"
	KeyLeftDown  = "s"
	KeyRightUp   = "ArrowUp"
	KeyRightDown = "ArrowDown"
)

// TickInterval 根據 tick rate 計算間隔，超過 MaxTickRate 時以上限計
func TickInterval(rate int) time.Duration {
	if rate <= 0 {
		rate = DefaultTickRate
	}
	if rate > MaxTickRate {
		rate = MaxTickRate
	}
	return time.Second / time.Duration(rate)
}

// ConstantsView 對外公開的常數集合
type ConstantsView struct {
	GameWidth        float64 `json:"gameWidth"`
	GameHeight       float64 `json:"gameHeight"`
	PaddleWidth      float64 `json:"paddleWidth"`
	PaddleHeight     float64 `json:"paddleHeight"`
	PaddleSpeed      float64 `json:"paddleSpeed"`
	PaddleOffsetX    float64 `json:"paddleOffsetX"`
	BallRadius       float64 `json:"ballRadius"`
	InitialBallSpeed float64 `json:"initialBallSpeed"`
	WinningScore     int     `json:"winningScore"`
	TickRate         int     `json:"tickRate"`
}

// Constants 回傳客戶端需要的常數，winningScore 與 tickRate 以實際運行值為準
func Constants(winningScore, tickRate int) ConstantsView {
	return ConstantsView{
		GameWidth:        GameWidth,
		GameHeight:       GameHeight,
		PaddleWidth:      PaddleWidth,
		PaddleHeight:     PaddleHeight,
		PaddleSpeed:      PaddleSpeed,
		PaddleOffsetX:    PaddleOffsetX,
		BallRadius:       BallRadius,
		InitialBallSpeed: InitialBallSpeed,
		WinningScore:     winningScore,
		TickRate:         tickRate,
	}
}
