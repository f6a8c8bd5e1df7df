// Package game 是服務器權威的雙人 Pong 引擎。
//
// 客戶端只送出按鍵，所有物理、得分與勝負都在服務器上計算，
// 每個 tick 把完整狀態快照廣播給房間內的兩名玩家。
//
// 元件
//
//   - Registry：存活房間、連接綁定與唯一的等待位，由一把鎖保護
//   - Matchmaker：單一等待位配對，先等待者為左側 / Player 1
//   - Scheduler：每個房間一個 goroutine，固定頻率推進物理
//   - Room：單場比賽，房間鎖序列化 tick 與輸入
//   - 物理核心：純函數（移動、牆壁、球拍碰撞、發球）
//   - Engine：傳輸層使用的門面（Join / Input / Disconnect）
//
// 傳輸層透過 Notifier 接收事件，實作必須是非阻塞的。
//
// 使用範例
//
//	ids, _ := snowflake.New(1)
//	engine := game.NewEngine(game.DefaultOptions(), ids, hub, publisher, logger)
//	defer engine.Stop()
//
//	engine.Join(connID)
//	engine.Input(connID, game.InputPayload{RoomID: roomID, Key: "w", Action: "press"})
//	engine.Disconnect(connID)
package game
