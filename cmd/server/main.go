package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/pong-server/internal/config"
	"github.com/koopa0/system-design/pong-server/internal/events"
	"github.com/koopa0/system-design/pong-server/internal/game"
	"github.com/koopa0/system-design/pong-server/internal/gateway"
	"github.com/koopa0/system-design/pong-server/internal/limiter"
	"github.com/koopa0/system-design/pong-server/pkg/logger"
	"github.com/koopa0/system-design/pong-server/pkg/snowflake"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pong-server:", err)
		os.Exit(1)
	}
}

func run() error {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置檔路徑 (YAML)")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置檔）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// 設置日誌
	log, logCloser, err := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	ids, err := snowflake.New(cfg.Server.InstanceID)
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 比賽事件發布（未設定 NATS 時不發布）
	var publisher game.Publisher = events.Nop{}
	var natsPub *events.NATSPublisher
	if cfg.NATS.URL != "" {
		natsPub, err = events.NewNATSPublisher(events.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Name:          fmt.Sprintf("pong-server-%d", cfg.Server.InstanceID),
		}, log)
		if err != nil {
			return err
		}
		defer natsPub.Close()
		publisher = natsPub
	}

	// 連接准入限流
	var (
		admission   limiter.Limiter
		redisClient *redis.Client
	)
	if cfg.Limiter.Enabled {
		admission, redisClient, err = setupLimiter(ctx, cfg, log)
		if err != nil {
			return err
		}
		if redisClient != nil {
			defer redisClient.Close()
		}
	}

	// 組裝服務
	hub := gateway.NewHub(gateway.HubConfig{
		SendBuffer:     cfg.WebSocket.SendBuffer,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		PongWait:       cfg.WebSocket.PongWait,
		WriteWait:      cfg.WebSocket.WriteWait,
	}, log)

	engine := game.NewEngine(game.Options{
		TickRate:        cfg.Game.TickRate,
		WinningScore:    cfg.Game.WinningScore,
		FinishedRoomTTL: cfg.Game.FinishedRoomTTL,
		CleanupInterval: cfg.Game.CleanupInterval,
	}, ids, hub, publisher, log)

	handler := gateway.NewHandler(engine, hub, admission, log)
	if redisClient != nil {
		handler.AddCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	if natsPub != nil {
		handler.AddCheck("nats", func(context.Context) error {
			if !natsPub.Connected() {
				return errors.New("disconnected")
			}
			return nil
		})
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// 啟動服務器
	serverErr := make(chan error, 1)
	go func() {
		log.Info("Pong 服務器啟動",
			"port", cfg.Server.Port,
			"tick_rate", cfg.Game.TickRate,
			"winning_score", cfg.Game.WinningScore,
			"limiter", limiterName(cfg),
			"nats", cfg.NATS.URL != "")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 等待中斷信號
	select {
	case <-ctx.Done():
		log.Info("收到關閉信號，開始優雅關閉...")
	case err := <-serverErr:
		log.Error("服務器啟動失敗", "error", err)
		engine.Stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	// 關閉所有 WebSocket（各連接會通知引擎斷線），再停止所有房間 loop
	hub.Stop()
	engine.Stop()

	log.Info("服務器已關閉")
	return nil
}

// setupLimiter 依配置建立限流器
//
// redis 後端會先 Ping 一次，啟動時就發現配置錯誤。
func setupLimiter(ctx context.Context, cfg *config.Config, log *slog.Logger) (limiter.Limiter, *redis.Client, error) {
	if !cfg.NeedsRedis() {
		local := limiter.NewTokenBucket(cfg.Limiter.Capacity, cfg.Limiter.Rate)
		go local.Run(ctx, time.Minute)
		return local, nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	log.Info("使用 Redis 分散式限流", "addr", cfg.Redis.Addr)
	return limiter.NewRedisTokenBucket(client, "pong:admit:", cfg.Limiter.Capacity, cfg.Limiter.Rate), client, nil
}

func limiterName(cfg *config.Config) string {
	if !cfg.Limiter.Enabled {
		return "disabled"
	}
	return cfg.Limiter.Backend
}
