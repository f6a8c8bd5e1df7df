// Package config 載入服務器配置
//
// 優先順序（後者覆蓋前者）：預設值 → YAML 檔案 → 環境變數 → 命令列參數（由 main 套用）。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/koopa0/system-design/pong-server/pkg/errors"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		InstanceID      int64         `yaml:"instance_id"` // snowflake instance，多實例部署時需不同
	} `yaml:"server"`

	Game struct {
		TickRate        int           `yaml:"tick_rate"`
		WinningScore    int           `yaml:"winning_score"`
		FinishedRoomTTL time.Duration `yaml:"finished_room_ttl"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
	} `yaml:"game"`

	WebSocket struct {
		MaxMessageSize int64         `yaml:"max_message_size"`
		SendBuffer     int           `yaml:"send_buffer"`
		PongWait       time.Duration `yaml:"pong_wait"`
		WriteWait      time.Duration `yaml:"write_wait"`
	} `yaml:"websocket"`

	// Limiter 新連接的准入限流（每個 IP）
	Limiter struct {
		Enabled  bool    `yaml:"enabled"`
		Backend  string  `yaml:"backend"` // local / redis
		Capacity int64   `yaml:"capacity"`
		Rate     float64 `yaml:"rate"` // 每秒補充的 token
	} `yaml:"limiter"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	// NATS 比賽事件發布，URL 為空時停用
	NATS struct {
		URL           string        `yaml:"url"`
		SubjectPrefix string        `yaml:"subject_prefix"`
		ReconnectWait time.Duration `yaml:"reconnect_wait"`
	} `yaml:"nats"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// Default 預設配置
func Default() *Config {
	var c Config

	c.Server.Port = 8080
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second
	c.Server.InstanceID = 1

	c.Game.TickRate = 60
	c.Game.WinningScore = 5
	c.Game.FinishedRoomTTL = 30 * time.Second
	c.Game.CleanupInterval = 5 * time.Second

	c.WebSocket.MaxMessageSize = 512
	c.WebSocket.SendBuffer = 256
	c.WebSocket.PongWait = 60 * time.Second
	c.WebSocket.WriteWait = 10 * time.Second

	c.Limiter.Enabled = true
	c.Limiter.Backend = "local"
	c.Limiter.Capacity = 10
	c.Limiter.Rate = 1

	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 10
	c.Redis.DialTimeout = 5 * time.Second
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second

	c.NATS.SubjectPrefix = "pong.match"
	c.NATS.ReconnectWait = 2 * time.Second

	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Log.Output = "stdout"

	return &c
}

// Load 載入配置
//
// path 為空時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - 路徑來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "parse config")
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（容器部署常用）
func (c *Config) applyEnv() error {
	if v := os.Getenv("PONG_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid PONG_PORT")
		}
		c.Server.Port = port
	}
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	return nil
}

// maxTickRate 與 game.MaxTickRate 一致，超過時 tick 間隔會小於 1ms
const maxTickRate = 1000

// Validate 檢查配置
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.InstanceID < 0 || c.Server.InstanceID > 1023 {
		return invalid("server.instance_id must be between 0 and 1023: %d", c.Server.InstanceID)
	}
	if c.Game.TickRate <= 0 || c.Game.TickRate > maxTickRate {
		return invalid("game.tick_rate must be between 1 and %d: %d", maxTickRate, c.Game.TickRate)
	}
	if c.Game.WinningScore <= 0 {
		return invalid("game.winning_score must be positive: %d", c.Game.WinningScore)
	}
	if c.Game.FinishedRoomTTL <= 0 {
		return invalid("game.finished_room_ttl must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return invalid("websocket.send_buffer must be positive")
	}
	if c.Limiter.Enabled {
		switch c.Limiter.Backend {
		case "local", "redis":
		default:
			return invalid("limiter.backend must be local or redis: %q", c.Limiter.Backend)
		}
		if c.Limiter.Capacity <= 0 || c.Limiter.Rate <= 0 {
			return invalid("limiter.capacity and limiter.rate must be positive")
		}
	}
	return nil
}

// NeedsRedis 是否需要連接 Redis
func (c *Config) NeedsRedis() bool {
	return c.Limiter.Enabled && c.Limiter.Backend == "redis"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
