// Package events 發布比賽生命週期事件
//
// 事件（started / finished / aborted）以 JSON 發布到
// {prefix}.{type}，例如 pong.match.finished，
// 供排行榜、統計等下游服務訂閱。服務器本身不消費這些事件。
//
// 使用 Core NATS（fire-and-forget）而非 JetStream：
// Publish 會在房間 loop 中被呼叫，只寫入客戶端緩衝、不等待 ack，
// 不會拖慢 tick。事件遺失不影響比賽本身。
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/pong-server/internal/game"
	apperrors "github.com/koopa0/system-design/pong-server/pkg/errors"
)

// Config NATS 發布設定
type Config struct {
	URL           string
	SubjectPrefix string
	ReconnectWait time.Duration
	Name          string // 連線名稱，方便在 NATS 監控中辨識
}

// NATSPublisher 以 NATS 發布比賽事件
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS
//
//   - MaxReconnects(-1)：無限重連
//   - PingInterval(20s)：心跳檢測
//
// 斷線期間的 Publish 會進入重連緩衝，恢復後送出。
func NewNATSPublisher(cfg Config, logger *slog.Logger) (*NATSPublisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "pong.match"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, apperrors.ErrNATSUnavailable.WithDetails("connect " + cfg.URL).WithCause(err)
	}

	return &NATSPublisher{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		logger: logger,
	}, nil
}

// Subject 事件類型對應的 subject
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish 發布事件（非阻塞）
func (p *NATSPublisher) Publish(event game.MatchEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal match event: %w", err)
	}

	if err := p.conn.Publish(p.Subject(event.Type), data); err != nil {
		return apperrors.ErrNATSUnavailable.WithDetails("publish " + event.Type).WithCause(err)
	}
	return nil
}

// Connected 連線狀態（健康檢查用）
func (p *NATSPublisher) Connected() bool {
	return p.conn.IsConnected()
}

// Close 送出緩衝中的事件後關閉連線
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

// Nop 不發布任何事件（未設定 NATS 時使用）
type Nop struct{}

func (Nop) Publish(game.MatchEvent) error { return nil }
