// Package snowflake 產生趨勢遞增、全域唯一的 64-bit ID
//
// 服務器用它來命名比賽房間：同一進程內嚴格遞增，
// 不同實例以 instance ID（10 bit）區隔，不需要任何協調。
//
//	1 bit | 41 bit 毫秒時間戳 | 10 bit instance | 12 bit 序列號
package snowflake

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	epoch int64 = 1704067200000 // 2024-01-01 00:00:00 UTC

	instanceBits = 10
	sequenceBits = 12

	MaxInstanceID = (1 << instanceBits) - 1
	maxSequence   = (1 << sequenceBits) - 1

	instanceShift  = sequenceBits
	timestampShift = sequenceBits + instanceBits

	// 時鐘回撥容忍度（毫秒）
	maxBackwardMS = 5000
)

var (
	ErrInvalidInstanceID   = errors.New("instance ID must be between 0 and 1023")
	ErrClockMovedBackwards = errors.New("clock moved backwards too much")
)

// Generator 併發安全的 ID 產生器
type Generator struct {
	mu            sync.Mutex
	instanceID    int64
	sequence      int64
	lastTimestamp int64
	now           func() int64
}

// New 建立產生器
func New(instanceID int64) (*Generator, error) {
	if instanceID < 0 || instanceID > MaxInstanceID {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidInstanceID, instanceID)
	}
	return &Generator{
		instanceID: instanceID,
		now:        func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate 產生下一個 ID
//
// 時鐘小幅回撥（NTP 校正）時沿用上次的時間戳繼續遞增序列號；
// 超過 maxBackwardMS，或回撥期間序列號用完，都立即回傳錯誤，不等待時鐘追上。
// 呼叫方可能持有鎖，Generate 只在正常的毫秒邊界上等待。
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	var offset int64
	if ts < g.lastTimestamp {
		offset = g.lastTimestamp - ts
		if offset > maxBackwardMS {
			return 0, fmt.Errorf("%w: offset=%dms", ErrClockMovedBackwards, offset)
		}
		ts = g.lastTimestamp
	}

	if ts == g.lastTimestamp {
		if offset > 0 && g.sequence == maxSequence {
			return 0, fmt.Errorf("%w: sequence exhausted, offset=%dms", ErrClockMovedBackwards, offset)
		}
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 同一毫秒內序列號用完，等下一毫秒
			for ts <= g.lastTimestamp {
				time.Sleep(10 * time.Microsecond)
				ts = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTimestamp = ts

	return ((ts - epoch) << timestampShift) | (g.instanceID << instanceShift) | g.sequence, nil
}

// NextString 以字串形式回傳下一個 ID（base36，較短）
func (g *Generator) NextString(prefix string) (string, error) {
	id, err := g.Generate()
	if err != nil {
		return "", err
	}
	return prefix + strconv.FormatInt(id, 36), nil
}

// Info 解析後的 ID 組成
type Info struct {
	Time       time.Time
	InstanceID int64
	Sequence   int64
}

// Parse 拆解 ID
func Parse(id int64) Info {
	return Info{
		Time:       time.UnixMilli((id >> timestampShift) + epoch),
		InstanceID: (id >> instanceShift) & MaxInstanceID,
		Sequence:   id & maxSequence,
	}
}
