package snowflake

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestGenerate_Uniqueness 並發產生的 ID 不可重複
func TestGenerate_Uniqueness(t *testing.T) {
	g, err := New(1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const workers, perWorker = 8, 5000
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		ids = make(map[int64]struct{}, workers*perWorker)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id, err := g.Generate()
				if err != nil {
					t.Errorf("Generate failed: %v", err)
					return
				}
				mu.Lock()
				if _, dup := ids[id]; dup {
					t.Errorf("duplicate ID: %d", id)
				}
				ids[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(ids) != workers*perWorker {
		t.Errorf("expected %d ids, got %d", workers*perWorker, len(ids))
	}
}

// TestGenerate_Monotonic 單一 goroutine 下嚴格遞增
func TestGenerate_Monotonic(t *testing.T) {
	g, _ := New(3)

	var last int64
	for i := 0; i < 10000; i++ {
		id, err := g.Generate()
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestNew_InvalidInstance(t *testing.T) {
	for _, id := range []int64{-1, MaxInstanceID + 1} {
		if _, err := New(id); !errors.Is(err, ErrInvalidInstanceID) {
			t.Errorf("New(%d): expected ErrInvalidInstanceID, got %v", id, err)
		}
	}
}

// TestGenerate_ClockBackwards 小幅回撥容忍，大幅回撥拒絕
func TestGenerate_ClockBackwards(t *testing.T) {
	g, _ := New(0)
	now := epoch + 100000
	g.now = func() int64 { return now }

	first, err := g.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	now -= 10
	second, err := g.Generate()
	if err != nil {
		t.Fatalf("small backwards step should be tolerated: %v", err)
	}
	if second <= first {
		t.Errorf("expected %d > %d", second, first)
	}

	now -= maxBackwardMS + 1
	if _, err := g.Generate(); !errors.Is(err, ErrClockMovedBackwards) {
		t.Errorf("expected ErrClockMovedBackwards, got %v", err)
	}
}

// TestGenerate_ClockBackwardsSequenceExhausted 回撥期間序列號用完時立即失敗，不等待時鐘
func TestGenerate_ClockBackwardsSequenceExhausted(t *testing.T) {
	g, _ := New(0)
	now := epoch + 100000
	g.now = func() int64 { return now }

	if _, err := g.Generate(); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// 時鐘停在回撥後的位置，序列號沿用 lastTimestamp 繼續遞增
	now -= 100
	for i := 0; i < maxSequence; i++ {
		if _, err := g.Generate(); err != nil {
			t.Fatalf("Generate #%d failed: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := g.Generate()
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClockMovedBackwards) {
			t.Fatalf("expected ErrClockMovedBackwards, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Generate blocked waiting for the clock")
	}

	// 時鐘追上之後恢復正常
	g.mu.Lock()
	now += 101
	g.mu.Unlock()
	if _, err := g.Generate(); err != nil {
		t.Fatalf("Generate after clock recovered: %v", err)
	}
}

func TestParse(t *testing.T) {
	g, _ := New(42)
	id, _ := g.Generate()

	info := Parse(id)
	if info.InstanceID != 42 {
		t.Errorf("instance: expected 42, got %d", info.InstanceID)
	}
	if info.Time.Before(Parse(0).Time) {
		t.Errorf("time %v before epoch", info.Time)
	}
}

func TestNextString(t *testing.T) {
	g, _ := New(1)
	a, err := g.NextString("room_")
	if err != nil {
		t.Fatalf("NextString failed: %v", err)
	}
	b, _ := g.NextString("room_")

	if !strings.HasPrefix(a, "room_") {
		t.Errorf("missing prefix: %s", a)
	}
	if a == b {
		t.Errorf("expected distinct ids, got %s twice", a)
	}
}
