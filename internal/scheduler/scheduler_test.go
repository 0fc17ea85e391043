package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunStopsAfterMaxRounds(t *testing.T) {
	s, err := New(Options{Interval: 10 * time.Millisecond, MaxRounds: 3}, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造调度器失败: %v", err)
	}

	var rounds []time.Time
	err = s.Run(context.Background(), func(ctx context.Context, at time.Time) error {
		rounds = append(rounds, at)
		return nil
	})
	if err != nil {
		t.Fatalf("Run 应正常结束: %v", err)
	}
	if len(rounds) != 3 {
		t.Fatalf("应执行 3 轮, 实际 %d", len(rounds))
	}
	for i := 1; i < len(rounds); i++ {
		if !rounds[i].After(rounds[i-1]) {
			t.Fatalf("轮次时间应递增: %v", rounds)
		}
	}
}

func TestRunStopsOnConsecutiveFailures(t *testing.T) {
	s, err := New(Options{Interval: 5 * time.Millisecond, MaxConsecutiveFailures: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造调度器失败: %v", err)
	}

	calls := 0
	err = s.Run(context.Background(), func(ctx context.Context, at time.Time) error {
		calls++
		return errors.New("boom")
	})
	if !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("应返回 ErrTooManyFailures, 实际 %v", err)
	}
	if calls != 2 {
		t.Fatalf("应调用 2 次, 实际 %d", calls)
	}
}

func TestRunHonoursCancel(t *testing.T) {
	s, err := New(Options{Interval: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造调度器失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = s.Run(ctx, func(ctx context.Context, at time.Time) error {
		t.Fatal("取消后不应执行")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回 context.Canceled, 实际 %v", err)
	}
}

func TestAlignedBoundary(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("构造调度器失败: %v", err)
	}
	now := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	if got := s.nextBoundary(now); !got.Equal(time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("下一边界不正确: %v", got)
	}
	exact := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	if got := s.nextBoundary(exact); !got.Equal(exact.Add(time.Hour)) {
		t.Fatalf("整点应跳到下一小时: %v", got)
	}
}

func TestNewRejectsZeroInterval(t *testing.T) {
	if _, err := New(Options{}, zerolog.Nop()); err == nil {
		t.Fatal("零间隔应报错")
	}
}
