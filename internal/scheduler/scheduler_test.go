package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2026, 5, 1, 12, 1, 0, 0, time.UTC)) {
		t.Fatalf("nextTick = %s", got)
	}
	onBoundary := time.Date(2026, 5, 1, 12, 1, 0, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(time.Minute)) {
		t.Fatalf("nextTick on boundary = %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("bucketStart = %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: 90 * time.Second}, zerolog.Nop())
	now := time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(90 * time.Second)) {
		t.Fatalf("nextTick = %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(now) {
		t.Fatalf("bucketStart = %s", got)
	}
}

func TestRunKeepsTickingAfterErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks atomic.Int32
	s := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())
	err := s.Run(ctx, func(context.Context, time.Time) error {
		if ticks.Add(1) >= 3 {
			cancel()
		}
		return errors.New("tick failed")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if ticks.Load() < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
	}
}

func TestRunJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	var fast, slow atomic.Int32
	err := RunJobs(ctx, zerolog.Nop(),
		Job{Name: "fast", Options: Options{Interval: 5 * time.Millisecond}, Tick: func(context.Context, time.Time) error {
			fast.Add(1)
			return nil
		}},
		Job{Name: "slow", Options: Options{Interval: time.Hour}, Tick: func(context.Context, time.Time) error {
			slow.Add(1)
			return nil
		}},
		Job{Name: "disabled", Tick: func(context.Context, time.Time) error {
			t.Error("disabled job ran")
			return nil
		}},
	)
	if err != nil {
		t.Fatalf("RunJobs: %v", err)
	}
	if fast.Load() == 0 {
		t.Fatal("fast job never ran")
	}
	if slow.Load() != 0 {
		t.Fatalf("slow job ran %d times", slow.Load())
	}
}
