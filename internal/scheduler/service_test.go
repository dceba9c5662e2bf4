package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "github.com/klppl/ebba-irc-bot/pkg/logx"
)

func TestAddValidatesSpec(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())

	if err := s.Add("bad", "not a cron spec", func(ctx context.Context) {}); err == nil {
		t.Fatal("bad spec must be rejected at registration")
	}
	if err := s.Add("five", "*/5 * * * *", func(ctx context.Context) {}); err != nil {
		t.Fatalf("5-field spec: %v", err)
	}
	if err := s.Add("six", "30 */5 * * * *", func(ctx context.Context) {}); err != nil {
		t.Fatalf("6-field spec: %v", err)
	}
	if err := s.Add("every", "@every 10s", func(ctx context.Context) {}); err != nil {
		t.Fatalf("descriptor spec: %v", err)
	}
	if err := s.Add("five", "* * * * *", func(ctx context.Context) {}); err == nil {
		t.Fatal("duplicate name must be rejected")
	}
	if s.Jobs() != 3 {
		t.Fatalf("jobs = %d, want 3", s.Jobs())
	}
}

func TestRunExecutesJobs(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())

	var runs atomic.Int32
	if err := s.Add("tick", "@every 100ms", func(ctx context.Context) {
		runs.Add(1)
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	// A panicking job must not take the runner down.
	if err := s.Add("boom", "@every 100ms", func(ctx context.Context) {
		panic("job failure")
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if runs.Load() < 2 {
		t.Fatalf("job ran %d times, want at least 2", runs.Load())
	}
}

func TestAddWhileRunning(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	var runs atomic.Int32
	if err := s.Add("late", "@every 100ms", func(ctx context.Context) {
		runs.Add(1)
	}); err != nil {
		t.Fatalf("add while running: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done
	if runs.Load() == 0 {
		t.Fatal("late-added job never ran")
	}
}
