package live

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSession_RunsImmediatelyAndPeriodically(t *testing.T) {
	s := NewSession()
	var fast, slow atomic.Int32
	if err := s.Add(Task{Name: "thread", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		fast.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(Task{Name: "presence", Interval: time.Hour, Run: func(context.Context) error {
		slow.Add(1)
		return errors.New("boom")
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for fast.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if fast.Load() < 3 {
		t.Errorf("fast task ran %d times, want >= 3", fast.Load())
	}
	if slow.Load() != 1 {
		t.Errorf("slow task ran %d times, want exactly the immediate run", slow.Load())
	}

	after := fast.Load()
	time.Sleep(30 * time.Millisecond)
	if fast.Load() != after {
		t.Error("task kept running after Stop")
	}
}

func TestSession_Lifecycle(t *testing.T) {
	s := NewSession()
	s.Stop() // before Start

	noop := Task{Name: "noop", Interval: time.Minute, Run: func(context.Context) error { return nil }}
	if err := s.Add(noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Errorf("second Start: err = %v, want ErrStarted", err)
	}
	if err := s.Add(noop); !errors.Is(err, ErrStarted) {
		t.Errorf("Add after Start: err = %v, want ErrStarted", err)
	}
	s.Stop()
	s.Stop()
}

func TestSession_ParentContextStopsTasks(t *testing.T) {
	s := NewSession()
	stopped := make(chan struct{})
	s.Add(Task{Name: "wait", Interval: time.Hour, Run: func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not observe parent cancellation")
	}
	s.Stop()
}

func TestSession_AddValidation(t *testing.T) {
	s := NewSession()
	if err := s.Add(Task{Name: "zero", Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("zero interval accepted")
	}
	if err := s.Add(Task{Name: "nil", Interval: time.Second}); err == nil {
		t.Error("nil run accepted")
	}
}
