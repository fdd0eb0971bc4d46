// Package live runs the periodic refreshes behind a watched ticket: thread
// re-fetch and typing presence. Every task belongs to a Session with an
// explicit Start and Stop, so nothing outlives the view that needed it.
package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Task is one named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Session owns a set of periodic tasks.
type Session struct {
	mu      sync.Mutex
	tasks   []Task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	logger  *slog.Logger
}

var ErrStarted = errors.New("session already started")

func NewSession() *Session {
	return &Session{logger: slog.Default()}
}

// Add registers a task. Tasks must be added before Start.
func (s *Session) Add(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if t.Interval <= 0 {
		return errors.New("task interval must be positive")
	}
	if t.Run == nil {
		return errors.New("task has no run function")
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Start runs every task once immediately and then on its interval until
// Stop is called or ctx ends. A task error is logged and the task keeps
// its schedule.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.logger.Debug("live session started", "tasks", len(s.tasks))
	return nil
}

// Stop cancels all tasks and waits for running ones to return. Calling it
// more than once, or before Start, is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Debug("live session stopped")
}

func (s *Session) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	s.runOnce(ctx, t)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Session) runOnce(ctx context.Context, t Task) {
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("live task failed", "task", t.Name, "error", err)
	}
}
