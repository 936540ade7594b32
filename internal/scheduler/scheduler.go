package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zde37/chordring/pkg"
)

// Task is a unit of periodic work. A returned error is logged and counted;
// it never stops the task.
type Task func(ctx context.Context) error

// TaskStats describes how a registered task has fared so far.
type TaskStats struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

type task struct {
	name     string
	interval time.Duration
	fn       Task

	mu    sync.Mutex
	stats TaskStats
}

// Scheduler runs each registered task on its own ticker until stopped.
// Ticks of one task never overlap; different tasks run concurrently.
type Scheduler struct {
	logger *pkg.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler with no tasks.
func New(logger *pkg.Logger) (*Scheduler, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Scheduler{
		logger: logger.WithFields(pkg.Fields{"component": "scheduler"}),
		tasks:  make(map[string]*task),
	}, nil
}

// Register adds a periodic task. Registering an existing name replaces it;
// tasks registered after Start begin immediately.
func (s *Scheduler) Register(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if fn == nil || interval <= 0 {
		s.logger.Warn().
			Str("task", name).
			Dur("interval", interval).
			Msg("Ignoring invalid task registration")
		return
	}

	t := &task{
		name:     name,
		interval: interval,
		fn:       fn,
		stats:    TaskStats{Name: name, Interval: interval},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		s.logger.Warn().Str("task", name).Msg("Replacing registered task")
	}
	s.tasks[name] = t

	if s.running {
		s.launch(t)
	}

	s.logger.Debug().
		Str("task", name).
		Dur("interval", interval).
		Msg("Task registered")
}

// Start launches every registered task. It is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, t := range s.tasks {
		s.launch(t)
	}

	s.logger.Info().Int("tasks", len(s.tasks)).Msg("Scheduler started")
}

// Stop cancels every task and waits for in-flight ticks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// Stats returns a snapshot of every task's counters, sorted by name.
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	out := make([]TaskStats, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		out = append(out, t.stats)
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(t *task) {
	s.wg.Add(1)
	go s.loop(s.ctx, t)
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Str("task", t.name).Msg("Task loop stopped")
			return
		case <-ticker.C:
			if s.replaced(t) {
				return
			}
			s.run(ctx, t)
		}
	}
}

// replaced reports whether t has been superseded by a later registration.
func (s *Scheduler) replaced(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[t.name] != t
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	err := t.fn(ctx)

	t.mu.Lock()
	t.stats.Runs++
	t.stats.LastRun = time.Now()
	if err != nil {
		t.stats.Failures++
		t.stats.LastError = err.Error()
	} else {
		t.stats.LastError = ""
	}
	t.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.Error().
			Err(err).
			Str("task", t.name).
			Msg("Periodic task failed")
	}
}
