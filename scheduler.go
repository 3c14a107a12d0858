package vigil

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one recurring maintenance job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func()
}

// Scheduler runs maintenance tasks on their own tickers. A panicking task is
// logged and retried on its next tick.
type Scheduler struct {
	tasks  []Task
	log    zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(log zerolog.Logger, tasks ...Task) *Scheduler {
	return &Scheduler{
		tasks: tasks,
		log:   componentLogger(log, "scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Run == nil {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOne(task)
		}
	}
}

func (s *Scheduler) runOne(task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("task", task.Name).Msg("maintenance task panicked")
		}
	}()
	task.Run()
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
