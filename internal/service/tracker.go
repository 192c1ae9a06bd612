package service

import (
	"sync"
	"time"

	"github.com/target/quotaflow/internal/domain/model"
)

// taskTracker is the per-process progress view of pipelines this orchestrator is running.
type taskTracker struct {
	mu    sync.RWMutex
	tasks map[string]*model.TaskProgress
}

func newTaskTracker() *taskTracker {
	return &taskTracker{tasks: make(map[string]*model.TaskProgress)}
}

func (t *taskTracker) start(id string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[id] = &model.TaskProgress{RequestID: id, UpdatedAt: now}
}

// advance records the stage about to run or the progress reached once it finishes.
// Progress never moves backwards.
func (t *taskTracker) advance(id, stage string, progress int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.tasks[id]
	if !ok {
		return
	}
	if stage != "" {
		p.Stage = stage
	}
	if progress > p.Progress {
		p.Progress = progress
	}
	p.UpdatedAt = now
}

// cancel flags a running task. It returns false when the task is not tracked here.
func (t *taskTracker) cancel(id string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.tasks[id]
	if !ok {
		return false
	}
	p.Cancelled = true
	p.UpdatedAt = now
	return true
}

func (t *taskTracker) cancelled(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.tasks[id]
	return ok && p.Cancelled
}

func (t *taskTracker) get(id string) (model.TaskProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.tasks[id]
	if !ok {
		return model.TaskProgress{}, false
	}
	return *p, true
}

func (t *taskTracker) finish(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, id)
}

func (t *taskTracker) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tasks)
}

// statsAggregate folds terminal outcomes into running totals. The latency average is updated
// incrementally so no history is kept.
type statsAggregate struct {
	mu      sync.Mutex
	total   int64
	success int64
	failure int64
	avgMs   float64
}

func (s *statsAggregate) record(success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if success {
		s.success++
	} else {
		s.failure++
	}
	sample := float64(latency) / float64(time.Millisecond)
	n := float64(s.total)
	s.avgMs = (s.avgMs*(n-1) + sample) / n
}

func (s *statsAggregate) snapshot() model.PipelineStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.PipelineStats{
		TotalRequests:         s.total,
		SuccessCount:          s.success,
		FailureCount:          s.failure,
		RunningAverageLatency: s.avgMs,
	}
}
