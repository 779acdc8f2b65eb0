package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pulseops/pulse-engine/internal/engine/metrics"
	"github.com/pulseops/pulse-engine/pkg/cronparse"
	"github.com/pulseops/pulse-engine/pkg/logging"
	"github.com/pulseops/pulse-engine/pkg/types"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidTask  = errors.New("task definition is invalid")
)

// DefaultTickInterval is the scan granularity. Tasks become due with at
// most one tick of slack.
const DefaultTickInterval = time.Millisecond

// Executor runs one task invocation. The scheduler measures its wall
// time against the task's deadline.
type Executor func(ctx context.Context, task types.PeriodicTask) error

// FaultSink receives deadline-miss observations.
type FaultSink interface {
	Record(condition types.FaultCondition, description string)
}

// DefaultExecutor occupies the task's estimated cost on the given clock,
// standing in for real work until a caller installs its own executor.
func DefaultExecutor(clk clock.Clock) Executor {
	return func(ctx context.Context, task types.PeriodicTask) error {
		if task.CostEstimate <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(task.CostEstimate):
			return nil
		}
	}
}

type task struct {
	info     types.PeriodicTask
	lastRun  time.Time     // scan time of the last execution start
	schedule cron.Schedule // nil for fixed-period tasks
	nextDue  time.Time     // next fire time for cron tasks
}

// Scheduler executes registered tasks on a fine-grained tick. Execution
// is synchronous with the scan, so a task can never overlap itself; a
// deadline overrun is observed and recorded, never aborted.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*task

	tick     time.Duration
	executor Executor
	faults   FaultSink
	clk      clock.Clock
	logger   logging.Logger

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(tick time.Duration, executor Executor, faults FaultSink, clk clock.Clock, logger logging.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	if executor == nil {
		executor = DefaultExecutor(clk)
	}
	return &Scheduler{
		tasks:    make(map[string]*task),
		tick:     tick,
		executor: executor,
		faults:   faults,
		clk:      clk,
		logger:   logger,
	}
}

// SetExecutor replaces the execution model. Calls after Start are
// ignored so a running scan never sees the executor change under it.
func (s *Scheduler) SetExecutor(executor Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || executor == nil {
		return
	}
	s.executor = executor
}

// Add registers a fixed-period task. The first execution comes due one
// period after registration.
func (s *Scheduler) Add(name string, priority int, deadline, period, costEstimate time.Duration) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidTask)
	}
	if period <= 0 {
		return "", fmt.Errorf("%w: period must be > 0, got %v", ErrInvalidTask, period)
	}
	if deadline <= 0 {
		return "", fmt.Errorf("%w: deadline must be > 0, got %v", ErrInvalidTask, deadline)
	}
	if costEstimate < 0 {
		return "", fmt.Errorf("%w: cost estimate must be >= 0, got %v", ErrInvalidTask, costEstimate)
	}

	now := s.clk.Now().UTC()
	t := &task{
		info: types.PeriodicTask{
			ID:           uuid.New().String(),
			Name:         name,
			Priority:     priority,
			Deadline:     deadline,
			Period:       period,
			CostEstimate: costEstimate,
			State:        types.TaskStateReady,
			CreatedAt:    now,
		},
		lastRun: now,
	}

	s.mu.Lock()
	s.tasks[t.info.ID] = t
	s.mu.Unlock()

	s.logger.Infof("Task %s (%s) registered: period %v, deadline %v, priority %d", t.info.ID, name, period, deadline, priority)
	return t.info.ID, nil
}

// AddCron registers a task driven by a cron expression instead of a
// fixed period.
func (s *Scheduler) AddCron(name string, priority int, deadline time.Duration, cronExpr string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidTask)
	}
	if deadline <= 0 {
		return "", fmt.Errorf("%w: deadline must be > 0, got %v", ErrInvalidTask, deadline)
	}

	schedule, err := cronparse.Parse(cronExpr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	now := s.clk.Now().UTC()
	t := &task{
		info: types.PeriodicTask{
			ID:        uuid.New().String(),
			Name:      name,
			Priority:  priority,
			Deadline:  deadline,
			CronExpr:  cronExpr,
			State:     types.TaskStateReady,
			CreatedAt: now,
		},
		lastRun:  now,
		schedule: schedule,
		nextDue:  schedule.Next(now),
	}

	s.mu.Lock()
	s.tasks[t.info.ID] = t
	s.mu.Unlock()

	s.logger.Infof("Task %s (%s) registered on cron %q, deadline %v, priority %d", t.info.ID, name, cronExpr, deadline, priority)
	return t.info.ID, nil
}

func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(s.tasks, id)
	s.logger.Infof("Task %s removed", id)
	return nil
}

func (s *Scheduler) Get(id string) (types.PeriodicTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return types.PeriodicTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.info, nil
}

// List returns task records ordered by priority (higher first), ties by
// creation time.
func (s *Scheduler) List() []types.PeriodicTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rankedLocked()
}

func (s *Scheduler) rankedLocked() []types.PeriodicTask {
	infos := make([]types.PeriodicTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		infos = append(infos, t.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Priority != infos[j].Priority {
			return infos[i].Priority > infos[j].Priority
		}
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// DeadlineMissTotal sums deadline misses across all registered tasks.
func (s *Scheduler) DeadlineMissTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint64
	for _, t := range s.tasks {
		total += t.info.DeadlineMisses
	}
	return total
}

// Start runs the tick loop until the context is canceled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(loopCtx, done)
	s.logger.Infof("Scheduler started, tick %v", s.tick)
}

// Stop lets an in-flight task finish, then stops the loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	done := s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := s.clk.Ticker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// scan readies tasks that completed on the previous tick, then walks the
// ready tasks in priority order and synchronously executes every one
// that has come due.
func (s *Scheduler) scan(ctx context.Context) {
	s.mu.Lock()
	for _, t := range s.tasks {
		if t.info.State == types.TaskStateCompleted {
			t.info.State = types.TaskStateReady
		}
	}
	s.mu.Unlock()

	for _, id := range s.rankedIDs() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.runIfDue(ctx, id)
	}
}

func (s *Scheduler) rankedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ranked := s.rankedLocked()
	ids := make([]string, len(ranked))
	for i, info := range ranked {
		ids[i] = info.ID
	}
	return ids
}

func (s *Scheduler) runIfDue(ctx context.Context, id string) {
	now := s.clk.Now().UTC()

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.info.State != types.TaskStateReady {
		s.mu.Unlock()
		return
	}

	var missed uint64
	if t.schedule != nil {
		if now.Before(t.nextDue) {
			s.mu.Unlock()
			return
		}
		// Count schedule points that passed while the previous
		// invocation (or a higher-priority peer) was still running.
		due := t.nextDue
		for !due.After(now) {
			due = t.schedule.Next(due)
			missed++
		}
		t.nextDue = due
		missed--
	} else {
		elapsed := now.Sub(t.lastRun)
		if elapsed < t.info.Period {
			s.mu.Unlock()
			return
		}
		periods := uint64(elapsed / t.info.Period)
		if periods > 1 {
			missed = periods - 1
		}
	}

	t.info.State = types.TaskStateRunning
	t.lastRun = now
	if missed > 0 {
		t.info.MissedCycles += missed
		metrics.TaskMissedCyclesTotal.Add(float64(missed))
		s.logger.Warnf("Task %s (%s) missed %d cycles", t.info.ID, t.info.Name, missed)
	}
	snapshot := t.info
	s.mu.Unlock()

	start := s.clk.Now()
	err := s.executor(ctx, snapshot)
	elapsed := s.clk.Since(start)

	metrics.TaskExecutionsTotal.Inc()
	metrics.TaskExecutionTime.Observe(elapsed.Seconds())

	missedDeadline := elapsed > snapshot.Deadline
	if missedDeadline {
		overshoot := elapsed - snapshot.Deadline
		metrics.TaskDeadlineMissesTotal.Inc()
		s.logger.Warnf("Task %s (%s) overran its deadline: took %v, deadline %v", snapshot.ID, snapshot.Name, elapsed, snapshot.Deadline)
		if s.faults != nil {
			s.faults.Record(types.FaultDeadlineMissed,
				fmt.Sprintf("task %s (%s) exceeded deadline %v by %v", snapshot.ID, snapshot.Name, snapshot.Deadline, overshoot))
		}
	}
	if err != nil {
		s.logger.Errorf("Task %s (%s) execution returned error: %v", snapshot.ID, snapshot.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.info.State = types.TaskStateCompleted
		t.info.Executions++
		t.info.LastExecution = now
		if missedDeadline {
			t.info.DeadlineMisses++
		}
	}
}
