// Package scheduler drives the planner, executor, and auditor stages of
// the orchestration pipeline on a cooperative ticker. Each tick moves work
// one hop: goals become tasks, tasks become patches, patches become
// reviews. The committer consumes the reviews from its own loop.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/spindlework/graphloom/pkg/config"
	"github.com/spindlework/graphloom/pkg/eventlog"
	"github.com/spindlework/graphloom/pkg/models"
	"github.com/spindlework/graphloom/pkg/queue"
	"github.com/spindlework/graphloom/pkg/store"
)

// minCadence is the floor for the tick interval, whatever the caller asks
// for over HTTP.
const minCadence = 25 * time.Millisecond

// Toggles enables or disables individual stages for one run. Nil fields
// inherit the configured default.
type Toggles struct {
	Planner  *bool `json:"planner,omitempty"`
	Executor *bool `json:"executor,omitempty"`
	Auditor  *bool `json:"auditor,omitempty"`
}

// StageLimits caps how many items each stage consumes per tick. Zero
// fields inherit the configured default.
type StageLimits struct {
	Planner  int `json:"planner,omitempty"`
	Executor int `json:"executor,omitempty"`
	Auditor  int `json:"auditor,omitempty"`
}

// Options configures one scheduler run. The zero value runs with the
// configured defaults.
type Options struct {
	CadenceMs  int          `json:"cadenceMs,omitempty"`
	Toggles    *Toggles     `json:"toggles,omitempty"`
	MaxPerTick *StageLimits `json:"maxPerTick,omitempty"`
}

// ToggleState is the resolved on/off state of the three stages.
type ToggleState struct {
	Planner  bool `json:"planner"`
	Executor bool `json:"executor"`
	Auditor  bool `json:"auditor"`
}

// Status is the scheduler's externally visible state.
type Status struct {
	Enabled       bool           `json:"enabled"`
	CadenceMs     int            `json:"cadenceMs"`
	Toggles       ToggleState    `json:"toggles"`
	MaxPerTick    StageLimits    `json:"maxPerTick"`
	LastTickAt    int64          `json:"lastTickAt"` // epoch millis, 0 before the first tick
	PerQueueDepth map[string]int `json:"perQueueDepth"`
}

// runOptions is a fully resolved Options.
type runOptions struct {
	cadence     time.Duration
	planner     bool
	executor    bool
	auditor     bool
	maxPlanner  int
	maxExecutor int
	maxAuditor  int
}

// heldTask is a DAG step waiting for its dependencies to settle.
type heldTask struct {
	goalID string
	task   models.Task
}

// Scheduler owns the three pipeline stages. It can be started and stopped
// repeatedly; Stop lets the in-flight tick drain before returning, and
// leases taken by that tick expire on their own TTL.
type Scheduler struct {
	cfg    config.SchedulerConfig
	queues *queue.Manager
	stores *store.Holder
	events *eventlog.Log
	logger *slog.Logger

	executor *TaskExecutor
	auditor  *PatchAuditor

	mu         sync.Mutex
	running    bool
	opts       runOptions
	lastTickAt int64
	held       []heldTask
	// settled records task ids that have produced a patch-or-response or
	// failed terminally. Held tasks are released once every id they depend
	// on is settled.
	settled map[string]struct{}
	stop    chan struct{}
	done    chan struct{}

	tickMu sync.Mutex
}

// New creates a stopped scheduler. Pass a nil logger to default to
// slog.Default().
func New(cfg config.SchedulerConfig, queues *queue.Manager, stores *store.Holder, events *eventlog.Log, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	s := &Scheduler{
		cfg:      cfg,
		queues:   queues,
		stores:   stores,
		events:   events,
		logger:   logger,
		executor: NewTaskExecutor(stores, logger),
		auditor:  NewPatchAuditor(logger),
		settled:  make(map[string]struct{}),
	}
	s.opts = s.resolve(Options{})
	return s
}

// Start launches the tick loop with the given options and returns the
// resulting status. Starting a running scheduler changes nothing and
// returns its current status.
func (s *Scheduler) Start(opts Options) Status {
	s.mu.Lock()
	if s.running {
		st := s.statusLocked()
		s.mu.Unlock()
		s.logger.Info("Scheduler already running")
		return st
	}
	s.opts = s.resolve(opts)
	s.running = true
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	cadence := s.opts.cadence
	st := s.statusLocked()
	s.mu.Unlock()

	go s.run(cadence, stop, done)

	s.logger.Info("Scheduler started",
		"cadence", cadence,
		"planner", st.Toggles.Planner,
		"executor", st.Toggles.Executor,
		"auditor", st.Toggles.Auditor)
	return st
}

// EnsureStarted starts the scheduler with defaults when it is not running.
func (s *Scheduler) EnsureStarted() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		s.Start(Options{})
	}
}

// Stop halts the tick loop. The in-flight tick drains to completion before
// Stop returns; no new tick begins afterwards. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done, running := s.stop, s.done, s.running
	s.running = false
	s.mu.Unlock()

	if !running {
		if done != nil {
			<-done
		}
		return
	}
	close(stop)
	<-done
	s.logger.Info("Scheduler stopped")
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the current status snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Reset clears the dependency registry and held tasks. Test surface only.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = nil
	s.settled = make(map[string]struct{})
}

func (s *Scheduler) statusLocked() Status {
	depths := map[string]int{
		queue.GoalQueue:   0,
		queue.TaskQueue:   0,
		queue.PatchQueue:  0,
		queue.ReviewQueue: 0,
	}
	for name, mt := range s.queues.Stats() {
		depths[name] = mt.Depth
	}
	return Status{
		Enabled:   s.running,
		CadenceMs: int(s.opts.cadence / time.Millisecond),
		Toggles: ToggleState{
			Planner:  s.opts.planner,
			Executor: s.opts.executor,
			Auditor:  s.opts.auditor,
		},
		MaxPerTick: StageLimits{
			Planner:  s.opts.maxPlanner,
			Executor: s.opts.maxExecutor,
			Auditor:  s.opts.maxAuditor,
		},
		LastTickAt:    s.lastTickAt,
		PerQueueDepth: depths,
	}
}

// resolve layers request options over the configured defaults.
func (s *Scheduler) resolve(opts Options) runOptions {
	r := runOptions{
		cadence:     s.cfg.Cadence(),
		planner:     s.cfg.PlannerEnabled(),
		executor:    s.cfg.ExecutorEnabled(),
		auditor:     s.cfg.AuditorEnabled(),
		maxPlanner:  s.cfg.MaxPerTick,
		maxExecutor: s.cfg.MaxPerTick,
		maxAuditor:  s.cfg.MaxPerTick,
	}
	if opts.CadenceMs > 0 {
		r.cadence = time.Duration(opts.CadenceMs) * time.Millisecond
	}
	if r.cadence < minCadence {
		r.cadence = minCadence
	}
	if t := opts.Toggles; t != nil {
		if t.Planner != nil {
			r.planner = *t.Planner
		}
		if t.Executor != nil {
			r.executor = *t.Executor
		}
		if t.Auditor != nil {
			r.auditor = *t.Auditor
		}
	}
	if m := opts.MaxPerTick; m != nil {
		if m.Planner > 0 {
			r.maxPlanner = m.Planner
		}
		if m.Executor > 0 {
			r.maxExecutor = m.Executor
		}
		if m.Auditor > 0 {
			r.maxAuditor = m.Auditor
		}
	}
	if r.maxPlanner <= 0 {
		r.maxPlanner = 1
	}
	if r.maxExecutor <= 0 {
		r.maxExecutor = 1
	}
	if r.maxAuditor <= 0 {
		r.maxAuditor = 1
	}
	return r
}

func (s *Scheduler) run(cadence time.Duration, stop, done chan struct{}) {
	defer close(done)

	s.tick(time.Now())

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick runs the enabled stages once, in pipeline order. Ticks never
// overlap: a tick that arrives while the previous one is still running is
// skipped outright.
func (s *Scheduler) tick(now time.Time) {
	if !s.tickMu.TryLock() {
		s.logger.Debug("Tick skipped, previous tick still running")
		return
	}
	defer s.tickMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduler tick panicked", "panic", r)
		}
	}()

	s.mu.Lock()
	opts := s.opts
	s.mu.Unlock()

	if opts.planner {
		s.plannerTick(opts.maxPlanner)
	}
	if opts.executor {
		s.executorTick(opts.maxExecutor)
	}
	if opts.auditor {
		s.auditorTick(opts.maxAuditor)
	}

	s.mu.Lock()
	s.lastTickAt = now.UnixMilli()
	s.mu.Unlock()
}

// plannerTick releases ready held tasks, then materializes up to max goals
// into tasks on the task queue.
func (s *Scheduler) plannerTick(max int) {
	s.releaseHeld()

	items := s.queues.Pull(queue.GoalQueue, queue.PullOptions{Max: max})
	for _, it := range items {
		goal, err := queue.PayloadAs[models.Goal](it.Payload)
		if err != nil {
			s.logger.Warn("Dropping malformed goal", "item_id", it.ID, "error", err)
			s.queues.Ack(queue.GoalQueue, it.LeaseID)
			continue
		}
		s.planGoal(goal)
		s.queues.Ack(queue.GoalQueue, it.LeaseID)
	}
}

// planGoal turns a goal's DAG into tasks. Steps whose dependencies are not
// settled yet are held back and released by a later planner tick.
func (s *Scheduler) planGoal(goal models.Goal) {
	for _, spec := range goal.DAG {
		id := spec.ID
		if id == "" {
			id = models.NewID("task")
		}
		task := models.Task{
			ID:        id,
			ThreadID:  goal.ThreadID,
			CID:       goal.CID,
			ToolName:  spec.ToolName,
			Args:      spec.Args,
			DependsOn: spec.DependsOn,
		}
		if s.depsSettled(task.DependsOn) {
			s.enqueueTask(task, goal.ID)
			continue
		}
		s.mu.Lock()
		s.held = append(s.held, heldTask{goalID: goal.ID, task: task})
		s.mu.Unlock()
		s.logger.Debug("Holding task until dependencies settle",
			"task_id", task.ID,
			"depends_on", task.DependsOn)
	}
}

func (s *Scheduler) enqueueTask(task models.Task, goalID string) {
	s.queues.Enqueue(queue.TaskQueue, task, task.ThreadID)
	s.events.Append(eventlog.TypeTaskEnqueued, map[string]any{
		"taskId":   task.ID,
		"toolName": task.ToolName,
		"goalId":   goalID,
		"threadId": task.ThreadID,
		"cid":      task.CID,
	})
}

// releaseHeld moves every held task whose dependencies have settled onto
// the task queue.
func (s *Scheduler) releaseHeld() {
	s.mu.Lock()
	var ready, still []heldTask
	for _, h := range s.held {
		if s.depsSettledLocked(h.task.DependsOn) {
			ready = append(ready, h)
		} else {
			still = append(still, h)
		}
	}
	s.held = still
	s.mu.Unlock()

	for _, h := range ready {
		s.logger.Debug("Releasing held task", "task_id", h.task.ID)
		s.enqueueTask(h.task, h.goalID)
	}
}

func (s *Scheduler) depsSettled(deps []string) bool {
	if len(deps) == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depsSettledLocked(deps)
}

func (s *Scheduler) depsSettledLocked(deps []string) bool {
	for _, d := range deps {
		if _, ok := s.settled[d]; !ok {
			return false
		}
	}
	return true
}

func (s *Scheduler) markSettled(taskID string) {
	if taskID == "" {
		return
	}
	s.mu.Lock()
	s.settled[taskID] = struct{}{}
	s.mu.Unlock()
}
