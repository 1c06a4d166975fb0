// Package sync schedules synchronization work: it turns registered rules
// into prioritized jobs triggered by timers, pipeline events or explicit
// calls, and runs them through the dual-knowledge manager with at most one
// concurrent run per rule.
package sync

import (
	"container/heap"
	"context"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"fabric/application/dual"
	"fabric/application/events"
	"fabric/application/ports"
	"fabric/domain/event"
	syncdom "fabric/domain/sync"
	"fabric/pkg/errors"
	"fabric/pkg/observability"
)

// Trigger records what initiated a job.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerEvent     Trigger = "event"
	TriggerManual    Trigger = "manual"
)

// RunResult classifies a finished run. Partial means the run succeeded but
// deferred relationship work remains.
type RunResult string

const (
	ResultOK      RunResult = "ok"
	ResultPartial RunResult = "partial"
	ResultFailed  RunResult = "failed"
)

type runHandle struct {
	job    *Job
	cancel context.CancelFunc
}

// Job is one unit of synchronization work.
type Job struct {
	ID         string
	Rule       string
	Priority   int
	Trigger    Trigger
	ItemIDs    []string
	EnqueuedAt time.Time

	seq uint64
}

// RuleStatus is the per-rule run history surface.
type RuleStatus struct {
	Rule             string
	Paused           bool
	Runs             int
	LastRunStartedAt time.Time
	LastRunDuration  time.Duration
	LastRunResult    RunResult
	Considered       int
	Applied          int
	Vetoed           int
	Deferred         int
	LastError        string
}

// Config bounds the synchronizer's queue and timing.
type Config struct {
	QueueCapacity int           // pending jobs, default 256
	IntakeWait    time.Duration // bounded wait when the queue is full
	DefaultPeriod time.Duration // scheduled rules without their own period
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.IntakeWait <= 0 {
		c.IntakeWait = 200 * time.Millisecond
	}
	if c.DefaultPeriod <= 0 {
		c.DefaultPeriod = time.Minute
	}
	return c
}

// Subscriber is the slice of the event processor the synchronizer needs to
// wire on_event rules.
type Subscriber interface {
	Subscribe(pattern string, h events.Handler)
}

// Synchronizer owns the priority queue and the per-rule run discipline: at
// most one run in flight per rule, at most one job queued per rule. A
// trigger arriving while the rule runs lands as that single queued
// follow-up; further triggers coalesce into it.
type Synchronizer struct {
	cfg     Config
	mgr     *dual.Manager
	subs    Subscriber
	emit    dual.Emit
	clock   ports.Clock
	logger  *zap.Logger
	metrics *observability.Metrics

	slots *semaphore.Weighted

	mu       gosync.Mutex
	cond     *gosync.Cond
	queue    jobHeap
	seq      uint64
	pending  map[string]*Job // rule -> queued or held job
	running  map[string]bool
	paused   map[string]bool
	held     map[string][]*Job
	inFlight map[string]runHandle // jobID -> running job
	statuses map[string]*RuleStatus
	period   time.Duration
	done     chan struct{}
	stopped  bool
	draining bool

	startOnce gosync.Once
	wg        gosync.WaitGroup
}

// New builds a synchronizer over the manager. subs may be nil when no
// on_event rules exist; emit may be nil to disable lifecycle events.
func New(cfg Config, mgr *dual.Manager, subs Subscriber, emit dual.Emit, metrics *observability.Metrics, logger *zap.Logger, clock ports.Clock) *Synchronizer {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synchronizer{
		cfg:      cfg,
		mgr:      mgr,
		subs:     subs,
		emit:     emit,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
		slots:    semaphore.NewWeighted(int64(cfg.QueueCapacity)),
		pending:  map[string]*Job{},
		running:  map[string]bool{},
		paused:   map[string]bool{},
		held:     map[string][]*Job{},
		inFlight: map[string]runHandle{},
		statuses: map[string]*RuleStatus{},
		period:   cfg.DefaultPeriod,
		done:     make(chan struct{}),
	}
	s.cond = gosync.NewCond(&s.mu)
	return s
}

// Start launches the dispatcher and wires cadences for the rules currently
// registered with the manager. Safe to call once.
func (s *Synchronizer) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.dispatch()
		for _, rule := range s.mgr.Rules() {
			s.wire(rule)
		}
	})
}

// Track wires the cadence trigger for a rule registered after Start. Rules
// already registered when Start ran are wired automatically.
func (s *Synchronizer) Track(rule syncdom.Rule) {
	s.wire(rule)
}

// wire attaches a rule's cadence trigger.
func (s *Synchronizer) wire(rule syncdom.Rule) {
	switch rule.Cadence.Kind {
	case syncdom.Scheduled:
		s.wg.Add(1)
		go s.tickLoop(rule)
	case syncdom.OnEvent:
		if s.subs == nil {
			s.logger.Warn("on_event rule has no event source", zap.String("rule", rule.Name))
			return
		}
		name := rule.Name
		s.subs.Subscribe(rule.EventPattern, func(ctx context.Context, ev event.Event) error {
			if _, err := s.enqueue(ctx, name, TriggerEvent, nil); err != nil {
				s.logger.Warn("event-triggered sync not enqueued",
					zap.String("rule", name), zap.String("event", ev.Type), zap.Error(err))
			}
			return nil
		})
	}
}

// tickLoop fires a scheduled rule. The period is re-read every cycle so a
// config reload takes effect on the next tick.
func (s *Synchronizer) tickLoop(rule syncdom.Rule) {
	defer s.wg.Done()
	for {
		timer := time.NewTimer(s.periodFor(rule))
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return
		}
		if _, err := s.enqueue(context.Background(), rule.Name, TriggerScheduled, nil); err != nil {
			if errors.IsProcessorStopped(err) {
				return
			}
			s.logger.Warn("scheduled sync not enqueued",
				zap.String("rule", rule.Name), zap.Error(err))
		}
	}
}

func (s *Synchronizer) periodFor(rule syncdom.Rule) time.Duration {
	if rule.Cadence.Period > 0 {
		return rule.Cadence.Period
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// SetDefaultPeriod updates the fallback schedule period. Applies from each
// rule's next tick.
func (s *Synchronizer) SetDefaultPeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.period = d
	s.mu.Unlock()
}

// TriggerNow enqueues a manual run of the rule, optionally narrowed to
// specific item IDs. Returns the job ID; a trigger that coalesces into an
// already-pending job returns that job's ID.
func (s *Synchronizer) TriggerNow(ctx context.Context, ruleName string, itemIDs ...string) (string, error) {
	if _, err := s.mgr.Rule(ruleName); err != nil {
		return "", err
	}
	return s.enqueue(ctx, ruleName, TriggerManual, itemIDs)
}

// enqueue reserves a queue slot within the intake bound, then pushes the
// job. A full queue past the bound reports BackpressureExceeded.
func (s *Synchronizer) enqueue(ctx context.Context, ruleName string, trigger Trigger, itemIDs []string) (string, error) {
	s.mu.Lock()
	if s.stopped || s.draining {
		s.mu.Unlock()
		return "", errors.New(errors.KindProcessorStopped, "synchronizer is stopped")
	}
	if job, ok := s.pending[ruleName]; ok {
		s.mu.Unlock()
		return job.ID, nil
	}
	s.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.IntakeWait)
	defer cancel()
	if err := s.slots.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return "", errors.Wrap(ctx.Err(), errors.KindCancelled, "sync intake")
		}
		return "", errors.Newf(errors.KindBackpressure,
			"sync queue full (%d jobs) after %s", s.cfg.QueueCapacity, s.cfg.IntakeWait)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.draining {
		s.slots.Release(1)
		return "", errors.New(errors.KindProcessorStopped, "synchronizer is stopped")
	}
	if job, ok := s.pending[ruleName]; ok {
		s.slots.Release(1)
		return job.ID, nil
	}
	s.seq++
	job := &Job{
		ID:         uuid.NewString(),
		Rule:       ruleName,
		Trigger:    trigger,
		ItemIDs:    itemIDs,
		EnqueuedAt: s.clock.Now(),
		seq:        s.seq,
	}
	if rule, err := s.mgr.Rule(ruleName); err == nil {
		job.Priority = rule.Priority
	}
	s.pending[ruleName] = job
	if s.paused[ruleName] {
		s.held[ruleName] = append(s.held[ruleName], job)
		s.slots.Release(1)
		return job.ID, nil
	}
	heap.Push(&s.queue, job)
	s.cond.Signal()
	return job.ID, nil
}

// nextRunnableLocked pops the highest-priority job whose rule is idle.
// Jobs for running rules stay queued; they are the coalesced follow-up.
func (s *Synchronizer) nextRunnableLocked() *Job {
	var skipped []*Job
	var found *Job
	for s.queue.Len() > 0 {
		job := heap.Pop(&s.queue).(*Job)
		if s.running[job.Rule] || s.paused[job.Rule] {
			skipped = append(skipped, job)
			continue
		}
		found = job
		break
	}
	for _, j := range skipped {
		heap.Push(&s.queue, j)
	}
	return found
}

func (s *Synchronizer) dispatch() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		job := s.nextRunnableLocked()
		for job == nil {
			if s.stopped || (s.draining && s.queue.Len() == 0) {
				s.mu.Unlock()
				return
			}
			s.cond.Wait()
			job = s.nextRunnableLocked()
		}
		delete(s.pending, job.Rule)
		s.slots.Release(1)
		s.running[job.Rule] = true
		runCtx, cancel := context.WithCancel(context.Background())
		s.inFlight[job.ID] = runHandle{job: job, cancel: cancel}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.run(runCtx, cancel, job)
	}
}

// run executes one job and records its outcome. Per-rule serialization is
// already established by the dispatcher.
func (s *Synchronizer) run(ctx context.Context, cancel context.CancelFunc, job *Job) {
	defer s.wg.Done()
	started := s.clock.Now()
	res, err := s.mgr.Synchronize(ctx, job.Rule, job.ItemIDs)
	duration := s.clock.Now().Sub(started)
	cancelled := ctx.Err() != nil
	cancel()

	result := ResultOK
	switch {
	case err != nil:
		result = ResultFailed
	case res.Deferred > 0:
		result = ResultPartial
	}
	s.metrics.ObserveSyncRun(job.Rule, string(result))

	s.mu.Lock()
	delete(s.inFlight, job.ID)
	st := s.statusLocked(job.Rule)
	st.Runs++
	st.LastRunStartedAt = started
	st.LastRunDuration = duration
	st.LastRunResult = result
	st.Considered = res.Considered
	st.Applied = res.Applied
	st.Vetoed = res.Vetoed
	st.Deferred = res.Deferred
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	s.running[job.Rule] = false
	s.cond.Broadcast()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("sync run failed",
			zap.String("rule", job.Rule), zap.String("job", job.ID), zap.Error(err))
		// a cancelled run already emitted synchronization.cancelled
		if !cancelled {
			s.emitLifecycle("synchronization.failed", job, map[string]any{"error": err.Error()})
		}
		return
	}
	s.logger.Info("sync run finished",
		zap.String("rule", job.Rule),
		zap.String("result", string(result)),
		zap.Int("applied", res.Applied),
		zap.Int("deferred", res.Deferred),
		zap.Duration("duration", duration))
}

func (s *Synchronizer) emitLifecycle(typ string, job *Job, extra map[string]any) {
	if s.emit == nil {
		return
	}
	md := map[string]any{"rule": job.Rule, "job_id": job.ID, "trigger": string(job.Trigger)}
	for k, v := range extra {
		md[k] = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.emit(ctx, event.Event{
		Type:     typ,
		Source:   "synchronizer/" + job.Rule,
		Metadata: md,
	}); err != nil {
		s.logger.Warn("lifecycle event not emitted", zap.String("type", typ), zap.Error(err))
	}
}

// statusLocked returns the mutable status entry. Caller holds s.mu.
func (s *Synchronizer) statusLocked(rule string) *RuleStatus {
	st, ok := s.statuses[rule]
	if !ok {
		st = &RuleStatus{Rule: rule}
		s.statuses[rule] = st
	}
	return st
}

// Pause holds future jobs for the rule. A run already in flight finishes.
func (s *Synchronizer) Pause(ruleName string) error {
	if _, err := s.mgr.Rule(ruleName); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[ruleName] = true
	s.statusLocked(ruleName).Paused = true
	// stash anything already queued
	var rest jobHeap
	for s.queue.Len() > 0 {
		job := heap.Pop(&s.queue).(*Job)
		if job.Rule == ruleName {
			s.slots.Release(1)
			s.held[ruleName] = append(s.held[ruleName], job)
			continue
		}
		rest = append(rest, job)
	}
	for _, job := range rest {
		heap.Push(&s.queue, job)
	}
	return nil
}

// Resume releases the rule and re-enqueues jobs held while paused.
func (s *Synchronizer) Resume(ruleName string) error {
	if _, err := s.mgr.Rule(ruleName); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused[ruleName] {
		return nil
	}
	delete(s.paused, ruleName)
	s.statusLocked(ruleName).Paused = false
	for _, job := range s.held[ruleName] {
		if !s.slots.TryAcquire(1) {
			s.logger.Warn("held job dropped on resume, queue full",
				zap.String("rule", ruleName), zap.String("job", job.ID))
			delete(s.pending, ruleName)
			continue
		}
		heap.Push(&s.queue, job)
	}
	delete(s.held, ruleName)
	s.cond.Broadcast()
	return nil
}

// Cancel aborts a job. A queued or held job is removed; a running job has
// its context cancelled. Either way a synchronization.cancelled event fires.
func (s *Synchronizer) Cancel(jobID string) error {
	s.mu.Lock()
	if h, ok := s.inFlight[jobID]; ok {
		delete(s.inFlight, jobID)
		s.mu.Unlock()
		h.cancel()
		s.logger.Info("running sync job cancelled", zap.String("job", jobID))
		s.emitLifecycle("synchronization.cancelled", h.job, nil)
		return nil
	}
	var found *Job
	var rest jobHeap
	for s.queue.Len() > 0 {
		job := heap.Pop(&s.queue).(*Job)
		if job.ID == jobID {
			found = job
			s.slots.Release(1)
			delete(s.pending, job.Rule)
			continue
		}
		rest = append(rest, job)
	}
	for _, job := range rest {
		heap.Push(&s.queue, job)
	}
	if found == nil {
		for rule, jobs := range s.held {
			for i, job := range jobs {
				if job.ID == jobID {
					found = job
					s.held[rule] = append(jobs[:i], jobs[i+1:]...)
					delete(s.pending, rule)
					break
				}
			}
			if found != nil {
				break
			}
		}
	}
	s.mu.Unlock()
	if found == nil {
		return errors.NewNotFound("sync job", jobID)
	}
	s.emitLifecycle("synchronization.cancelled", found, nil)
	return nil
}

// Status reports the run history for one rule.
func (s *Synchronizer) Status(ruleName string) (RuleStatus, error) {
	if _, err := s.mgr.Rule(ruleName); err != nil {
		return RuleStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[ruleName]
	if !ok {
		return RuleStatus{Rule: ruleName}, nil
	}
	return *st, nil
}

// StatusAll reports every rule that has a status entry.
func (s *Synchronizer) StatusAll() []RuleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RuleStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, *st)
	}
	return out
}

// Pending reports the number of queued jobs.
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Drain stops intake, lets queued and in-flight work finish, then stops the
// dispatcher. Returns the context error when the deadline expires first.
func (s *Synchronizer) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	close(s.done)
	s.cond.Broadcast()
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), errors.KindTimeout, "synchronizer drain")
	}

	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return err
}

// jobHeap orders by priority descending, then enqueue sequence ascending.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
