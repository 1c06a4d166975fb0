package events

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"fabric/domain/event"
	"fabric/pkg/errors"
	"fabric/pkg/observability"
)

// Handler consumes a dispatched event. A handler error is logged, never
// propagated to the emitter.
type Handler func(ctx context.Context, ev event.Event) error

// Filter decides whether an event continues through the pipeline.
type Filter func(ev event.Event) bool

// ProcessorConfig sizes the pipeline.
type ProcessorConfig struct {
	QueueCapacity    int
	WorkerCount      int
	BackpressureWait time.Duration
}

func (c *ProcessorConfig) withDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	// A zero wait would expire the acquire context before the semaphore
	// checks capacity, rejecting Log on an empty queue.
	if c.BackpressureWait <= 0 {
		c.BackpressureWait = 200 * time.Millisecond
	}
}

type subscription struct {
	pattern string
	handler Handler
}

type filterReg struct {
	pattern string
	filter  Filter
}

// Processor is the event pipeline. Log persists first and dispatches
// second, so an accepted event is durable even if the process dies before
// handlers run. Events from one source are processed in order: the queue is
// sharded across workers by source.
type Processor struct {
	cfg        ProcessorConfig
	log        *Log
	correlator *Correlator
	logger     *zap.Logger
	metrics    *observability.Metrics

	slots   *semaphore.Weighted
	shards  []chan event.Event
	wg      sync.WaitGroup
	mu      sync.RWMutex
	subs    []subscription
	filters []filterReg

	// lifeMu orders Log against Stop: Log holds the read side from the
	// stopped-check through the shard send, Stop takes the write side
	// before closing the shards.
	lifeMu    sync.RWMutex
	started   bool
	stopped   bool
	discard   bool
	stopOnce  sync.Once
	startOnce sync.Once
}

func NewProcessor(cfg ProcessorConfig, log *Log, logger *zap.Logger, metrics *observability.Metrics) *Processor {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:        cfg,
		log:        log,
		correlator: NewCorrelator(),
		logger:     logger,
		metrics:    metrics,
		slots:      semaphore.NewWeighted(int64(cfg.QueueCapacity)),
	}
}

// Start launches the worker pool. Idempotent.
func (p *Processor) Start() {
	p.startOnce.Do(func() {
		p.shards = make([]chan event.Event, p.cfg.WorkerCount)
		for i := range p.shards {
			// Each shard holds the full queue capacity; the semaphore is
			// the real bound, so sends below never block.
			p.shards[i] = make(chan event.Event, p.cfg.QueueCapacity)
			p.wg.Add(1)
			go p.work(i)
		}
		p.lifeMu.Lock()
		p.started = true
		p.lifeMu.Unlock()
		p.logger.Info("event processor started",
			zap.Int("workers", p.cfg.WorkerCount),
			zap.Int("queue_capacity", p.cfg.QueueCapacity))
	})
}

// Subscribe registers a handler for events whose type matches pattern.
func (p *Processor) Subscribe(pattern string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, subscription{pattern: pattern, handler: h})
}

// AddFilter registers a filter for events whose type matches pattern. An
// event rejected by any matching filter is discarded after persistence.
func (p *Processor) AddFilter(pattern string, f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, filterReg{pattern: pattern, filter: f})
}

// AddCorrelation registers a correlation rule.
func (p *Processor) AddCorrelation(rule CorrelationRule) error {
	return p.correlator.AddRule(rule)
}

// Log accepts an event: reserve queue space, persist, then enqueue for
// dispatch. When the queue stays full past the backpressure wait the event
// is rejected without being persisted.
func (p *Processor) Log(ctx context.Context, ev event.Event) (event.Event, error) {
	p.lifeMu.RLock()
	defer p.lifeMu.RUnlock()
	if p.stopped {
		return event.Event{}, errors.New(errors.KindProcessorStopped, "event processor is stopped")
	}
	if !p.started {
		return event.Event{}, errors.New(errors.KindProcessorStopped, "event processor not started")
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.BackpressureWait)
	err := p.slots.Acquire(waitCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return event.Event{}, errors.Wrap(ctx.Err(), errors.KindCancelled, "logging event")
		}
		p.metrics.IncBackpressure()
		return event.Event{}, errors.Newf(errors.KindBackpressure,
			"event queue full after %s", p.cfg.BackpressureWait)
	}

	persisted, err := p.log.Persist(ctx, ev)
	if err != nil {
		p.slots.Release(1)
		return event.Event{}, err
	}
	p.metrics.IncLogged()
	p.shards[p.shardFor(persisted.Source)] <- persisted
	return persisted, nil
}

func (p *Processor) shardFor(source string) int {
	h := fnv.New32a()
	h.Write([]byte(source))
	return int(h.Sum32()) % len(p.shards)
}

func (p *Processor) work(i int) {
	defer p.wg.Done()
	for ev := range p.shards[i] {
		p.lifeMu.RLock()
		discard := p.discard
		p.lifeMu.RUnlock()
		if !discard {
			p.process(ev)
		}
		p.slots.Release(1)
		p.metrics.IncProcessed()
	}
}

func (p *Processor) process(ev event.Event) {
	p.mu.RLock()
	filters := append([]filterReg(nil), p.filters...)
	subs := append([]subscription(nil), p.subs...)
	p.mu.RUnlock()

	for _, f := range filters {
		if event.MatchType(f.pattern, ev.Type) && !f.filter(ev.Clone()) {
			p.metrics.IncDiscarded()
			p.logger.Debug("event discarded by filter",
				zap.String("event_id", ev.ID), zap.String("type", ev.Type))
			return
		}
	}

	for _, s := range subs {
		if !event.MatchType(s.pattern, ev.Type) {
			continue
		}
		p.dispatch(s, ev)
	}

	for _, emitted := range p.correlator.Observe(ev) {
		p.metrics.IncCorrelated()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := p.Log(ctx, emitted); err != nil {
			p.logger.Warn("correlated event dropped",
				zap.String("type", emitted.Type), zap.Error(err))
		}
		cancel()
	}
}

func (p *Processor) dispatch(s subscription, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event handler panicked",
				zap.String("pattern", s.pattern),
				zap.String("event_id", ev.ID),
				zap.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.handler(ctx, ev.Clone()); err != nil {
		p.logger.Warn("event handler failed",
			zap.String("pattern", s.pattern),
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.Error(err))
	}
}

// Stop shuts the pipeline down. With drain, queued events are processed
// before Stop returns; without it they are discarded (they remain
// persisted). Log calls after Stop fail with ProcessorStopped.
func (p *Processor) Stop(drain bool) {
	p.stopOnce.Do(func() {
		p.lifeMu.Lock()
		p.stopped = true
		p.discard = !drain
		started := p.started
		p.lifeMu.Unlock()
		if !started {
			return
		}
		for _, ch := range p.shards {
			close(ch)
		}
		p.wg.Wait()
		p.logger.Info("event processor stopped", zap.Bool("drained", drain))
	})
}
