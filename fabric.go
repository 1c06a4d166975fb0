// Package fabric is the entry point to the knowledge fabric: a dual-layer
// labeled-property-graph store with an event pipeline, associative memory,
// and policy-governed synchronization between private and shared graphs.
//
// Typical use:
//
//	f, err := fabric.New(cfg)
//	if err != nil { ... }
//	if err := f.Start(ctx); err != nil { ... }
//	defer f.Stop(context.Background())
//
//	f.LogEvent(ctx, event.Event{Type: "task.started", Source: "agent/a1"})
//	f.Memory().Store(ctx, "auth decided", map[string]string{"project": "P1"}, memory.Semantic, 0.8)
package fabric

import (
	"context"
	"strings"
	gosync "sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fabric/application/dual"
	"fabric/application/events"
	appmemory "fabric/application/memory"
	"fabric/application/ports"
	syncapp "fabric/application/sync"
	"fabric/domain/event"
	dommem "fabric/domain/memory"
	"fabric/domain/schema"
	syncdom "fabric/domain/sync"
	"fabric/infrastructure/config"
	"fabric/infrastructure/graph"
	"fabric/infrastructure/graph/bolt"
	"fabric/infrastructure/graph/memgraph"
	"fabric/infrastructure/persistence"
	"fabric/pkg/errors"
	"fabric/pkg/observability"
)

// GlobalKGName is the registration name of the shared graph when the
// configuration carries a shared backend.
const GlobalKGName = "global"

// Option customizes a Fabric beyond what configuration expresses.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	clock      ports.Clock
	embedder   ports.Embedder
	registerer prometheus.Registerer
	configPath string
}

// WithLogger replaces the logger built from log_level.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock replaces the system clock, mainly for tests.
func WithClock(c ports.Clock) Option { return func(o *options) { o.clock = c } }

// WithEmbedder replaces the embedder selected by embedding.provider.
func WithEmbedder(e ports.Embedder) Option { return func(o *options) { o.embedder = e } }

// WithMetricsRegisterer registers fabric metrics on the given registerer
// instead of a private registry.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithConfigFile enables hot reload of the dynamic configuration subset
// from the given file.
func WithConfigFile(path string) Option { return func(o *options) { o.configPath = path } }

// Fabric wires every component together and owns their lifecycle.
type Fabric struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    ports.Clock
	embedder ports.Embedder
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer

	configPath string

	mu        gosync.Mutex
	started   bool
	stopped   bool
	local     graph.Store
	global    graph.Store
	registry  *schema.Registry
	repos     *persistence.Repositories
	log       *events.Log
	processor *events.Processor
	memory    *appmemory.Service
	dkm       *dual.Manager
	syncer    *syncapp.Synchronizer
	watcher   *config.Watcher
}

// New validates the configuration and prepares a fabric. Nothing touches
// the backend until Start.
func New(cfg config.Config, opts ...Option) (*Fabric, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = buildLogger(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
	}
	clock := o.clock
	if clock == nil {
		clock = ports.SystemClock{}
	}
	embedder := o.embedder
	if embedder == nil && cfg.Embedding.Provider == "static" {
		embedder = ports.StaticEmbedder{Dims: cfg.Embedding.Dimensions}
	}

	registry := prometheus.NewRegistry()
	var gatherer prometheus.Gatherer = registry
	var registerer prometheus.Registerer = registry
	if o.registerer != nil {
		registerer = o.registerer
		gatherer = nil
	}

	return &Fabric{
		cfg:        cfg,
		logger:     logger,
		clock:      clock,
		embedder:   embedder,
		metrics:    observability.New(registerer),
		gatherer:   gatherer,
		configPath: o.configPath,
	}, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "parsing log_level")
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "building logger")
	}
	return logger, nil
}

// Start opens the graph backends, initializes the schema and launches the
// event workers and the synchronizer. A failure part-way unwinds whatever
// already came up.
func (f *Fabric) Start(ctx context.Context) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}
	if f.stopped {
		return errors.New(errors.KindProcessorStopped, "fabric already stopped")
	}
	defer func() {
		if err != nil {
			f.unwindLocked(ctx)
		}
	}()

	embedDims := 0
	if f.embedder != nil {
		embedDims = f.embedder.Dimensions()
	}
	f.registry = schema.NewRegistry(f.logger, embedDims)

	f.local, err = f.openStore(ctx, f.cfg.Neo4j.BackendConfig)
	if err != nil {
		return err
	}
	if err = f.registry.Initialize(ctx, f.local); err != nil {
		return err
	}
	if f.cfg.Neo4j.Shared != nil {
		f.global, err = f.openStore(ctx, *f.cfg.Neo4j.Shared)
		if err != nil {
			return err
		}
		if err = f.registry.Initialize(ctx, f.global); err != nil {
			return err
		}
	}

	f.repos = persistence.NewRepositories(f.local, f.registry, f.clock, f.logger)

	f.log = events.NewLog(f.local, f.registry, f.clock, f.logger)
	f.processor = events.NewProcessor(events.ProcessorConfig{
		QueueCapacity:    f.cfg.Events.QueueCapacity,
		WorkerCount:      f.cfg.Events.WorkerCount,
		BackpressureWait: f.cfg.Events.BackpressureWait(),
	}, f.log, f.logger, f.metrics)
	f.processor.Start()

	f.memory = appmemory.NewService(f.local, f.registry, f.clock, f.embedder,
		memoryWeights(f.cfg.Memory.Weights), f.cfg.Memory.DecayLambda, f.logger)

	// The shared backend, when present, holds the topology meta nodes so
	// every participant sees the same registrations.
	meta := f.local
	if f.global != nil {
		meta = f.global
	}
	f.dkm = dual.NewManager(meta, f.registry, f.clock, f.processor.Log, f.logger, f.metrics)
	if _, err = f.dkm.RegisterKG(ctx, syncdom.KG{
		Name: f.cfg.Agent.ID,
		Kind: syncdom.KindLocal,
	}, f.local); err != nil {
		return err
	}
	if f.global != nil {
		if _, err = f.dkm.RegisterKG(ctx, syncdom.KG{
			Name: GlobalKGName,
			Kind: syncdom.KindGlobal,
		}, f.global); err != nil {
			return err
		}
	}

	f.syncer = syncapp.New(syncapp.Config{
		QueueCapacity: f.cfg.Sync.PriorityQueueCapacity,
		DefaultPeriod: f.cfg.Sync.DefaultPeriod(),
	}, f.dkm, f.processor, f.processor.Log, f.metrics, f.logger, f.clock)
	f.syncer.Start()

	if f.configPath != "" {
		f.watcher, err = config.NewWatcher(f.configPath, f.cfg, f.logger)
		if err != nil {
			return err
		}
		f.watcher.OnChange(f.applyDynamic)
	}

	f.started = true
	f.logger.Info("fabric started",
		zap.String("agent", f.cfg.Agent.ID),
		zap.String("backend", f.cfg.Neo4j.URI),
		zap.Bool("shared_backend", f.global != nil))
	return nil
}

func memoryWeights(w config.WeightsConfig) dommem.Weights {
	return dommem.Weights{Alpha: w.Alpha, Beta: w.Beta, Gamma: w.Gamma}
}

func (f *Fabric) applyDynamic(d config.Dynamic) {
	f.memory.SetWeights(memoryWeights(d.MemoryWeights))
	f.memory.SetDecayLambda(d.MemoryDecayLambda)
	f.syncer.SetDefaultPeriod(config.SyncConfig{DefaultPeriodMS: d.SyncDefaultPeriod}.DefaultPeriod())
}

// openStore selects the backend from the URI scheme. memory:// is the
// in-process store; everything else goes over bolt.
func (f *Fabric) openStore(ctx context.Context, b config.BackendConfig) (graph.Store, error) {
	if strings.HasPrefix(b.URI, "memory://") {
		return memgraph.New(f.logger), nil
	}
	return bolt.Open(ctx, bolt.Config{
		URI:          b.URI,
		Username:     b.Username,
		Password:     b.Password,
		Database:     b.Database,
		PoolSize:     f.cfg.Pool.Size,
		PoolWait:     f.cfg.Pool.Wait(),
		MaxRetryTime: f.cfg.MaxRetryTime(),
	}, f.logger)
}

// unwindLocked tears down whatever Start managed to bring up. Caller holds
// f.mu.
func (f *Fabric) unwindLocked(ctx context.Context) {
	if f.watcher != nil {
		_ = f.watcher.Close()
		f.watcher = nil
	}
	if f.syncer != nil {
		_ = f.syncer.Drain(ctx)
		f.syncer = nil
	}
	if f.processor != nil {
		f.processor.Stop(false)
		f.processor = nil
	}
	if f.global != nil {
		_ = f.global.Close(ctx)
		f.global = nil
	}
	if f.local != nil {
		_ = f.local.Close(ctx)
		f.local = nil
	}
}

// Stop drains in reverse start order: synchronizer first, then the event
// workers, then the backends. Safe to call more than once.
func (f *Fabric) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started || f.stopped {
		f.stopped = true
		return nil
	}
	f.stopped = true
	f.started = false

	var firstErr error
	if f.watcher != nil {
		if err := f.watcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := f.syncer.Drain(ctx); err != nil {
		f.logger.Warn("synchronizer drain incomplete", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	f.processor.Stop(true)
	if f.global != nil {
		if err := f.global.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := f.local.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	f.logger.Info("fabric stopped")
	return firstErr
}

// LogEvent persists and dispatches an event through the pipeline.
func (f *Fabric) LogEvent(ctx context.Context, ev event.Event) (event.Event, error) {
	p, err := f.runningProcessor()
	if err != nil {
		return event.Event{}, err
	}
	return p.Log(ctx, ev)
}

// Subscribe registers a handler for events matching the dotted pattern.
func (f *Fabric) Subscribe(pattern string, h events.Handler) error {
	p, err := f.runningProcessor()
	if err != nil {
		return err
	}
	p.Subscribe(pattern, h)
	return nil
}

// RegisterSyncRule registers the rule with the dual-knowledge manager and
// wires its cadence trigger.
func (f *Fabric) RegisterSyncRule(ctx context.Context, rule syncdom.Rule) error {
	f.mu.Lock()
	dkm, syncer, started := f.dkm, f.syncer, f.started
	f.mu.Unlock()
	if !started {
		return errors.New(errors.KindProcessorStopped, "fabric is not started")
	}
	if err := dkm.RegisterRule(ctx, rule); err != nil {
		return err
	}
	syncer.Track(rule)
	return nil
}

// TriggerSync runs a rule now, outside its cadence.
func (f *Fabric) TriggerSync(ctx context.Context, ruleName string, itemIDs ...string) (string, error) {
	f.mu.Lock()
	syncer, started := f.syncer, f.started
	f.mu.Unlock()
	if !started {
		return "", errors.New(errors.KindProcessorStopped, "fabric is not started")
	}
	return syncer.TriggerNow(ctx, ruleName, itemIDs...)
}

func (f *Fabric) runningProcessor() (*events.Processor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil, errors.New(errors.KindProcessorStopped, "fabric is not started")
	}
	return f.processor, nil
}

// Memory returns the associative memory surface.
func (f *Fabric) Memory() *appmemory.Service {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memory
}

// Repositories returns the typed entity repositories.
func (f *Fabric) Repositories() *persistence.Repositories {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repos
}

// Relationships returns the relationship repository.
func (f *Fabric) Relationships() *persistence.RelationshipRepository {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.repos == nil {
		return nil
	}
	return f.repos.Relationships
}

// Events returns the event processor.
func (f *Fabric) Events() *events.Processor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processor
}

// EventLog returns the durable event log for queries.
func (f *Fabric) EventLog() *events.Log {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.log
}

// DKM returns the dual-knowledge manager.
func (f *Fabric) DKM() *dual.Manager {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dkm
}

// Synchronizer returns the sync scheduler.
func (f *Fabric) Synchronizer() *syncapp.Synchronizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncer
}

// Registry returns the schema registry.
func (f *Fabric) Registry() *schema.Registry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registry
}

// Graph returns the local graph store.
func (f *Fabric) Graph() graph.Store {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

// Gatherer exposes the private metrics registry, nil when metrics were
// registered externally via WithMetricsRegisterer.
func (f *Fabric) Gatherer() prometheus.Gatherer {
	return f.gatherer
}

// SystemStatus aggregates component health for diagnostics.
type SystemStatus struct {
	Started       bool
	AgentID       string
	Backend       string
	SharedBackend bool
	Knowledge     dual.Status
	SyncRules     []syncapp.RuleStatus
	SyncPending   int
	Memory        appmemory.Stats
}

// Status reports the aggregate system status. Memory statistics require a
// backend round-trip.
func (f *Fabric) Status(ctx context.Context) (SystemStatus, error) {
	f.mu.Lock()
	started := f.started
	dkm, syncer, mem := f.dkm, f.syncer, f.memory
	f.mu.Unlock()

	st := SystemStatus{
		Started:       started,
		AgentID:       f.cfg.Agent.ID,
		Backend:       f.cfg.Neo4j.URI,
		SharedBackend: f.cfg.Neo4j.Shared != nil,
	}
	if !started {
		return st, nil
	}
	st.Knowledge = dkm.Status()
	st.SyncRules = syncer.StatusAll()
	st.SyncPending = syncer.Pending()
	ms, err := mem.Stat(ctx)
	if err != nil {
		return st, err
	}
	st.Memory = ms
	return st, nil
}
