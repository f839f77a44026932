package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mqttguard/internal/aggregate"
	"mqttguard/internal/config"
	"mqttguard/internal/metrics"
	"mqttguard/internal/model"
	"mqttguard/internal/rules"
	"mqttguard/internal/window"
)

var (
	// ErrBackpressure is returned by Submit when the shard queue is full and
	// the overflow policy is reject.
	ErrBackpressure = errors.New("engine: shard queue full")
	// ErrStopped is returned by Submit once shutdown has begun.
	ErrStopped = errors.New("engine: stopped")
)

// Emitter receives alerts once the aggregator has closed them.
type Emitter interface {
	Emit(alerts []model.Alert)
}

type EmitterFunc func(alerts []model.Alert)

func (f EmitterFunc) Emit(alerts []model.Alert) { f(alerts) }

type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	emitter  Emitter
	cfg      atomic.Pointer[config.Config]
	suppress atomic.Pointer[SuppressionSet]

	store    *window.Store
	identity *window.IdentityIndex
	agg      *aggregate.Aggregator
	shards   []*shard
	faults   map[rules.ID]*atomic.Int64
	overflow atomic.Value

	// evaluate is swapped in tests to inject faulty rules.
	evaluate func(rules.ID, rules.Input) (model.Candidate, bool)
	now      func() time.Time

	mu       sync.RWMutex
	stopped  bool
	started  bool
	quit     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	bgWG     sync.WaitGroup
	startAt  time.Time
	warnRate *rate.Limiter

	received   atomic.Uint64
	processed  atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
	rejected   atomic.Uint64
	discarded  atomic.Uint64
	candidates atomic.Uint64
	suppressed atomic.Uint64
	emitted    atomic.Uint64
	ruleFaults atomic.Uint64
}

func NewEngine(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, emitter Emitter) *Engine {
	if m == nil {
		m = metrics.New()
	}
	if emitter == nil {
		emitter = EmitterFunc(func([]model.Alert) {})
	}
	workers := cfg.Engine.Workers
	if workers <= 0 {
		workers = 1
	}
	e := &Engine{
		logger:   logger,
		metrics:  m,
		emitter:  emitter,
		store:    window.NewStore(workers, window.OptionsFromConfig(cfg)),
		identity: window.NewIdentityIndex(),
		agg:      aggregate.New(cfg.Aggregator),
		shards:   make([]*shard, workers),
		faults:   make(map[rules.ID]*atomic.Int64, len(rules.All)),
		evaluate: rules.Evaluate,
		now:      func() time.Time { return time.Now().UTC() },
		quit:     make(chan struct{}),
		startAt:  time.Now().UTC(),
		warnRate: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for i := range e.shards {
		e.shards[i] = newShard(i, cfg.Engine.QueueSize)
	}
	for _, id := range rules.All {
		e.faults[id] = new(atomic.Int64)
	}
	e.cfg.Store(cfg)
	e.suppress.Store(buildSuppression(cfg))
	e.overflow.Store(cfg.Engine.OverflowPolicy)
	return e
}

// UpdateConfig applies a new configuration to a running engine. Window state
// is kept; worker count and queue size only change on restart.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.store.Configure(window.OptionsFromConfig(cfg))
	e.agg.SetCooldown(cfg.Aggregator.Cooldown)
	e.suppress.Store(buildSuppression(cfg))
	e.overflow.Store(cfg.Engine.OverflowPolicy)
	e.cfg.Store(cfg)
	if cfg.Engine.Workers > 0 && cfg.Engine.Workers != len(e.shards) && e.logger != nil {
		e.logger.Warn("engine.workers change takes effect on restart", "current", len(e.shards), "configured", cfg.Engine.Workers)
	}
}

func (e *Engine) config() *config.Config {
	if cfg := e.cfg.Load(); cfg != nil {
		return cfg
	}
	return config.DefaultConfig()
}

// Start launches one worker per shard plus the reaper and the alert sweeper.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	bgCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for _, sh := range e.shards {
		e.wg.Add(1)
		go e.runWorker(sh)
	}
	e.bgWG.Add(2)
	go e.runReaper(bgCtx)
	go e.runSweeper(bgCtx)
	if e.logger != nil {
		e.logger.Info("engine started", "workers", len(e.shards), "queue_size", cap(e.shards[0].queue))
	}
}

// Submit routes ev to its shard. It never blocks.
func (e *Engine) Submit(ev model.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrStopped
	}
	sh := e.shards[e.store.ShardFor(ev.SourceID)]
	j := job{ev: ev, enqueued: time.Now()}
	policy, _ := e.overflow.Load().(string)
	if !sh.offer(j, policy == config.OverflowReject, e.onDrop) {
		e.rejected.Add(1)
		e.metrics.EventsDropped.WithLabelValues(config.OverflowReject).Inc()
		e.warn("shard queue full, rejecting event", "shard", sh.index, "source_id", ev.SourceID)
		return ErrBackpressure
	}
	e.received.Add(1)
	source := ev.Source
	if source == "" {
		source = "unknown"
	}
	e.metrics.EventsReceived.WithLabelValues(source).Inc()
	return nil
}

func (e *Engine) onDrop(sh *shard, old job) {
	e.dropped.Add(1)
	e.metrics.EventsDropped.WithLabelValues(config.OverflowDropOldest).Inc()
	e.warn("shard queue full, dropping oldest event", "shard", sh.index, "source_id", old.ev.SourceID)
}

// StopReport summarizes a shutdown.
type StopReport struct {
	Drained   int  `json:"drained"`
	Discarded int  `json:"discarded"`
	Flushed   int  `json:"flushed"`
	TimedOut  bool `json:"timed_out"`
}

// Stop refuses new events, lets the workers drain their queues until timeout,
// discards what is left and flushes every open alert.
func (e *Engine) Stop(timeout time.Duration) StopReport {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return StopReport{}
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	before := e.processed.Load()
	var report StopReport
	if started {
		deadline := time.Now().Add(timeout)
		for _, sh := range e.shards {
			sh.deadline.Store(deadline.UnixNano())
		}
		close(e.quit)
		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout + time.Second):
			report.TimedOut = true
		}
		e.cancel()
		e.bgWG.Wait()
	}
	for _, sh := range e.shards {
		n := sh.discardAll()
		report.Discarded += n
	}
	if report.Discarded > 0 {
		report.TimedOut = true
		e.discarded.Add(uint64(report.Discarded))
		e.metrics.EventsDiscarded.Add(float64(report.Discarded))
	}
	report.Drained = int(e.processed.Load() - before)
	flushed := e.agg.Flush()
	report.Flushed = len(flushed)
	e.emit(flushed)
	if e.logger != nil {
		e.logger.Info("engine stopped", "drained", report.Drained, "discarded", report.Discarded, "flushed", report.Flushed)
	}
	return report
}

// Stats is the JSON body of GET /stats.
type Stats struct {
	StartedAt         time.Time         `json:"started_at"`
	Uptime            string            `json:"uptime"`
	Received          uint64            `json:"events_received"`
	Processed         uint64            `json:"events_processed"`
	Duplicates        uint64            `json:"events_duplicate"`
	Dropped           uint64            `json:"events_dropped"`
	Rejected          uint64            `json:"events_rejected"`
	Discarded         uint64            `json:"events_discarded"`
	Candidates        uint64            `json:"candidates"`
	Suppressed        uint64            `json:"candidates_suppressed"`
	AlertsEmitted     uint64            `json:"alerts_emitted"`
	RuleFaults        uint64            `json:"rule_faults"`
	DisabledRules     []string          `json:"disabled_rules,omitempty"`
	TrackedSources    int               `json:"tracked_sources"`
	OpenAlerts        int               `json:"open_alerts"`
	OverflowPolicy    string            `json:"overflow_policy"`
	AggregateCooldown string            `json:"aggregator_cooldown"`
	Latency           metrics.Latencies `json:"latency"`
	Shards            []ShardStats      `json:"shards"`
}

func (e *Engine) Stats() Stats {
	now := e.now()
	policy, _ := e.overflow.Load().(string)
	var disabled []string
	for _, id := range rules.All {
		if e.ruleDisabled(id, now) {
			disabled = append(disabled, string(id))
		}
	}
	return Stats{
		StartedAt:         e.startAt,
		Uptime:            time.Since(e.startAt).Round(time.Second).String(),
		Received:          e.received.Load(),
		Processed:         e.processed.Load(),
		Duplicates:        e.duplicates.Load(),
		Dropped:           e.dropped.Load(),
		Rejected:          e.rejected.Load(),
		Discarded:         e.discarded.Load(),
		Candidates:        e.candidates.Load(),
		Suppressed:        e.suppressed.Load(),
		AlertsEmitted:     e.emitted.Load(),
		RuleFaults:        e.ruleFaults.Load(),
		DisabledRules:     disabled,
		TrackedSources:    e.store.Len(),
		OpenAlerts:        e.agg.OpenCount(),
		OverflowPolicy:    policy,
		AggregateCooldown: e.agg.Cooldown().String(),
		Latency:           e.metrics.Latencies(),
		Shards:            e.shardStats(),
	}
}

// Snapshot returns the window state of one source.
func (e *Engine) Snapshot(sourceID string) (window.Snapshot, bool) {
	snap, ok := e.store.Snapshot(sourceID)
	if !ok {
		return snap, false
	}
	live := e.identity.LiveOrigins(sourceID)
	snap.Identity.LiveOrigins = len(live)
	return snap, true
}

// OpenAlerts lists the alerts still being aggregated.
func (e *Engine) OpenAlerts() []model.Alert {
	return e.agg.Open()
}

// Reset forgets all window state and drops open alerts without emitting them.
func (e *Engine) Reset() {
	e.store.Reset()
	e.identity.Reset()
	e.agg.Reset()
	for _, sh := range e.shards {
		sh.dedupe.Reset()
	}
	for _, f := range e.faults {
		f.Store(0)
	}
	e.metrics.TrackedSources.Set(0)
	e.metrics.OpenAlerts.Set(0)
}

func (e *Engine) emit(alerts []model.Alert) {
	if len(alerts) == 0 {
		return
	}
	for _, a := range alerts {
		e.metrics.Alerts.WithLabelValues(a.RuleID, string(a.Severity)).Inc()
	}
	e.emitted.Add(uint64(len(alerts)))
	e.emitter.Emit(alerts)
}

func (e *Engine) warn(msg string, args ...any) {
	if e.logger == nil || !e.warnRate.Allow() {
		return
	}
	e.logger.Warn(msg, args...)
}

func (e *Engine) runReaper(ctx context.Context) {
	defer e.bgWG.Done()
	interval := e.config().Engine.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.reap()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) reap() {
	cfg := e.config()
	now := e.now()
	removed := e.store.Reap(now, cfg.Engine.IdleHorizon)
	e.identity.Sweep(now, cfg.Engine.IdleHorizon)
	e.metrics.TrackedSources.Set(float64(e.store.Len()))
	if removed > 0 && e.logger != nil {
		e.logger.Debug("reaped idle sources", "removed", removed)
	}
}

func (e *Engine) runSweeper(ctx context.Context) {
	defer e.bgWG.Done()
	interval := e.config().Aggregator.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sweep() {
	e.emit(e.agg.Sweep(e.now()))
	e.metrics.OpenAlerts.Set(float64(e.agg.OpenCount()))
	for _, sh := range e.shards {
		e.metrics.SetQueueDepth(sh.index, len(sh.queue))
	}
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 {
		if now.Sub(ts) > maxPast {
			return now
		}
	}
	if maxFuture > 0 {
		if ts.Sub(now) > maxFuture {
			return now
		}
	}
	return ts
}
