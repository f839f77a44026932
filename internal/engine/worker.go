package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"mqttguard/internal/model"
	"mqttguard/internal/rules"
)

type ShardState int32

const (
	ShardIdle ShardState = iota
	ShardProcessing
)

func (s ShardState) String() string {
	if s == ShardProcessing {
		return "processing"
	}
	return "idle"
}

type job struct {
	ev       model.Event
	enqueued time.Time
}

// shard pairs a bounded queue with the single worker that owns it. Events of
// one source always land on the same shard, which keeps them in order.
type shard struct {
	index     int
	queue     chan job
	state     atomic.Int32
	processed atomic.Uint64
	deadline  atomic.Int64
	dedupe    *DedupeCache
}

func newShard(index, size int) *shard {
	if size <= 0 {
		size = 1
	}
	return &shard{index: index, queue: make(chan job, size), dedupe: NewDedupeCache()}
}

// offer enqueues j without blocking. When the queue is full it either fails
// (reject) or evicts the oldest queued job and retries.
func (s *shard) offer(j job, reject bool, onDrop func(*shard, job)) bool {
	for {
		select {
		case s.queue <- j:
			return true
		default:
		}
		if reject {
			return false
		}
		select {
		case old := <-s.queue:
			onDrop(s, old)
		default:
		}
	}
}

func (s *shard) discardAll() int {
	n := 0
	for {
		select {
		case <-s.queue:
			n++
		default:
			return n
		}
	}
}

func (e *Engine) runWorker(sh *shard) {
	defer e.wg.Done()
	for {
		select {
		case j := <-sh.queue:
			e.run(sh, j)
		case <-e.quit:
			e.drain(sh)
			return
		}
	}
}

// drain keeps processing until the queue is empty or the stop deadline passes.
func (e *Engine) drain(sh *shard) {
	deadline := time.Unix(0, sh.deadline.Load())
	for time.Now().Before(deadline) {
		select {
		case j := <-sh.queue:
			e.run(sh, j)
		default:
			return
		}
	}
}

func (e *Engine) run(sh *shard, j job) {
	sh.state.Store(int32(ShardProcessing))
	e.processEvent(sh, j.ev)
	sh.processed.Add(1)
	sh.state.Store(int32(ShardIdle))
	e.metrics.Latency.Observe(time.Since(j.enqueued).Seconds())
}

// ProcessEvent runs one event through the pipeline on the caller's goroutine
// and returns the candidates that reached the aggregator.
func (e *Engine) ProcessEvent(ev model.Event) []model.Candidate {
	sh := e.shards[e.store.ShardFor(ev.SourceID)]
	return e.processEvent(sh, ev)
}

func (e *Engine) processEvent(sh *shard, ev model.Event) []model.Candidate {
	defer e.processed.Add(1)
	cfg := e.config()
	now := e.now()
	ev.Timestamp = clampTimestamp(ev.Timestamp, now, cfg.Engine.MaxClockSkew, cfg.Engine.MaxFutureSkew)

	if ttl := cfg.Engine.DedupeWindow; ttl > 0 && sh.dedupe.Seen(hashEvent(ev), now, ttl) {
		e.duplicates.Add(1)
		e.metrics.EventsDuplicate.Inc()
		return nil
	}

	snap := e.store.Record(ev, now)
	switch ev.Kind {
	case model.PacketConnect:
		conflictWindow := cfg.Rules[string(rules.ClientIDConflict)].Window()
		if conflictWindow <= 0 {
			conflictWindow = 10 * time.Second
		}
		snap.Identity = e.identity.Connect(ev.SourceID, ev.Origin, ev.OriginIP, ev.Timestamp, now, conflictWindow)
	case model.PacketDisconnect:
		e.identity.Disconnect(ev.SourceID, ev.Origin, now)
	}

	supp := e.suppress.Load()
	var out []model.Candidate
	for _, id := range rules.All {
		rc, ok := cfg.Rules[string(id)]
		if !ok || !rc.Enabled || e.ruleDisabled(id, now) {
			continue
		}
		cand, fired := e.evaluateRule(id, rules.Input{Event: ev, Snapshot: snap, Config: rc}, now)
		if !fired {
			continue
		}
		e.candidates.Add(1)
		e.metrics.Candidates.WithLabelValues(cand.RuleID).Inc()
		if supp.Suppressed(cand) {
			e.suppressed.Add(1)
			e.metrics.CandidatesSuppress.WithLabelValues(cand.RuleID).Inc()
			continue
		}
		out = append(out, cand)
	}
	if len(out) > 0 {
		e.emit(e.agg.Submit(out))
	}
	return out
}

func (e *Engine) ruleDisabled(id rules.ID, now time.Time) bool {
	until := e.faults[id].Load()
	return until != 0 && now.UnixNano() < until
}

// evaluateRule recovers a panicking rule and benches it for the configured
// fault cool-down. Other rules keep running.
func (e *Engine) evaluateRule(id rules.ID, in rules.Input, now time.Time) (cand model.Candidate, fired bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		cooldown := e.config().Engine.RuleFaultCooldown
		e.faults[id].Store(now.Add(cooldown).UnixNano())
		e.ruleFaults.Add(1)
		e.metrics.RuleFaults.WithLabelValues(string(id)).Inc()
		e.warn("rule panicked, disabling", "rule", string(id), "source_id", in.Event.SourceID,
			"disabled_for", cooldown.String(), "panic", fmt.Sprint(r))
		cand, fired = model.Candidate{}, false
	}()
	return e.evaluate(id, in)
}

// ShardStats describes one worker.
type ShardStats struct {
	Index      int    `json:"index"`
	State      string `json:"state"`
	QueueDepth int    `json:"queue_depth"`
	QueueCap   int    `json:"queue_capacity"`
	Sources    int    `json:"sources"`
	Processed  uint64 `json:"processed"`
}

func (e *Engine) shardStats() []ShardStats {
	out := make([]ShardStats, 0, len(e.shards))
	for _, sh := range e.shards {
		out = append(out, ShardStats{
			Index:      sh.index,
			State:      ShardState(sh.state.Load()).String(),
			QueueDepth: len(sh.queue),
			QueueCap:   cap(sh.queue),
			Sources:    e.store.ShardLen(sh.index),
			Processed:  sh.processed.Load(),
		})
	}
	return out
}
