package window

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"mqttguard/internal/config"
	"mqttguard/internal/model"
)

// Options controls which windows every entry maintains and how much per-topic
// history it keeps. It can be swapped at runtime with Configure.
type Options struct {
	Horizon         time.Duration
	Windows         []time.Duration
	MaxTopics       int
	PayloadSamples  int
	BaselineSamples int
}

// OptionsFromConfig derives the window set from the horizon and the window of
// every enabled rule.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Horizon:         cfg.Engine.Horizon,
		MaxTopics:       cfg.Engine.MaxTopicsPerSource,
		PayloadSamples:  cfg.Engine.PayloadSamples,
		BaselineSamples: cfg.Engine.BaselineSamples,
	}
	for _, rule := range cfg.Rules {
		if rule.Enabled && rule.Window() > 0 {
			opts.Windows = append(opts.Windows, rule.Window())
		}
		if rule.Enabled && rule.HandshakeGrace() > 0 {
			opts.Windows = append(opts.Windows, rule.HandshakeGrace())
		}
	}
	return opts
}

func (o Options) normalized() Options {
	if o.Horizon <= 0 {
		o.Horizon = time.Minute
	}
	if o.MaxTopics <= 0 {
		o.MaxTopics = 256
	}
	if o.PayloadSamples <= 0 {
		o.PayloadSamples = 128
	}
	if o.BaselineSamples <= 0 {
		o.BaselineSamples = 20
	}
	seen := map[time.Duration]bool{o.Horizon: true}
	durations := []time.Duration{o.Horizon}
	for _, d := range o.Windows {
		// nothing beyond the horizon is retained
		if d <= 0 || d > o.Horizon || seen[d] {
			continue
		}
		seen[d] = true
		durations = append(durations, d)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	o.Windows = durations
	return o
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Store holds the sliding-window state of every source. Sources are spread
// over a fixed number of shards; a source always lands on the same shard.
type Store struct {
	shards []*shard
	opts   atomic.Pointer[Options]
}

func NewStore(shards int, opts Options) *Store {
	if shards <= 0 {
		shards = 1
	}
	s := &Store{shards: make([]*shard, shards)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	s.Configure(opts)
	return s
}

func (s *Store) Configure(opts Options) {
	o := opts.normalized()
	s.opts.Store(&o)
}

func (s *Store) Options() Options {
	return *s.opts.Load()
}

func (s *Store) Shards() int {
	return len(s.shards)
}

// ShardFor maps a source id to its shard index.
func (s *Store) ShardFor(sourceID string) int {
	return int(xxhash.Sum64String(sourceID) % uint64(len(s.shards)))
}

// Record adds ev to its source's windows and returns the resulting snapshot.
// The entry is created on first sight.
func (s *Store) Record(ev model.Event, now time.Time) Snapshot {
	opts := s.opts.Load()
	sh := s.shards[s.ShardFor(ev.SourceID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[ev.SourceID]
	if e == nil {
		e = newEntry(ev.SourceID, opts.Windows)
		sh.entries[ev.SourceID] = e
	} else {
		e.reconcile(opts.Windows)
	}
	view := e.add(ev, now, opts)
	return e.snapshot(view)
}

// Snapshot returns the current state of one source without recording.
func (s *Store) Snapshot(sourceID string) (Snapshot, bool) {
	sh := s.shards[s.ShardFor(sourceID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.entries[sourceID]
	if e == nil {
		return Snapshot{}, false
	}
	return e.snapshot(TopicView{}), true
}

// reapBatch bounds how many entries Reap checks per lock hold.
const reapBatch = 64

// Reap drops sources that have been idle for longer than idle and returns how
// many were removed. Each shard lock is held to copy the source ids and then
// for one batch of checks at a time, so workers recording into the shard are
// never stalled for a full scan.
func (s *Store) Reap(now time.Time, idle time.Duration) int {
	removed := 0
	cutoff := now.Add(-idle)
	var ids []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		ids = ids[:0]
		for id := range sh.entries {
			ids = append(ids, id)
		}
		sh.mu.Unlock()

		for start := 0; start < len(ids); start += reapBatch {
			end := min(start+reapBatch, len(ids))
			sh.mu.Lock()
			for _, id := range ids[start:end] {
				// the source may have been recorded again since the copy
				if e, ok := sh.entries[id]; ok && e.lastSeen.Before(cutoff) {
					delete(sh.entries, id)
					removed++
				}
			}
			sh.mu.Unlock()
		}
	}
	return removed
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// ShardLen reports how many sources one shard holds.
func (s *Store) ShardLen(i int) int {
	sh := s.shards[i]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.entries)
}

func (s *Store) Reset() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
	}
}

// Remove forgets a single source.
func (s *Store) Remove(sourceID string) bool {
	sh := s.shards[s.ShardFor(sourceID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[sourceID]; !ok {
		return false
	}
	delete(sh.entries, sourceID)
	return true
}
