// Package aggregate merges rule candidates into alerts. Candidates that share
// a rule, source and topic are folded into one open alert while they keep
// arriving within the cool-down; the alert is closed once they stop.
package aggregate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"mqttguard/internal/config"
	"mqttguard/internal/model"
)

const (
	CloseCooldown = "cooldown_expired"
	CloseIdle     = "idle"
	CloseShutdown = "shutdown"
	CloseReset    = "reset"
)

type key struct {
	rule   string
	source string
	topic  string
}

type openAlert struct {
	alert         model.Alert
	confidenceSum float64
	touched       time.Time
}

type stripe struct {
	mu   sync.Mutex
	open map[key]*openAlert
}

type Aggregator struct {
	cooldown atomic.Int64
	stripes  []*stripe
	now      func() time.Time
	newID    func() string
}

func New(cfg config.AggregatorConfig) *Aggregator {
	n := cfg.Stripes
	if n <= 0 {
		n = 16
	}
	a := &Aggregator{
		stripes: make([]*stripe, n),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for i := range a.stripes {
		a.stripes[i] = &stripe{open: make(map[key]*openAlert)}
	}
	a.SetCooldown(cfg.Cooldown)
	return a
}

func (a *Aggregator) SetCooldown(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.cooldown.Store(int64(d))
}

func (a *Aggregator) Cooldown() time.Duration {
	return time.Duration(a.cooldown.Load())
}

func (a *Aggregator) stripeFor(sourceID string) *stripe {
	return a.stripes[xxhash.Sum64String(sourceID)%uint64(len(a.stripes))]
}

// Submit folds candidates into open alerts and returns the alerts that were
// closed because a candidate arrived after their cool-down had passed.
func (a *Aggregator) Submit(cands []model.Candidate) []model.Alert {
	if len(cands) == 0 {
		return nil
	}
	cooldown := a.Cooldown()
	now := a.now()
	var closed []model.Alert
	for _, c := range cands {
		k := key{rule: c.RuleID, source: c.SourceID, topic: c.Topic}
		s := a.stripeFor(c.SourceID)
		s.mu.Lock()
		if cur, ok := s.open[k]; ok {
			if c.Timestamp.Sub(cur.alert.LastSeen) <= cooldown {
				cur.merge(c, now)
				s.mu.Unlock()
				continue
			}
			closed = append(closed, cur.close(now, CloseCooldown))
		}
		s.open[k] = a.open(c, now)
		s.mu.Unlock()
	}
	return closed
}

func (a *Aggregator) open(c model.Candidate, now time.Time) *openAlert {
	return &openAlert{
		alert: model.Alert{
			ID:              a.newID(),
			RuleID:          c.RuleID,
			SourceID:        c.SourceID,
			Topic:           c.Topic,
			FirstSeen:       c.Timestamp,
			LastSeen:        c.Timestamp,
			OccurrenceCount: 1,
			Severity:        c.Severity,
			Confidence:      c.Confidence,
			Evidence:        c.Evidence,
		},
		confidenceSum: c.Confidence,
		touched:       now,
	}
}

func (o *openAlert) merge(c model.Candidate, now time.Time) {
	o.alert.OccurrenceCount++
	if c.Timestamp.After(o.alert.LastSeen) {
		o.alert.LastSeen = c.Timestamp
	}
	if c.Timestamp.Before(o.alert.FirstSeen) {
		o.alert.FirstSeen = c.Timestamp
	}
	o.alert.Severity = o.alert.Severity.Max(c.Severity)
	o.confidenceSum += c.Confidence
	o.alert.Confidence = o.confidenceSum / float64(o.alert.OccurrenceCount)
	if c.Evidence != nil {
		o.alert.Evidence = c.Evidence
	}
	o.touched = now
}

func (o *openAlert) close(now time.Time, reason string) model.Alert {
	out := o.alert
	out.ClosedAt = now
	out.CloseReason = reason
	return out
}

// Sweep closes open alerts that have not been touched for longer than the
// cool-down, measured on the wall clock.
func (a *Aggregator) Sweep(now time.Time) []model.Alert {
	cooldown := a.Cooldown()
	var closed []model.Alert
	for _, s := range a.stripes {
		s.mu.Lock()
		for k, o := range s.open {
			if now.Sub(o.touched) > cooldown {
				closed = append(closed, o.close(now, CloseIdle))
				delete(s.open, k)
			}
		}
		s.mu.Unlock()
	}
	return closed
}

// Flush closes every open alert.
func (a *Aggregator) Flush() []model.Alert {
	return a.closeAll(CloseShutdown)
}

// Reset drops every open alert and returns them closed.
func (a *Aggregator) Reset() []model.Alert {
	return a.closeAll(CloseReset)
}

func (a *Aggregator) closeAll(reason string) []model.Alert {
	now := a.now()
	var closed []model.Alert
	for _, s := range a.stripes {
		s.mu.Lock()
		for k, o := range s.open {
			closed = append(closed, o.close(now, reason))
			delete(s.open, k)
		}
		s.mu.Unlock()
	}
	return closed
}

// Open returns copies of all open alerts.
func (a *Aggregator) Open() []model.Alert {
	var out []model.Alert
	for _, s := range a.stripes {
		s.mu.Lock()
		for _, o := range s.open {
			out = append(out, o.alert)
		}
		s.mu.Unlock()
	}
	return out
}

func (a *Aggregator) OpenCount() int {
	n := 0
	for _, s := range a.stripes {
		s.mu.Lock()
		n += len(s.open)
		s.mu.Unlock()
	}
	return n
}
