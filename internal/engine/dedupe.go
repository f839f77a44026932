package engine

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"mqttguard/internal/model"
)

type DedupeCache struct {
	mu    sync.Mutex
	items map[uint64]time.Time
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{items: make(map[uint64]time.Time)}
}

func (d *DedupeCache) Seen(key uint64, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.items[key]; ok {
		if now.Sub(ts) <= ttl {
			return true
		}
	}
	d.items[key] = now
	if len(d.items) > 10000 {
		d.compact(now, ttl)
	}
	return false
}

func (d *DedupeCache) compact(now time.Time, ttl time.Duration) {
	for k, ts := range d.items {
		if now.Sub(ts) > ttl {
			delete(d.items, k)
		}
	}
}

func (d *DedupeCache) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = make(map[uint64]time.Time)
}

// hashEvent identifies an event by the fields a redelivery repeats.
func hashEvent(ev model.Event) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(ev.SourceID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(ev.Topic)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(string(ev.Kind))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(ev.Timestamp.UTC().Format(time.RFC3339Nano))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(ev.MsgID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.Itoa(ev.PayloadLength))
	return h.Sum64()
}
