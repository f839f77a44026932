package window

import (
	"sort"
	"time"

	"mqttguard/internal/model"
)

// entry is the state of one source. All windows share one deque of records;
// each window keeps a head index into it and only its own counters.
type entry struct {
	id        string
	records   []record
	offset    int
	windows   []*window
	watermark time.Time
	firstSeen time.Time
	lastSeen  time.Time

	connected bool
	topics    map[string]*topicStats
	lengths   []int
}

func newEntry(id string, durations []time.Duration) *entry {
	e := &entry{
		id:      id,
		records: make([]record, 0, 64),
		topics:  make(map[string]*topicStats),
	}
	e.reconcile(durations)
	return e
}

func (e *entry) end() int {
	return e.offset + len(e.records)
}

// reconcile brings the entry's windows in line with durations (sorted,
// unique). A new window is rebuilt from the records that are still retained.
func (e *entry) reconcile(durations []time.Duration) {
	if sameDurations(e.windows, durations) {
		return
	}
	existing := make(map[time.Duration]*window, len(e.windows))
	for _, w := range e.windows {
		existing[w.dur] = w
	}
	windows := make([]*window, 0, len(durations))
	for _, d := range durations {
		if w, ok := existing[d]; ok {
			windows = append(windows, w)
			continue
		}
		w := &window{dur: d, head: e.end(), c: newCounters()}
		cutoff := e.watermark.Add(-d)
		for i := len(e.records) - 1; i >= 0; i-- {
			if e.records[i].ts.Before(cutoff) {
				break
			}
			w.head = e.offset + i
		}
		for i := w.head - e.offset; i < len(e.records); i++ {
			w.c.add(&e.records[i])
		}
		windows = append(windows, w)
	}
	e.windows = windows
	e.compact()
}

func sameDurations(windows []*window, durations []time.Duration) bool {
	if len(windows) != len(durations) {
		return false
	}
	for i, w := range windows {
		if w.dur != durations[i] {
			return false
		}
	}
	return true
}

// add records ev and returns the view of its topic from before the event.
func (e *entry) add(ev model.Event, now time.Time, opts *Options) TopicView {
	ts := ev.Timestamp
	if e.firstSeen.IsZero() {
		e.firstSeen = ts
	}
	// the deque must stay ordered, so late events are pinned to the watermark
	if ts.Before(e.watermark) {
		ts = e.watermark
	} else {
		e.watermark = ts
	}
	e.lastSeen = now

	rec := record{
		ts:       ts,
		kind:     ev.Kind,
		topic:    ev.Topic,
		template: topicTemplate(ev.Topic),
		qos:      ev.QoS,
		retain:   ev.Retain,
		authFail: ev.Auth == model.AuthFailure,
		payload:  ev.PayloadLength,
	}
	switch ev.Kind {
	case model.PacketConnect:
		e.connected = true
	case model.PacketDisconnect:
		rec.cycle = e.connected
		e.connected = false
	}

	view := TopicView{Topic: ev.Topic, Template: rec.template}
	if ev.Kind == model.PacketPublish && ev.Topic != "" {
		stats := e.topics[ev.Topic]
		if stats == nil && len(e.topics) < opts.MaxTopics {
			stats = newTopicStats(opts.PayloadSamples)
			e.topics[ev.Topic] = stats
		}
		if stats != nil {
			view = stats.view(ev.Topic, rec.template, opts.BaselineSamples, e.lengths)
			e.lengths = view.Lengths
			rec.escalation = view.BaselineReady && ev.QoS > view.BaselineQoS
			stats.observe(ev.PayloadLength, ev.QoS, opts.BaselineSamples)
		}
	}

	e.records = append(e.records, rec)
	last := &e.records[len(e.records)-1]
	for _, w := range e.windows {
		w.c.add(last)
	}
	e.evict()
	return view
}

// evict moves every window head past records older than the watermark minus
// the window's duration. A record exactly on the boundary stays.
func (e *entry) evict() {
	for _, w := range e.windows {
		cutoff := e.watermark.Add(-w.dur)
		for w.head < e.end() {
			r := &e.records[w.head-e.offset]
			if !r.ts.Before(cutoff) {
				break
			}
			w.c.remove(r)
			w.head++
		}
	}
	e.compact()
}

func (e *entry) compact() {
	minHead := e.end()
	for _, w := range e.windows {
		if w.head < minHead {
			minHead = w.head
		}
	}
	drop := minHead - e.offset
	if drop > 0 && drop*2 >= len(e.records) {
		e.records = append(make([]record, 0, len(e.records)-drop+16), e.records[drop:]...)
		e.offset = minHead
	}
}

func (e *entry) snapshot(view TopicView) Snapshot {
	snap := Snapshot{
		SourceID:  e.id,
		Watermark: e.watermark,
		FirstSeen: e.firstSeen,
		LastSeen:  e.lastSeen,
		Connected: e.connected,
		Topic:     view,
		Windows:   make([]Metrics, 0, len(e.windows)),
	}
	for _, w := range e.windows {
		snap.Windows = append(snap.Windows, w.metrics(view.Template))
	}
	return snap
}

// Snapshot is a copy of one source's state, safe to read without locks.
type Snapshot struct {
	SourceID  string    `json:"source_id"`
	Watermark time.Time `json:"watermark"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Connected bool      `json:"connected"`
	Windows   []Metrics `json:"windows"`
	Topic     TopicView `json:"topic"`
	Identity  Identity  `json:"identity"`
}

// Window returns the metrics of the window with exactly duration d.
func (s Snapshot) Window(d time.Duration) (Metrics, bool) {
	i := sort.Search(len(s.Windows), func(i int) bool { return s.Windows[i].Window >= d })
	if i < len(s.Windows) && s.Windows[i].Window == d {
		return s.Windows[i], true
	}
	return Metrics{}, false
}
