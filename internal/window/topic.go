package window

import (
	"math"
	"sort"
)

// topicStats keeps per-topic history that outlives the sliding windows: a
// ring of recent payload lengths, the same lengths kept in sorted order, and
// the QoS level the topic settled on.
type topicStats struct {
	lengths   []int
	sorted    []int
	next      int
	publishes int

	baselineQoS     int
	baselineSamples int
}

func newTopicStats(samples int) *topicStats {
	if samples <= 0 {
		samples = 1
	}
	return &topicStats{
		lengths: make([]int, 0, samples),
		sorted:  make([]int, 0, samples),
	}
}

func (t *topicStats) observe(payload, qos, baselineSamples int) {
	t.publishes++
	if len(t.lengths) < cap(t.lengths) {
		t.lengths = append(t.lengths, payload)
	} else {
		t.removeSorted(t.lengths[t.next])
		t.lengths[t.next] = payload
		t.next = (t.next + 1) % len(t.lengths)
	}
	t.insertSorted(payload)
	if t.baselineSamples < baselineSamples {
		t.baselineSamples++
		if qos > t.baselineQoS {
			t.baselineQoS = qos
		}
	}
}

func (t *topicStats) insertSorted(v int) {
	i := sort.SearchInts(t.sorted, v)
	t.sorted = append(t.sorted, 0)
	copy(t.sorted[i+1:], t.sorted[i:])
	t.sorted[i] = v
}

func (t *topicStats) removeSorted(v int) {
	i := sort.SearchInts(t.sorted, v)
	if i == len(t.sorted) || t.sorted[i] != v {
		return
	}
	copy(t.sorted[i:], t.sorted[i+1:])
	t.sorted = t.sorted[:len(t.sorted)-1]
}

func (t *topicStats) baselineReady(baselineSamples int) bool {
	return t.baselineSamples >= baselineSamples
}

// TopicView describes the triggering event's topic as it stood before that
// event was recorded.
type TopicView struct {
	Topic         string `json:"topic"`
	Template      string `json:"template"`
	Tracked       bool   `json:"tracked"`
	Publishes     int    `json:"publishes"`
	BaselineQoS   int    `json:"baseline_qos"`
	BaselineReady bool   `json:"baseline_ready"`
	// Lengths holds the sorted payload history, excluding the current event.
	// It is only valid until the next event of the same source is recorded.
	Lengths []int `json:"-"`
}

// view copies the sorted history into buf, which the caller reuses between
// events of one source.
func (t *topicStats) view(topic, template string, baselineSamples int, buf []int) TopicView {
	buf = append(buf[:0], t.sorted...)
	return TopicView{
		Topic:         topic,
		Template:      template,
		Tracked:       true,
		Publishes:     t.publishes,
		BaselineQoS:   t.baselineQoS,
		BaselineReady: t.baselineReady(baselineSamples),
		Lengths:       buf,
	}
}

// Percentile returns the nearest-rank percentile p (0-100) of the payload
// history. ok is false when there is no history.
func (v TopicView) Percentile(p float64) (float64, bool) {
	n := len(v.Lengths)
	if n == 0 {
		return 0, false
	}
	if p <= 0 {
		return float64(v.Lengths[0]), true
	}
	if p >= 100 {
		return float64(v.Lengths[n-1]), true
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	return float64(v.Lengths[rank-1]), true
}
