package window

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqttguard/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		Horizon:         60 * time.Second,
		Windows:         []time.Duration{5 * time.Second, 10 * time.Second},
		MaxTopics:       16,
		PayloadSamples:  8,
		BaselineSamples: 3,
	}
}

func publish(source, topic string, at time.Duration) model.Event {
	return model.Event{
		Timestamp:     base.Add(at),
		SourceID:      source,
		Topic:         topic,
		Kind:          model.PacketPublish,
		PayloadLength: 10,
	}
}

func TestRecordCountsPerWindow(t *testing.T) {
	s := NewStore(4, testOptions())
	var snap Snapshot
	for i := 0; i < 250; i++ {
		snap = s.Record(publish("dev-1", "t/a", time.Duration(i)*20*time.Millisecond), base)
	}
	m, ok := snap.Window(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, 250, m.Publishes)
	assert.InDelta(t, 50.0, m.PublishRate, 0.001)

	// advance the watermark so the 5s window empties but the 60s one keeps all
	snap = s.Record(publish("dev-1", "t/b", 20*time.Second), base)
	m5, _ := snap.Window(5 * time.Second)
	m60, _ := snap.Window(60 * time.Second)
	assert.Equal(t, 1, m5.Publishes)
	assert.Equal(t, 251, m60.Publishes)
	assert.Equal(t, 2, m60.DistinctTopics)
}

func TestBoundaryRecordStaysInWindow(t *testing.T) {
	s := NewStore(1, testOptions())
	s.Record(publish("dev", "a", 0), base)
	snap := s.Record(publish("dev", "a", 5*time.Second), base)
	m, _ := snap.Window(5 * time.Second)
	assert.Equal(t, 2, m.Publishes)

	snap = s.Record(publish("dev", "a", 5*time.Second+time.Millisecond), base)
	m, _ = snap.Window(5 * time.Second)
	assert.Equal(t, 2, m.Publishes)
}

func TestLateEventPinnedToWatermark(t *testing.T) {
	s := NewStore(1, testOptions())
	s.Record(publish("dev", "a", 30*time.Second), base)
	snap := s.Record(publish("dev", "a", 0), base)
	assert.Equal(t, base.Add(30*time.Second), snap.Watermark)
	m, _ := snap.Window(5 * time.Second)
	assert.Equal(t, 2, m.Publishes)
}

func TestReconnectCycles(t *testing.T) {
	s := NewStore(1, testOptions())
	var snap Snapshot
	at := time.Duration(0)
	for i := 0; i < 5; i++ {
		s.Record(model.Event{Timestamp: base.Add(at), SourceID: "c", Kind: model.PacketConnect}, base)
		at += 100 * time.Millisecond
		snap = s.Record(model.Event{Timestamp: base.Add(at), SourceID: "c", Kind: model.PacketDisconnect}, base)
		at += 100 * time.Millisecond
	}
	// an unmatched disconnect is not a cycle
	snap = s.Record(model.Event{Timestamp: base.Add(at), SourceID: "c", Kind: model.PacketDisconnect}, base)
	m, _ := snap.Window(10 * time.Second)
	assert.Equal(t, 5, m.ReconnectCycles)
	assert.Equal(t, 6, m.Disconnects)
	assert.False(t, snap.Connected)
}

func TestTopicViewExcludesCurrentEvent(t *testing.T) {
	s := NewStore(1, testOptions())
	snap := s.Record(publish("dev", "a", 0), base)
	assert.True(t, snap.Topic.Tracked)
	assert.Empty(t, snap.Topic.Lengths)

	for i := 1; i <= 4; i++ {
		ev := publish("dev", "a", time.Duration(i)*time.Second)
		ev.PayloadLength = i * 10
		snap = s.Record(ev, base)
	}
	assert.Equal(t, []int{10, 10, 20, 30}, snap.Topic.Lengths)
	p, ok := snap.Topic.Percentile(50)
	require.True(t, ok)
	assert.Equal(t, 10.0, p)
}

func TestTopicHistoryStaysSortedAcrossOverwrites(t *testing.T) {
	stats := newTopicStats(4)
	for _, l := range []int{50, 10, 40, 20, 30, 10, 60} {
		stats.observe(l, 0, 0)
	}
	// the ring now holds 20, 30, 10, 60
	assert.Equal(t, []int{10, 20, 30, 60}, stats.sorted)
	view := stats.view("a", "a", 0, nil)
	assert.Equal(t, []int{10, 20, 30, 60}, view.Lengths)
	assert.Equal(t, 7, view.Publishes)
}

func TestRecordPublishDoesNotAllocatePerEvent(t *testing.T) {
	opts := testOptions()
	opts.PayloadSamples = 128
	s := NewStore(1, opts)
	at := time.Duration(0)
	for i := 0; i < 200; i++ {
		ev := publish("dev", "a", at)
		ev.PayloadLength = i % 97
		s.Record(ev, base)
		at += time.Millisecond
	}
	e := s.shards[0].entries["dev"]
	require.NotNil(t, e)
	stats := e.topics["a"]
	allocs := testing.AllocsPerRun(100, func() {
		stats.observe(int(at%89), 0, 0)
		e.lengths = stats.view("a", "a", 0, e.lengths).Lengths
		at++
	})
	assert.Zero(t, allocs)
	assert.Len(t, e.lengths, 128)
	assert.True(t, sort.IntsAreSorted(e.lengths))
}

func TestQoSEscalationAfterBaseline(t *testing.T) {
	s := NewStore(1, testOptions())
	var snap Snapshot
	for i := 0; i < 3; i++ {
		snap = s.Record(publish("dev", "a", time.Duration(i)*time.Second), base)
	}
	ev := publish("dev", "a", 4*time.Second)
	ev.QoS = 2
	snap = s.Record(ev, base)
	assert.True(t, snap.Topic.BaselineReady)
	assert.Equal(t, 0, snap.Topic.BaselineQoS)
	m, _ := snap.Window(10 * time.Second)
	assert.Equal(t, 1, m.QoSEscalations)
	assert.Equal(t, 1, m.QoS2Publishes)
}

func TestSequenceTopics(t *testing.T) {
	s := NewStore(1, testOptions())
	var snap Snapshot
	for i := 0; i < 6; i++ {
		snap = s.Record(publish("dev", fmt.Sprintf("sensor/%d/state", i), time.Duration(i)*time.Millisecond), base)
	}
	m, _ := snap.Window(5 * time.Second)
	assert.Equal(t, 6, m.DistinctTopics)
	assert.Equal(t, 6, m.SequenceTopics)
	assert.Equal(t, "sensor/#n/state", snap.Topic.Template)
}

func TestTopicTemplate(t *testing.T) {
	assert.Equal(t, "cam#n/frame", topicTemplate("cam12/frame"))
	assert.Equal(t, "home/kitchen", topicTemplate("home/kitchen"))
	assert.Equal(t, "a/#n", topicTemplate("a/42"))
	assert.Equal(t, "", topicTemplate(""))
}

func TestMaxTopicsPerSource(t *testing.T) {
	opts := testOptions()
	opts.MaxTopics = 2
	s := NewStore(1, opts)
	s.Record(publish("dev", "a", 0), base)
	s.Record(publish("dev", "b", 0), base)
	snap := s.Record(publish("dev", "c", 0), base)
	assert.False(t, snap.Topic.Tracked)
	m, _ := snap.Window(5 * time.Second)
	assert.Equal(t, 3, m.DistinctTopics)
}

func TestReapAndReset(t *testing.T) {
	s := NewStore(4, testOptions())
	s.Record(publish("old", "a", 0), base)
	s.Record(publish("new", "a", 0), base.Add(time.Minute))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, s.Reap(base.Add(2*time.Minute), 90*time.Second))
	_, ok := s.Snapshot("old")
	assert.False(t, ok)
	_, ok = s.Snapshot("new")
	assert.True(t, ok)
	s.Reset()
	assert.Equal(t, 0, s.Len())
}

func TestReapAcrossBatches(t *testing.T) {
	s := NewStore(1, testOptions())
	for i := 0; i < 3*reapBatch+5; i++ {
		seen := base
		if i%2 == 0 {
			seen = base.Add(time.Minute)
		}
		s.Record(publish(fmt.Sprintf("dev-%d", i), "a", 0), seen)
	}
	assert.Equal(t, (3*reapBatch+5)/2, s.Reap(base.Add(2*time.Minute), 90*time.Second))
	assert.Equal(t, (3*reapBatch+5+1)/2, s.Len())
	assert.Zero(t, s.Reap(base.Add(2*time.Minute), 90*time.Second))
}

func TestShardForIsStable(t *testing.T) {
	s := NewStore(8, testOptions())
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("client-%d", i)
		idx := s.ShardFor(id)
		assert.Equal(t, idx, s.ShardFor(id))
		assert.True(t, idx >= 0 && idx < 8)
	}
}

func TestConfigureAddsWindowFromRetainedRecords(t *testing.T) {
	s := NewStore(1, testOptions())
	for i := 0; i < 30; i++ {
		s.Record(publish("dev", "a", time.Duration(i)*time.Second), base)
	}
	opts := testOptions()
	opts.Windows = append(opts.Windows, 20*time.Second)
	s.Configure(opts)
	snap := s.Record(publish("dev", "a", 30*time.Second), base)
	m, ok := snap.Window(20 * time.Second)
	require.True(t, ok)
	// records at 10s..30s inclusive
	assert.Equal(t, 21, m.Publishes)
}

func TestOptionsNormalizeDropsWindowsBeyondHorizon(t *testing.T) {
	o := Options{Horizon: 10 * time.Second, Windows: []time.Duration{20 * time.Second, 5 * time.Second, 5 * time.Second}}.normalized()
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, o.Windows)
}

// The running counters must always match a recount of the retained records.
func TestCountersMatchRecount(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	opts := testOptions()
	s := NewStore(1, opts)
	kinds := []model.PacketType{
		model.PacketPublish, model.PacketPublish, model.PacketPublish,
		model.PacketConnect, model.PacketDisconnect, model.PacketSubscribe,
		model.PacketPubRec, model.PacketPubComp,
	}
	at := time.Duration(0)
	for i := 0; i < 3000; i++ {
		at += time.Duration(rng.Intn(80)) * time.Millisecond
		ev := model.Event{
			Timestamp:     base.Add(at),
			SourceID:      "dev",
			Kind:          kinds[rng.Intn(len(kinds))],
			Topic:         fmt.Sprintf("t/%d", rng.Intn(20)),
			QoS:           rng.Intn(3),
			Retain:        rng.Intn(4) == 0,
			PayloadLength: rng.Intn(500),
		}
		if rng.Intn(10) == 0 {
			ev.Auth = model.AuthFailure
		}
		s.Record(ev, base)
	}
	sh := s.shards[0]
	e := sh.entries["dev"]
	require.NotNil(t, e)
	for _, w := range e.windows {
		want := newCounters()
		cutoff := e.watermark.Add(-w.dur)
		for i := range e.records {
			if !e.records[i].ts.Before(cutoff) {
				want.add(&e.records[i])
			}
		}
		got := w.c
		assert.Equal(t, want.events, got.events, "events in %s", w.dur)
		assert.Equal(t, want.publishes, got.publishes, "publishes in %s", w.dur)
		assert.Equal(t, want.cycles, got.cycles, "cycles in %s", w.dur)
		assert.Equal(t, want.retained, got.retained, "retained in %s", w.dur)
		assert.Equal(t, want.authFailures, got.authFailures, "auth failures in %s", w.dur)
		assert.Equal(t, want.topics, got.topics, "topics in %s", w.dur)
		assert.Equal(t, want.templates, got.templates, "templates in %s", w.dur)
		assert.InDelta(t, want.payloadSum, got.payloadSum, 0.5, "payload sum in %s", w.dur)
	}
}
