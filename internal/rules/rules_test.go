package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqttguard/internal/config"
	"mqttguard/internal/model"
	"mqttguard/internal/window"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore() *window.Store {
	return window.NewStore(1, window.OptionsFromConfig(config.DefaultConfig()))
}

func ruleConfig(id ID) config.RuleConfig {
	return config.DefaultRules()[string(id)]
}

func TestFloodBelowAndAboveThreshold(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(Flood)
	var snap window.Snapshot
	var ev model.Event
	for i := 0; i < 100; i++ {
		ev = model.Event{Timestamp: base.Add(time.Duration(i) * 20 * time.Millisecond), SourceID: "dev", Topic: "t", Kind: model.PacketPublish}
		snap = store.Record(ev, base)
	}
	_, fired := Evaluate(Flood, Input{Event: ev, Snapshot: snap, Config: cfg})
	assert.False(t, fired, "a count equal to the threshold does not fire")

	ev.Timestamp = base.Add(2 * time.Second)
	snap = store.Record(ev, base)
	cand, fired := Evaluate(Flood, Input{Event: ev, Snapshot: snap, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, model.SeverityMedium, cand.Severity)
	assert.Equal(t, "dev", cand.SourceID)
}

func TestFloodRatio(t *testing.T) {
	store := newStore()
	var snap window.Snapshot
	var ev model.Event
	for i := 0; i < 250; i++ {
		ev = model.Event{Timestamp: base.Add(time.Duration(i) * 20 * time.Millisecond), SourceID: "dev", Topic: "t", Kind: model.PacketPublish}
		snap = store.Record(ev, base)
	}
	cand, fired := Evaluate(Flood, Input{Event: ev, Snapshot: snap, Config: ruleConfig(Flood)})
	require.True(t, fired)
	assert.Equal(t, 2.5, cand.Evidence["ratio"])
	assert.Equal(t, model.SeverityHigh, cand.Severity)
	assert.Equal(t, 250, cand.Evidence["publishes"])
}

func TestWildcardAbuse(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(WildcardAbuse)
	cases := []struct {
		filter string
		fire   bool
		sev    model.Severity
	}{
		{"#", true, model.SeverityHigh},
		{"$SYS/#", true, model.SeverityHigh},
		{"$SYS/broker/clients", true, model.SeverityHigh},
		{"$share/workers/jobs/new", true, model.SeverityHigh},
		{"$queue/jobs", true, model.SeverityHigh},
		{"+/#", true, model.SeverityMedium},
		{"+/+", true, model.SeverityMedium},
		{"home/+/temp", false, ""},
		{"home/kitchen/temp", false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.filter, func(t *testing.T) {
			ev := model.Event{Timestamp: base, SourceID: "sub", Topic: tc.filter, Kind: model.PacketSubscribe}
			snap := store.Record(ev, base)
			cand, fired := Evaluate(WildcardAbuse, Input{Event: ev, Snapshot: snap, Config: cfg})
			assert.Equal(t, tc.fire, fired)
			if tc.fire {
				assert.Equal(t, tc.sev, cand.Severity)
				assert.Equal(t, tc.filter, cand.Topic)
			}
		})
	}
}

func TestWildcardIgnoresPublish(t *testing.T) {
	ev := model.Event{Timestamp: base, SourceID: "p", Topic: "#", Kind: model.PacketPublish}
	_, fired := Evaluate(WildcardAbuse, Input{Event: ev, Config: ruleConfig(WildcardAbuse)})
	assert.False(t, fired)
}

func TestTopicEnumeration(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(TopicEnumeration)
	cfg.SequenceThreshold = 0
	var snap window.Snapshot
	var ev model.Event
	for i := 0; i < 21; i++ {
		ev = model.Event{Timestamp: base.Add(time.Duration(i) * time.Second), SourceID: "scan", Topic: fmt.Sprintf("scan/t%c", 'a'+i), Kind: model.PacketSubscribe}
		snap = store.Record(ev, base)
	}
	cand, fired := Evaluate(TopicEnumeration, Input{Event: ev, Snapshot: snap, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, "distinct_topics", cand.Evidence["reason"])
	assert.Equal(t, 21, cand.Evidence["distinct_topics"])
}

func TestTopicEnumerationSequence(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(TopicEnumeration)
	var snap window.Snapshot
	var ev model.Event
	for i := 0; i < 10; i++ {
		ev = model.Event{Timestamp: base.Add(time.Duration(i) * time.Second), SourceID: "scan", Topic: fmt.Sprintf("camera/%d/stream", i), Kind: model.PacketPublish}
		snap = store.Record(ev, base)
	}
	cand, fired := Evaluate(TopicEnumeration, Input{Event: ev, Snapshot: snap, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, "sequential_topics", cand.Evidence["reason"])
	assert.Equal(t, "camera/#n/stream", cand.Evidence["template"])
}

func TestPayloadHardCap(t *testing.T) {
	ev := model.Event{Timestamp: base, SourceID: "dev", Topic: "t", Kind: model.PacketPublish, PayloadLength: 20000}
	cand, fired := Evaluate(PayloadAnomaly, Input{Event: ev, Config: ruleConfig(PayloadAnomaly)})
	require.True(t, fired)
	assert.Equal(t, model.SeverityHigh, cand.Severity)
	assert.Equal(t, "hard_cap", cand.Evidence["reason"])
}

func TestPayloadBelowMinSize(t *testing.T) {
	cfg := ruleConfig(PayloadAnomaly)
	empty := model.Event{Timestamp: base, SourceID: "dev", Topic: "t", Kind: model.PacketPublish, PayloadKnown: true}
	cand, fired := Evaluate(PayloadAnomaly, Input{Event: empty, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, "below_min_size", cand.Evidence["reason"])

	retainedClear := empty
	retainedClear.Retain = true
	_, fired = Evaluate(PayloadAnomaly, Input{Event: retainedClear, Config: cfg})
	assert.False(t, fired, "an empty retained publish clears the retained message")

	unknown := empty
	unknown.PayloadKnown = false
	_, fired = Evaluate(PayloadAnomaly, Input{Event: unknown, Config: cfg})
	assert.False(t, fired, "records without a payload length are not judged")
}

func TestPayloadBand(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(PayloadAnomaly)
	for i := 0; i < 30; i++ {
		ev := model.Event{Timestamp: base.Add(time.Duration(i) * time.Second), SourceID: "dev", Topic: "t", Kind: model.PacketPublish, PayloadLength: 40 + i%3}
		snap := store.Record(ev, base)
		_, fired := Evaluate(PayloadAnomaly, Input{Event: ev, Snapshot: snap, Config: cfg})
		assert.False(t, fired, "event %d", i)
	}
	ev := model.Event{Timestamp: base.Add(31 * time.Second), SourceID: "dev", Topic: "t", Kind: model.PacketPublish, PayloadLength: 400}
	snap := store.Record(ev, base)
	cand, fired := Evaluate(PayloadAnomaly, Input{Event: ev, Snapshot: snap, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, "above_band", cand.Evidence["reason"])
	assert.Equal(t, "t", cand.Topic)
}

func TestPayloadBandNeedsHistory(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(PayloadAnomaly)
	store.Record(model.Event{Timestamp: base, SourceID: "dev", Topic: "t", Kind: model.PacketPublish, PayloadLength: 10}, base)
	ev := model.Event{Timestamp: base.Add(time.Second), SourceID: "dev", Topic: "t", Kind: model.PacketPublish, PayloadLength: 5000}
	snap := store.Record(ev, base)
	_, fired := Evaluate(PayloadAnomaly, Input{Event: ev, Snapshot: snap, Config: cfg})
	assert.False(t, fired)
}

func TestPayloadStructure(t *testing.T) {
	cfg := ruleConfig(PayloadAnomaly)
	cfg.Expect = map[string]string{"sensors/+/temp": "numeric", "cams/#": "json"}

	bad := model.Event{Timestamp: base, SourceID: "d", Topic: "sensors/1/temp", Kind: model.PacketPublish, PayloadSample: "hot", PayloadLength: 3}
	cand, fired := Evaluate(PayloadAnomaly, Input{Event: bad, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, "structure", cand.Evidence["reason"])

	good := model.Event{Timestamp: base, SourceID: "d", Topic: "sensors/1/temp", Kind: model.PacketPublish, PayloadSample: "21.5", PayloadLength: 4}
	_, fired = Evaluate(PayloadAnomaly, Input{Event: good, Config: cfg})
	assert.False(t, fired)

	truncated := model.Event{Timestamp: base, SourceID: "d", Topic: "cams/front", Kind: model.PacketPublish, PayloadSample: `{"a":`, PayloadLength: 900}
	_, fired = Evaluate(PayloadAnomaly, Input{Event: truncated, Config: cfg})
	assert.False(t, fired)
}

func TestRetainCount(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(RetainQoSAbuse)
	cfg.RatioThreshold = 0
	var snap window.Snapshot
	var ev model.Event
	for i := 0; i < 21; i++ {
		ev = model.Event{Timestamp: base.Add(time.Duration(i) * time.Second), SourceID: "r", Topic: fmt.Sprintf("x/%d", i), Kind: model.PacketPublish, Retain: true}
		snap = store.Record(ev, base)
	}
	cand, fired := Evaluate(RetainQoSAbuse, Input{Event: ev, Snapshot: snap, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, "retained_count", cand.Evidence["reason"])
}

func TestRetainRatio(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(RetainQoSAbuse)
	var snap window.Snapshot
	var ev model.Event
	for i := 0; i < 10; i++ {
		ev = model.Event{Timestamp: base.Add(time.Duration(i) * time.Second), SourceID: "r", Topic: "x", Kind: model.PacketPublish, Retain: true}
		snap = store.Record(ev, base)
	}
	cand, fired := Evaluate(RetainQoSAbuse, Input{Event: ev, Snapshot: snap, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, "retain_ratio", cand.Evidence["reason"])
}

func TestQoSEscalation(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(RetainQoSAbuse)
	var snap window.Snapshot
	var ev model.Event
	at := time.Duration(0)
	for i := 0; i < 20; i++ {
		ev = model.Event{Timestamp: base.Add(at), SourceID: "q", Topic: "x", Kind: model.PacketPublish}
		snap = store.Record(ev, base)
		at += time.Second
	}
	for i := 0; i < 10; i++ {
		ev = model.Event{Timestamp: base.Add(at), SourceID: "q", Topic: "x", Kind: model.PacketPublish, QoS: 2}
		snap = store.Record(ev, base)
		at += time.Second
	}
	cand, fired := Evaluate(RetainQoSAbuse, Input{Event: ev, Snapshot: snap, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, "qos_escalation", cand.Evidence["reason"])
}

func TestClientIDConflict(t *testing.T) {
	idx := window.NewIdentityIndex()
	cfg := ruleConfig(ClientIDConflict)
	first := model.Event{Timestamp: base, SourceID: "cam-1", Kind: model.PacketConnect, Origin: "10.0.0.1:4000", OriginIP: "10.0.0.1"}
	second := first
	second.Timestamp = base.Add(time.Second)
	second.Origin, second.OriginIP = "10.9.9.9:6000", "10.9.9.9"

	snap := window.Snapshot{Identity: idx.Connect(first.SourceID, first.Origin, first.OriginIP, first.Timestamp, base, cfg.Window())}
	_, fired := Evaluate(ClientIDConflict, Input{Event: first, Snapshot: snap, Config: cfg})
	assert.False(t, fired)

	snap = window.Snapshot{Identity: idx.Connect(second.SourceID, second.Origin, second.OriginIP, second.Timestamp, base, cfg.Window())}
	cand, fired := Evaluate(ClientIDConflict, Input{Event: second, Snapshot: snap, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, model.SeverityHigh, cand.Severity)
	assert.Equal(t, "10.0.0.1:4000", cand.Evidence["previous_origin"])
}

func TestReconnectStorm(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(ReconnectStorm)
	var fired bool
	var cand model.Candidate
	at := time.Duration(0)
	for i := 0; i < 11; i++ {
		store.Record(model.Event{Timestamp: base.Add(at), SourceID: "c", Kind: model.PacketConnect}, base)
		at += 100 * time.Millisecond
		ev := model.Event{Timestamp: base.Add(at), SourceID: "c", Kind: model.PacketDisconnect}
		snap := store.Record(ev, base)
		at += 100 * time.Millisecond
		cand, fired = Evaluate(ReconnectStorm, Input{Event: ev, Snapshot: snap, Config: cfg})
		if i < 10 {
			assert.False(t, fired, "cycle %d", i+1)
		}
	}
	require.True(t, fired)
	assert.Equal(t, model.SeverityHigh, cand.Severity)
	assert.Equal(t, 11, cand.Evidence["reconnect_cycles"])
}

func TestQoS2IncompleteHandshakes(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(QoS2Abuse)
	var snap window.Snapshot
	var ev model.Event
	for i := 0; i < 20; i++ {
		ev = model.Event{Timestamp: base.Add(time.Duration(i) * time.Second), SourceID: "q2", Topic: "x", Kind: model.PacketPublish, QoS: 2}
		snap = store.Record(ev, base)
	}
	ev = model.Event{Timestamp: base.Add(26 * time.Second), SourceID: "q2", Kind: model.PacketPubComp}
	snap = store.Record(ev, base)
	cand, fired := Evaluate(QoS2Abuse, Input{Event: ev, Snapshot: snap, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, "incomplete_handshakes", cand.Evidence["reason"])
	assert.Equal(t, 20, cand.Evidence["settled"])
	assert.Equal(t, model.SeverityMedium, cand.Severity)
}

func TestQoS2PipelinedBurstDoesNotFire(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(QoS2Abuse)
	at := time.Duration(0)
	record := func(kind model.PacketType) bool {
		ev := model.Event{Timestamp: base.Add(at), SourceID: "q2", Topic: "x", Kind: kind, QoS: 2}
		at += 5 * time.Millisecond
		snap := store.Record(ev, base)
		_, fired := Evaluate(QoS2Abuse, Input{Event: ev, Snapshot: snap, Config: cfg})
		return fired
	}
	for i := 0; i < 10; i++ {
		require.False(t, record(model.PacketPublish), "publish %d", i)
	}
	for i := 0; i < 10; i++ {
		for _, kind := range []model.PacketType{model.PacketPubRec, model.PacketPubRel, model.PacketPubComp} {
			require.False(t, record(kind), "%s %d", kind, i)
		}
	}
	at += 10 * time.Second
	assert.False(t, record(model.PacketPublish), "completed handshakes are not incomplete once settled")
}

func TestQoS2WithoutGraceCountsInFlight(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(QoS2Abuse)
	cfg.HandshakeTimeout = 0
	var fired bool
	for i := 0; i < 10; i++ {
		ev := model.Event{Timestamp: base.Add(time.Duration(i) * time.Millisecond), SourceID: "q2", Topic: "x", Kind: model.PacketPublish, QoS: 2}
		snap := store.Record(ev, base)
		_, fired = Evaluate(QoS2Abuse, Input{Event: ev, Snapshot: snap, Config: cfg})
	}
	assert.True(t, fired)
}

func TestQoS2CompletedHandshakesDoNotFire(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(QoS2Abuse)
	var fired bool
	at := time.Duration(0)
	for i := 0; i < 20; i++ {
		for _, kind := range []model.PacketType{model.PacketPublish, model.PacketPubRec, model.PacketPubRel, model.PacketPubComp} {
			ev := model.Event{Timestamp: base.Add(at), SourceID: "q2", Topic: "x", Kind: kind, QoS: 2}
			snap := store.Record(ev, base)
			_, f := Evaluate(QoS2Abuse, Input{Event: ev, Snapshot: snap, Config: cfg})
			at += 10 * time.Millisecond
			if kind == model.PacketPubComp {
				fired = fired || f
			}
		}
	}
	assert.False(t, fired)
}

func TestAuthFailure(t *testing.T) {
	store := newStore()
	cfg := ruleConfig(AuthFailure)
	var cand model.Candidate
	var fired bool
	for i := 0; i < 10; i++ {
		ev := model.Event{Timestamp: base.Add(time.Duration(i) * time.Second), SourceID: "brute", Kind: model.PacketConnAck, Auth: model.AuthFailure}
		snap := store.Record(ev, base)
		cand, fired = Evaluate(AuthFailure, Input{Event: ev, Snapshot: snap, Config: cfg})
	}
	require.True(t, fired)
	assert.Equal(t, model.SeverityCritical, cand.Severity)
}

func TestDisabledRuleAndSeverityOverride(t *testing.T) {
	ev := model.Event{Timestamp: base, SourceID: "s", Topic: "#", Kind: model.PacketSubscribe}
	cfg := ruleConfig(WildcardAbuse)
	cfg.Severity = "critical"
	cand, fired := Evaluate(WildcardAbuse, Input{Event: ev, Config: cfg})
	require.True(t, fired)
	assert.Equal(t, model.SeverityCritical, cand.Severity)

	cfg.Enabled = false
	_, fired = Evaluate(WildcardAbuse, Input{Event: ev, Config: cfg})
	assert.False(t, fired)
}

func TestTopicMatches(t *testing.T) {
	assert.True(t, TopicMatches("a/+/c", "a/b/c"))
	assert.True(t, TopicMatches("a/#", "a/b/c"))
	assert.True(t, TopicMatches("a/#", "a"))
	assert.False(t, TopicMatches("a/+", "a/b/c"))
	assert.False(t, TopicMatches("#", "$SYS/x"))
	assert.True(t, TopicMatches("$SYS/#", "$SYS/x"))
}

func TestScaleSeverity(t *testing.T) {
	assert.Equal(t, model.SeverityMedium, scaleSeverity(model.SeverityMedium, 1.5))
	assert.Equal(t, model.SeverityHigh, scaleSeverity(model.SeverityMedium, 2))
	assert.Equal(t, model.SeverityCritical, scaleSeverity(model.SeverityMedium, 4))
	assert.Equal(t, model.SeverityCritical, scaleSeverity(model.SeverityHigh, 2))
}
