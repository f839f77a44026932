package rules

import (
	"mqttguard/internal/model"
	"mqttguard/internal/window"
)

func flood(in Input) (model.Candidate, bool) {
	if in.Event.Kind != model.PacketPublish {
		return model.Candidate{}, false
	}
	m, ok := in.Snapshot.Window(in.Config.Window())
	if !ok || !exceeds(m.Publishes, in.Config.Threshold, in.Config.MinOccurrences) {
		return model.Candidate{}, false
	}
	ratio := float64(m.Publishes) / in.Config.Threshold
	return newCandidate(Flood, in, "", scaleSeverity(model.SeverityMedium, ratio), ratioConfidence(ratio), map[string]any{
		"publishes":      m.Publishes,
		"publish_rate":   round(m.PublishRate),
		"threshold":      in.Config.Threshold,
		"window_seconds": in.Config.WindowSeconds,
		"ratio":          round(ratio),
	}), true
}

func topicEnumeration(in Input) (model.Candidate, bool) {
	switch in.Event.Kind {
	case model.PacketPublish, model.PacketSubscribe, model.PacketUnsubscribe:
	default:
		return model.Candidate{}, false
	}
	m, ok := in.Snapshot.Window(in.Config.Window())
	if !ok {
		return model.Candidate{}, false
	}
	if exceeds(m.DistinctTopics, in.Config.Threshold, in.Config.MinOccurrences) {
		ratio := float64(m.DistinctTopics) / in.Config.Threshold
		sev := model.SeverityMedium
		if ratio >= 2 {
			sev = model.SeverityHigh
		}
		return newCandidate(TopicEnumeration, in, "", sev, ratioConfidence(ratio), map[string]any{
			"reason":          "distinct_topics",
			"distinct_topics": m.DistinctTopics,
			"threshold":       in.Config.Threshold,
			"window_seconds":  in.Config.WindowSeconds,
		}), true
	}
	seq := in.Config.SequenceThreshold
	if seq > 0 && m.SequenceTopics >= seq {
		ratio := float64(m.SequenceTopics) / float64(seq)
		sev := model.SeverityMedium
		if ratio >= 2 {
			sev = model.SeverityHigh
		}
		return newCandidate(TopicEnumeration, in, "", sev, ratioConfidence(ratio), map[string]any{
			"reason":             "sequential_topics",
			"template":           in.Snapshot.Topic.Template,
			"sequence_topics":    m.SequenceTopics,
			"sequence_threshold": seq,
			"window_seconds":     in.Config.WindowSeconds,
		}), true
	}
	return model.Candidate{}, false
}

func retainQoSAbuse(in Input) (model.Candidate, bool) {
	if in.Event.Kind != model.PacketPublish {
		return model.Candidate{}, false
	}
	m, ok := in.Snapshot.Window(in.Config.Window())
	if !ok {
		return model.Candidate{}, false
	}
	evidence := map[string]any{
		"publishes":       m.Publishes,
		"retained":        m.Retained,
		"retain_ratio":    round(m.RetainRatio),
		"qos_escalations": m.QoSEscalations,
		"window_seconds":  in.Config.WindowSeconds,
	}
	switch {
	case in.Event.Retain && exceeds(m.Retained, in.Config.Threshold, 0):
		evidence["reason"] = "retained_count"
		ratio := float64(m.Retained) / in.Config.Threshold
		return newCandidate(RetainQoSAbuse, in, "", model.SeverityMedium, ratioConfidence(ratio), evidence), true
	case in.Event.Retain && in.Config.RatioThreshold > 0 && m.Publishes >= in.Config.MinOccurrences && m.RetainRatio > in.Config.RatioThreshold:
		evidence["reason"] = "retain_ratio"
		return newCandidate(RetainQoSAbuse, in, "", model.SeverityMedium, m.RetainRatio, evidence), true
	case in.Config.MinOccurrences > 0 && m.QoSEscalations >= in.Config.MinOccurrences && in.Snapshot.Topic.BaselineReady && in.Event.QoS > in.Snapshot.Topic.BaselineQoS:
		evidence["reason"] = "qos_escalation"
		evidence["baseline_qos"] = in.Snapshot.Topic.BaselineQoS
		return newCandidate(RetainQoSAbuse, in, "", model.SeverityMedium, 0.7, evidence), true
	}
	return model.Candidate{}, false
}

func qos2Abuse(in Input) (model.Candidate, bool) {
	switch in.Event.Kind {
	case model.PacketPublish:
		if in.Event.QoS != 2 {
			return model.Candidate{}, false
		}
	case model.PacketPubRec, model.PacketPubRel, model.PacketPubComp:
	default:
		return model.Candidate{}, false
	}
	m, ok := in.Snapshot.Window(in.Config.Window())
	if !ok {
		return model.Candidate{}, false
	}
	evidence := map[string]any{
		"initiated":        m.QoS2Initiated,
		"qos2_publishes":   m.QoS2Publishes,
		"pubrec":           m.PubRec,
		"pubrel":           m.PubRel,
		"pubcomp":          m.PubComp,
		"completion_ratio": round(m.QoS2Completion),
		"window_seconds":   in.Config.WindowSeconds,
	}
	if in.Config.Threshold > 0 && float64(m.QoS2Initiated) > in.Config.Threshold {
		evidence["reason"] = "handshake_volume"
		ratio := float64(m.QoS2Initiated) / in.Config.Threshold
		return newCandidate(QoS2Abuse, in, "", model.SeverityHigh, ratioConfidence(ratio), evidence), true
	}
	if in.Config.MinOccurrences <= 0 {
		return model.Candidate{}, false
	}
	settled, completion, ok := settledHandshakes(in, m)
	if ok && settled >= in.Config.MinOccurrences && completion < in.Config.CompletionRatio {
		evidence["reason"] = "incomplete_handshakes"
		evidence["settled"] = settled
		evidence["completion_ratio"] = round(completion)
		return newCandidate(QoS2Abuse, in, "", model.SeverityMedium, 1-completion, evidence), true
	}
	return model.Candidate{}, false
}

// settledHandshakes counts the initiations older than the handshake grace
// and the completion ratio over them. Handshakes still inside the grace are
// in flight, not incomplete.
func settledHandshakes(in Input, m window.Metrics) (int, float64, bool) {
	grace := in.Config.HandshakeGrace()
	if grace <= 0 {
		return m.QoS2Initiated, m.QoS2Completion, true
	}
	recent, ok := in.Snapshot.Window(grace)
	if !ok {
		return 0, 1, false
	}
	settled := m.QoS2Initiated - recent.QoS2Initiated
	if settled <= 0 {
		return 0, 1, true
	}
	completion := float64(m.PubComp) / float64(settled)
	if completion > 1 {
		completion = 1
	}
	return settled, completion, true
}
