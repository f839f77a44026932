// Package rules holds the fixed detection rule set. Every rule is a pure
// function of the triggering event, the source's window snapshot and the
// rule's configuration.
package rules

import (
	"math"

	"mqttguard/internal/config"
	"mqttguard/internal/model"
	"mqttguard/internal/window"
)

type ID string

const (
	Flood            ID = model.RuleFlood
	WildcardAbuse    ID = model.RuleWildcardAbuse
	TopicEnumeration ID = model.RuleTopicEnumeration
	PayloadAnomaly   ID = model.RulePayloadAnomaly
	RetainQoSAbuse   ID = model.RuleRetainQoSAbuse
	ClientIDConflict ID = model.RuleClientIDConflict
	ReconnectStorm   ID = model.RuleReconnectStorm
	QoS2Abuse        ID = model.RuleQoS2Abuse
	AuthFailure      ID = model.RuleAuthFailure
)

// All lists the rules in evaluation order.
var All = []ID{
	Flood,
	WildcardAbuse,
	TopicEnumeration,
	PayloadAnomaly,
	RetainQoSAbuse,
	ClientIDConflict,
	ReconnectStorm,
	QoS2Abuse,
	AuthFailure,
}

func (id ID) Valid() bool {
	for _, known := range All {
		if id == known {
			return true
		}
	}
	return false
}

type Input struct {
	Event    model.Event
	Snapshot window.Snapshot
	Config   config.RuleConfig
}

// Evaluate runs one rule. A disabled rule, or one without the data it needs,
// never produces a candidate.
func Evaluate(id ID, in Input) (model.Candidate, bool) {
	if !in.Config.Enabled {
		return model.Candidate{}, false
	}
	var (
		cand model.Candidate
		ok   bool
	)
	switch id {
	case Flood:
		cand, ok = flood(in)
	case WildcardAbuse:
		cand, ok = wildcardAbuse(in)
	case TopicEnumeration:
		cand, ok = topicEnumeration(in)
	case PayloadAnomaly:
		cand, ok = payloadAnomaly(in)
	case RetainQoSAbuse:
		cand, ok = retainQoSAbuse(in)
	case ClientIDConflict:
		cand, ok = clientIDConflict(in)
	case ReconnectStorm:
		cand, ok = reconnectStorm(in)
	case QoS2Abuse:
		cand, ok = qos2Abuse(in)
	case AuthFailure:
		cand, ok = authFailure(in)
	}
	if !ok {
		return model.Candidate{}, false
	}
	if sev, set := model.ParseSeverity(in.Config.Severity); set {
		cand.Severity = sev
	}
	return cand, true
}

func newCandidate(id ID, in Input, topic string, sev model.Severity, confidence float64, evidence map[string]any) model.Candidate {
	return model.Candidate{
		RuleID:     string(id),
		SourceID:   in.Event.SourceID,
		Topic:      topic,
		Timestamp:  in.Event.Timestamp,
		Severity:   sev,
		Confidence: clamp01(confidence),
		Evidence:   evidence,
	}
}

// exceeds reports count > threshold and count >= minOccurrences. A zero
// threshold disables the check.
func exceeds(count int, threshold float64, minOccurrences int) bool {
	if threshold <= 0 {
		return false
	}
	return float64(count) > threshold && count >= minOccurrences
}

// scaleSeverity raises base one level at twice the threshold and two levels
// at four times.
func scaleSeverity(base model.Severity, ratio float64) model.Severity {
	steps := 0
	if ratio >= 4 {
		steps = 2
	} else if ratio >= 2 {
		steps = 1
	}
	sev := base
	for ; steps > 0; steps-- {
		switch sev {
		case model.SeverityLow:
			sev = model.SeverityMedium
		case model.SeverityMedium:
			sev = model.SeverityHigh
		default:
			sev = model.SeverityCritical
		}
	}
	return sev
}

// ratioConfidence maps how far a count is over its threshold onto 0.5..1.
func ratioConfidence(ratio float64) float64 {
	if ratio <= 1 {
		return 0.5
	}
	return 0.5 + 0.5*(1-1/ratio)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
