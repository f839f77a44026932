package rules

import (
	"strings"

	"mqttguard/internal/model"
)

func wildcardAbuse(in Input) (model.Candidate, bool) {
	if in.Event.Kind != model.PacketSubscribe {
		return model.Candidate{}, false
	}
	filter := strings.TrimSpace(in.Event.Topic)
	if filter == "" {
		return model.Candidate{}, false
	}
	evidence := map[string]any{"filter": filter}
	broad := filter == "#" || isSystemTopic(filter)
	for _, listed := range in.Config.Filters {
		if filter == listed {
			evidence["reason"] = "listed_filter"
			sev := model.SeverityMedium
			if broad {
				sev = model.SeverityHigh
			}
			return newCandidate(WildcardAbuse, in, filter, sev, 0.9, evidence), true
		}
	}
	if isSystemTopic(filter) {
		evidence["reason"] = "system_topic"
		return newCandidate(WildcardAbuse, in, filter, model.SeverityHigh, 0.8, evidence), true
	}
	if hasWildcard(filter) {
		literal := literalLevels(filter)
		if float64(literal) < in.Config.Threshold {
			evidence["reason"] = "broad_wildcard"
			evidence["literal_levels"] = literal
			return newCandidate(WildcardAbuse, in, filter, model.SeverityMedium, 0.6, evidence), true
		}
	}
	return model.Candidate{}, false
}

// reservedPrefixes are broker namespaces an ordinary device has no reason to
// subscribe to: broker internals and shared or queued subscriptions.
var reservedPrefixes = []string{"$SYS/", "$share/", "$queue/"}

func isSystemTopic(filter string) bool {
	if filter == "$SYS" {
		return true
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(filter, p) {
			return true
		}
	}
	return false
}

func hasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

func literalLevels(filter string) int {
	n := 0
	for _, level := range strings.Split(filter, "/") {
		if level != "" && level != "+" && level != "#" {
			n++
		}
	}
	return n
}

// TopicMatches reports whether topic is covered by the MQTT topic filter.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	// wildcards at the first level never match $-prefixed topics
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
