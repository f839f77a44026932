package rules

import (
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"mqttguard/internal/model"
)

func payloadAnomaly(in Input) (model.Candidate, bool) {
	ev := in.Event
	if ev.Kind != model.PacketPublish {
		return model.Candidate{}, false
	}
	length := ev.PayloadLength
	if in.Config.Threshold > 0 && float64(length) > in.Config.Threshold {
		return newCandidate(PayloadAnomaly, in, ev.Topic, model.SeverityHigh, 0.9, map[string]any{
			"reason":         "hard_cap",
			"payload_length": length,
			"threshold":      in.Config.Threshold,
		}), true
	}
	// an empty retained publish clears the retained message and is normal
	if ev.PayloadKnown && length < in.Config.MinSize && !(ev.Retain && length == 0) {
		return newCandidate(PayloadAnomaly, in, ev.Topic, model.SeverityMedium, 0.7, map[string]any{
			"reason":         "below_min_size",
			"payload_length": length,
			"min_size":       in.Config.MinSize,
		}), true
	}
	if filter, format, ok := failedExpectation(in); ok {
		return newCandidate(PayloadAnomaly, in, ev.Topic, model.SeverityMedium, 0.8, map[string]any{
			"reason":         "structure",
			"filter":         filter,
			"expected":       format,
			"payload_length": length,
		}), true
	}
	return bandDeviation(in)
}

// failedExpectation checks the payload sample against the first matching
// expect filter, in sorted filter order. Truncated samples are skipped.
func failedExpectation(in Input) (string, string, bool) {
	if len(in.Config.Expect) == 0 || in.Event.PayloadSample == "" {
		return "", "", false
	}
	if len(in.Event.PayloadSample) != in.Event.PayloadLength {
		return "", "", false
	}
	filters := make([]string, 0, len(in.Config.Expect))
	for f := range in.Config.Expect {
		filters = append(filters, f)
	}
	sort.Strings(filters)
	for _, f := range filters {
		if !TopicMatches(f, in.Event.Topic) {
			continue
		}
		format := in.Config.Expect[f]
		if !conforms(in.Event.PayloadSample, format) {
			return f, format, true
		}
		return "", "", false
	}
	return "", "", false
}

func conforms(sample, format string) bool {
	switch format {
	case "json":
		return json.Valid([]byte(sample))
	case "numeric":
		_, err := strconv.ParseFloat(strings.TrimSpace(sample), 64)
		return err == nil
	}
	return true
}

func bandDeviation(in Input) (model.Candidate, bool) {
	view := in.Snapshot.Topic
	if !view.Tracked || len(view.Lengths) < in.Config.MinOccurrences || len(view.Lengths) == 0 {
		return model.Candidate{}, false
	}
	lowPct, highPct := 1.0, 99.0
	if len(in.Config.Band) == 2 {
		lowPct, highPct = in.Config.Band[0], in.Config.Band[1]
	}
	low, _ := view.Percentile(lowPct)
	high, _ := view.Percentile(highPct)
	length := float64(in.Event.PayloadLength)

	var deviation float64
	var reason string
	switch {
	case length > high:
		deviation = (length - high) / max(high, 1)
		reason = "above_band"
	case length < low:
		deviation = (low - length) / max(low, 1)
		reason = "below_band"
	default:
		return model.Candidate{}, false
	}
	if deviation <= in.Config.Tolerance {
		return model.Candidate{}, false
	}
	return newCandidate(PayloadAnomaly, in, in.Event.Topic, model.SeverityMedium, ratioConfidence(1+deviation), map[string]any{
		"reason":         reason,
		"payload_length": in.Event.PayloadLength,
		"band_low":       low,
		"band_high":      high,
		"deviation":      round(deviation),
		"samples":        len(view.Lengths),
	}), true
}
