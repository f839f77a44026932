package engine

import (
	"strings"

	"mqttguard/internal/config"
	"mqttguard/internal/model"
)

// SuppressionSet drops candidates for trusted sources, globally or per rule.
type SuppressionSet struct {
	Sources map[string]struct{}
	ByRule  map[string]map[string]struct{}
}

func buildSuppression(cfg *config.Config) *SuppressionSet {
	return &SuppressionSet{
		Sources: buildSourceSet(cfg.Suppression.Sources),
		ByRule:  buildSourceMap(cfg.Suppression.Rules),
	}
}

func buildSourceSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		id := strings.TrimSpace(v)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func buildSourceMap(values map[string][]string) map[string]map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]map[string]struct{}, len(values))
	for rule, list := range values {
		set := buildSourceSet(list)
		if len(set) == 0 {
			continue
		}
		out[rule] = set
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *SuppressionSet) Suppressed(c model.Candidate) bool {
	if s == nil {
		return false
	}
	if _, ok := s.Sources[c.SourceID]; ok {
		return true
	}
	if set, ok := s.ByRule[c.RuleID]; ok {
		if _, ok := set[c.SourceID]; ok {
			return true
		}
	}
	return false
}
