package rules

import (
	"mqttguard/internal/model"
)

func clientIDConflict(in Input) (model.Candidate, bool) {
	if in.Event.Kind != model.PacketConnect {
		return model.Candidate{}, false
	}
	id := in.Snapshot.Identity
	if !id.Conflict || float64(id.LiveOrigins) <= in.Config.Threshold {
		return model.Candidate{}, false
	}
	return newCandidate(ClientIDConflict, in, "", model.SeverityHigh, 0.9, map[string]any{
		"origin":          id.Origin,
		"previous_origin": id.PreviousOrigin,
		"previous_seen":   id.PreviousSeen,
		"live_origins":    id.LiveOrigins,
		"clients_on_ip":   id.ClientsOnIP,
		"window_seconds":  in.Config.WindowSeconds,
	}), true
}

func reconnectStorm(in Input) (model.Candidate, bool) {
	if in.Event.Kind != model.PacketDisconnect {
		return model.Candidate{}, false
	}
	m, ok := in.Snapshot.Window(in.Config.Window())
	if !ok || !exceeds(m.ReconnectCycles, in.Config.Threshold, in.Config.MinOccurrences) {
		return model.Candidate{}, false
	}
	ratio := float64(m.ReconnectCycles) / in.Config.Threshold
	return newCandidate(ReconnectStorm, in, "", scaleSeverity(model.SeverityHigh, ratio), ratioConfidence(ratio), map[string]any{
		"reconnect_cycles": m.ReconnectCycles,
		"connects":         m.Connects,
		"disconnects":      m.Disconnects,
		"threshold":        in.Config.Threshold,
		"window_seconds":   in.Config.WindowSeconds,
	}), true
}

func authFailure(in Input) (model.Candidate, bool) {
	if in.Event.Auth != model.AuthFailure {
		return model.Candidate{}, false
	}
	m, ok := in.Snapshot.Window(in.Config.Window())
	if !ok || !exceeds(m.AuthFailures, in.Config.Threshold, in.Config.MinOccurrences) {
		return model.Candidate{}, false
	}
	ratio := float64(m.AuthFailures) / in.Config.Threshold
	sev := model.SeverityHigh
	if ratio >= 2 {
		sev = model.SeverityCritical
	}
	evidence := map[string]any{
		"auth_failures":  m.AuthFailures,
		"threshold":      in.Config.Threshold,
		"window_seconds": in.Config.WindowSeconds,
	}
	if in.Event.Username != "" {
		evidence["username"] = in.Event.Username
	}
	if in.Snapshot.Identity.ClientsOnIP > 0 {
		evidence["clients_on_ip"] = in.Snapshot.Identity.ClientsOnIP
	}
	return newCandidate(AuthFailure, in, "", sev, ratioConfidence(ratio), evidence), true
}
