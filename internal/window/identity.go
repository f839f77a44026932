package window

import (
	"sync"
	"time"
)

// Identity is what the identity index knows about a CONNECT.
type Identity struct {
	Conflict       bool      `json:"conflict"`
	Origin         string    `json:"origin,omitempty"`
	PreviousOrigin string    `json:"previous_origin,omitempty"`
	PreviousSeen   time.Time `json:"previous_seen,omitempty"`
	LiveOrigins    int       `json:"live_origins"`
	ClientsOnIP    int       `json:"clients_on_ip"`
}

// IdentityIndex tracks which origins currently hold a client id and which
// client ids connect from an IP. It is the only state shared across shards
// and is guarded by a single mutex.
type IdentityIndex struct {
	mu       sync.Mutex
	bySource map[string]map[string]time.Time
	byIP     map[string]map[string]time.Time
	touched  map[string]time.Time
}

func NewIdentityIndex() *IdentityIndex {
	return &IdentityIndex{
		bySource: make(map[string]map[string]time.Time),
		byIP:     make(map[string]map[string]time.Time),
		touched:  make(map[string]time.Time),
	}
}

// Connect registers origin as live for sourceID at event time ts. It reports
// a conflict when a different origin connected with the same id within
// window and has not disconnected since. An empty origin is never compared.
func (x *IdentityIndex) Connect(sourceID, origin, ip string, ts, now time.Time, window time.Duration) Identity {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.touched[sourceID] = now
	id := Identity{Origin: origin}
	if origin == "" {
		return id
	}
	origins := x.bySource[sourceID]
	if origins == nil {
		origins = make(map[string]time.Time)
		x.bySource[sourceID] = origins
	}
	for o, seen := range origins {
		if ts.Sub(seen) > window {
			delete(origins, o)
			continue
		}
		if o == origin {
			continue
		}
		if !id.Conflict || seen.After(id.PreviousSeen) {
			id.Conflict = true
			id.PreviousOrigin = o
			id.PreviousSeen = seen
		}
	}
	origins[origin] = ts
	id.LiveOrigins = len(origins)

	if ip != "" {
		clients := x.byIP[ip]
		if clients == nil {
			clients = make(map[string]time.Time)
			x.byIP[ip] = clients
		}
		for c, seen := range clients {
			if ts.Sub(seen) > window {
				delete(clients, c)
			}
		}
		clients[sourceID] = ts
		id.ClientsOnIP = len(clients)
	}
	return id
}

// Disconnect releases origin. With an empty origin every origin of the source
// is released, since the broker only closes the session it knows about.
func (x *IdentityIndex) Disconnect(sourceID, origin string, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.touched[sourceID] = now
	origins := x.bySource[sourceID]
	if origins == nil {
		return
	}
	if origin == "" {
		delete(x.bySource, sourceID)
		return
	}
	delete(origins, origin)
	if len(origins) == 0 {
		delete(x.bySource, sourceID)
	}
}

// ClientsForIP returns how many distinct client ids connected from ip.
func (x *IdentityIndex) ClientsForIP(ip string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.byIP[ip])
}

// LiveOrigins returns the origins currently registered for sourceID.
func (x *IdentityIndex) LiveOrigins(sourceID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]string, 0, len(x.bySource[sourceID]))
	for o := range x.bySource[sourceID] {
		out = append(out, o)
	}
	return out
}

// Sweep forgets sources not touched since now-idle.
func (x *IdentityIndex) Sweep(now time.Time, idle time.Duration) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	cutoff := now.Add(-idle)
	removed := 0
	for id, seen := range x.touched {
		if !seen.Before(cutoff) {
			continue
		}
		delete(x.touched, id)
		delete(x.bySource, id)
		removed++
	}
	for ip, clients := range x.byIP {
		for c := range clients {
			if _, ok := x.touched[c]; !ok {
				delete(clients, c)
			}
		}
		if len(clients) == 0 {
			delete(x.byIP, ip)
		}
	}
	return removed
}

func (x *IdentityIndex) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.bySource = make(map[string]map[string]time.Time)
	x.byIP = make(map[string]map[string]time.Time)
	x.touched = make(map[string]time.Time)
}
