package window

import (
	"math"
	"strings"
	"time"

	"mqttguard/internal/model"
)

// record is the compact form of an event kept inside an entry's deque.
type record struct {
	ts         time.Time
	kind       model.PacketType
	topic      string
	template   string
	qos        int
	retain     bool
	cycle      bool
	escalation bool
	authFail   bool
	payload    int
}

// counters are the running sums of one window. They are only ever changed by
// add and remove so that they always describe the records between the
// window's head and the end of the deque.
type counters struct {
	events        int
	publishes     int
	connects      int
	disconnects   int
	cycles        int
	retained      int
	escalations   int
	qos2Publishes int
	pubRec        int
	pubRel        int
	pubComp       int
	authFailures  int
	payloadSum    float64
	payloadSq     float64
	topics        map[string]int
	templates     map[string]int
}

func newCounters() counters {
	return counters{topics: make(map[string]int), templates: make(map[string]int)}
}

func (c *counters) add(r *record) {
	c.events++
	switch r.kind {
	case model.PacketPublish:
		c.publishes++
		p := float64(r.payload)
		c.payloadSum += p
		c.payloadSq += p * p
		if r.retain {
			c.retained++
		}
		if r.qos == 2 {
			c.qos2Publishes++
		}
		if r.escalation {
			c.escalations++
		}
	case model.PacketConnect:
		c.connects++
	case model.PacketDisconnect:
		c.disconnects++
		if r.cycle {
			c.cycles++
		}
	case model.PacketPubRec:
		c.pubRec++
	case model.PacketPubRel:
		c.pubRel++
	case model.PacketPubComp:
		c.pubComp++
	}
	if r.authFail {
		c.authFailures++
	}
	if tracksTopic(r) {
		if c.topics[r.topic] == 0 {
			c.templates[r.template]++
		}
		c.topics[r.topic]++
	}
}

func (c *counters) remove(r *record) {
	c.events--
	switch r.kind {
	case model.PacketPublish:
		c.publishes--
		p := float64(r.payload)
		c.payloadSum -= p
		c.payloadSq -= p * p
		if c.publishes == 0 {
			// clear float drift once the window holds no publishes
			c.payloadSum, c.payloadSq = 0, 0
		}
		if r.retain {
			c.retained--
		}
		if r.qos == 2 {
			c.qos2Publishes--
		}
		if r.escalation {
			c.escalations--
		}
	case model.PacketConnect:
		c.connects--
	case model.PacketDisconnect:
		c.disconnects--
		if r.cycle {
			c.cycles--
		}
	case model.PacketPubRec:
		c.pubRec--
	case model.PacketPubRel:
		c.pubRel--
	case model.PacketPubComp:
		c.pubComp--
	}
	if r.authFail {
		c.authFailures--
	}
	if tracksTopic(r) {
		n := c.topics[r.topic]
		if n <= 1 {
			delete(c.topics, r.topic)
			if t := c.templates[r.template]; t <= 1 {
				delete(c.templates, r.template)
			} else {
				c.templates[r.template] = t - 1
			}
		} else {
			c.topics[r.topic] = n - 1
		}
	}
}

// tracksTopic reports whether a record counts towards topic diversity.
// Publishes and subscriptions touch topics; acks and session packets do not.
func tracksTopic(r *record) bool {
	if r.topic == "" {
		return false
	}
	switch r.kind {
	case model.PacketPublish, model.PacketSubscribe, model.PacketUnsubscribe:
		return true
	}
	return false
}

type window struct {
	dur  time.Duration
	head int
	c    counters
}

// Metrics is the read-only view of one window.
type Metrics struct {
	Window          time.Duration `json:"window"`
	Events          int           `json:"events"`
	Publishes       int           `json:"publishes"`
	PublishRate     float64       `json:"publish_rate"`
	DistinctTopics  int           `json:"distinct_topics"`
	SequenceTopics  int           `json:"sequence_topics"`
	Connects        int           `json:"connects"`
	Disconnects     int           `json:"disconnects"`
	ReconnectCycles int           `json:"reconnect_cycles"`
	Retained        int           `json:"retained"`
	RetainRatio     float64       `json:"retain_ratio"`
	QoSEscalations  int           `json:"qos_escalations"`
	QoS2Publishes   int           `json:"qos2_publishes"`
	PubRec          int           `json:"pubrec"`
	PubRel          int           `json:"pubrel"`
	PubComp         int           `json:"pubcomp"`
	QoS2Initiated   int           `json:"qos2_initiated"`
	QoS2Completion  float64       `json:"qos2_completion_ratio"`
	AuthFailures    int           `json:"auth_failures"`
	PayloadMean     float64       `json:"payload_mean"`
	PayloadStdDev   float64       `json:"payload_stddev"`
}

func (w *window) metrics(template string) Metrics {
	c := &w.c
	m := Metrics{
		Window:          w.dur,
		Events:          c.events,
		Publishes:       c.publishes,
		DistinctTopics:  len(c.topics),
		Connects:        c.connects,
		Disconnects:     c.disconnects,
		ReconnectCycles: c.cycles,
		Retained:        c.retained,
		QoSEscalations:  c.escalations,
		QoS2Publishes:   c.qos2Publishes,
		PubRec:          c.pubRec,
		PubRel:          c.pubRel,
		PubComp:         c.pubComp,
		AuthFailures:    c.authFailures,
		QoS2Completion:  1,
	}
	if template != "" {
		m.SequenceTopics = c.templates[template]
	}
	if secs := w.dur.Seconds(); secs > 0 {
		m.PublishRate = float64(c.publishes) / secs
	}
	if c.publishes > 0 {
		n := float64(c.publishes)
		m.RetainRatio = float64(c.retained) / n
		m.PayloadMean = c.payloadSum / n
		variance := c.payloadSq/n - m.PayloadMean*m.PayloadMean
		if variance > 0 {
			m.PayloadStdDev = math.Sqrt(variance)
		}
	}
	m.QoS2Initiated = c.qos2Publishes
	if c.pubRec > m.QoS2Initiated {
		m.QoS2Initiated = c.pubRec
	}
	if m.QoS2Initiated > 0 {
		m.QoS2Completion = float64(c.pubComp) / float64(m.QoS2Initiated)
	}
	return m
}

// topicTemplate collapses numeric topic levels so enumerated names such as
// sensor/17 and sensor/18 share one template.
func topicTemplate(topic string) string {
	if topic == "" {
		return ""
	}
	levels := strings.Split(topic, "/")
	changed := false
	for i, level := range levels {
		if level == "" {
			continue
		}
		prefix := strings.TrimRightFunc(level, isDigit)
		if prefix == level {
			continue
		}
		levels[i] = prefix + "#n"
		changed = true
	}
	if !changed {
		return topic
	}
	return strings.Join(levels, "/")
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
