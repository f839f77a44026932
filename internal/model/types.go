package model

import (
	"strings"
	"time"
)

type PacketType string

const (
	PacketConnect     PacketType = "CONNECT"
	PacketConnAck     PacketType = "CONNACK"
	PacketPublish     PacketType = "PUBLISH"
	PacketPubAck      PacketType = "PUBACK"
	PacketPubRec      PacketType = "PUBREC"
	PacketPubRel      PacketType = "PUBREL"
	PacketPubComp     PacketType = "PUBCOMP"
	PacketSubscribe   PacketType = "SUBSCRIBE"
	PacketSubAck      PacketType = "SUBACK"
	PacketUnsubscribe PacketType = "UNSUBSCRIBE"
	PacketUnsubAck    PacketType = "UNSUBACK"
	PacketPingReq     PacketType = "PINGREQ"
	PacketPingResp    PacketType = "PINGRESP"
	PacketDisconnect  PacketType = "DISCONNECT"
	PacketAuth        PacketType = "AUTH"
)

// packetTypeByCode maps MQTT control packet type numbers to names.
var packetTypeByCode = map[int]PacketType{
	1:  PacketConnect,
	2:  PacketConnAck,
	3:  PacketPublish,
	4:  PacketPubAck,
	5:  PacketPubRec,
	6:  PacketPubRel,
	7:  PacketPubComp,
	8:  PacketSubscribe,
	9:  PacketSubAck,
	10: PacketUnsubscribe,
	11: PacketUnsubAck,
	12: PacketPingReq,
	13: PacketPingResp,
	14: PacketDisconnect,
	15: PacketAuth,
}

func PacketTypeFromCode(code int) (PacketType, bool) {
	pt, ok := packetTypeByCode[code]
	return pt, ok
}

func ParsePacketType(value string) (PacketType, bool) {
	v := PacketType(strings.ToUpper(strings.TrimSpace(value)))
	for _, pt := range packetTypeByCode {
		if pt == v {
			return pt, true
		}
	}
	return "", false
}

type AuthOutcome string

const (
	AuthUnknown AuthOutcome = "unknown"
	AuthSuccess AuthOutcome = "success"
	AuthFailure AuthOutcome = "failure"
)

type Event struct {
	Timestamp     time.Time   `json:"timestamp"`
	SourceID      string      `json:"source_id"`
	Topic         string      `json:"topic,omitempty"`
	Kind          PacketType  `json:"kind"`
	QoS           int         `json:"qos"`
	Retain        bool        `json:"retain"`
	Dup           bool        `json:"dup"`
	PayloadLength int         `json:"payload_length"`
	PayloadSample string      `json:"payload_sample,omitempty"`
	// PayloadKnown is set when the record carried a length or a sample.
	PayloadKnown bool `json:"payload_known,omitempty"`
	Auth          AuthOutcome `json:"auth_outcome"`
	Origin        string      `json:"origin,omitempty"`
	OriginIP      string      `json:"origin_ip,omitempty"`
	Username      string      `json:"username,omitempty"`
	MsgID         string      `json:"msgid,omitempty"`
	Source        string      `json:"source,omitempty"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

func ParseSeverity(value string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(value)))
	if s.Rank() == 0 {
		return "", false
	}
	return s, true
}

// Candidate is a single rule trigger before aggregation.
type Candidate struct {
	RuleID     string         `json:"rule_id"`
	SourceID   string         `json:"source_id"`
	Topic      string         `json:"topic,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Severity   Severity       `json:"severity"`
	Confidence float64        `json:"confidence"`
	Evidence   map[string]any `json:"evidence,omitempty"`
}

type Alert struct {
	ID              string         `json:"id"`
	RuleID          string         `json:"rule_id"`
	SourceID        string         `json:"source_id"`
	Topic           string         `json:"topic,omitempty"`
	FirstSeen       time.Time      `json:"first_seen"`
	LastSeen        time.Time      `json:"last_seen"`
	OccurrenceCount int            `json:"occurrence_count"`
	Severity        Severity       `json:"severity"`
	Confidence      float64        `json:"confidence"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	ClosedAt        time.Time      `json:"closed_at"`
	CloseReason     string         `json:"close_reason,omitempty"`
}

const (
	RuleFlood            = "flood"
	RuleWildcardAbuse    = "wildcard_abuse"
	RuleTopicEnumeration = "topic_enumeration"
	RulePayloadAnomaly   = "payload_anomaly"
	RuleRetainQoSAbuse   = "retain_qos_abuse"
	RuleClientIDConflict = "client_id_conflict"
	RuleReconnectStorm   = "reconnect_storm"
	RuleQoS2Abuse        = "qos2_abuse"
	RuleAuthFailure      = "auth_failure"
)

// RuleIDs lists every rule in evaluation order.
var RuleIDs = []string{
	RuleFlood,
	RuleWildcardAbuse,
	RuleTopicEnumeration,
	RulePayloadAnomaly,
	RuleRetainQoSAbuse,
	RuleClientIDConflict,
	RuleReconnectStorm,
	RuleQoS2Abuse,
	RuleAuthFailure,
}
