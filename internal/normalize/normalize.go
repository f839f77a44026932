package normalize

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"mqttguard/internal/config"
	"mqttguard/internal/model"
)

// ErrInvalidEvent wraps every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// EventFields is a raw event as extracted by an ingest parser. Every value is
// still text; Normalize owns the semantic checks.
type EventFields struct {
	Timestamp     string
	SourceID      string
	Topic         string
	PacketType    string
	QoS           string
	Retain        string
	Dup           string
	PayloadLength string
	PayloadSample string
	AuthOutcome   string
	AuthReason    string
	ConnAckCode   string
	SrcIP         string
	SrcPort       string
	Username      string
	MsgID         string
	Extras        map[string]string
	Raw           string
}

type Normalizer struct {
	cfg      func() *config.Config
	rejected atomic.Uint64
	OnReject func(reason string)
}

func NewNormalizer(cfg func() *config.Config) *Normalizer {
	if cfg == nil {
		cfg = config.DefaultConfig
	}
	return &Normalizer{cfg: cfg}
}

// Rejected reports how many records failed validation.
func (n *Normalizer) Rejected() uint64 {
	return n.rejected.Load()
}

func (n *Normalizer) Normalize(fields EventFields) (model.Event, error) {
	ev, reason, err := Normalize(fields, n.cfg())
	if err != nil {
		n.rejected.Add(1)
		if n.OnReject != nil {
			n.OnReject(reason)
		}
		return model.Event{}, err
	}
	return ev, nil
}

func reject(reason string, format string, args ...any) (model.Event, string, error) {
	return model.Event{}, reason, fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

// Normalize validates fields and returns the canonical event plus, on
// failure, a short reason label suitable for metrics.
func Normalize(fields EventFields, cfg *config.Config) (model.Event, string, error) {
	parser := cfg.Ingest.Parser

	source := strings.TrimSpace(fields.SourceID)
	if source == "" {
		if !parser.AllowAnonymous {
			return reject("source_id", "missing client id")
		}
		source = parser.DefaultSourceID
	}

	kind, ok := ParsePacketType(fields.PacketType)
	if !ok {
		return reject("packet_type", "unknown packet type %q", fields.PacketType)
	}

	loc := location(parser.Timezone)
	ts := time.Now().UTC()
	if strings.TrimSpace(fields.Timestamp) != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return reject("timestamp", "parse timestamp: %v", err)
		}
		ts = parsed.UTC()
	}

	qos := 0
	if v := strings.TrimSpace(fields.QoS); v != "" {
		q, err := parseInt(v)
		if err != nil || q < 0 || q > 2 {
			return reject("qos", "qos must be 0, 1 or 2, got %q", v)
		}
		qos = q
	}

	sample := fields.PayloadSample
	payloadLen := len(sample)
	payloadKnown := sample != ""
	if v := strings.TrimSpace(fields.PayloadLength); v != "" {
		l, err := parseInt(v)
		if err != nil || l < 0 {
			return reject("payload_length", "payload_length must be >= 0, got %q", v)
		}
		payloadLen = l
		payloadKnown = true
	}
	if limit := parser.MaxSampleBytes; limit > 0 && len(sample) > limit {
		sample = truncateUTF8(sample, limit)
	}

	origin, originIP := buildOrigin(fields.SrcIP, fields.SrcPort)

	return model.Event{
		Timestamp:     ts,
		SourceID:      source,
		Topic:         strings.TrimSpace(fields.Topic),
		Kind:          kind,
		QoS:           qos,
		Retain:        ParseBool(fields.Retain),
		Dup:           ParseBool(fields.Dup),
		PayloadLength: payloadLen,
		PayloadSample: sample,
		PayloadKnown:  payloadKnown,
		Auth:          ParseAuthOutcome(fields.AuthOutcome, fields.ConnAckCode, fields.AuthReason),
		Origin:        origin,
		OriginIP:      originIP,
		Username:      strings.TrimSpace(fields.Username),
		MsgID:         strings.TrimSpace(fields.MsgID),
		Source:        "log",
	}, "", nil
}

var locations sync.Map

// location resolves a zone name once; unknown names fall back to UTC.
func location(name string) *time.Location {
	if name == "" || name == "UTC" {
		return time.UTC
	}
	if l, ok := locations.Load(name); ok {
		return l.(*time.Location)
	}
	l, err := time.LoadLocation(name)
	if err != nil {
		l = time.UTC
	}
	locations.Store(name, l)
	return l
}

func ParsePacketType(value string) (model.PacketType, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return model.PacketTypeFromCode(n)
	}
	// exports sometimes carry "MQTT PUBLISH" or "publish_message"
	v = strings.ToUpper(v)
	v = strings.TrimPrefix(v, "MQTT ")
	v = strings.TrimSuffix(v, "_MESSAGE")
	return model.ParsePacketType(v)
}

func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "y", "t":
		return true
	}
	return false
}

// ParseAuthOutcome prefers an explicit outcome, then the CONNACK return code,
// then the presence of an auth/disconnect reason.
func ParseAuthOutcome(outcome, connAck, reason string) model.AuthOutcome {
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case "success", "ok", "accepted", "allow", "allowed", "granted":
		return model.AuthSuccess
	case "failure", "fail", "failed", "denied", "rejected", "reject", "unauthorized", "bad_credentials":
		return model.AuthFailure
	}
	if code := strings.TrimSpace(connAck); code != "" {
		if n, err := parseInt(code); err == nil {
			if n == 0 {
				return model.AuthSuccess
			}
			return model.AuthFailure
		}
	}
	if strings.TrimSpace(reason) != "" {
		return model.AuthFailure
	}
	return model.AuthUnknown
}

func buildOrigin(ip, port string) (string, string) {
	ip = strings.TrimSpace(ip)
	port = strings.TrimSpace(port)
	if ip == "" {
		return "", ""
	}
	if port == "" {
		return ip, ip
	}
	return net.JoinHostPort(ip, port), ip
}

// parseInt accepts "2" as well as "2.0", which spreadsheet exports produce.
func parseInt(value string) (int, error) {
	if n, err := strconv.Atoi(value); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("not an integer: %q", value)
	}
	return int(f), nil
}

func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05.000000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		return parseUnix(value)
	}
	if isDecimal(value) {
		return parseEpochFraction(value)
	}
	for _, layout := range timestampLayouts {
		if layout == "Jan 02 15:04:05" || layout == "Jan 2 15:04:05" {
			if t, err := time.ParseInLocation(layout, value, loc); err == nil {
				now := time.Now().In(loc)
				return time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func isDecimal(value string) bool {
	dot := strings.IndexByte(value, '.')
	if dot <= 0 || dot == len(value)-1 {
		return false
	}
	return isNumeric(value[:dot]) && isNumeric(value[dot+1:])
}

// Epoch values outside this range are rejected rather than guessed at.
var (
	minEpoch = time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC)
	maxEpoch = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

// parseUnix picks the unit from the digit count: up to 10 digits are
// seconds, 13 milliseconds, 16 microseconds and 19 nanoseconds. Lengths in
// between round up to the next unit.
func parseUnix(value string) (time.Time, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var ts time.Time
	switch digits := len(strings.TrimLeft(value, "0")); {
	case digits <= 10:
		ts = time.Unix(n, 0)
	case digits <= 13:
		ts = time.UnixMilli(n)
	case digits <= 16:
		ts = time.UnixMicro(n)
	case digits <= 19:
		ts = time.Unix(0, n)
	default:
		return time.Time{}, fmt.Errorf("epoch %q has too many digits", value)
	}
	if ts.Before(minEpoch) || ts.After(maxEpoch) {
		return time.Time{}, fmt.Errorf("epoch %q is out of range", value)
	}
	return ts.UTC(), nil
}

// parseEpochFraction handles frame.time_epoch style values ("1700000000.123456").
func parseEpochFraction(value string) (time.Time, error) {
	dot := strings.IndexByte(value, '.')
	sec, err := strconv.ParseInt(value[:dot], 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	frac := value[dot+1:]
	if len(frac) > 9 {
		frac = frac[:9]
	}
	frac += strings.Repeat("0", 9-len(frac))
	nsec, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	ts := time.Unix(sec, nsec)
	if ts.Before(minEpoch) || ts.After(maxEpoch) {
		return time.Time{}, fmt.Errorf("epoch %q is out of range", value)
	}
	return ts.UTC(), nil
}
