package ingest

import (
	"encoding/csv"
	"regexp"
	"strconv"
	"strings"

	"mqttguard/internal/normalize"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+-Z]+)`)
	reKV        = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.]*)=("(?:[^"\\]|\\.)*"|\S+)`)
	reSyslogTS  = regexp.MustCompile(`^\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
)

// fieldAliases maps every accepted column or key name onto the field it
// fills. The dotted names are the ones tshark/pcap exports of MQTT use.
var fieldAliases = map[string]func(f *normalize.EventFields, v string){
	"timestamp":        func(f *normalize.EventFields, v string) { f.Timestamp = v },
	"time":             func(f *normalize.EventFields, v string) { f.Timestamp = v },
	"ts":               func(f *normalize.EventFields, v string) { f.Timestamp = v },
	"frame.time_epoch": func(f *normalize.EventFields, v string) { f.Timestamp = v },
	"client_id":        func(f *normalize.EventFields, v string) { f.SourceID = v },
	"clientid":         func(f *normalize.EventFields, v string) { f.SourceID = v },
	"mqtt.clientid":    func(f *normalize.EventFields, v string) { f.SourceID = v },
	"device_id":        func(f *normalize.EventFields, v string) { f.SourceID = v },
	"topic":            func(f *normalize.EventFields, v string) { f.Topic = v },
	"mqtt.topic":       func(f *normalize.EventFields, v string) { f.Topic = v },
	"topicfilter":      func(f *normalize.EventFields, v string) { f.Topic = v },
	"mqtt.topicfilter": func(f *normalize.EventFields, v string) { f.Topic = v },
	"packet_type":      func(f *normalize.EventFields, v string) { f.PacketType = v },
	"mqtt.msgtype":     func(f *normalize.EventFields, v string) { f.PacketType = v },
	"msg_type":         func(f *normalize.EventFields, v string) { f.PacketType = v },
	"qos":              func(f *normalize.EventFields, v string) { f.QoS = v },
	"mqtt.qos":         func(f *normalize.EventFields, v string) { f.QoS = v },
	"retain":           func(f *normalize.EventFields, v string) { f.Retain = v },
	"mqtt.retain":      func(f *normalize.EventFields, v string) { f.Retain = v },
	"dupflag":          func(f *normalize.EventFields, v string) { f.Dup = v },
	"dup_flag":         func(f *normalize.EventFields, v string) { f.Dup = v },
	"mqtt.dupflag":     func(f *normalize.EventFields, v string) { f.Dup = v },
	"payload_length":   func(f *normalize.EventFields, v string) { f.PayloadLength = v },
	"payload_len":      func(f *normalize.EventFields, v string) { f.PayloadLength = v },
	"mqtt.len":         func(f *normalize.EventFields, v string) { f.PayloadLength = v },
	"payload_sample":   func(f *normalize.EventFields, v string) { f.PayloadSample = v },
	"payload":          func(f *normalize.EventFields, v string) { f.PayloadSample = v },
	"mqtt.msg":         func(f *normalize.EventFields, v string) { f.PayloadSample = v },
	"src_ip":           func(f *normalize.EventFields, v string) { f.SrcIP = v },
	"ip.src":           func(f *normalize.EventFields, v string) { f.SrcIP = v },
	"src_port":         func(f *normalize.EventFields, v string) { f.SrcPort = v },
	"tcp.srcport":      func(f *normalize.EventFields, v string) { f.SrcPort = v },
	"username":         func(f *normalize.EventFields, v string) { f.Username = v },
	"mqtt.username":    func(f *normalize.EventFields, v string) { f.Username = v },
	"msgid":            func(f *normalize.EventFields, v string) { f.MsgID = v },
	"mqtt.msgid":       func(f *normalize.EventFields, v string) { f.MsgID = v },
	"connack_code":     func(f *normalize.EventFields, v string) { f.ConnAckCode = v },
	"mqtt.conack.val":  func(f *normalize.EventFields, v string) { f.ConnAckCode = v },
	"auth_reason":      func(f *normalize.EventFields, v string) { f.AuthReason = v },
	"auth_outcome":     func(f *normalize.EventFields, v string) { f.AuthOutcome = v },
}

// positional is the column order assumed for CSV rows without a header.
var positional = []string{"timestamp", "client_id", "packet_type", "topic", "qos", "payload_length"}

type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine accepts a JSON object, a CSV row or a key=value line. It returns
// nil fields for blank lines and CSV headers.
func (p *Parser) ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if fields, err := ParseJSONBytes([]byte(trim)); err == nil {
			fields.Raw = line
			return fields, nil
		}
	}
	if strings.Contains(trim, ",") && !p.looksLikeKV(trim) {
		fields, err := p.csv.Parse(trim)
		if err == nil {
			if fields == nil {
				return nil, nil
			}
			fields.Raw = line
			return fields, nil
		}
	}
	fields := parsePlain(trim)
	fields.Raw = line
	return fields, nil
}

// looksLikeKV keeps "a=1, b=2" lines away from the CSV parser until a CSV
// header has been seen.
func (p *Parser) looksLikeKV(line string) bool {
	return !p.csv.HasHeader() && len(reKV.FindAllStringIndex(line, 2)) >= 2
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	ts, rest := extractTimestamp(line)
	fields.Timestamp = ts

	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		value := strings.TrimRight(match[2], ",")
		if strings.HasPrefix(value, `"`) {
			if unq, err := strconv.Unquote(value); err == nil {
				value = unq
			}
		}
		assignField(fields, match[1], value)
	}

	if fields.SourceID == "" && rest != "" {
		tokens := strings.Fields(rest)
		if len(tokens) > 0 && !strings.Contains(tokens[0], "=") {
			fields.SourceID = tokens[0]
		}
	}
	if fields.Timestamp == "" {
		if ts2, _ := extractTimestamp(rest); ts2 != "" {
			fields.Timestamp = ts2
		}
	}
	return fields
}

func extractTimestamp(line string) (string, string) {
	m := reTimestamp.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	m = reSyslogTS.FindStringSubmatchIndex(line)
	if len(m) >= 4 {
		ts := strings.TrimSpace(line[m[2]:m[3]])
		rest := strings.TrimSpace(line[m[3]:])
		return ts, rest
	}
	return "", line
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) HasHeader() bool {
	return p.header != nil
}

func (p *CSVParser) Parse(line string) (*normalize.EventFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	r.LazyQuotes = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	columns := p.header
	if columns == nil {
		columns = positional
	}
	fields := &normalize.EventFields{Extras: map[string]string{}}
	for i, name := range columns {
		if i >= len(record) {
			break
		}
		assignField(fields, name, record[i])
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		if _, ok := fieldAliases[strings.ToLower(strings.TrimSpace(v))]; ok {
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

// assignField stores value under its canonical field, or in Extras when the
// name is not a known alias.
func assignField(fields *normalize.EventFields, name string, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	if set, ok := fieldAliases[name]; ok {
		set(fields, value)
		return
	}
	if fields.Extras != nil {
		fields.Extras[name] = value
	}
}
