package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"mqttguard/internal/model"
)

type Config struct {
	LogLevel    string                `json:"log_level" yaml:"log_level"`
	LogFormat   string                `json:"log_format" yaml:"log_format"`
	Ingest      IngestConfig          `json:"ingest" yaml:"ingest"`
	Engine      EngineConfig          `json:"engine" yaml:"engine"`
	Rules       map[string]RuleConfig `json:"rules" yaml:"rules"`
	Aggregator  AggregatorConfig      `json:"aggregator" yaml:"aggregator"`
	Suppression SuppressionConfig     `json:"suppression" yaml:"suppression"`
	API         APIConfig             `json:"api" yaml:"api"`
	Storage     StorageConfig         `json:"storage" yaml:"storage"`
	Alerts      AlertsConfig          `json:"alerts" yaml:"alerts"`
}

type IngestConfig struct {
	REST      RESTConfig      `json:"rest" yaml:"rest"`
	Syslog    SyslogConfig    `json:"syslog" yaml:"syslog"`
	TCPStream TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail  FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
	MQTT      MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	Parser    ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type SyslogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	UDPAddr string `json:"udp_addr" yaml:"udp_addr"`
	TCPAddr string `json:"tcp_addr" yaml:"tcp_addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// MQTTConfig subscribes to the topic a broker-monitoring collaborator
// publishes its event records on.
type MQTTConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Broker   string   `json:"broker" yaml:"broker"`
	ClientID string   `json:"client_id" yaml:"client_id"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	Topics   []string `json:"topics" yaml:"topics"`
	QoS      int      `json:"qos" yaml:"qos"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
	Queue   string `json:"queue" yaml:"queue"`
}

type ParserConfig struct {
	Timezone        string `json:"timezone" yaml:"timezone"`
	DefaultSourceID string `json:"default_source_id" yaml:"default_source_id"`
	AllowAnonymous  bool   `json:"allow_anonymous" yaml:"allow_anonymous"`
	MaxSampleBytes  int    `json:"max_sample_bytes" yaml:"max_sample_bytes"`
}

type EngineConfig struct {
	Workers            int           `json:"workers" yaml:"workers"`
	QueueSize          int           `json:"queue_size" yaml:"queue_size"`
	OverflowPolicy     string        `json:"overflow_policy" yaml:"overflow_policy"`
	Horizon            time.Duration `json:"horizon" yaml:"horizon"`
	IdleHorizon        time.Duration `json:"idle_horizon" yaml:"idle_horizon"`
	ReapInterval       time.Duration `json:"reap_interval" yaml:"reap_interval"`
	DrainTimeout       time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	RuleFaultCooldown  time.Duration `json:"rule_fault_cooldown" yaml:"rule_fault_cooldown"`
	DedupeWindow       time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	MaxClockSkew       time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew      time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
	MaxTopicsPerSource int           `json:"max_topics_per_source" yaml:"max_topics_per_source"`
	PayloadSamples     int           `json:"payload_samples" yaml:"payload_samples"`
	BaselineSamples    int           `json:"baseline_samples" yaml:"baseline_samples"`
}

const (
	OverflowDropOldest = "drop_oldest"
	OverflowReject     = "reject"
)

// RuleConfig holds the thresholds of one rule. Threshold, WindowSeconds and
// MinOccurrences are shared by every rule; the remaining fields are read only
// by the rules that need them.
type RuleConfig struct {
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	Threshold         float64           `json:"threshold_value" yaml:"threshold_value"`
	WindowSeconds     int               `json:"window_seconds" yaml:"window_seconds"`
	MinOccurrences    int               `json:"min_occurrences" yaml:"min_occurrences"`
	Severity          string            `json:"severity,omitempty" yaml:"severity,omitempty"`
	Filters           []string          `json:"filters,omitempty" yaml:"filters,omitempty"`
	SequenceThreshold int               `json:"sequence_threshold,omitempty" yaml:"sequence_threshold,omitempty"`
	RatioThreshold    float64           `json:"ratio_threshold,omitempty" yaml:"ratio_threshold,omitempty"`
	CompletionRatio   float64           `json:"completion_ratio,omitempty" yaml:"completion_ratio,omitempty"`
	HandshakeTimeout  int               `json:"handshake_timeout_seconds,omitempty" yaml:"handshake_timeout_seconds,omitempty"`
	MinSize           int               `json:"min_size,omitempty" yaml:"min_size,omitempty"`
	Band              []float64         `json:"band,omitempty" yaml:"band,omitempty"`
	Tolerance         float64           `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	Expect            map[string]string `json:"expect,omitempty" yaml:"expect,omitempty"`
}

func (r RuleConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// HandshakeGrace is how long a QoS 2 publish may stay unacknowledged before
// it counts as incomplete.
func (r RuleConfig) HandshakeGrace() time.Duration {
	return time.Duration(r.HandshakeTimeout) * time.Second
}

type AggregatorConfig struct {
	Cooldown      time.Duration `json:"cooldown" yaml:"cooldown"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	Stripes       int           `json:"stripes" yaml:"stripes"`
}

type SuppressionConfig struct {
	Sources []string            `json:"sources" yaml:"sources"`
	Rules   map[string][]string `json:"rules" yaml:"rules"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	StoreLimit int             `json:"store_limit" yaml:"store_limit"`
	Kafka      KafkaSinkConfig `json:"kafka" yaml:"kafka"`
}

type KafkaSinkConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

func DefaultRules() map[string]RuleConfig {
	return map[string]RuleConfig{
		model.RuleFlood: {
			Enabled: true, Threshold: 100, WindowSeconds: 5, MinOccurrences: 1,
		},
		model.RuleWildcardAbuse: {
			Enabled: true, Threshold: 1,
			Filters: []string{"#", "+/#", "$SYS/#"},
		},
		model.RuleTopicEnumeration: {
			Enabled: true, Threshold: 20, WindowSeconds: 60, MinOccurrences: 1,
			SequenceThreshold: 10,
		},
		model.RulePayloadAnomaly: {
			Enabled: true, Threshold: 10000, MinOccurrences: 20, MinSize: 1,
			Band: []float64{1, 99}, Tolerance: 0.5,
		},
		model.RuleRetainQoSAbuse: {
			Enabled: true, Threshold: 20, WindowSeconds: 60, MinOccurrences: 10,
			RatioThreshold: 0.8,
		},
		model.RuleClientIDConflict: {
			Enabled: true, Threshold: 1, WindowSeconds: 10, MinOccurrences: 1,
		},
		model.RuleReconnectStorm: {
			Enabled: true, Threshold: 10, WindowSeconds: 10, MinOccurrences: 1,
		},
		model.RuleQoS2Abuse: {
			Enabled: true, Threshold: 200, WindowSeconds: 60, MinOccurrences: 10,
			CompletionRatio: 0.5, HandshakeTimeout: 5,
		},
		model.RuleAuthFailure: {
			Enabled: true, Threshold: 5, WindowSeconds: 60, MinOccurrences: 1,
		},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			REST:      RESTConfig{Enabled: true, Addr: ":8080"},
			Syslog:    SyslogConfig{Enabled: false, UDPAddr: ":5514", TCPAddr: ":5514"},
			TCPStream: TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:  FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:     KafkaConfig{Enabled: false},
			MQTT:      MQTTConfig{Enabled: false, ClientID: "mqttguard", Topics: []string{"mqttguard/events"}, QoS: 1},
			NATS:      NATSConfig{Enabled: false, Subject: "mqttguard.events"},
			Parser:    ParserConfig{Timezone: "UTC", DefaultSourceID: "unknown", MaxSampleBytes: 256},
		},
		Engine: EngineConfig{
			Workers:            runtime.NumCPU(),
			QueueSize:          4096,
			OverflowPolicy:     OverflowDropOldest,
			Horizon:            60 * time.Second,
			IdleHorizon:        5 * time.Minute,
			ReapInterval:       30 * time.Second,
			DrainTimeout:       5 * time.Second,
			RuleFaultCooldown:  30 * time.Second,
			DedupeWindow:       0,
			MaxFutureSkew:      5 * time.Minute,
			MaxTopicsPerSource: 256,
			PayloadSamples:     128,
			BaselineSamples:    20,
		},
		Rules: DefaultRules(),
		Aggregator: AggregatorConfig{
			Cooldown:      30 * time.Second,
			SweepInterval: 1 * time.Second,
			Stripes:       16,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:mqttguard.db?_pragma=busy_timeout(5000)"},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes a JSON or YAML document on top of the defaults. Rules that
// are present in the document replace the default entry for that rule only.
func Parse(content []byte) (*Config, error) {
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	cfg := DefaultConfig()
	cfg.Rules = nil
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
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

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	merged := DefaultRules()
	for id, rc := range cfg.Rules {
		merged[id] = rc
	}
	cfg.Rules = merged
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = def.Engine.Workers
	}
	if cfg.Engine.QueueSize <= 0 {
		cfg.Engine.QueueSize = def.Engine.QueueSize
	}
	if cfg.Engine.OverflowPolicy == "" {
		cfg.Engine.OverflowPolicy = OverflowDropOldest
	}
	if cfg.Engine.Horizon <= 0 {
		cfg.Engine.Horizon = def.Engine.Horizon
	}
	if cfg.Engine.IdleHorizon <= 0 {
		cfg.Engine.IdleHorizon = def.Engine.IdleHorizon
	}
	if cfg.Engine.ReapInterval <= 0 {
		cfg.Engine.ReapInterval = def.Engine.ReapInterval
	}
	if cfg.Engine.DrainTimeout <= 0 {
		cfg.Engine.DrainTimeout = def.Engine.DrainTimeout
	}
	if cfg.Engine.RuleFaultCooldown <= 0 {
		cfg.Engine.RuleFaultCooldown = def.Engine.RuleFaultCooldown
	}
	if cfg.Engine.MaxTopicsPerSource <= 0 {
		cfg.Engine.MaxTopicsPerSource = def.Engine.MaxTopicsPerSource
	}
	if cfg.Engine.PayloadSamples <= 0 {
		cfg.Engine.PayloadSamples = def.Engine.PayloadSamples
	}
	if cfg.Engine.BaselineSamples <= 0 {
		cfg.Engine.BaselineSamples = def.Engine.BaselineSamples
	}
	if cfg.Aggregator.SweepInterval <= 0 {
		cfg.Aggregator.SweepInterval = def.Aggregator.SweepInterval
	}
	if cfg.Aggregator.Stripes <= 0 {
		cfg.Aggregator.Stripes = def.Aggregator.Stripes
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.Parser.DefaultSourceID == "" {
		cfg.Ingest.Parser.DefaultSourceID = "unknown"
	}
	if cfg.Ingest.Parser.MaxSampleBytes <= 0 {
		cfg.Ingest.Parser.MaxSampleBytes = def.Ingest.Parser.MaxSampleBytes
	}
	if cfg.Ingest.MQTT.ClientID == "" {
		cfg.Ingest.MQTT.ClientID = def.Ingest.MQTT.ClientID
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Syslog.Enabled && cfg.Ingest.Syslog.UDPAddr == "" && cfg.Ingest.Syslog.TCPAddr == "" {
		return errors.New("ingest.syslog.udp_addr or tcp_addr required when ingest.syslog.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MQTT.Enabled {
		if cfg.Ingest.MQTT.Broker == "" || len(cfg.Ingest.MQTT.Topics) == 0 {
			return errors.New("ingest.mqtt requires broker and topics")
		}
		if cfg.Ingest.MQTT.QoS < 0 || cfg.Ingest.MQTT.QoS > 2 {
			return errors.New("ingest.mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.Ingest.NATS.Enabled && (cfg.Ingest.NATS.URL == "" || cfg.Ingest.NATS.Subject == "") {
		return errors.New("ingest.nats requires url and subject")
	}
	if cfg.Alerts.Kafka.Enabled && (len(cfg.Alerts.Kafka.Brokers) == 0 || cfg.Alerts.Kafka.Topic == "") {
		return errors.New("alerts.kafka requires brokers and topic")
	}
	switch cfg.Engine.OverflowPolicy {
	case OverflowDropOldest, OverflowReject:
	default:
		return fmt.Errorf("engine.overflow_policy must be %q or %q", OverflowDropOldest, OverflowReject)
	}
	if cfg.Aggregator.Cooldown < 0 {
		return errors.New("aggregator.cooldown must be >= 0")
	}
	known := make(map[string]struct{}, len(model.RuleIDs))
	for _, id := range model.RuleIDs {
		known[id] = struct{}{}
	}
	for id, rc := range cfg.Rules {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("rules: unknown rule %q", id)
		}
		if err := validateRule(id, rc); err != nil {
			return err
		}
		if rc.Enabled && rc.Window() > cfg.Engine.Horizon {
			return fmt.Errorf("rules.%s.window_seconds exceeds engine.horizon %s", id, cfg.Engine.Horizon)
		}
	}
	for id := range cfg.Suppression.Rules {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("suppression.rules: unknown rule %q", id)
		}
	}
	return nil
}

func validateRule(id string, rc RuleConfig) error {
	if rc.Threshold < 0 {
		return fmt.Errorf("rules.%s.threshold_value must be >= 0", id)
	}
	if rc.WindowSeconds < 0 {
		return fmt.Errorf("rules.%s.window_seconds must be >= 0", id)
	}
	if rc.MinOccurrences < 0 {
		return fmt.Errorf("rules.%s.min_occurrences must be >= 0", id)
	}
	if rc.Severity != "" {
		if _, ok := model.ParseSeverity(rc.Severity); !ok {
			return fmt.Errorf("rules.%s.severity: unknown severity %q", id, rc.Severity)
		}
	}
	if len(rc.Band) != 0 {
		if len(rc.Band) != 2 || rc.Band[0] < 0 || rc.Band[1] > 100 || rc.Band[0] >= rc.Band[1] {
			return fmt.Errorf("rules.%s.band must be [low, high] percentiles within 0..100", id)
		}
	}
	for filter, format := range rc.Expect {
		switch format {
		case "json", "numeric":
		default:
			return fmt.Errorf("rules.%s.expect[%s]: unknown format %q", id, filter, format)
		}
	}
	switch id {
	case model.RuleFlood, model.RuleTopicEnumeration, model.RuleReconnectStorm, model.RuleAuthFailure, model.RuleRetainQoSAbuse:
		if rc.Enabled && rc.WindowSeconds <= 0 {
			return fmt.Errorf("rules.%s.window_seconds must be > 0", id)
		}
		if rc.Enabled && rc.Threshold <= 0 {
			return fmt.Errorf("rules.%s.threshold_value must be > 0", id)
		}
	case model.RuleQoS2Abuse, model.RuleClientIDConflict:
		if rc.Enabled && rc.WindowSeconds <= 0 {
			return fmt.Errorf("rules.%s.window_seconds must be > 0", id)
		}
	}
	if rc.MinSize < 0 || (rc.Threshold > 0 && float64(rc.MinSize) > rc.Threshold) {
		return fmt.Errorf("rules.%s.min_size must be >= 0 and not above threshold_value", id)
	}
	if rc.HandshakeTimeout < 0 || (rc.HandshakeTimeout > 0 && rc.HandshakeTimeout >= rc.WindowSeconds) {
		return fmt.Errorf("rules.%s.handshake_timeout_seconds must be >= 0 and below window_seconds", id)
	}
	return nil
}

type Manager struct {
	path string
	cfg  atomic.Value

	// mu serializes file access between the watcher and API updates.
	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config that is never reloaded.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
