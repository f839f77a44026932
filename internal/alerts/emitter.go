package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"mqttguard/internal/config"
	"mqttguard/internal/model"
	"mqttguard/internal/storage"
)

// Sink receives every finalized alert.
type Sink interface {
	Name() string
	Emit(ctx context.Context, alert model.Alert) error
}

// Emitter fans finalized alerts out to its sinks. A failing sink is logged
// and counted; it never stops delivery to the others.
type Emitter struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	OnError func(sink string, err error)
}

func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, logger: logger, timeout: 2 * time.Second}
}

func (e *Emitter) Add(s Sink) {
	e.sinks = append(e.sinks, s)
}

func (e *Emitter) Emit(alerts []model.Alert) {
	for _, a := range alerts {
		for _, s := range e.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			err := s.Emit(ctx, a)
			cancel()
			if err == nil {
				continue
			}
			if e.logger != nil {
				e.logger.Warn("alert sink failed", "sink", s.Name(), "alert_id", a.ID, "err", err)
			}
			if e.OnError != nil {
				e.OnError(s.Name(), err)
			}
		}
	}
}

// Close closes every sink that holds resources.
func (e *Emitter) Close() error {
	var errs []error
	for _, s := range e.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type memorySink struct {
	store *Store
}

func MemorySink(store *Store) Sink {
	return memorySink{store: store}
}

func (m memorySink) Name() string { return "memory" }

func (m memorySink) Emit(_ context.Context, alert model.Alert) error {
	m.store.Add(alert)
	return nil
}

type storageSink struct {
	store storage.Store
}

func StorageSink(store storage.Store) Sink {
	return storageSink{store: store}
}

func (s storageSink) Name() string { return "storage" }

func (s storageSink) Emit(ctx context.Context, alert model.Alert) error {
	return s.store.SaveAlert(ctx, alert)
}

type logSink struct {
	logger *slog.Logger
}

func LogSink(logger *slog.Logger) Sink {
	return logSink{logger: logger}
}

func (l logSink) Name() string { return "log" }

func (l logSink) Emit(_ context.Context, alert model.Alert) error {
	if l.logger == nil {
		return nil
	}
	l.logger.Warn("alert",
		"alert_id", alert.ID,
		"rule", alert.RuleID,
		"source_id", alert.SourceID,
		"topic", alert.Topic,
		"severity", alert.Severity,
		"confidence", alert.Confidence,
		"occurrences", alert.OccurrenceCount,
		"first_seen", alert.FirstSeen,
		"last_seen", alert.LastSeen,
		"close_reason", alert.CloseReason,
	)
	return nil
}

// messageWriter is the part of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaSink struct {
	w messageWriter
}

// KafkaSink publishes alerts as JSON keyed by source id.
func KafkaSink(cfg config.KafkaSinkConfig) Sink {
	return &kafkaSink{w: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
	}}
}

func (k *kafkaSink) Name() string { return "kafka" }

func (k *kafkaSink) Emit(ctx context.Context, alert model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{Key: []byte(alert.SourceID), Value: payload})
}

func (k *kafkaSink) Close() error {
	return k.w.Close()
}

// BuildEmitter wires the sinks the configuration enables.
func BuildEmitter(cfg *config.Config, ring *Store, store storage.Store, logger *slog.Logger) *Emitter {
	e := NewEmitter(logger, MemorySink(ring), LogSink(logger))
	if store != nil {
		e.Add(StorageSink(store))
	}
	if cfg.Alerts.Kafka.Enabled {
		e.Add(KafkaSink(cfg.Alerts.Kafka))
		if logger != nil {
			logger.Info("kafka alert sink enabled", "brokers", cfg.Alerts.Kafka.Brokers, "topic", cfg.Alerts.Kafka.Topic)
		}
	}
	return e
}
