package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"mqttguard/internal/model"
	"mqttguard/internal/normalize"
)

// Sink accepts normalized events. The engine implements it.
type Sink interface {
	Submit(ev model.Event) error
}

// Dispatcher is shared by every adapter: it normalizes raw fields, tags the
// event with the adapter name and hands it to the sink without blocking.
type Dispatcher struct {
	normalizer *normalize.Normalizer
	sink       Sink
	logger     *slog.Logger
	warnRate   *rate.Limiter
}

func NewDispatcher(n *normalize.Normalizer, sink Sink, logger *slog.Logger) *Dispatcher {
	if n == nil {
		n = normalize.NewNormalizer(nil)
	}
	return &Dispatcher{
		normalizer: n,
		sink:       sink,
		logger:     logger,
		warnRate:   rate.NewLimiter(rate.Every(time.Second), 10),
	}
}

// Dispatch returns normalize.ErrInvalidEvent for rejected input and the
// sink's error (backpressure, stopped) otherwise.
func (d *Dispatcher) Dispatch(fields normalize.EventFields, source string) error {
	ev, err := d.normalizer.Normalize(fields)
	if err != nil {
		d.warn(source+" normalize error", "err", err)
		return err
	}
	ev.Source = source
	if err := d.sink.Submit(ev); err != nil {
		d.warn(source+" submit failed", "source_id", ev.SourceID, "err", err)
		return err
	}
	return nil
}

// DispatchLine parses one text line and dispatches it. Blank lines and CSV
// headers are skipped without error.
func (d *Dispatcher) DispatchLine(p *Parser, line, source string) error {
	fields, err := p.ParseLine(line)
	if err != nil {
		d.warn(source+" parse error", "err", err)
		return err
	}
	if fields == nil {
		return nil
	}
	return d.Dispatch(*fields, source)
}

// DispatchPayload handles a message-broker payload: a JSON array of events,
// or one or more newline separated records.
func (d *Dispatcher) DispatchPayload(p *Parser, payload []byte, source string) {
	trim := bytes.TrimSpace(payload)
	if len(trim) == 0 {
		return
	}
	if trim[0] == '[' {
		batch, err := ParseJSONList(trim)
		if err != nil {
			d.warn(source+" parse error", "err", err)
			return
		}
		for _, fields := range batch {
			_ = d.Dispatch(*fields, source)
		}
		return
	}
	if trim[0] == '{' {
		if fields, err := ParseJSONBytes(trim); err == nil {
			_ = d.Dispatch(*fields, source)
			return
		}
	}
	for _, line := range bytes.Split(trim, []byte{'\n'}) {
		_ = d.DispatchLine(p, string(line), source)
	}
}

func (d *Dispatcher) warn(msg string, args ...any) {
	if d.logger == nil || !d.warnRate.Allow() {
		return
	}
	d.logger.Warn(msg, args...)
}

// IsRejected reports whether err came from validation rather than the sink.
func IsRejected(err error) bool {
	return errors.Is(err, normalize.ErrInvalidEvent)
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
