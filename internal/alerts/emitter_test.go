package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqttguard/internal/logging"
	"mqttguard/internal/model"
)

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "broken" }

func (f *failingSink) Emit(context.Context, model.Alert) error {
	f.calls++
	return errors.New("unavailable")
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestEmitterFanOutSurvivesFailingSink(t *testing.T) {
	ring := NewStore(10)
	broken := &failingSink{}
	e := NewEmitter(logging.Discard(), broken, MemorySink(ring))
	var failed []string
	e.OnError = func(sink string, err error) { failed = append(failed, sink) }

	e.Emit([]model.Alert{{ID: "1"}, {ID: "2"}})
	assert.Equal(t, 2, broken.calls)
	assert.Equal(t, []string{"broken", "broken"}, failed)
	assert.Equal(t, 2, ring.Len())
}

func TestKafkaSinkEncodesAlert(t *testing.T) {
	w := &fakeWriter{}
	sink := &kafkaSink{w: w}
	e := NewEmitter(nil, sink)
	e.Emit([]model.Alert{{ID: "abc", RuleID: model.RuleFlood, SourceID: "dev-9", Severity: model.SeverityHigh}})
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "dev-9", string(w.msgs[0].Key))
	var got model.Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "abc", got.ID)
	assert.Equal(t, model.SeverityHigh, got.Severity)

	require.NoError(t, e.Close())
	assert.True(t, w.closed)
}

func TestRingKeepsNewest(t *testing.T) {
	s := NewStore(2)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		s.Add(model.Alert{ID: string(rune('a' + i)), ClosedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	list := s.List(0)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "c", list[1].ID)
	assert.Len(t, s.Since(base.Add(2*time.Minute)), 1)
	assert.Len(t, s.List(1), 1)
	s.Clear()
	assert.Zero(t, s.Len())
}
