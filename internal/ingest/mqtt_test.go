package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqttguard/internal/config"
	"mqttguard/internal/model"
)

type testMessage struct {
	topic   string
	payload []byte
}

func (m testMessage) Duplicate() bool   { return false }
func (m testMessage) Qos() byte         { return 1 }
func (m testMessage) Retained() bool    { return false }
func (m testMessage) Topic() string     { return m.topic }
func (m testMessage) MessageID() uint16 { return 1 }
func (m testMessage) Payload() []byte   { return m.payload }
func (m testMessage) Ack()              {}

func TestMQTTOptionsPreserveOrder(t *testing.T) {
	opts := mqttOptions(config.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "mqttguard", Topics: []string{"a"}, QoS: 1}, NewDispatcher(nil, &fakeSink{}, nil), nil)
	assert.True(t, opts.Order, "paho must deliver messages on one goroutine in arrival order")
	assert.True(t, opts.AutoReconnect)
	assert.Equal(t, "mqttguard", opts.ClientID)
}

func TestMQTTHandlerKeepsSourceOrder(t *testing.T) {
	sink := &fakeSink{}
	handler := mqttHandler(NewDispatcher(nil, sink, nil))
	kinds := []string{"CONNECT", "PUBLISH", "DISCONNECT", "CONNECT", "DISCONNECT"}
	for _, k := range kinds {
		handler(nil, testMessage{topic: "monitor/json", payload: []byte(`{"client_id":"dev-1","packet_type":"` + k + `","topic":"a/b"}`)})
	}
	require.Len(t, sink.events, len(kinds))
	for i, k := range kinds {
		assert.Equal(t, model.PacketType(k), sink.events[i].Kind, "record %d", i)
		assert.Equal(t, "mqtt", sink.events[i].Source)
	}
}

func TestMQTTHandlerParserPerTopic(t *testing.T) {
	sink := &fakeSink{}
	handler := mqttHandler(NewDispatcher(nil, sink, nil))
	handler(nil, testMessage{topic: "csv/a", payload: []byte("client_id,packet_type\ndev-a,PINGREQ\n")})
	handler(nil, testMessage{topic: "csv/b", payload: []byte("client_id=dev-b packet_type=PINGREQ\n")})
	handler(nil, testMessage{topic: "csv/a", payload: []byte("dev-c,PINGREQ\n")})
	require.Len(t, sink.events, 3)
	assert.Equal(t, "dev-a", sink.events[0].SourceID)
	assert.Equal(t, "dev-b", sink.events[1].SourceID)
	assert.Equal(t, "dev-c", sink.events[2].SourceID)
}
