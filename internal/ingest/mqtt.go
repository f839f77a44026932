package ingest

import (
	"context"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqttguard/internal/config"
)

// StartMQTT subscribes to the topics a broker-side monitor publishes its
// packet records on. Subscriptions are restored on every reconnect.
func StartMQTT(ctx context.Context, cfg *config.Manager, d *Dispatcher, logger *slog.Logger) {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("mqtt ingest enabled", "broker", current.Broker, "topics", current.Topics, "qos", current.QoS)
	}
	client := mqtt.NewClient(mqttOptions(current, d, logger))
	go func() {
		for {
			token := client.Connect()
			if token.WaitTimeout(10*time.Second) && token.Error() == nil {
				break
			}
			if logger != nil {
				logger.Warn("mqtt connect failed", "broker", current.Broker, "err", token.Error())
			}
			if !BackoffSleep(ctx, 2*time.Second) {
				return
			}
		}
		<-ctx.Done()
		client.Disconnect(250)
	}()
}

func mqttOptions(current config.MQTTConfig, d *Dispatcher, logger *slog.Logger) *mqtt.ClientOptions {
	filters := make(map[string]byte, len(current.Topics))
	for _, t := range current.Topics {
		filters[t] = byte(current.QoS)
	}
	handler := mqttHandler(d)
	opts := mqtt.NewClientOptions().
		AddBroker(current.Broker).
		SetClientID(current.ClientID).
		SetUsername(current.Username).
		SetPassword(current.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if logger != nil {
				logger.Warn("mqtt connection lost", "err", err)
			}
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.SubscribeMultiple(filters, handler)
			if token.WaitTimeout(10*time.Second) && token.Error() != nil && logger != nil {
				logger.Error("mqtt subscribe failed", "topics", current.Topics, "err", token.Error())
			}
		})
	return opts
}

// mqttHandler parses each message with a parser owned by its topic, since a
// CSV feed on one topic must not inherit the header of another. With
// OrderMatters set, paho calls it from its single router goroutine in
// arrival order; Dispatch never blocks, so that goroutine is not stalled.
func mqttHandler(d *Dispatcher) mqtt.MessageHandler {
	parsers := map[string]*Parser{}
	return func(_ mqtt.Client, m mqtt.Message) {
		p, ok := parsers[m.Topic()]
		if !ok {
			p = NewParser()
			parsers[m.Topic()] = p
		}
		d.DispatchPayload(p, m.Payload(), "mqtt")
	}
}
