package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"mqttguard/internal/config"
)

func StartNATS(ctx context.Context, cfg *config.Manager, d *Dispatcher, logger *slog.Logger) {
	current := cfg.Get().Ingest.NATS
	if !current.Enabled {
		if logger != nil {
			logger.Info("nats ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("nats ingest enabled", "url", current.URL, "subject", current.Subject, "queue", current.Queue)
	}
	conn, err := nats.Connect(current.URL,
		nats.Name("mqttguard"),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil && logger != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
	)
	if err != nil {
		if logger != nil {
			logger.Error("nats connect error", "err", err)
		}
		return
	}

	var mu sync.Mutex
	parser := NewParser()
	handler := func(m *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		d.DispatchPayload(parser, m.Data, "nats")
	}
	if current.Queue != "" {
		_, err = conn.QueueSubscribe(current.Subject, current.Queue, handler)
	} else {
		_, err = conn.Subscribe(current.Subject, handler)
	}
	if err != nil {
		if logger != nil {
			logger.Error("nats subscribe error", "subject", current.Subject, "err", err)
		}
		conn.Close()
		return
	}
	go func() {
		<-ctx.Done()
		_ = conn.Drain()
	}()
}
