package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"mqttguard/internal/config"
	"mqttguard/internal/engine"
	"mqttguard/internal/normalize"
)

const maxBodyBytes = 2 << 20

type RESTServer struct {
	dispatch *Dispatcher
	logger   *slog.Logger
}

// BatchResult is the response body of POST /events.
type BatchResult struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Dropped  int `json:"dropped"`
}

func NewRESTHandler(d *Dispatcher, logger *slog.Logger) http.Handler {
	s := &RESTServer{dispatch: d, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/events", s.handleEvents)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func StartREST(ctx context.Context, cfg *config.Manager, d *Dispatcher, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTHandler(d, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	var batch []*normalize.EventFields
	if trim[0] == '[' {
		batch, err = ParseJSONList(trim)
	} else {
		var fields *normalize.EventFields
		fields, err = ParseJSONBytes(trim)
		batch = []*normalize.EventFields{fields}
	}
	if err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var res BatchResult
	status := http.StatusOK
	for _, fields := range batch {
		fields.Raw = "rest"
		err := s.dispatch.Dispatch(*fields, "rest")
		switch {
		case err == nil:
			res.Accepted++
		case IsRejected(err):
			res.Rejected++
		case errors.Is(err, engine.ErrStopped):
			res.Dropped++
			status = http.StatusServiceUnavailable
		default:
			res.Dropped++
			if status == http.StatusOK {
				status = http.StatusTooManyRequests
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
