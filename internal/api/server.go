package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"mqttguard/internal/alerts"
	"mqttguard/internal/config"
	"mqttguard/internal/engine"
	"mqttguard/internal/metrics"
	"mqttguard/internal/model"
	"mqttguard/internal/normalize"
	"mqttguard/internal/storage"
	"mqttguard/internal/window"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config)
	Stats() engine.Stats
	Snapshot(sourceID string) (window.Snapshot, bool)
	OpenAlerts() []model.Alert
}

// Deps are the collaborators the API reads from. History and Normalizer may
// be nil.
type Deps struct {
	Config     *config.Manager
	Engine     EngineControl
	Alerts     *alerts.Store
	History    storage.Store
	Metrics    *metrics.Metrics
	Normalizer *normalize.Normalizer
	Logger     *slog.Logger
	Version    string
}

type Server struct {
	Deps
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Ingest     ingestStatus `json:"ingest"`
	API        apiStatus    `json:"api"`
	Storage    string       `json:"storage"`
	Workers    int          `json:"workers"`
	Windows    []string     `json:"windows"`
	Rules      []string     `json:"enabled_rules"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	Syslog    bool `json:"syslog"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
	MQTT      bool `json:"mqtt"`
	NATS      bool `json:"nats"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type statsResponse struct {
	engine.Stats
	EventsInvalid uint64 `json:"events_invalid"`
	AlertsStored  int    `json:"alerts_stored"`
}

func NewServer(deps Deps) *Server {
	return &Server{Deps: deps}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/status", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/alerts/open", s.handleOpenAlerts)
	r.Get("/alerts/history", s.handleHistory)
	r.Get("/sources/{id}", s.handleSource)
	r.Get("/config/rules", s.handleGetRules)
	r.Post("/config/rules", s.handleUpdateRules)
	r.Post("/admin/clear", s.handleClear)
	r.Post("/admin/reset", s.handleReset)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	return r
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	logger := deps.Logger
	current := deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(deps).Handler(),
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
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.Config.Get()
	windows := window.OptionsFromConfig(cfg).Windows
	names := make([]string, 0, len(windows)+1)
	names = append(names, cfg.Engine.Horizon.String())
	seen := map[time.Duration]bool{cfg.Engine.Horizon: true}
	for _, d := range windows {
		if !seen[d] {
			seen[d] = true
			names = append(names, d.String())
		}
	}
	var enabled []string
	for _, id := range model.RuleIDs {
		if cfg.Rules[id].Enabled {
			enabled = append(enabled, id)
		}
	}
	storageState := "disabled"
	if s.History != nil {
		storageState = cfg.Storage.Driver
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			Syslog:    cfg.Ingest.Syslog.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			MQTT:      cfg.Ingest.MQTT.Enabled,
			NATS:      cfg.Ingest.NATS.Enabled,
		},
		API:     apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage: storageState,
		Workers: cfg.Engine.Workers,
		Windows: names,
		Rules:   enabled,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Stats: s.Engine.Stats()}
	if s.Normalizer != nil {
		resp.EventsInvalid = s.Normalizer.Rejected()
	}
	if s.Alerts != nil {
		resp.AlertsStored = s.Alerts.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var list []model.Alert
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("since must be RFC3339"))
			return
		}
		list = s.Alerts.Since(ts)
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	} else {
		list = s.Alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleOpenAlerts(w http.ResponseWriter, _ *http.Request) {
	list := s.Engine.OpenAlerts()
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("storage disabled"))
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q := storage.Query{
		Limit:    limit,
		RuleID:   r.URL.Query().Get("rule"),
		SourceID: r.URL.Query().Get("source"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("since must be RFC3339"))
			return
		}
		q.Since = ts
	}
	list, err := s.History.ListAlerts(r.Context(), q)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("alert history query failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, errors.New("history query failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := s.Engine.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown source"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": s.Config.Get().Rules,
	})
}

// handleUpdateRules replaces the posted rule entries and keeps the others.
func (s *Server) handleUpdateRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Rules map[string]config.RuleConfig `json:"rules"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Rules) == 0 {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"rules": {...}}`))
		return
	}
	current := s.Config.Get()
	next := *current
	next.Rules = make(map[string]config.RuleConfig, len(current.Rules))
	for id, rc := range current.Rules {
		next.Rules[id] = rc
	}
	for id, rc := range req.Rules {
		next.Rules[strings.TrimSpace(id)] = rc
	}
	if err := config.Validate(&next); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Config.Update(&next); err != nil {
		if s.Logger != nil {
			s.Logger.Error("config update failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, errors.New("config update failed"))
		return
	}
	s.Engine.UpdateConfig(&next)
	if s.Logger != nil {
		s.Logger.Info("rules updated via api", "rules", len(req.Rules))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rules": next.Rules})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.clearAlerts()
		s.Engine.Reset()
	case "alerts":
		s.clearAlerts()
	case "state":
		s.Engine.Reset()
	default:
		writeError(w, http.StatusBadRequest, errors.New("target must be all, alerts or state"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.Engine.Reset()
	s.clearAlerts()
	if s.Logger != nil {
		s.Logger.Warn("engine state reset via api")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) clearAlerts() {
	if s.Alerts != nil {
		s.Alerts.Clear()
	}
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
