package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"mqttguard/internal/config"
	"mqttguard/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.Alert) error
	ListAlerts(ctx context.Context, q Query) ([]model.Alert, error)
}

// Query filters ListAlerts. Zero values mean no filter; Limit defaults to 100.
type Query struct {
	Limit    int
	Since    time.Time
	RuleID   string
	SourceID string
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 10000 {
		return 100
	}
	return q.Limit
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	if value == nil {
		return "{}"
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeEvidence(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// buildFilter renders the WHERE clause of a ListAlerts query. placeholder
// returns the driver's bind marker for the n-th argument.
func buildFilter(q Query, since any, placeholder func(n int) string) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, clause+" "+placeholder(len(args)))
	}
	if !q.Since.IsZero() {
		add("closed_at >=", since)
	}
	if q.RuleID != "" {
		add("rule_id =", q.RuleID)
	}
	if q.SourceID != "" {
		add("source_id =", q.SourceID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, q.limit())
	return where + " ORDER BY closed_at DESC LIMIT " + placeholder(len(args)), args
}

const alertColumns = `id, rule_id, source_id, topic, first_seen, last_seen, closed_at, occurrence_count, severity, confidence, close_reason, evidence_json`
