package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mqttguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/mqttguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL,
			occurrence_count INTEGER NOT NULL,
			severity TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			close_reason TEXT NOT NULL DEFAULT '',
			evidence_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_closed_at ON alerts(closed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_source ON alerts(source_id, rule_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			closed_at = EXCLUDED.closed_at,
			occurrence_count = EXCLUDED.occurrence_count,
			severity = EXCLUDED.severity,
			confidence = EXCLUDED.confidence,
			close_reason = EXCLUDED.close_reason,
			evidence_json = EXCLUDED.evidence_json`,
		alert.ID,
		alert.RuleID,
		alert.SourceID,
		alert.Topic,
		alert.FirstSeen.UTC(),
		alert.LastSeen.UTC(),
		alert.ClosedAt.UTC(),
		alert.OccurrenceCount,
		string(alert.Severity),
		alert.Confidence,
		alert.CloseReason,
		encodeJSON(alert.Evidence),
	)
	return err
}

func (s *postgresStore) ListAlerts(ctx context.Context, q Query) ([]model.Alert, error) {
	if s.db == nil {
		return nil, nil
	}
	where, args := buildFilter(q, q.Since.UTC(), func(n int) string { return fmt.Sprintf("$%d", n) })
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var (
			a                   model.Alert
			first, last, closed time.Time
			sev                 string
			evidence            sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.RuleID, &a.SourceID, &a.Topic, &first, &last, &closed,
			&a.OccurrenceCount, &sev, &a.Confidence, &a.CloseReason, &evidence); err != nil {
			return nil, err
		}
		a.FirstSeen = first.UTC()
		a.LastSeen = last.UTC()
		a.ClosedAt = closed.UTC()
		a.Severity = model.Severity(sev)
		a.Evidence = decodeEvidence(evidence.String)
		out = append(out, a)
	}
	return out, rows.Err()
}
