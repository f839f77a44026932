package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mqttguard/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:mqttguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY under load
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			closed_at TEXT NOT NULL,
			occurrence_count INTEGER NOT NULL,
			severity TEXT NOT NULL,
			confidence REAL NOT NULL,
			close_reason TEXT NOT NULL DEFAULT '',
			evidence_json TEXT
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

func (s *sqliteStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID,
		alert.RuleID,
		alert.SourceID,
		alert.Topic,
		formatTime(alert.FirstSeen),
		formatTime(alert.LastSeen),
		formatTime(alert.ClosedAt),
		alert.OccurrenceCount,
		string(alert.Severity),
		alert.Confidence,
		alert.CloseReason,
		encodeJSON(alert.Evidence),
	)
	return err
}

func (s *sqliteStore) ListAlerts(ctx context.Context, q Query) ([]model.Alert, error) {
	if s.db == nil {
		return nil, nil
	}
	where, args := buildFilter(q, formatTime(q.Since), func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var (
			a                        model.Alert
			first, last, closed, sev string
			evidence                 sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.RuleID, &a.SourceID, &a.Topic, &first, &last, &closed,
			&a.OccurrenceCount, &sev, &a.Confidence, &a.CloseReason, &evidence); err != nil {
			return nil, err
		}
		a.FirstSeen = parseTime(first)
		a.LastSeen = parseTime(last)
		a.ClosedAt = parseTime(closed)
		a.Severity = model.Severity(sev)
		a.Evidence = decodeEvidence(evidence.String)
		out = append(out, a)
	}
	return out, rows.Err()
}

// timestamps are stored as fixed-width UTC text so lexical order is time order
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
