package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqttguard/internal/config"
	"mqttguard/internal/model"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "alerts.db")
	s, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteSaveAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, rule := range []string{model.RuleFlood, model.RuleAuthFailure, model.RuleFlood} {
		err := s.SaveAlert(ctx, model.Alert{
			ID:              "a" + string(rune('0'+i)),
			RuleID:          rule,
			SourceID:        "dev-1",
			FirstSeen:       base.Add(time.Duration(i) * time.Minute),
			LastSeen:        base.Add(time.Duration(i)*time.Minute + 10*time.Second),
			ClosedAt:        base.Add(time.Duration(i)*time.Minute + 40*time.Second),
			OccurrenceCount: i + 1,
			Severity:        model.SeverityHigh,
			Confidence:      0.75,
			CloseReason:     "idle",
			Evidence:        map[string]any{"publishes": 250},
		})
		require.NoError(t, err)
	}

	all, err := s.ListAlerts(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a2", all[0].ID, "newest first")
	assert.Equal(t, base.Add(2*time.Minute), all[0].FirstSeen)
	assert.Equal(t, 250.0, all[0].Evidence["publishes"])

	floods, err := s.ListAlerts(ctx, Query{RuleID: model.RuleFlood})
	require.NoError(t, err)
	assert.Len(t, floods, 2)

	recent, err := s.ListAlerts(ctx, Query{Since: base.Add(90 * time.Second), Limit: 10})
	require.NoError(t, err)
	require.Len(t, recent, 2)

	one, err := s.ListAlerts(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestSQLiteSaveAlertReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := model.Alert{ID: "x", RuleID: model.RuleFlood, SourceID: "d", OccurrenceCount: 1, Severity: model.SeverityMedium}
	require.NoError(t, s.SaveAlert(ctx, a))
	a.OccurrenceCount = 5
	require.NoError(t, s.SaveAlert(ctx, a))
	list, err := s.ListAlerts(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 5, list[0].OccurrenceCount)
}

func TestNewStoreDisabled(t *testing.T) {
	s, err := NewStore(config.StorageConfig{})
	assert.NoError(t, err)
	assert.Nil(t, s)
}
