package events

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/db"
	"missioncontrol/internal/migrate"
)

func TestRecordSurvivesFailure(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	var logs bytes.Buffer
	w := Writer{
		Dialect: db.SQLite,
		Now:     func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
		Logger:  slog.New(slog.NewTextHandler(&logs, nil)),
	}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO actor_roles(actor_id, role, granted_by, created_at) VALUES ('a','admin','sys','2026-03-01T09:00:00Z')`)
	require.NoError(t, err)

	w.Record(ctx, tx, WorkOrderCreated, "work_order", "wo-1", "a", EventPayload{"ok": true})
	// an unmarshalable payload fails the append but leaves the transaction usable
	w.Record(ctx, tx, WorkOrderCreated, "work_order", "wo-2", "a", EventPayload{"bad": make(chan int)})
	require.NoError(t, tx.Commit())

	var events, roles int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&events))
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM actor_roles`).Scan(&roles))
	assert.Equal(t, 1, events)
	assert.Equal(t, 1, roles)
	assert.Contains(t, logs.String(), "event append failed")
}
