package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `SELECT id FROM work_orders WHERE status=? AND note='why?' AND agent_id=?`
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, `SELECT id FROM work_orders WHERE status=$1 AND note='why?' AND agent_id=$2`, Postgres.Rebind(q))
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())
	assert.FileExists(t, filepath.Join(dir, workspaceDir, defaultDBName))
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"})
	require.Error(t, err)
}
