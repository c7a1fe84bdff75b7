package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/config"
	"missioncontrol/internal/db"
	"missioncontrol/internal/engine"
	"missioncontrol/internal/inflight"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	ws := t.TempDir()
	rt, err := Open(context.Background(), Options{Workspace: ws})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, db.SQLite, rt.Dialect)
	assert.FileExists(t, db.Path(ws))
	_, local := rt.Engine.Inflight.(*inflight.Local)
	assert.True(t, local)

	w, err := rt.Engine.CreateWorkOrder(context.Background(), engine.CreateWorkOrderOptions{
		AgentID:  "intake",
		WorkType: "ops_summary",
		ActorID:  "tester",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, w.Number)
}

func TestRequireConfigFailsWhenMissing(t *testing.T) {
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), RequireConfig: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mc init")
}

func TestLoadConfigOverrides(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(config.GenerateDefault()), 0o644))

	cfg, err := LoadConfig(Options{
		Workspace:     ws,
		RequireConfig: true,
		DBDriver:      "postgres",
		DBDSN:         "postgres://mc@localhost/mc",
		RedisAddr:     "127.0.0.1:6390",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://mc@localhost/mc", cfg.Database.DSN)
	assert.Equal(t, "redis", cfg.Execution.Inflight)
	assert.Equal(t, "127.0.0.1:6390", cfg.Redis.Addr)
}

func TestOpenFailsWhenRedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Execution.Inflight = "redis"
	// nothing listens on the discard port
	cfg.Redis.Addr = "127.0.0.1:9"
	_, err := OpenWithConfig(context.Background(), Options{Workspace: t.TempDir()}, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis 127.0.0.1:9")
}
