package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/interception-backend/internal/pipeline/recorder"
	"github.com/yungbote/interception-backend/internal/platform/logger"
	"github.com/yungbote/interception-backend/internal/sse"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "DEFINITIONS_PATH", "RUNS_PATH", "JANITOR_SCHEDULE", "JANITOR_STALE_AFTER", "DEFINITIONS_WATCH"} {
		t.Setenv(k, "")
	}
	cfg := LoadConfig(logger.Nop())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "definitions", cfg.DefinitionsPath)
	assert.Equal(t, "runs", cfg.RunsPath)
	assert.Equal(t, "@every 10m", cfg.JanitorSchedule)
	assert.Equal(t, time.Hour, cfg.JanitorStaleAfter)
	assert.False(t, cfg.DefinitionsWatch)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("RUNS_PATH", "/data/runs")
	t.Setenv("JANITOR_STALE_AFTER", "15m")
	t.Setenv("DEFINITIONS_WATCH", "true")
	t.Setenv("SQLITE_PATH", "index.db")
	cfg := LoadConfig(logger.Nop())
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "/data/runs", cfg.RunsPath)
	assert.Equal(t, 15*time.Minute, cfg.JanitorStaleAfter)
	assert.True(t, cfg.DefinitionsWatch)
	assert.Equal(t, "index.db", cfg.SQLitePath)
}

func TestWireReposDisabled(t *testing.T) {
	r, err := wireRepos(logger.Nop(), Config{})
	require.NoError(t, err)
	assert.Nil(t, r.DB)
	assert.Nil(t, r.Index)
	r.Close()
}

func TestWireReposSQLite(t *testing.T) {
	r, err := wireRepos(logger.Nop(), Config{SQLitePath: filepath.Join(t.TempDir(), "runs.db")})
	require.NoError(t, err)
	defer r.Close()
	require.NotNil(t, r.Index)
	assert.NoError(t, r.DB.Ping())
}

type fakeBus struct{ got []recorder.Event }

func (b *fakeBus) Publish(_ context.Context, ev recorder.Event) error {
	b.got = append(b.got, ev)
	return nil
}
func (b *fakeBus) StartForwarder(context.Context, func(recorder.Event)) error { return nil }
func (b *fakeBus) Ping() error                                                { return nil }
func (b *fakeBus) Close() error                                               { return nil }

func TestEventSinkPrefersBus(t *testing.T) {
	hub := sse.NewHub(logger.Nop())
	assert.Same(t, hub, eventSink(hub, Clients{}))

	bus := &fakeBus{}
	sink := eventSink(hub, Clients{EventBus: bus})
	require.NoError(t, sink.Publish(context.Background(), recorder.Event{RunID: "r1", Type: recorder.EventState}))
	require.Len(t, bus.got, 1)
	assert.Equal(t, "r1", bus.got[0].RunID)
}

func TestWireServicesNeedsDefinitions(t *testing.T) {
	cfg := Config{DefinitionsPath: filepath.Join(t.TempDir(), "missing"), RunsPath: t.TempDir()}
	_, err := os.Stat(cfg.DefinitionsPath)
	require.True(t, os.IsNotExist(err))
	_, err = wireServices(logger.Nop(), cfg, nil, Clients{}, Repos{}, sse.NewHub(logger.Nop()), nil)
	assert.Error(t, err)
}
