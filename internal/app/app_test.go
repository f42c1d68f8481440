package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/company-research/internal/app"
	"github.com/JakeFAU/company-research/internal/config"
	"github.com/JakeFAU/company-research/internal/research"
	"github.com/JakeFAU/company-research/internal/storage/sqlite"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.RateLimit.Enabled = false
	cfg.Workers.Count = 2
	cfg.Server.Port = freePort(t)
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func serve(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, bytes.NewReader(body)))
	return rec
}

func TestNew_MemoryDefaults(t *testing.T) {
	a, err := app.New(context.Background(), baseConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	assert.Equal(t, http.StatusOK, serve(t, a.Handler(), http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, a.Handler(), http.MethodGet, "/readyz", nil).Code)
}

func TestNew_RejectsUnknownStore(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Store.Provider = "cassandra"

	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store provider")
}

func TestNew_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := baseConfig(t)
	cfg.Queue.Provider = "redis"
	cfg.Queue.Redis.Addr = addr

	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func TestNewScrapers_LocalArchive(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Archive.Provider = "local"
	cfg.Archive.BaseDir = filepath.Join(t.TempDir(), "archive")

	s, err := app.NewScrapers(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, s.Website)
	require.NotNil(t, s.Registry)
	require.NoError(t, s.Close())

	info, err := os.Stat(cfg.Archive.BaseDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	cfg := baseConfig(t)
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url) //nolint:noctx // test probe
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_RegistryTaskOverRedisAndSQLite(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0.4/companies/search":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"results":{"companies":[],"page":1,"total_pages":1}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)
	mr := miniredis.RunT(t)

	cfg := baseConfig(t)
	cfg.Registry.BaseURL = upstream.URL + "/v0.4/"
	cfg.Queue.Provider = "redis"
	cfg.Queue.Redis.Addr = mr.Addr()
	cfg.Store.Provider = "sqlite"
	cfg.Store.SQLite.Path = filepath.Join(t.TempDir(), "tasks.db")

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rec := serve(t, a.Handler(), http.MethodPost, "/v1/tasks", []byte(`{"kind":"REGISTRY","key":"acme widgets"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	id := submitted["task_id"]

	require.Eventually(t, func() bool {
		task, err := a.Orchestrator().Status(context.Background(), id)
		return err == nil && task.State == research.StateSucceeded
	}, 10*time.Second, 50*time.Millisecond)

	task, err := a.Orchestrator().Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.Result)
	require.NotNil(t, task.Result.Registry)
	assert.Equal(t, "acme widgets", task.Result.Registry.Query)
	assert.Empty(t, task.Result.Registry.Candidates)
}

func emptyRegistry(t *testing.T) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0.4/companies/search" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":{"companies":[],"page":1,"total_pages":1}}`))
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func pendingTask(id string, updated time.Time) research.Task {
	return research.Task{
		ID:        id,
		Subject:   research.Subject{Kind: research.KindRegistry, Key: "company " + id},
		State:     research.StatePending,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestRun_DrainsBacklogLargerThanQueueAndSweepsStrandedTasks(t *testing.T) {
	upstream := emptyRegistry(t)
	dbPath := filepath.Join(t.TempDir(), "tasks.db")

	ctx := context.Background()
	seed, err := sqlite.Open(ctx, dbPath)
	require.NoError(t, err)
	const backlog = 6
	for i := range backlog {
		require.NoError(t, seed.CreateTask(ctx, pendingTask(fmt.Sprintf("backlog-%d", i), time.Now())))
	}
	require.NoError(t, seed.Close())

	cfg := baseConfig(t)
	cfg.Registry.BaseURL = upstream.URL + "/v0.4/"
	cfg.Registry.AnonymousRPS = 1000
	cfg.Queue.Capacity = 2
	cfg.Store.Provider = "sqlite"
	cfg.Store.SQLite.Path = dbPath
	cfg.Tasks.RequeueAfter = time.Minute
	cfg.Tasks.SweepInterval = 50 * time.Millisecond

	core, logs := observer.New(zap.InfoLevel)
	a, err := app.New(ctx, cfg, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	succeeded := func() int {
		tasks, err := a.Orchestrator().List(ctx, research.TaskFilter{States: []research.State{research.StateSucceeded}})
		if err != nil {
			return -1
		}
		return len(tasks)
	}
	require.Eventually(t, func() bool { return succeeded() == backlog }, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("starting service").Len())
	require.Eventually(t, func() bool {
		return logs.FilterMessage("startup recovery finished").Len() == 1
	}, 5*time.Second, 20*time.Millisecond)

	// A task persisted without a queued job, as after a failed enqueue.
	stranded, err := sqlite.Open(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, stranded.CreateTask(ctx, pendingTask("stranded", time.Now().Add(-time.Hour))))
	require.NoError(t, stranded.Close())

	require.Eventually(t, func() bool {
		task, err := a.Orchestrator().Status(ctx, "stranded")
		return err == nil && task.State == research.StateSucceeded
	}, 10*time.Second, 50*time.Millisecond)
}
