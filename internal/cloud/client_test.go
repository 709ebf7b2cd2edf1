package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccjk-org/ccjk/internal/task"
)

func respond(t *testing.T, w http.ResponseWriter, status int, env map[string]any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(env))
}

func newClient(baseURL string) *Client {
	return New(Config{
		BaseURL:           baseURL,
		DeviceKey:         "key-1",
		Timeout:           2 * time.Second,
		ResultPostRetries: 6,
		ResultPostBackoff: time.Millisecond,
	})
}

func TestRegister(t *testing.T) {
	var gotBody RegisterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/auth", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		respond(t, w, http.StatusOK, map[string]any{
			"ok": true,
			"data": map[string]any{
				"device_key":             "issued-key",
				"heartbeat_interval_sec": 15,
				"max_concurrent_tasks":   2,
			},
		})
	}))
	defer srv.Close()

	data, err := newClient(srv.URL).Register(context.Background(), RegisterRequest{
		Email:    "dev@example.com",
		Password: "secret",
		Device:   LocalDeviceInfo("workstation"),
	})
	require.NoError(t, err)
	assert.Equal(t, "issued-key", data.DeviceKey)
	assert.Equal(t, 15, data.HeartbeatIntervalSec)
	assert.Equal(t, 2, data.MaxConcurrentTasks)
	assert.Equal(t, "dev@example.com", gotBody.Email)
	assert.Equal(t, "workstation", gotBody.Device.Name)
}

func TestRegisterMissingKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respond(t, w, http.StatusOK, map[string]any{"ok": true, "data": map[string]any{}})
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Register(context.Background(), RegisterRequest{})
	require.Error(t, err)
}

func TestHeartbeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/daemon/heartbeat", r.URL.Path)
		require.Equal(t, "key-1", r.Header.Get("X-Device-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "busy", body["status"])
		assert.Equal(t, []any{"t1"}, body["current_tasks"])

		respond(t, w, http.StatusOK, map[string]any{
			"ok":   true,
			"data": map[string]any{"pending_tasks": []string{"t2"}},
		})
	}))
	defer srv.Close()

	data, err := newClient(srv.URL).Heartbeat(context.Background(), StatusBusy, []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, data.PendingTasks)
}

func TestHeartbeatUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Heartbeat(context.Background(), StatusOnline, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPullTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/daemon/tasks", r.URL.Path)
		respond(t, w, http.StatusOK, map[string]any{
			"ok": true,
			"data": []map[string]any{
				{"id": "t1", "command": "echo ok", "timeout": 1500, "unknown_field": "ignored"},
				{"id": "t2", "command": "npm test", "cwd": "/srv/app", "env": map[string]string{"CI": "1"}},
			},
		})
	}))
	defer srv.Close()

	payloads, err := newClient(srv.URL).PullTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, payloads, 2)

	now := time.Now()
	t1 := payloads[0].ToTask(now)
	assert.Equal(t, "t1", t1.ID)
	assert.Equal(t, task.SourceCloud, t1.Source)
	assert.Equal(t, "t1", t1.Originator)
	assert.Equal(t, 2, t1.TimeoutSec) // 1500ms rounds up

	t2 := payloads[1].ToTask(now)
	assert.Equal(t, "/srv/app", t2.Cwd)
	assert.Equal(t, map[string]string{"CI": "1"}, t2.Env)
	assert.Zero(t, t2.TimeoutSec)
}

func reportableTask(t *testing.T) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:         "t1",
		Source:     task.SourceCloud,
		Command:    "echo ok",
		Originator: "t1",
		ReceivedAt: time.Now(),
	}
	require.NoError(t, tk.Transition(task.Running))
	require.NoError(t, tk.Finish(task.Completed, &task.Result{ExitCode: 0, Stdout: "ok\n"}, time.Now()))
	return tk
}

func TestReportResultRetriesThenSucceeds(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/daemon/tasks/t1/result", r.URL.Path)
		if posts.Add(1) == 1 {
			respond(t, w, http.StatusInternalServerError, map[string]any{
				"ok":    false,
				"error": map[string]any{"code": "internal", "message": "try again"},
			})
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "completed", body["status"])
		assert.Equal(t, float64(0), body["exit_code"])
		assert.Equal(t, "ok\n", body["stdout"])
		respond(t, w, http.StatusOK, map[string]any{"ok": true})
	}))
	defer srv.Close()

	err := newClient(srv.URL).ReportResult(context.Background(), reportableTask(t))
	require.NoError(t, err)
	assert.Equal(t, int32(2), posts.Load())
}

func TestReportResultExhaustsRetries(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		respond(t, w, http.StatusInternalServerError, map[string]any{"ok": false})
	}))
	defer srv.Close()

	err := newClient(srv.URL).ReportResult(context.Background(), reportableTask(t))
	require.Error(t, err)
	assert.Equal(t, int32(6), posts.Load())
}

func TestReportResultUnauthorizedNotRetried(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newClient(srv.URL).ReportResult(context.Background(), reportableTask(t))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), posts.Load())
}

func TestOffline(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/daemon/offline", r.URL.Path)
		called.Store(true)
		respond(t, w, http.StatusOK, map[string]any{"ok": true})
	}))
	defer srv.Close()

	require.NoError(t, newClient(srv.URL).Offline(context.Background()))
	assert.True(t, called.Load())
}
