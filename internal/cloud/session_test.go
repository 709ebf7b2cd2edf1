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
)

func startSession(t *testing.T, client *Client, register RegisterFunc) *Session {
	t.Helper()
	session := NewSession(client, register)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go session.Run(ctx)
	return session
}

func TestSessionHeartbeatRecordsIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respond(t, w, http.StatusOK, map[string]any{"ok": true})
	}))
	defer srv.Close()

	session := startSession(t, newClient(srv.URL), nil)

	before, status := session.LastHeartbeat()
	assert.True(t, before.IsZero())
	assert.Equal(t, StatusOffline, status)

	_, err := session.Heartbeat(context.Background(), StatusBusy, []string{"t1"})
	require.NoError(t, err)

	last, status := session.LastHeartbeat()
	assert.False(t, last.IsZero())
	assert.Equal(t, StatusBusy, status)
}

func TestSessionReRegistersOnceOn401(t *testing.T) {
	var heartbeats atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("X-Device-Key") {
		case "fresh-key":
			respond(t, w, http.StatusOK, map[string]any{"ok": true})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
		heartbeats.Add(1)
	}))
	defer srv.Close()

	client := newClient(srv.URL)
	var registrations atomic.Int32
	register := func(context.Context) (*RegisterData, error) {
		registrations.Add(1)
		return &RegisterData{DeviceKey: "fresh-key"}, nil
	}

	session := startSession(t, client, register)
	_, err := session.Heartbeat(context.Background(), StatusOnline, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), registrations.Load())
	assert.Equal(t, int32(2), heartbeats.Load())
}

func TestSessionGivesUpAfterRepeatedRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var registrations atomic.Int32
	register := func(context.Context) (*RegisterData, error) {
		registrations.Add(1)
		return &RegisterData{DeviceKey: "still-bad"}, nil
	}

	session := startSession(t, newClient(srv.URL), register)

	// First call re-registers once, retries, still rejected.
	_, err := session.Heartbeat(context.Background(), StatusOnline, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), registrations.Load())

	// Second call sees the sticky flag and fails fast without another round.
	_, err = session.Heartbeat(context.Background(), StatusOnline, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), registrations.Load())
}

func TestSessionPullTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/daemon/tasks", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"data": []map[string]any{{"id": "t1", "command": "echo ok"}},
		}))
	}))
	defer srv.Close()

	session := startSession(t, newClient(srv.URL), nil)
	tasks, err := session.PullTasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestSessionDoRespectsContext(t *testing.T) {
	// No Run goroutine: submission must time out on the cancelled context.
	session := NewSession(newClient("http://127.0.0.1:0"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := session.Heartbeat(ctx, StatusOnline, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
