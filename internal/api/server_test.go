package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/events"
	"github.com/conveyorci/conveyor/internal/gate"
	"github.com/conveyorci/conveyor/internal/store"
)

func testServer(t *testing.T) (*Server, *gate.Coordinator, *store.Store, events.Publisher) {
	t.Helper()
	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)

	coord := gate.NewCoordinator(pub)

	archive, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "conveyor.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	srv := New(Config{Addr: "127.0.0.1:0"}, coord, archive, pub)
	return srv, coord, archive, pub
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestListApprovalsEmpty(t *testing.T) {
	srv, _, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/approvals", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var views []approvalView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Empty(t, views)
}

func TestApproveViaAPI(t *testing.T) {
	srv, coord, _, _ := testServer(t)

	outcome := make(chan gate.Outcome, 1)
	go func() {
		outcome <- coord.Await(context.Background(), 7, "promote", "ship it?", nil, 5*time.Second)
	}()

	// Wait for the request to become pending.
	var id string
	require.Eventually(t, func() bool {
		pending := coord.Pending()
		if len(pending) != 1 {
			return false
		}
		id = pending[0].ID
		return true
	}, time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"responder": "release-manager"}`)
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/approvals/"+id+"/approve", body))
	require.Equal(t, http.StatusOK, rec.Code)

	out := <-outcome
	assert.Equal(t, gate.DecisionApproved, out.Decision)
	assert.Equal(t, "release-manager", out.Responder)
}

func TestRejectUnknownApproval(t *testing.T) {
	srv, _, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/approvals/nope/reject", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunHistory(t *testing.T) {
	srv, _, archive, _ := testServer(t)
	ctx := context.Background()

	id, err := archive.CreateRun(ctx, "demo", "main")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var views []runView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, id, views[0].ID)
	assert.Equal(t, "demo", views[0].Pipeline)
}

func TestGetRunNotFound(t *testing.T) {
	srv, _, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/999", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "RUN_NOT_FOUND", apiErr.Code)
}

func TestListRunsRejectsBadLimit(t *testing.T) {
	srv, _, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs?limit=zero", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketEventStream(t *testing.T) {
	srv, _, _, pub := testServer(t)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?run_id=3"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register its subscription.
	time.Sleep(50 * time.Millisecond)
	pub.Publish(events.NewEvent(events.EventRunStarted, 3, nil))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev events.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, events.EventRunStarted, ev.Type)
	assert.Equal(t, int64(3), ev.RunID)
}
