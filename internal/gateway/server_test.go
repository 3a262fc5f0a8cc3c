package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitaker/crew/internal/config"
	"github.com/mwhitaker/crew/internal/controller"
	"github.com/mwhitaker/crew/internal/events"
	"github.com/mwhitaker/crew/internal/run"
	"github.com/mwhitaker/crew/internal/task"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.AutoStartWorkers = false

	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)

	ctrl := controller.New(controller.Options{
		Worktree:   t.TempDir(),
		WorktreeID: "wt-test",
		Config:     cfg,
		Publisher:  pub,
	})
	t.Cleanup(ctrl.Close)

	srv := New(Options{Controller: ctrl, Publisher: pub})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartRunEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/run/start", `{"description":"add caching"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var r run.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.Equal(t, run.StatusRunning, r.Status)
	assert.Equal(t, run.ModeImplementFeature, r.Mode, "mode defaults when omitted")
}

func TestStartRunEndpoint_Validation(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/run/start", `{"description":""}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "validation", body["kind"])
	assert.NotEmpty(t, body["error"])
}

func TestStartRunEndpoint_Conflict(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/run/start", `{"description":"first"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, ts, "/api/run/start", `{"description":"second"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStartRunEndpoint_BadBody(t *testing.T) {
	_, ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/run/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSnapshotEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	postJSON(t, ts, "/api/run/start", `{"description":"add caching"}`)

	resp := getJSON(t, ts, "/api/snapshot")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap struct {
		Run   *run.Run     `json:"run"`
		Tasks []*task.Task `json:"tasks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.NotNil(t, snap.Run)
	assert.Len(t, snap.Tasks, 2)
}

func TestTasksEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	// Without a run the verb conflicts.
	resp := getJSON(t, ts, "/api/tasks")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	postJSON(t, ts, "/api/run/start", `{"description":"add caching"}`)
	resp = getJSON(t, ts, "/api/tasks")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tasks []*task.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))
	assert.Len(t, tasks, 2)
}

func TestConversationEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	postJSON(t, ts, "/api/run/start", `{"description":"add caching"}`)

	resp := getJSON(t, ts, "/api/tasks/"+controller.RunThreadID+"/conversation")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []struct {
		Author  string `json:"author"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "operator", entries[0].Author)
	assert.Equal(t, "add caching", entries[0].Message)
}

func TestCommentEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	postJSON(t, ts, "/api/run/start", `{"description":"add caching"}`)

	var tasks []*task.Task
	resp := getJSON(t, ts, "/api/tasks")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))

	resp = postJSON(t, ts, "/api/tasks/"+tasks[0].ID+"/comment",
		`{"author":"alice","message":"focus on the hot path"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, ts, "/api/tasks/"+tasks[0].ID+"/comment", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApproveEndpoint_WrongState(t *testing.T) {
	_, ts := newTestServer(t)
	postJSON(t, ts, "/api/run/start", `{"description":"add caching"}`)

	var tasks []*task.Task
	resp := getJSON(t, ts, "/api/tasks")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tasks))

	// Seeded analysis tasks are not reviewable.
	resp = postJSON(t, ts, "/api/tasks/"+tasks[0].ID+"/approve", `{"approver":"alice"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStopRunEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/run/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	postJSON(t, ts, "/api/run/start", `{"description":"add caching"}`)
	resp = postJSON(t, ts, "/api/run/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigureWorkersEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/workers/configure",
		`{"workers":[{"role":"analyst_a","count":2}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts, "/api/workers/configure",
		`{"workers":[{"role":"wizard","count":1}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkerVerbsWithoutRun(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/workers/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, ts, "/api/workers/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEventHistoryEndpoint_Disabled(t *testing.T) {
	_, ts := newTestServer(t)
	resp := getJSON(t, ts, "/api/events")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)
	resp := getJSON(t, ts, "/api/run/start")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
