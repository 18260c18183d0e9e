package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/engine"
	"github.com/Rogers-F/threadline/internal/executor"
	"github.com/Rogers-F/threadline/internal/manifest"
	"github.com/Rogers-F/threadline/internal/metrics"
	"github.com/Rogers-F/threadline/internal/scoring"
	"github.com/Rogers-F/threadline/internal/thread"
)

var testNow = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

type testServer struct {
	srv     *Server
	handler *Handler
	reg     *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	g, err := manifest.LoadFile("../manifest/testdata/catalog.yaml", manifest.Options{Now: testNow})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	n := 0
	eng, err := engine.New(engine.Config{
		Graph: g,
		Store: thread.NewMemoryStore(),
		Scorer: scoring.ScorerFunc(func(context.Context, string, scoring.Context) ([]domain.Candidate, error) {
			return []domain.Candidate{{Domain: "masking", Confidence: 0.92}}, nil
		}),
		Executor: executor.Funcs{
			ExecuteFunc: func(context.Context, domain.ActionDescriptor) (domain.Result, error) {
				return domain.Result{Success: true}, nil
			},
			ProbeFunc: func(context.Context, domain.ActionDescriptor) (domain.Result, error) {
				return domain.Result{Success: true}, nil
			},
		},
		Metrics: m,
		Backoff: time.Millisecond,
		Now:     func() time.Time { return testNow },
		NewID: func() string {
			n++
			return fmt.Sprintf("thread-%d", n)
		},
	})
	require.NoError(t, err)

	h := &Handler{Engine: eng, PollInterval: 5 * time.Millisecond}
	return &testServer{srv: NewServer(h, ":0", reg), handler: h, reg: reg}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

// startThread opens a masking thread paused at its review checkpoint.
func (ts *testServer) startThread(t *testing.T) ThreadResponse {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/threads", `{"text":"mask the email column in customers"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[ThreadResponse](t, w)
}

func TestCreateThread_PausesAtCheckpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.startThread(t)

	assert.Equal(t, "thread-1", resp.ThreadID)
	require.Len(t, resp.Events, 4)
	assert.Equal(t, domain.EventUserMessage, resp.Events[0].Type)
	assert.Equal(t, domain.EventCheckpointReached, resp.Events[3].Type)
	assert.Equal(t, engine.StatusAwaiting, resp.State.Status)
	require.NotNil(t, resp.State.Pending)
	assert.Equal(t, "cp-4", resp.State.Pending.ID)
	assert.Nil(t, resp.Error)
}

func TestCreateThread_InvalidBody(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/threads", "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateThread_EmptyText(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/threads", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostResponse_ApproveCompletesThread(t *testing.T) {
	ts := newTestServer(t)
	start := ts.startThread(t)

	body := fmt.Sprintf(`{"checkpoint_id":%q,"decision":"approve"}`, start.State.Pending.ID)
	w := ts.do(t, http.MethodPost, "/api/v1/threads/"+start.ThreadID+"/responses", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[ThreadResponse](t, w)
	assert.Equal(t, engine.StatusCompleted, resp.State.Status)
	assert.True(t, resp.State.Closed)
	assert.Equal(t, domain.EventCompleted, resp.Events[len(resp.Events)-1].Type)
}

func TestPostResponse_WrongCheckpoint(t *testing.T) {
	ts := newTestServer(t)
	start := ts.startThread(t)

	w := ts.do(t, http.MethodPost, "/api/v1/threads/"+start.ThreadID+"/responses", `{"checkpoint_id":"cp-99","decision":"approve"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	apiErr := decode[APIError](t, w)
	assert.Equal(t, domain.ErrCheckpointMismatch.Code, apiErr.Code)
}

func TestPostResponse_MissingDecision(t *testing.T) {
	ts := newTestServer(t)
	start := ts.startThread(t)

	w := ts.do(t, http.MethodPost, "/api/v1/threads/"+start.ThreadID+"/responses", `{"checkpoint_id":"cp-4"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostMessage_AbortedThreadConflicts(t *testing.T) {
	ts := newTestServer(t)
	start := ts.startThread(t)

	w := ts.do(t, http.MethodPost, "/api/v1/threads/"+start.ThreadID+"/responses", `{"checkpoint_id":"cp-4","decision":"abort"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, engine.StatusAborted, decode[ThreadResponse](t, w).State.Status)

	w = ts.do(t, http.MethodPost, "/api/v1/threads/"+start.ThreadID+"/messages", `{"text":"try again"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, domain.ErrThreadClosed.Code, decode[APIError](t, w).Code)
}

func TestGetThread(t *testing.T) {
	ts := newTestServer(t)
	start := ts.startThread(t)

	w := ts.do(t, http.MethodGet, "/api/v1/threads/"+start.ThreadID, "")
	require.Equal(t, http.StatusOK, w.Code)
	s := decode[engine.State](t, w)
	assert.Equal(t, start.ThreadID, s.ThreadID)
	assert.Equal(t, int64(4), s.LastSeq)
}

func TestGetThread_NotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/threads/nonexistent", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, domain.ErrThreadNotFound.Code, decode[APIError](t, w).Code)
}

func TestListEvents_SinceSeq(t *testing.T) {
	ts := newTestServer(t)
	start := ts.startThread(t)

	w := ts.do(t, http.MethodGet, "/api/v1/threads/"+start.ThreadID+"/events?since_seq=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[[]domain.Event](t, w)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(4), events[1].Seq)
}

func TestListDomains(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/domains", "")
	require.Equal(t, http.StatusOK, w.Code)

	var ids []string
	for _, d := range decode[[]DomainSummary](t, w) {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"discovery", "masking", "access"}, ids)
}

func TestStreamEvents_SSE_FirstBatch(t *testing.T) {
	ts := newTestServer(t)
	start := ts.startThread(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/threads/"+start.ThreadID+"/events/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "id: 1\nevent: user_message\n")
	assert.Contains(t, body, "event: checkpoint_reached\n")
	assert.Equal(t, 4, strings.Count(body, "data: "))
}

func TestStreamEvents_UnknownThread(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/threads/nope/events/stream", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReloadManifest(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/manifest/reload", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "disabled without a reload func")

	calls := 0
	ts.handler.Reload = func() error { calls++; return nil }
	w = ts.do(t, http.MethodPost, "/api/v1/manifest/reload", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, calls)

	ts.handler.Reload = func() error { return domain.Detail(domain.ErrManifestInvalid, "cycle") }
	w = ts.do(t, http.MethodPost, "/api/v1/manifest/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.startThread(t)

	w := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `threadline_events_appended_total{type="user_message"} 1`)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])
}

func TestCORSHeaders(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/threads", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Detail(domain.ErrThreadNotFound, "x"), http.StatusNotFound},
		{domain.ErrThreadClosed, http.StatusConflict},
		{domain.ErrSeqConflict, http.StatusConflict},
		{domain.ErrOptionNotOffered, http.StatusBadRequest},
		{domain.ErrBatchApproveDenied, http.StatusForbidden},
		{domain.ErrRunawayThread, http.StatusUnprocessableEntity},
		{domain.ErrScorerFailed, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", domain.ErrEmptyIntent), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestFormatListenURL(t *testing.T) {
	tests := map[string]string{
		":9800":          "http://127.0.0.1:9800",
		"0.0.0.0:9800":   "http://127.0.0.1:9800",
		"localhost:8080": "http://localhost:8080",
		"[::]:9800":      "http://127.0.0.1:9800",
	}
	for in, want := range tests {
		assert.Equal(t, want, FormatListenURL(in), in)
	}
}
