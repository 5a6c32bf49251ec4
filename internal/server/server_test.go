package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"psfmatch/internal/pipeline"
	"psfmatch/internal/storage"
)

type echoProcessor struct{}

func (echoProcessor) Process(_ context.Context, job pipeline.Job) pipeline.Result {
	if job.Science == "broken.tif" {
		return pipeline.Result{Job: job, Error: errors.New("no candidates")}
	}
	return pipeline.Result{Job: job, Meta: map[string]any{"solved": 3}}
}

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := pipeline.NewWithProcessor(context.Background(), 1, logger, store, echoProcessor{})
	t.Cleanup(pipe.Stop)
	return NewServer(":0", store, pipe, logger), store
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMatchQueuesJob(t *testing.T) {
	s, store := newTestServer(t)
	body := `{"template":"tmpl.tif","science":"sci.tif","options":{"spatialOrder":2}}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/match", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])

	jobs, err := store.RecentJobs(10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, resp["id"], jobs[0].ID)
	assert.Equal(t, "match", jobs[0].JobType)
	assert.Equal(t, "sci.tif", jobs[0].SciencePath)
}

func TestMatchRejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t)
	for name, body := range map[string]string{
		"malformed":        `{"template":`,
		"missing science":  `{"template":"tmpl.tif"}`,
		"missing template": `{"science":"sci.tif"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/match", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestJobsAndCandidates(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.RecordJobQueued(storage.JobRecord{ID: "job-1", JobType: "match", Status: "queued"}))
	require.NoError(t, store.RecordMatchSummary(storage.MatchSummary{JobID: "job-1", BasisSet: "delta-function", BasisSize: 25, Solved: 2}))
	require.NoError(t, store.RecordCandidates("job-1", []storage.CandidateRecord{
		{ID: 0, X: 10, Y: 12, Status: "valid", Reason: "none"},
		{ID: 1, X: 40, Y: 8, Status: "invalid", Reason: "sigma_clipped"},
	}))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []storage.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/job-1/candidates?status=invalid", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var cands []storage.CandidateRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cands))
	require.Len(t, cands, 1)
	assert.Equal(t, 1, cands[0].ID)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"BasisSize":25`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketReceivesJobEvents(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results, unsubscribe := s.pipeline.Subscribe()
	go s.relay(ctx, results, unsubscribe)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/match", "application/json", bytes.NewBufferString(`{"template":"t.tif","science":"broken.tif"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev JobEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "failed", ev.Status)
	assert.Equal(t, "no candidates", ev.Error)
	assert.Equal(t, "broken.tif", ev.Science)
}
