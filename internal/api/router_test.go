package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/batch"
	"github.com/phrazzld/scry-queue/internal/config"
	"github.com/phrazzld/scry-queue/internal/domain"
	"github.com/phrazzld/scry-queue/internal/metrics"
	"github.com/phrazzld/scry-queue/internal/platform/memory"
	"github.com/phrazzld/scry-queue/internal/queue"
	"github.com/phrazzld/scry-queue/internal/results"
	"github.com/phrazzld/scry-queue/internal/service/auth"
	"github.com/phrazzld/scry-queue/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	server  *httptest.Server
	manager *queue.Manager
	orch    *batch.Orchestrator
	worker  *task.Worker
	jwt     auth.JWTService
}

func newAPIFixture(t *testing.T, health func(context.Context) error) *apiFixture {
	t.Helper()

	db := memory.New(testLogger())
	stores := db.Stores()
	m := queue.NewManager(queue.NewMemoryStore(), queue.DefaultConfig(), testLogger(),
		queue.WithTaskRecords(stores.Tasks))
	orch := batch.NewOrchestrator(stores, db, m, batch.DefaultConfig(), testLogger())
	t.Cleanup(orch.Stop)

	reg := task.NewHandlerRegistry()
	reg.MustRegister("echo", task.HandlerFunc(func(_ context.Context, job *task.Job) (*task.Outcome, error) {
		if bytes.Contains(job.RawPayload, []byte("fail")) {
			return nil, task.Permanent(errors.New("rejected input"))
		}
		return &task.Outcome{ResultType: domain.ResultTypeJSON, Data: json.RawMessage(job.RawPayload)}, nil
	}))
	w := task.NewWorker("api-test", m, reg, stores, task.WorkerConfig{
		DequeueTimeout:      10 * time.Millisecond,
		CancelCheckInterval: 5 * time.Millisecond,
	}, testLogger())
	w.SetReconciler(orch)

	jwtSvc, err := auth.NewJWTService(config.AuthConfig{
		JWTSecret:            "router-test-secret-that-is-long-enough",
		TokenLifetimeMinutes: 60,
	})
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(promReg))

	srv := httptest.NewServer(NewRouter(RouterDeps{
		Jobs:    orch,
		Results: results.NewAggregator(stores, testLogger()),
		Queue:   m,
		Tasks:   stores.Tasks,
		JWT:     jwtSvc,
		Health:  health,
		Metrics: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Logger:  testLogger(),
	}))
	t.Cleanup(srv.Close)

	return &apiFixture{server: srv, manager: m, orch: orch, worker: w, jwt: jwtSvc}
}

func (f *apiFixture) token(t *testing.T, owner uuid.UUID) string {
	t.Helper()
	tok, err := f.jwt.GenerateToken(context.Background(), owner)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) call(t *testing.T, token, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (f *apiFixture) drain(t *testing.T) {
	t.Helper()
	for {
		env, err := f.manager.Dequeue(context.Background(), 0)
		require.NoError(t, err)
		if env == nil {
			return
		}
		f.worker.Process(context.Background(), env)
	}
}

func TestRouter_BatchJobLifecycle(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)
	owner := uuid.New()
	tok := f.token(t, owner)

	resp, body := f.call(t, tok, http.MethodPost, "/api/batch-jobs", `{
		"name": "five prompts",
		"task_type": "echo",
		"max_concurrent_tasks": 2,
		"batch_config": {"tasks": [
			{"payload": {"n": 0}}, {"payload": {"n": 1}}, {"payload": {"n": 2, "fail": true}},
			{"payload": {"n": 3}}, {"payload": {"n": 4}}
		]}
	}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var accepted BatchJobAcceptedResponse
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.Equal(t, 5, accepted.TotalTasks)

	f.orch.Wait()

	resp, _ = f.call(t, tok, http.MethodGet, "/api/batch-jobs/"+accepted.JobID+"/results", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "results are refused until the job completes")

	f.drain(t)

	resp, body = f.call(t, tok, http.MethodGet, "/api/batch-jobs/"+accepted.JobID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status BatchJobStatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "completed", status.Status)
	assert.Equal(t, 4, status.CompletedTasks)
	assert.Equal(t, 1, status.FailedTasks)
	assert.Equal(t, domain.TaskStatistics{Completed: 4, Failed: 1}, status.TaskStatistics)

	resp, body = f.call(t, tok, http.MethodGet, "/api/batch-jobs/"+accepted.JobID+"/results", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res BatchResultsResponse
	require.NoError(t, json.Unmarshal(body, &res))
	require.Equal(t, 4, res.Count)
	assert.Equal(t, []int{0, 1, 3, 4}, []int{
		res.Results[0].BatchIndex, res.Results[1].BatchIndex, res.Results[2].BatchIndex, res.Results[3].BatchIndex,
	})

	resp, body = f.call(t, tok, http.MethodGet, "/api/batch-jobs/"+accepted.JobID+"/results/download?format=csv", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.Len(t, lines, 5, "header plus one line per completed task")

	resp, _ = f.call(t, tok, http.MethodPost, "/api/batch-jobs/"+accepted.JobID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.call(t, tok, http.MethodGet, "/api/batch-jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list BatchJobListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, accepted.JobID, list.Jobs[0].JobID)

	other := f.token(t, uuid.New())
	resp, body = f.call(t, other, http.MethodGet, "/api/batch-jobs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Empty(t, list.Jobs, "listings are scoped to the caller")
}

func TestRouter_CancelRunningBatchJob(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, nil)
	tok := f.token(t, uuid.New())

	resp, body := f.call(t, tok, http.MethodPost, "/api/batch-jobs",
		`{"task_type":"echo","batch_config":{"tasks":[{"payload":{"n":0}},{"payload":{"n":1}},{"payload":{"n":2}}]}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var accepted BatchJobAcceptedResponse
	require.NoError(t, json.Unmarshal(body, &accepted))
	f.orch.Wait()

	resp, body = f.call(t, tok, http.MethodPost, "/api/batch-jobs/"+accepted.JobID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"job_id":"`+accepted.JobID+`","status":"cancelled"}`, string(body))

	f.drain(t)

	resp, body = f.call(t, tok, http.MethodGet, "/api/batch-jobs/"+accepted.JobID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status BatchJobStatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "cancelled", status.Status)
	assert.Equal(t, 3, status.TaskStatistics.Cancelled)
}

func TestRouter_AuthAndOperationalEndpoints(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, nil)

	resp, _ := f.call(t, "", http.MethodGet, "/api/batch-jobs", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Len(t, resp.Header.Get("X-Trace-ID"), 32)

	resp, _ = f.call(t, "garbage", http.MethodPost, "/api/tasks", `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.call(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = f.call(t, "", http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `scry_queue_http_requests_total{method="GET",route="/health",status="200"}`)

	down := newAPIFixture(t, func(context.Context) error { return errors.New("postgres unreachable") })
	resp, body = down.call(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotContains(t, string(body), "postgres")
}
