package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/api"
	"github.com/phrazzld/scry-queue/internal/config"
	"github.com/phrazzld/scry-queue/internal/service/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            0,
			LogLevel:        "debug",
			LogFormat:       "json",
			ShutdownTimeout: 5 * time.Second,
		},
		Database: config.DatabaseConfig{Driver: "memory"},
		Auth: config.AuthConfig{
			JWTSecret:            "server-test-secret-that-is-long-enough",
			TokenLifetimeMinutes: 60,
		},
		LLM: config.LLMConfig{ModelName: "gemini-2.0-flash"},
		Queue: config.QueueConfig{
			Backend:           "memory",
			PollInterval:      5 * time.Millisecond,
			DefaultMaxRetries: 1,
		},
		Worker: config.WorkerConfig{
			Count:               2,
			DequeueTimeout:      20 * time.Millisecond,
			CancelCheckInterval: 10 * time.Millisecond,
			PromoteInterval:     10 * time.Millisecond,
			StuckTaskAge:        time.Minute,
			StuckCheckInterval:  time.Minute,
		},
		Batch: config.BatchConfig{
			DefaultMaxConcurrent: 2,
			MaxTasksPerJob:       10,
			SchedulerInterval:    50 * time.Millisecond,
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewApplication_MemoryBackends(t *testing.T) {
	app, err := newApplication(context.Background(), testConfig(), testLogger(), modeServe)
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	assert.NotNil(t, app.router)
	assert.NotNil(t, app.workerPool)
	assert.NotNil(t, app.scheduler)
	assert.Nil(t, app.sqlDB)
	assert.Nil(t, app.redis)
	assert.Nil(t, app.forwarder, "events are only forwarded when redis is in use")
	assert.NoError(t, app.healthCheck(context.Background()))
}

func TestNewApplication_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		mode   runMode
		want   string
	}{
		{
			name: "worker mode on memory backends",
			mode: modeWorker,
			want: "requires the postgres database driver",
		},
		{
			name: "worker mode without workers",
			mutate: func(c *config.Config) {
				c.Database = config.DatabaseConfig{Driver: "postgres", URL: "postgres://localhost/scry"}
				c.Queue.Backend = "redis"
				c.Worker.Count = 0
			},
			mode: modeWorker,
			want: "worker.count",
		},
		{
			name:   "short jwt secret",
			mutate: func(c *config.Config) { c.Auth.JWTSecret = "short" },
			mode:   modeServe,
			want:   "JWT service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			app, err := newApplication(context.Background(), cfg, testLogger(), tt.mode)
			require.Error(t, err)
			assert.Nil(t, app)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplication_ProcessesTasksThroughAPI(t *testing.T) {
	cfg := testConfig()
	app, err := newApplication(context.Background(), cfg, testLogger(), modeServe)
	require.NoError(t, err)
	t.Cleanup(app.cleanup)
	require.NoError(t, app.workerPool.Start())

	srv := httptest.NewServer(app.router)
	t.Cleanup(srv.Close)

	jwtService, err := auth.NewJWTService(cfg.Auth)
	require.NoError(t, err)
	token, err := jwtService.GenerateToken(context.Background(), uuid.New())
	require.NoError(t, err)

	call := func(method, path, body string) (int, []byte) {
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, data
	}

	code, body := call(http.MethodPost, "/api/tasks", `{"task_type":"text_generation","payload":{"prompt":"hello"}}`)
	require.Equal(t, http.StatusAccepted, code, string(body))
	var accepted api.TaskAcceptedResponse
	require.NoError(t, json.Unmarshal(body, &accepted))

	// Without a Gemini key no generation handler is registered, so the
	// worker fails the task.
	var task api.TaskResponse
	require.Eventually(t, func() bool {
		code, body := call(http.MethodGet, "/api/tasks/"+accepted.TaskID, "")
		if code != http.StatusOK || json.Unmarshal(body, &task) != nil {
			return false
		}
		return task.Status == "failed"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, task.ErrorMessage, "no handler registered")
}

func TestApplication_ServeShutsDownOnCancel(t *testing.T) {
	app, err := newApplication(context.Background(), testConfig(), testLogger(), modeServe)
	require.NoError(t, err)
	t.Cleanup(app.cleanup)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.serve(ctx, listener, app.router) }()

	url := "http://" + listener.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestApplication_RunReturnsOnCancel(t *testing.T) {
	app, err := newApplication(context.Background(), testConfig(), testLogger(), modeServe)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not stop")
	}
}
