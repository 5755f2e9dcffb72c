package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"knull.dev/knull/internal/api"
	"knull.dev/knull/internal/build"
	"knull.dev/knull/internal/orchestrator"
	"knull.dev/knull/internal/pipeline"
	"knull.dev/knull/internal/pipeline/pipelinetest"
)

type fakeCoordinator struct {
	trigger    orchestrator.ManualTrigger
	triggerErr error
	cancelled  []int64
	healthy    bool
	processes  int
}

func (f *fakeCoordinator) Trigger(ctx context.Context, req orchestrator.ManualTrigger) (*build.Build, error) {
	f.trigger = req
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	return &build.Build{ID: 12, Status: build.StatusInProgress, CommitSHA: "abc123", Branch: "main"}, nil
}

func (f *fakeCoordinator) CancelBuild(ctx context.Context, id int64) build.CancelResult {
	f.cancelled = append(f.cancelled, id)
	if id == 12 {
		return build.CancelResult{Success: true, Message: "Build cancelled successfully"}
	}
	return build.CancelResult{Message: "Build not found"}
}

func (f *fakeCoordinator) IsHealthy(context.Context) bool          { return f.healthy }
func (f *fakeCoordinator) RunningProcessCount(context.Context) int { return f.processes }
func (f *fakeCoordinator) RunningBuilds() int                      { return 1 }

type fakeFinder map[int64]*build.Build

func (f fakeFinder) FindBuild(ctx context.Context, id int64) (*build.Build, error) {
	if b, ok := f[id]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %d", build.ErrNotFound, id)
}

func TestHandler(t *testing.T) {
	finder := fakeFinder{12: {ID: 12, JobName: "api", Status: build.StatusSuccess}}

	tests := []struct {
		name        string
		coordinator *fakeCoordinator
		method      string
		path        string
		body        string

		wantCode int
		wantBody string
	}{
		{
			name:     "Status",
			method:   http.MethodGet,
			path:     "/status",
			wantCode: http.StatusOK,
			wantBody: api.OKStatusText,
		},
		{
			name:     "TriggerAccepted",
			method:   http.MethodPost,
			path:     "/api/builds",
			body:     `{"job": {"id": 1, "name": "api", "config": {"kind": "SIMPLE", "git_repository": "https://github.com/knull/api.git", "branch": "main"}}, "triggered_by": "alice"}`,
			wantCode: http.StatusAccepted,
			wantBody: `"build_id":12`,
		},
		{
			name:     "TriggerMalformed",
			method:   http.MethodPost,
			path:     "/api/builds",
			body:     `{"job": `,
			wantCode: http.StatusBadRequest,
			wantBody: "invalid trigger request",
		},
		{
			name:     "TriggerUnknownField",
			method:   http.MethodPost,
			path:     "/api/builds",
			body:     `{"jobs": {}}`,
			wantCode: http.StatusBadRequest,
			wantBody: "invalid trigger request",
		},
		{
			name:        "TriggerConfigurationError",
			coordinator: &fakeCoordinator{triggerErr: fmt.Errorf("%w: job has no git repository configured", pipeline.ErrConfiguration)},
			method:      http.MethodPost,
			path:        "/api/builds",
			body:        `{"job": {"name": "api"}}`,
			wantCode:    http.StatusBadRequest,
			wantBody:    "no git repository",
		},
		{
			name:        "TriggerShuttingDown",
			coordinator: &fakeCoordinator{triggerErr: orchestrator.ErrShuttingDown},
			method:      http.MethodPost,
			path:        "/api/builds",
			body:        `{"job": {"name": "api"}}`,
			wantCode:    http.StatusServiceUnavailable,
		},
		{
			name:        "TriggerInternalError",
			coordinator: &fakeCoordinator{triggerErr: fmt.Errorf("database is locked")},
			method:      http.MethodPost,
			path:        "/api/builds",
			body:        `{"job": {"name": "api"}}`,
			wantCode:    http.StatusInternalServerError,
		},
		{
			name:     "GetBuild",
			method:   http.MethodGet,
			path:     "/api/builds/12",
			wantCode: http.StatusOK,
			wantBody: `"status":"SUCCESS"`,
		},
		{
			name:     "GetMissingBuild",
			method:   http.MethodGet,
			path:     "/api/builds/99",
			wantCode: http.StatusNotFound,
			wantBody: "build not found",
		},
		{
			name:     "GetInvalidID",
			method:   http.MethodGet,
			path:     "/api/builds/abc",
			wantCode: http.StatusBadRequest,
			wantBody: "invalid build id",
		},
		{
			name:     "Cancel",
			method:   http.MethodPost,
			path:     "/api/builds/12/cancel",
			wantCode: http.StatusOK,
			wantBody: `{"success":true,"message":"Build cancelled successfully"}`,
		},
		{
			name:     "CancelUnknown",
			method:   http.MethodPost,
			path:     "/api/builds/99/cancel",
			wantCode: http.StatusOK,
			wantBody: `{"success":false,"message":"Build not found"}`,
		},
		{
			name:     "CancelWrongMethod",
			method:   http.MethodGet,
			path:     "/api/builds/12/cancel",
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name:        "HealthOK",
			coordinator: &fakeCoordinator{healthy: true, processes: 2},
			method:      http.MethodGet,
			path:        "/api/executor/health",
			wantCode:    http.StatusOK,
			wantBody:    `{"healthy":true,"running_processes":2,"running_builds":1}`,
		},
		{
			name:        "HealthDown",
			coordinator: &fakeCoordinator{processes: -1},
			method:      http.MethodGet,
			path:        "/api/executor/health",
			wantCode:    http.StatusServiceUnavailable,
			wantBody:    `{"healthy":false,"running_processes":-1,"running_builds":1}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			coordinator := tc.coordinator
			if coordinator == nil {
				coordinator = &fakeCoordinator{healthy: true}
			}
			handler := api.NewHandler(api.NewRoutes(coordinator, finder))

			var body io.Reader
			if tc.body != "" {
				body = strings.NewReader(tc.body)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, body))

			assert.Equal(t, tc.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tc.wantBody)
		})
	}
}

func TestTriggerForwardsRequest(t *testing.T) {
	coordinator := &fakeCoordinator{}
	handler := api.NewHandler(api.NewRoutes(coordinator, fakeFinder{}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/builds", strings.NewReader(`{
		"job": {"id": 3, "name": "web", "config": {"kind": "MULTI_BRANCH", "git_repository": "https://github.com/knull/web.git", "branch_pattern": "release/*", "credential_id": 4}},
		"branch": "release/2.0",
		"commit_sha": "deadbeef",
		"commit_message": "hotfix",
		"triggered_by": "bob"
	}`)))
	require.Equal(t, http.StatusAccepted, w.Code)

	req := coordinator.trigger
	assert.Equal(t, int64(3), req.Job.ID)
	assert.Equal(t, build.JobMultiBranch, req.Job.Config.Kind)
	assert.Equal(t, int64(4), req.Job.Config.CredentialID)
	assert.Equal(t, "release/2.0", req.Branch)
	assert.Equal(t, "deadbeef", req.CommitSHA)
	assert.Equal(t, "hotfix", req.CommitMessage)
	assert.Equal(t, "bob", req.TriggeredBy)

	var resp api.TriggerResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, api.TriggerResponse{
		BuildID:   12,
		Status:    build.StatusInProgress,
		CommitSHA: "abc123",
		Branch:    "main",
		URL:       "/api/builds/12",
	}, resp)
}

func TestBuildLifecycle(t *testing.T) {
	env := pipelinetest.New(t)
	coordinator := orchestrator.New(orchestrator.Config{
		Pipeline:    env.Pipeline(),
		Executor:    env.Executor,
		Store:       env.Store,
		Credentials: env.Store,
		Decrypter:   env.Cipher,
	})
	defer coordinator.Shutdown(context.Background())

	srv := httptest.NewServer(api.NewHandler(api.NewRoutes(coordinator, env.Store)))
	defer srv.Close()

	job, err := json.Marshal(api.TriggerRequest{Job: env.Job(), CommitSHA: "9fceb02d0ae598e95dc970b74767f19372d61af8"})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/builds", "application/json", strings.NewReader(string(job)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted api.TriggerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))

	var b build.Build
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + accepted.URL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
			return false
		}
		return b.Status.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, build.StatusSuccess, b.Status)
	assert.Len(t, b.Steps, 6)
	assert.Equal(t, "knull", b.RepositoryOwner)
}
