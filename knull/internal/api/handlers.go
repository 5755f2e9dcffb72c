package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"knull.dev/knull/internal/build"
	kerrors "knull.dev/knull/internal/errors"
	"knull.dev/knull/internal/orchestrator"
	"knull.dev/knull/internal/pipeline"
)

// maxRequestSize bounds request bodies.
const maxRequestSize = 1 << 20

type handlers struct {
	coordinator Coordinator
	builds      BuildFinder
}

func wrap(fn func(http.ResponseWriter, *http.Request) error) http.Handler {
	return kerrors.WrapHandler(fn)
}

// TriggerRequest is the body of a build trigger.
type TriggerRequest struct {
	Job           build.Job `json:"job"`
	Branch        string    `json:"branch,omitempty"`
	CommitSHA     string    `json:"commit_sha,omitempty"`
	CommitMessage string    `json:"commit_message,omitempty"`
	TriggeredBy   string    `json:"triggered_by,omitempty"`
}

// TriggerResponse acknowledges an accepted build.
type TriggerResponse struct {
	BuildID   int64        `json:"build_id"`
	Status    build.Status `json:"status"`
	CommitSHA string       `json:"commit_sha"`
	Branch    string       `json:"branch"`
	URL       string       `json:"url"`
}

// HealthResponse reports executor health.
type HealthResponse struct {
	Healthy          bool `json:"healthy"`
	RunningProcesses int  `json:"running_processes"`
	RunningBuilds    int  `json:"running_builds"`
}

func (h *handlers) triggerBuild(w http.ResponseWriter, r *http.Request) error {
	var req TriggerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return kerrors.WithStatus(fmt.Errorf("invalid trigger request: %w", err), http.StatusBadRequest)
	}

	b, err := h.coordinator.Trigger(r.Context(), orchestrator.ManualTrigger{
		Job:           req.Job,
		Branch:        req.Branch,
		CommitSHA:     req.CommitSHA,
		CommitMessage: req.CommitMessage,
		TriggeredBy:   req.TriggeredBy,
	})
	switch {
	case errors.Is(err, pipeline.ErrConfiguration):
		return kerrors.WithStatus(err, http.StatusBadRequest)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return kerrors.WithStatus(err, http.StatusServiceUnavailable)
	case err != nil:
		return err
	}

	return writeJSON(w, r, http.StatusAccepted, TriggerResponse{
		BuildID:   b.ID,
		Status:    b.Status,
		CommitSHA: b.CommitSHA,
		Branch:    b.Branch,
		URL:       fmt.Sprintf("/api/builds/%d", b.ID),
	})
}

func (h *handlers) getBuild(w http.ResponseWriter, r *http.Request) error {
	id, err := buildID(r)
	if err != nil {
		return err
	}
	b, err := h.builds.FindBuild(r.Context(), id)
	if errors.Is(err, build.ErrNotFound) {
		return kerrors.NewHTTP("build not found", http.StatusNotFound)
	}
	if err != nil {
		return err
	}
	return writeJSON(w, r, http.StatusOK, b)
}

func (h *handlers) cancelBuild(w http.ResponseWriter, r *http.Request) error {
	id, err := buildID(r)
	if err != nil {
		return err
	}
	return writeJSON(w, r, http.StatusOK, h.coordinator.CancelBuild(r.Context(), id))
}

func (h *handlers) executorHealth(w http.ResponseWriter, r *http.Request) error {
	resp := HealthResponse{
		Healthy:          h.coordinator.IsHealthy(r.Context()),
		RunningProcesses: h.coordinator.RunningProcessCount(r.Context()),
		RunningBuilds:    h.coordinator.RunningBuilds(),
	}
	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	return writeJSON(w, r, code, resp)
}

func buildID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, kerrors.NewHTTP("invalid build id", http.StatusBadRequest)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to write response", "error", err)
	}
	return nil
}
