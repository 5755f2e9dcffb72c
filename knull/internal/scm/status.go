package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"
)

// DefaultGitHubAPI is the public GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// maxDescription is GitHub's limit for commit status descriptions.
const maxDescription = 140

// State of a commit status.
type State string

const (
	StatePending State = "PENDING"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// StatusUpdate is a commit status to report.
type StatusUpdate struct {
	Owner       string
	Repo        string
	SHA         string
	State       State
	TargetURL   string
	Description string
	Context     string
}

// StatusReporter updates commit statuses on the source-control host.
type StatusReporter interface {
	UpdateCommitStatus(ctx context.Context, update StatusUpdate) error
}

// GitHubConfig configures a GitHub status client.
type GitHubConfig struct {
	// BaseURL defaults to DefaultGitHubAPI.
	BaseURL string

	// Token authenticates requests as a bearer token.
	Token string

	// Timeout bounds each request, defaulting to 10 seconds.
	Timeout time.Duration
}

// GitHub reports commit statuses through the GitHub REST API.
type GitHub struct {
	baseURL string
	client  *http.Client
}

// NewGitHub creates a GitHub status client.
func NewGitHub(ctx context.Context, cfg GitHubConfig) *GitHub {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultGitHubAPI
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	client.Timeout = timeout
	return &GitHub{baseURL: baseURL, client: client}
}

type statusRequest struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context,omitempty"`
}

// truncateDescription cuts s to maxDescription characters, never splitting a rune.
func truncateDescription(s string) string {
	if utf8.RuneCountInString(s) <= maxDescription {
		return s
	}
	return string([]rune(s)[:maxDescription])
}

// UpdateCommitStatus creates a status on the commit.
func (gh *GitHub) UpdateCommitStatus(ctx context.Context, update StatusUpdate) error {
	description := truncateDescription(update.Description)
	body, err := json.Marshal(statusRequest{
		State:       strings.ToLower(string(update.State)),
		TargetURL:   update.TargetURL,
		Description: description,
		Context:     update.Context,
	})
	if err != nil {
		return fmt.Errorf("failed to encode commit status: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", gh.baseURL, update.Owner, update.Repo, update.SHA)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create commit status request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := gh.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to update commit status on %s/%s@%s: %w", update.Owner, update.Repo, shortSHA(update.SHA), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("failed to update commit status on %s/%s@%s: %s: %s",
			update.Owner, update.Repo, shortSHA(update.SHA), resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// LogReporter only logs status updates. It is used when no source-control token is configured.
type LogReporter struct{}

// UpdateCommitStatus implements StatusReporter.
func (LogReporter) UpdateCommitStatus(ctx context.Context, update StatusUpdate) error {
	slog.InfoContext(ctx, "commit status",
		"repository", update.Owner+"/"+update.Repo,
		"sha", shortSHA(update.SHA),
		"state", update.State,
		"description", update.Description,
	)
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
