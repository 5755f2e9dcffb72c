package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// DefaultWorkspaceBase is used when no workspace base path is configured.
const DefaultWorkspaceBase = "/tmp/knull-workspace"

const workspacePrefix = "build-"

// Workspace manages per-build directories below a base path.
// Each build exclusively owns the directory keyed by its id.
type Workspace struct {
	Base string
}

// NewWorkspace normalizes base to an absolute, cleaned path.
func NewWorkspace(base string) (*Workspace, error) {
	if strings.TrimSpace(base) == "" {
		base = DefaultWorkspaceBase
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace base %q: %w", base, err)
	}
	return &Workspace{Base: abs}, nil
}

// Dir of the build's workspace.
func (ws *Workspace) Dir(buildID int64) string {
	return filepath.Join(ws.Base, workspacePrefix+strconv.FormatInt(buildID, 10))
}

// Prepare deletes any previous workspace for the build and creates it fresh.
func (ws *Workspace) Prepare(buildID int64) (string, error) {
	dir := ws.Dir(buildID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to remove existing workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup recursively deletes the build's workspace.
func (ws *Workspace) Cleanup(buildID int64) error {
	if err := os.RemoveAll(ws.Dir(buildID)); err != nil {
		return fmt.Errorf("failed to clean up workspace: %w", err)
	}
	return nil
}

// Resolve joins a repository-relative path onto the build's workspace,
// rejecting paths that would escape it.
func (ws *Workspace) Resolve(buildID int64, rel string) (string, error) {
	dir := ws.Dir(buildID)
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if path != dir && !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes the workspace", ErrConfiguration, rel)
	}
	return path, nil
}

// ReadFile reads a repository-relative file from the build's workspace. Symlinks that
// lead outside the workspace are rejected.
func (ws *Workspace) ReadFile(buildID int64, rel string) ([]byte, error) {
	if _, err := ws.Resolve(buildID, rel); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(ws.Dir(buildID))
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace: %w", err)
	}
	defer root.Close()

	data, err := root.ReadFile(filepath.FromSlash(rel))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %q: %w", ErrConfiguration, rel, err)
	}
	return data, nil
}

// Sweep deletes build workspaces last modified before the cutoff, skipping builds
// for which active returns true. It returns the number of directories removed.
func (ws *Workspace) Sweep(olderThan time.Duration, active func(buildID int64) bool) (int, error) {
	entries, err := os.ReadDir(ws.Base)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list workspaces: %w", err)
	}

	var (
		cutoff  = time.Now().Add(-olderThan)
		removed int
		errs    error
	)
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, workspacePrefix) {
			continue
		}
		buildID, err := strconv.ParseInt(strings.TrimPrefix(name, workspacePrefix), 10, 64)
		if err != nil || (active != nil && active(buildID)) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(ws.Base, name)); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		removed++
		slog.Info("removed stale workspace", "build_id", buildID, "modified_at", info.ModTime())
	}
	return removed, errs
}
