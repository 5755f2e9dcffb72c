package pipeline_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"knull.dev/knull/internal/pipeline"
)

func TestWorkspacePrepareAndCleanup(t *testing.T) {
	ws, err := pipeline.NewWorkspace(t.TempDir())
	require.NoError(t, err)

	dir, err := ws.Prepare(42)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Base, "build-42"), dir)

	stale := filepath.Join(dir, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	// Preparing again starts from an empty directory.
	_, err = ws.Prepare(42)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)

	require.NoError(t, ws.Cleanup(42))
	assert.NoDirExists(t, dir)

	// Cleaning up a missing workspace is not an error.
	assert.NoError(t, ws.Cleanup(42))
}

func TestNewWorkspaceDefault(t *testing.T) {
	ws, err := pipeline.NewWorkspace("")
	require.NoError(t, err)
	assert.Equal(t, pipeline.DefaultWorkspaceBase, ws.Base)
}

func TestWorkspaceResolve(t *testing.T) {
	ws, err := pipeline.NewWorkspace(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		name    string
		rel     string
		want    string
		wantErr bool
	}{
		{name: "File", rel: "knull.yml", want: filepath.Join(ws.Dir(7), "knull.yml")},
		{name: "Nested", rel: "ci/pipeline.yml", want: filepath.Join(ws.Dir(7), "ci", "pipeline.yml")},
		{name: "Cleaned", rel: "ci/../knull.yml", want: filepath.Join(ws.Dir(7), "knull.yml")},
		{name: "Escape", rel: "../build-8/knull.yml", wantErr: true},
		{name: "AbsoluteEscape", rel: "../../etc/passwd", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ws.Resolve(7, tc.rel)
			if tc.wantErr {
				assert.ErrorIs(t, err, pipeline.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWorkspaceReadFile(t *testing.T) {
	ws, err := pipeline.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	dir, err := ws.Prepare(7)
	require.NoError(t, err)

	secret := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(secret, []byte("root:x:0:0"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ci"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ci", "knull.yml"), []byte("name: api\n"), 0o644))
	require.NoError(t, os.Symlink("ci/knull.yml", filepath.Join(dir, "knull.yml")))
	require.NoError(t, os.Symlink(secret, filepath.Join(dir, "escape.yml")))

	data, err := ws.ReadFile(7, "ci/knull.yml")
	require.NoError(t, err)
	assert.Equal(t, "name: api\n", string(data))

	data, err = ws.ReadFile(7, "knull.yml")
	require.NoError(t, err, "symlinks inside the workspace are followed")
	assert.Equal(t, "name: api\n", string(data))

	for _, rel := range []string{"escape.yml", "../build-8/knull.yml", "missing.yml"} {
		data, err := ws.ReadFile(7, rel)
		assert.ErrorIs(t, err, pipeline.ErrConfiguration, rel)
		assert.Nil(t, data, rel)
	}
}

func TestWorkspaceSweep(t *testing.T) {
	ws, err := pipeline.NewWorkspace(t.TempDir())
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	for _, id := range []int64{1, 2, 3} {
		dir, err := ws.Prepare(id)
		require.NoError(t, err)
		if id != 3 {
			require.NoError(t, os.Chtimes(dir, old, old))
		}
	}
	unrelated := filepath.Join(ws.Base, "cache")
	require.NoError(t, os.MkdirAll(unrelated, 0o755))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	removed, err := ws.Sweep(time.Hour, func(id int64) bool { return id == 2 })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoDirExists(t, ws.Dir(1))
	assert.DirExists(t, ws.Dir(2), "active builds are kept")
	assert.DirExists(t, ws.Dir(3), "recent workspaces are kept")
	assert.DirExists(t, unrelated)
}

func TestWorkspaceSweepMissingBase(t *testing.T) {
	ws := &pipeline.Workspace{Base: filepath.Join(t.TempDir(), "missing")}
	removed, err := ws.Sweep(time.Hour, nil)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
