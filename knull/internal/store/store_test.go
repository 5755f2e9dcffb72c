package store_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"knull.dev/knull/internal/build"
	"knull.dev/knull/internal/secrets"
	"knull.dev/knull/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := store.Open(context.Background(), store.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func newBuild() *build.Build {
	return &build.Build{
		JobID:           3,
		JobName:         "api",
		CommitSHA:       "4f2a9c1",
		CommitMessage:   "fix flaky test",
		Branch:          "main",
		RepositoryURL:   "https://github.com/knull/api.git",
		RepositoryOwner: "knull",
		RepositoryName:  "api",
		Status:          build.StatusInProgress,
		Log:             "Build started...\n",
		StartedAt:       time.Unix(1700000000, 0),
		TriggeredBy:     "webhook",
	}
}

func TestStore_SaveAndFindBuild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := newBuild()
	b.Steps = []*build.Step{
		{Name: "Prepare Workspace", Status: build.StepSuccess, Output: "ok", StartedAt: time.Unix(1700000001, 0), CompletedAt: time.Unix(1700000002, 0), Duration: time.Second},
		{Name: "Clone Repository", Status: build.StepInProgress, StartedAt: time.Unix(1700000002, 0)},
	}
	require.NoError(t, s.SaveBuild(ctx, b))
	require.NotZero(t, b.ID)

	got, err := s.FindBuild(ctx, b.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(b, got); diff != "" {
		t.Errorf("unexpected build (-want +got):\n%s", diff)
	}

	other := newBuild()
	require.NoError(t, s.SaveBuild(ctx, other))
	assert.NotEqual(t, b.ID, other.ID)
}

func TestStore_FindBuildNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.FindBuild(context.Background(), 404)
	assert.ErrorIs(t, err, build.ErrNotFound)
}

func TestStore_UpdateBuild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := newBuild()
	require.NoError(t, s.SaveBuild(ctx, b))

	b.AppendLog("\n=== Prepare Workspace ===\n")
	b.Steps = append(b.Steps, &build.Step{Name: "Prepare Workspace", Status: build.StepInProgress, StartedAt: time.Unix(1700000001, 0)})
	require.NoError(t, s.UpdateBuild(ctx, b))

	got, err := s.FindBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Log, got.Log)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, build.StepInProgress, got.Steps[0].Status)

	require.True(t, b.Finish(build.StatusSuccess, time.Unix(1700000060, 0)))
	require.NoError(t, s.UpdateBuild(ctx, b), "the transition into a terminal status is allowed")

	got, err = s.FindBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, build.StatusSuccess, got.Status)
	assert.True(t, got.CompletedAt.Equal(time.Unix(1700000060, 0)))
	assert.Equal(t, time.Minute, got.Duration)

	b.AppendLog("late write")
	err = s.UpdateBuild(ctx, b)
	assert.ErrorIs(t, err, build.ErrFinished)

	got, err = s.FindBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Log, "late write")
}

func TestStore_UpdateBuildCannotRegressCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := newBuild()
	require.NoError(t, s.SaveBuild(ctx, b))

	cancelled, err := s.FindBuild(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, cancelled.Finish(build.StatusCancelled, time.Now()))
	require.NoError(t, s.UpdateBuild(ctx, cancelled))

	require.True(t, b.Finish(build.StatusFailure, time.Now()))
	assert.ErrorIs(t, s.UpdateBuild(ctx, b), build.ErrFinished)

	got, err := s.FindBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, build.StatusCancelled, got.Status)
}

func TestStore_SwapBuild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := newBuild()
	b.Steps = []*build.Step{{Name: "Run Script Steps", Status: build.StepInProgress, StartedAt: time.Unix(1700000001, 0)}}
	require.NoError(t, s.SaveBuild(ctx, b))

	read, err := s.FindBuild(ctx, b.ID)
	require.NoError(t, err)

	// A step write lands after read was taken.
	b.Steps[0].Complete(build.StepSuccess, time.Unix(1700000002, 0))
	b.AppendLog("\n=== Cleanup Workspace ===\n")
	require.NoError(t, s.UpdateBuild(ctx, b))

	stale := read.Clone()
	require.True(t, stale.Finish(build.StatusCancelled, time.Unix(1700000003, 0)))
	stale.Steps[0].Complete(build.StepFailure, time.Unix(1700000003, 0))
	assert.ErrorIs(t, s.SwapBuild(ctx, read, stale), build.ErrConflict)

	got, err := s.FindBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, build.StatusInProgress, got.Status)
	assert.Equal(t, build.StepSuccess, got.Steps[0].Status)

	fresh := got.Clone()
	require.True(t, fresh.Finish(build.StatusCancelled, time.Unix(1700000004, 0)))
	require.NoError(t, s.SwapBuild(ctx, got, fresh))

	got, err = s.FindBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, build.StatusCancelled, got.Status)
	assert.Equal(t, build.StepSuccess, got.Steps[0].Status)
	assert.Contains(t, got.Log, "=== Cleanup Workspace ===")

	// Once terminal, a swap from any earlier read is rejected as finished.
	failed := read.Clone()
	require.True(t, failed.Finish(build.StatusFailure, time.Unix(1700000005, 0)))
	assert.ErrorIs(t, s.SwapBuild(ctx, read, failed), build.ErrFinished)
}

func TestStore_UpdateBuildNotFound(t *testing.T) {
	s := newTestStore(t)

	b := newBuild()
	b.ID = 99
	assert.ErrorIs(t, s.UpdateBuild(context.Background(), b), build.ErrNotFound)
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	builds := make([]*build.Build, 8)
	for i := range builds {
		builds[i] = newBuild()
		require.NoError(t, s.SaveBuild(ctx, builds[i]))
	}

	var wg sync.WaitGroup
	for _, b := range builds {
		wg.Add(1)
		go func(b *build.Build) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				b.AppendLog(fmt.Sprintf("line %d\n", i))
				assert.NoError(t, s.UpdateBuild(ctx, b))
			}
		}(b)
	}
	wg.Wait()

	for _, b := range builds {
		got, err := s.FindBuild(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, b.Log, got.Log)
	}
}

func TestStore_Credentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cred := &secrets.Credential{Name: "deploy", Username: "ci-bot", EncryptedPassword: "ZW5j"}
	require.NoError(t, s.SaveCredential(ctx, cred))
	require.NotZero(t, cred.ID)

	got, err := s.FindCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, cred, got)
	assert.True(t, got.HasUsernamePassword())
	assert.False(t, got.HasToken())

	_, err = s.FindCredential(ctx, 404)
	assert.ErrorIs(t, err, secrets.ErrCredentialNotFound)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := store.New(nil, "oracle")
	assert.Error(t, err)
}
