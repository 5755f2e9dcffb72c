package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// errAborted is the cancellation cause for processes stopped through Abort.
var errAborted = fmt.Errorf("aborted")

// Tracker records in-flight processes by build so they can be counted and aborted.
type Tracker struct {
	mu    sync.Mutex
	procs map[int64]map[uuid.UUID]context.CancelCauseFunc
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{procs: make(map[int64]map[uuid.UUID]context.CancelCauseFunc)}
}

// Track registers a process for buildID. The returned context is cancelled if the
// build is aborted; release must be called once the process has exited.
func (t *Tracker) Track(ctx context.Context, buildID int64) (context.Context, func()) {
	procCtx, cancel := context.WithCancelCause(ctx)
	handle := uuid.New()

	t.mu.Lock()
	if t.procs[buildID] == nil {
		t.procs[buildID] = make(map[uuid.UUID]context.CancelCauseFunc)
	}
	t.procs[buildID][handle] = cancel
	t.mu.Unlock()

	return procCtx, func() {
		t.mu.Lock()
		delete(t.procs[buildID], handle)
		if len(t.procs[buildID]) == 0 {
			delete(t.procs, buildID)
		}
		t.mu.Unlock()
		cancel(nil)
	}
}

// Abort cancels every process tracked for buildID and returns how many there were.
func (t *Tracker) Abort(buildID int64) int {
	t.mu.Lock()
	procs := t.procs[buildID]
	delete(t.procs, buildID)
	t.mu.Unlock()

	for _, cancel := range procs {
		cancel(errAborted)
	}
	return len(procs)
}

// Count of all tracked processes.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, procs := range t.procs {
		n += len(procs)
	}
	return n
}
