package orchestrator

import (
	"context"
	"sync"
)

// registry tracks builds whose pipeline is currently running, keyed by build id.
type registry struct {
	mu     sync.Mutex
	builds map[int64]context.CancelCauseFunc
	closed bool
	wg     sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{builds: make(map[int64]context.CancelCauseFunc)}
}

// add registers a running build. It reports false once the registry is closed.
func (r *registry) add(id int64, cancel context.CancelCauseFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.builds[id] = cancel
	r.wg.Add(1)
	metricBuildsRunning.Inc()
	return true
}

// close rejects further builds.
func (r *registry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *registry) remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.builds[id]; ok {
		cancel(nil)
		delete(r.builds, id)
		r.wg.Done()
		metricBuildsRunning.Dec()
	}
}

func (r *registry) has(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.builds[id]
	return ok
}

// cancel signals the build's pipeline to stop. It reports false if the build is not running.
func (r *registry) cancel(id int64, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.builds[id]
	if ok {
		cancel(cause)
	}
	return ok
}

func (r *registry) cancelAll(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.builds {
		cancel(cause)
	}
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.builds)
}

// wait returns a channel closed once no build is running.
func (r *registry) wait() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	return done
}
