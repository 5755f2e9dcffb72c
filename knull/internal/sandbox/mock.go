package sandbox

import (
	"context"
	"sync"
	"time"
)

// Mock is a test double for the Executor interface.
// It records requests and lets tests configure the result of each call.
type Mock struct {
	mu       sync.Mutex
	requests []Request
	aborted  []int64

	// RunFn, if set, is called for each Run invocation.
	// By default Run succeeds immediately without producing output.
	RunFn func(ctx context.Context, req Request) (*Result, error)

	// AbortFn, if set, is called for each Abort invocation.
	// By default Abort reports that nothing was running.
	AbortFn func(ctx context.Context, buildID int64) (int, error)

	// Unhealthy flips Healthy to false.
	Unhealthy bool

	// ProcessCount is returned by RunningProcessCount.
	ProcessCount int
}

// NewMock returns a Mock with no configured behavior.
func NewMock() *Mock {
	return &Mock{}
}

// Run implements Executor.
func (m *Mock) Run(ctx context.Context, req Request) (*Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.RunFn != nil {
		return m.RunFn(ctx, req)
	}
	now := time.Now()
	return &Result{Success: true, StartedAt: now, FinishedAt: now}, nil
}

// Abort implements Executor.
func (m *Mock) Abort(ctx context.Context, buildID int64) (int, error) {
	m.mu.Lock()
	m.aborted = append(m.aborted, buildID)
	m.mu.Unlock()

	if m.AbortFn != nil {
		return m.AbortFn(ctx, buildID)
	}
	return 0, nil
}

// Healthy implements Executor.
func (m *Mock) Healthy(context.Context) bool {
	return !m.Unhealthy
}

// RunningProcessCount implements Executor.
func (m *Mock) RunningProcessCount(context.Context) int {
	return m.ProcessCount
}

// Requests passed to Run so far.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Aborted build ids passed to Abort so far.
func (m *Mock) Aborted() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.aborted...)
}
