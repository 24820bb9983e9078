package sandbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingExec struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingExec) Languages() []string { return []string{"python"} }

func (b *blockingExec) Execute(ctx context.Context, code string, _ Bindings) Result {
	b.started <- struct{}{}
	<-b.release
	return Result{Output: code}
}

func TestQueue_RejectsWhenFull(t *testing.T) {
	exec := &blockingExec{started: make(chan struct{}, 1), release: make(chan struct{})}
	q := NewQueue(exec, 1, 0, nil)

	done := make(chan Result)
	go func() { done <- q.Execute(context.Background(), "first", nil) }()
	<-exec.started

	start := time.Now()
	res := q.Execute(context.Background(), "second", nil)
	assert.True(t, res.Rejected)
	assert.True(t, res.Faulted)
	assert.Equal(t, ErrRejected.Error(), res.Fault)
	assert.Less(t, time.Since(start), time.Second)

	close(exec.release)
	assert.Equal(t, "first", (<-done).Output)

	go func() { <-exec.started }()
	res = q.Execute(context.Background(), "third", nil)
	assert.False(t, res.Rejected)
	assert.Equal(t, "third", res.Output)
}

func TestQueue_WaitingCallHonoursContext(t *testing.T) {
	exec := &blockingExec{started: make(chan struct{}, 1), release: make(chan struct{})}
	q := NewQueue(exec, 1, 1, nil)

	done := make(chan Result)
	go func() { done <- q.Execute(context.Background(), "first", nil) }()
	<-exec.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := q.Execute(ctx, "second", nil)
	assert.True(t, res.Faulted)
	assert.False(t, res.Rejected)
	assert.Contains(t, res.Fault, "context canceled")

	close(exec.release)
	<-done
}

func TestQueue_RunsEveryAdmittedCall(t *testing.T) {
	q := NewQueue(newTestStarlark(), 2, 8, nil)
	var wg sync.WaitGroup
	results := make([]Result, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = q.Execute(context.Background(), "print(n)", Bindings{"n": i})
		}()
	}
	wg.Wait()
	for i, res := range results {
		require.False(t, res.Faulted, res.Fault)
		assert.Equal(t, fmt.Sprint(i), res.Output)
	}
	assert.Equal(t, []string{"python", "python3", "py", "starlark", "star"}, q.Languages())
}

func TestQueue_RejectionIsCounted(t *testing.T) {
	inner := newTestStarlark()
	q := NewQueue(inner, 1, 0, nil)
	// hold the only admission so the next call is turned away
	require.True(t, q.admitted.TryAcquire(1))
	defer q.admitted.Release(1)

	counter := executionsTotal.WithLabelValues(engineStarlark, "rejected")
	before := testutil.ToFloat64(counter)
	res := q.Execute(context.Background(), "print(1)", nil)
	require.True(t, res.Rejected)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	assert.Equal(t, "other", engineName(&blockingExec{}))
}
