package sandbox

import (
	"context"
	"log/slog"

	"golang.org/x/sync/semaphore"
)

// Queue bounds concurrent executions of an engine. At most workers calls run
// at once and at most depth wait for a slot; a call beyond that is rejected
// right away instead of blocking.
type Queue struct {
	exec     Executor
	engine   string
	admitted *semaphore.Weighted
	slots    *semaphore.Weighted
	logger   *slog.Logger
}

func NewQueue(exec Executor, workers, depth int, logger *slog.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if depth < 0 {
		depth = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		exec:     exec,
		engine:   engineName(exec),
		admitted: semaphore.NewWeighted(int64(workers + depth)),
		slots:    semaphore.NewWeighted(int64(workers)),
		logger:   logger,
	}
}

func (q *Queue) Languages() []string { return q.exec.Languages() }

func (q *Queue) Execute(ctx context.Context, code string, b Bindings) Result {
	if !q.admitted.TryAcquire(1) {
		queueRejections.Inc()
		q.logger.Warn("sandbox queue full, rejecting execution", "engine", q.engine)
		res := rejected()
		observe(q.engine, res)
		return res
	}
	defer q.admitted.Release(1)
	queueInflight.Inc()
	defer queueInflight.Dec()

	if err := q.slots.Acquire(ctx, 1); err != nil {
		return faultf("waiting for sandbox slot: %v", err)
	}
	defer q.slots.Release(1)
	return q.exec.Execute(ctx, code, b)
}

// engineName is the metrics label for exec.
func engineName(exec Executor) string {
	switch exec.(type) {
	case *Docker:
		return engineDocker
	case *Starlark:
		return engineStarlark
	default:
		return "other"
	}
}
