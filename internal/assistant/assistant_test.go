package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"codeassist/internal/dataset"
	"codeassist/internal/llm"
	"codeassist/internal/memory"
	"codeassist/internal/sandbox"
	"codeassist/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]llm.Message
}

func (s *scriptedLLM) Generate(_ context.Context, msgs []llm.Message) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, msgs)
	if s.err != nil {
		return llm.Response{}, s.err
	}
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return llm.Response{Content: reply, Model: "tinyllama", TotalTokens: 10}, nil
}

type spyExec struct {
	sandbox.Executor
	calls    int
	bindings sandbox.Bindings
}

func (s *spyExec) Execute(ctx context.Context, code string, b sandbox.Bindings) sandbox.Result {
	s.calls++
	s.bindings = b
	return s.Executor.Execute(ctx, code, b)
}

type memRecorder struct {
	events []storage.Event
	err    error
}

func (r *memRecorder) AppendInteraction(ev storage.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *memRecorder) LoadInteractions() ([]storage.Event, error) { return r.events, nil }

func newService(model *scriptedLLM, rec storage.Recorder) (*Service, *spyExec) {
	exec := &spyExec{Executor: sandbox.NewStarlark(sandbox.StarlarkOptions{Timeout: 5 * time.Second, MaxSteps: 1_000_000})}
	svc := New(Options{
		LLM:          model,
		Executor:     exec,
		Memory:       memory.NewManager(10, 10),
		Recorder:     rec,
		SystemPrompt: "sys",
		ContextTurns: 3,
		ContextChars: 200,
		PreviewRows:  5,
	})
	return svc, exec
}

func TestHandle_NoCode(t *testing.T) {
	svc, exec := newService(&scriptedLLM{replies: []string{"no code here"}}, nil)
	reply, err := svc.Handle(context.Background(), Request{Session: "s", Prompt: "no code here"})
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeNoCode, reply.Outcome)
	assert.Empty(t, reply.Blocks)
	assert.Equal(t, "No code found in model response.", reply.Message())
	assert.Zero(t, exec.calls)
	assert.Equal(t, 1, svc.Memory().Len("s"))
}

func TestHandle_ExecutesFirstRunnableBlock(t *testing.T) {
	rec := &memRecorder{}
	model := &scriptedLLM{replies: []string{"Here:\n```text\nignored\n```\n```python\nprint(\"42\")\n```\n```python\nprint(1)\n```"}}
	svc, exec := newService(model, rec)

	reply, err := svc.Handle(context.Background(), Request{Session: "s", Prompt: "print 42"})
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeExecuted, reply.Outcome)
	assert.Equal(t, `print("42")`, reply.Code)
	assert.Equal(t, "python", reply.Lang)
	assert.Equal(t, "42", reply.Output)
	assert.Equal(t, "42", reply.Message())
	assert.Len(t, reply.Blocks, 3)
	assert.Equal(t, 1, exec.calls)

	require.Len(t, rec.events, 1)
	assert.Equal(t, "executed", rec.events[0].Outcome)
	assert.Equal(t, "tinyllama", rec.events[0].Model)
	assert.Equal(t, "42", svc.Memory().Last("s", 1)[0].Output)
}

func TestHandle_ListNestedFenceRuns(t *testing.T) {
	model := &scriptedLLM{replies: []string{"1. Run this:\n   ```python\n   x = 6 * 7\n   print(x)\n   ```"}}
	svc, _ := newService(model, nil)

	reply, err := svc.Handle(context.Background(), Request{Session: "s", Prompt: "multiply"})
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeExecuted, reply.Outcome, reply.Fault)
	assert.Equal(t, "42", reply.Output)
}

func TestHandle_ExecutionFaultIsAnOutcome(t *testing.T) {
	svc, _ := newService(&scriptedLLM{replies: []string{"```python\nprint('a')\nx = 1 // 0\n```"}}, nil)
	reply, err := svc.Handle(context.Background(), Request{Session: "s", Prompt: "divide"})
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeFailed, reply.Outcome)
	assert.Equal(t, "a", reply.Output)
	assert.Contains(t, reply.Fault, "division by zero")
	assert.True(t, strings.HasPrefix(reply.Message(), "a\nError: "))
}

func TestHandle_MalformedAndSkipped(t *testing.T) {
	svc, exec := newService(&scriptedLLM{replies: []string{"```python\nprint(1)\n", "```bash\nls\n```"}}, nil)

	reply, err := svc.Handle(context.Background(), Request{Session: "s", Prompt: "one"})
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeMalformed, reply.Outcome)

	reply, err = svc.Handle(context.Background(), Request{Session: "s", Prompt: "two"})
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeSkipped, reply.Outcome)
	assert.Contains(t, reply.Message(), "bash")
	assert.Zero(t, exec.calls)
}

func TestHandle_UpstreamErrorIsReturned(t *testing.T) {
	upstream := &llm.UpstreamError{Provider: "ollama", Err: errors.New("connection refused")}
	svc, _ := newService(&scriptedLLM{err: upstream}, nil)

	_, err := svc.Handle(context.Background(), Request{Session: "s", Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrUpstream))
	assert.Zero(t, svc.Memory().Len("s"))
}

func TestHandle_EmptyPrompt(t *testing.T) {
	svc, _ := newService(&scriptedLLM{replies: []string{"x"}}, nil)
	_, err := svc.Handle(context.Background(), Request{Session: "s", Prompt: "   "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestHandle_UsesLastTurnsAsContext(t *testing.T) {
	model := &scriptedLLM{replies: []string{"ok"}}
	svc, _ := newService(model, nil)
	for i := 0; i < 5; i++ {
		_, err := svc.Handle(context.Background(), Request{Session: "s", Prompt: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}
	last := model.calls[len(model.calls)-1]
	// system + 3 past turns + current prompt
	require.Len(t, last, 1+3*2+1)
	assert.Equal(t, "q1", last[1].Content)
	assert.Equal(t, "q3", last[5].Content)
	assert.Equal(t, "q4", last[7].Content)
}

func TestHandle_DatasetIsBoundPerRequest(t *testing.T) {
	model := &scriptedLLM{replies: []string{"```python\nprint(df.shape)\n```"}}
	svc, exec := newService(model, nil)
	ds, err := dataset.FromCSV("d.csv", strings.NewReader("a,b\n1,2\n3,4\n"))
	require.NoError(t, err)

	reply, err := svc.Handle(context.Background(), Request{Session: "s", Prompt: "shape?", Dataset: ds})
	require.NoError(t, err)
	assert.Equal(t, "(2, 2)", reply.Output)
	assert.Same(t, ds, exec.bindings[DatasetBinding])
	assert.Contains(t, model.calls[0][1].Content, "already loaded into a variable named `df`")

	reply, err = svc.Handle(context.Background(), Request{Session: "s", Prompt: "again"})
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeFailed, reply.Outcome)
	assert.NotContains(t, exec.bindings, DatasetBinding)
}

func TestHandle_RecorderFailureIsNotReturned(t *testing.T) {
	svc, _ := newService(&scriptedLLM{replies: []string{"no code"}}, &memRecorder{err: errors.New("disk full")})
	_, err := svc.Handle(context.Background(), Request{Session: "s", Prompt: "hi"})
	assert.NoError(t, err)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, memory.OutcomeExecuted, OutcomeOf(sandbox.Result{}))
	assert.Equal(t, memory.OutcomeFailed, OutcomeOf(sandbox.Result{Faulted: true}))
	assert.Equal(t, memory.OutcomeTimedOut, OutcomeOf(sandbox.Result{Faulted: true, TimedOut: true}))
	assert.Equal(t, memory.OutcomeRejected, OutcomeOf(sandbox.Result{Faulted: true, Rejected: true}))
	assert.Equal(t, "Code executed successfully.", Reply{Outcome: memory.OutcomeExecuted}.Message())
}
