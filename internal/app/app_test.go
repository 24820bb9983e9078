package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeassist/internal/assistant"
	"codeassist/internal/config"
	"codeassist/internal/llm"
	"codeassist/internal/memory"
)

type cannedLLM struct{ reply string }

func (c cannedLLM) Generate(context.Context, []llm.Message) (llm.Response, error) {
	return llm.Response{Content: c.reply, Model: "canned"}, nil
}

type downLLM struct{}

func (downLLM) Generate(context.Context, []llm.Message) (llm.Response, error) {
	return llm.Response{}, &llm.UpstreamError{Provider: "ollama", Err: fmt.Errorf("connection refused")}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.New()
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.InteractionLogPath = filepath.Join(dir, "assistant_log.txt")
	cfg.SystemPromptPath = filepath.Join(dir, "missing_prompt.txt")
	cfg.SandboxTimeout = 2 * time.Second
	return cfg
}

func TestPipelineEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	var logs bytes.Buffer
	a, err := New(context.Background(), cfg, Options{LogOutput: &logs, LLM: cannedLLM{reply: "Sure:\n```python\nprint(\"42\")\n```"}})
	require.NoError(t, err)
	defer a.Close()

	reply, err := a.Assistant.Handle(context.Background(), assistant.Request{Session: "s", Prompt: "print 42"})
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeExecuted, reply.Outcome)
	assert.Equal(t, "42", reply.Output)
	assert.Contains(t, logs.String(), "system prompt file not found")

	data, err := os.ReadFile(cfg.InteractionLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Prompt: print 42")

	report, err := a.Report(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Contains(t, report, "Prompts: 1")
	assert.Contains(t, report, "- executed: 1")
}

func TestNoCodeDoesNotRunSandbox(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, Options{LogOutput: &bytes.Buffer{}, LLM: cannedLLM{reply: "no code here"}})
	require.NoError(t, err)
	defer a.Close()

	reply, err := a.Assistant.Handle(context.Background(), assistant.Request{Session: "s", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeNoCode, reply.Outcome)
	assert.Equal(t, "No code found in model response.", reply.Message())
}

func TestUpstreamFailureIsRecoverable(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, Options{LogOutput: &bytes.Buffer{}, LLM: downLLM{}})
	require.NoError(t, err)
	defer a.Close()

	for i := 0; i < 2; i++ {
		_, err := a.Assistant.Handle(context.Background(), assistant.Request{Session: "s", Prompt: "hello"})
		require.ErrorIs(t, err, llm.ErrUpstream)
	}
	assert.Equal(t, 0, a.Memory.Len("s"))
}

func TestSystemPromptFromFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.SystemPromptPath, []byte("  Answer in Starlark.  \n"), 0o644))
	var seen []llm.Message
	client := recordingLLM{seen: &seen}
	a, err := New(context.Background(), cfg, Options{LogOutput: &bytes.Buffer{}, LLM: client})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Assistant.Handle(context.Background(), assistant.Request{Session: "s", Prompt: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	assert.Equal(t, llm.RoleSystem, seen[0].Role)
	assert.Equal(t, "Answer in Starlark.", seen[0].Content)
}

type recordingLLM struct{ seen *[]llm.Message }

func (r recordingLLM) Generate(_ context.Context, msgs []llm.Message) (llm.Response, error) {
	*r.seen = msgs
	return llm.Response{Content: "ok"}, nil
}

func TestAgentWiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.SearchMaxResults = 0
	a, err := New(context.Background(), cfg, Options{LogOutput: &bytes.Buffer{}, LLM: cannedLLM{reply: "Final Answer: done"}})
	require.NoError(t, err)
	defer a.Close()

	ag, err := a.Agent(nil)
	require.NoError(t, err)
	answer, err := ag.Run(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "done", answer)
}

func TestUnknownInteractionLogFormat(t *testing.T) {
	cfg := testConfig(t)
	cfg.InteractionLogFormat = "xml"
	_, err := New(context.Background(), cfg, Options{LogOutput: &bytes.Buffer{}, LLM: cannedLLM{}})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "interaction log"))
}
