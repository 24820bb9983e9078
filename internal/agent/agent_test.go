package agent

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/tools"

	"codeassist/internal/dataset"
	"codeassist/internal/llm"
	"codeassist/internal/sandbox"
)

type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (s *scriptedLLM) Generate(_ context.Context, msgs []llm.Message) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, msgs[len(msgs)-1].Content)
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return llm.Response{Content: reply}, nil
}

func TestWeather(t *testing.T) {
	tests := map[string]string{
		"London":     "It's cloudy with a chance of rain in London, 15°C.",
		`"new york"`: "It's sunny and warm in New York, 25°C.",
		"Munich":     "Weather information for Munich is not available.",
	}
	for in, want := range tests {
		got, err := Weather{}.Call(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestSandboxTool(t *testing.T) {
	var gotCode string
	var gotDS *dataset.Frame
	ds := dataset.New("t.csv", []string{"a", "b"}, [][]string{{"1", "2"}})
	tool := Sandbox{
		Run: func(_ context.Context, code string, ds *dataset.Frame) sandbox.Result {
			gotCode, gotDS = code, ds
			if strings.Contains(code, "boom") {
				return sandbox.Result{Faulted: true, Fault: "boom"}
			}
			if strings.Contains(code, "print") {
				return sandbox.Result{Output: "3"}
			}
			return sandbox.Result{}
		},
		Dataset: ds,
		Langs:   []string{"python"},
	}

	out, err := tool.Call(context.Background(), "```python\nprint(df.sum('a'))\n```")
	require.NoError(t, err)
	assert.Equal(t, "3", out)
	assert.Equal(t, "print(df.sum('a'))", gotCode)
	assert.Same(t, ds, gotDS)

	out, err = tool.Call(context.Background(), "boom()")
	require.NoError(t, err)
	assert.Equal(t, "Error: boom", out)

	out, err = tool.Call(context.Background(), "x = 1")
	require.NoError(t, err)
	assert.Equal(t, "Code executed successfully.", out)

	assert.Contains(t, tool.Description(), "columns: a, b")
}

func TestAgentUsesToolThenAnswers(t *testing.T) {
	model := &scriptedLLM{replies: []string{
		"Thought: I should look up the weather.\nAction: get_weather\nAction Input: London",
		"Thought: I now know the final answer.\nFinal Answer: It is cloudy in London.",
	}}
	a := New(llm.AsModel(model), []tools.Tool{Weather{}}, Options{MaxIterations: 3})

	answer, err := a.Run(context.Background(), "What is the weather in London?")
	require.NoError(t, err)
	assert.Equal(t, "It is cloudy in London.", answer)

	require.Len(t, model.prompts, 2)
	assert.Contains(t, model.prompts[0], "get_weather")
	assert.Contains(t, model.prompts[0], "What is the weather in London?")
	assert.Contains(t, model.prompts[1], "It's cloudy with a chance of rain in London, 15°C.")
}

func TestAgentRecoversFromOffFormatReply(t *testing.T) {
	model := &scriptedLLM{replies: []string{
		"London is cloudy today, about 15 degrees.",
		"Thought: I now know the final answer.\nFinal Answer: Cloudy in London.",
	}}
	a := New(llm.AsModel(model), []tools.Tool{Weather{}}, Options{MaxIterations: 3})

	answer, err := a.Run(context.Background(), "What is the weather in London?")
	require.NoError(t, err)
	assert.Equal(t, "Cloudy in London.", answer)
	assert.Len(t, model.prompts, 2)
}

func TestAgentStopsAfterMaxIterations(t *testing.T) {
	model := &scriptedLLM{replies: []string{
		"Thought: again.\nAction: get_weather\nAction Input: Munich",
	}}
	a := New(llm.AsModel(model), []tools.Tool{Weather{}}, Options{MaxIterations: 2})

	_, err := a.Run(context.Background(), "Weather in Munich?")
	require.Error(t, err)
	assert.Len(t, model.prompts, 2)
}

func TestAgentIncludesDataset(t *testing.T) {
	model := &scriptedLLM{replies: []string{"Final Answer: two rows"}}
	ds := dataset.New("t.csv", []string{"city"}, [][]string{{"Oslo"}, {"Rome"}})
	a := New(llm.AsModel(model), []tools.Tool{Weather{}}, Options{Dataset: ds})

	answer, err := a.Run(context.Background(), "How many rows?")
	require.NoError(t, err)
	assert.Equal(t, "two rows", answer)
	assert.Contains(t, model.prompts[0], "already loaded into a variable named `df`")
}

func TestDefaultTools(t *testing.T) {
	toolset, err := DefaultTools(nil, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, toolset, 2)
	assert.Equal(t, "get_weather", toolset[0].Name())
	assert.Equal(t, "python_sandbox", toolset[1].Name())

	toolset, err = DefaultTools(nil, nil, nil, 3)
	require.NoError(t, err)
	require.Len(t, toolset, 3)
}
