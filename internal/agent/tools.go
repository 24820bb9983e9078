package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/tools"

	"codeassist/internal/codeblock"
	"codeassist/internal/dataset"
	"codeassist/internal/sandbox"
)

// Weather answers from a fixed table. It stands in for a real weather API.
type Weather struct{}

var _ tools.Tool = Weather{}

func (Weather) Name() string { return "get_weather" }

func (Weather) Description() string {
	return "Useful for getting the current weather for a specific location. Input should be a city name."
}

func (Weather) Call(_ context.Context, input string) (string, error) {
	location := strings.TrimSpace(strings.Trim(input, `"'`))
	switch l := strings.ToLower(location); {
	case strings.Contains(l, "london"):
		return "It's cloudy with a chance of rain in London, 15°C.", nil
	case strings.Contains(l, "new york"):
		return "It's sunny and warm in New York, 25°C.", nil
	default:
		return fmt.Sprintf("Weather information for %s is not available.", location), nil
	}
}

// RunFunc executes code with ds bound as df.
type RunFunc func(ctx context.Context, code string, ds *dataset.Frame) sandbox.Result

// Sandbox lets the agent run code. Faults are returned as the observation so
// the model can correct itself.
type Sandbox struct {
	Run     RunFunc
	Dataset *dataset.Frame
	Langs   []string
}

var _ tools.Tool = Sandbox{}

func (Sandbox) Name() string { return "python_sandbox" }

func (s Sandbox) Description() string {
	desc := "Runs Python-like code in a restricted sandbox and returns what it prints. Input should be the code only; use print() to show results."
	if s.Dataset != nil {
		desc += fmt.Sprintf(" The table is available as df with columns: %s.", strings.Join(s.Dataset.Columns, ", "))
	}
	return desc
}

func (s Sandbox) Call(ctx context.Context, input string) (string, error) {
	code := strings.TrimSpace(input)
	if blocks := codeblock.Extract(code); len(blocks) > 0 {
		if b, ok := codeblock.Runnable(blocks, s.Langs...); ok {
			code = b.Code
		}
	}
	res := s.Run(ctx, code, s.Dataset)
	if text := res.Text(); text != "" {
		return text, nil
	}
	return "Code executed successfully.", nil
}
