// Package agent runs a ReAct style tool-using agent on top of the configured
// model. The reasoning loop is langchaingo's one-shot agent.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/agents"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"
	"github.com/tmc/langchaingo/tools/duckduckgo"

	"codeassist/internal/dataset"
	"codeassist/internal/llm"
)

const userAgent = "codeassist-agent/1.0"

type Options struct {
	MaxIterations int
	Dataset       *dataset.Frame
	PreviewRows   int
	Logger        *slog.Logger
}

type Agent struct {
	executor *agents.Executor
	opts     Options
	logger   *slog.Logger
}

func New(model llms.Model, toolset []tools.Tool, opts Options) *Agent {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	oneShot := agents.NewOneShotAgent(model, toolset)
	// Small models often answer outside the ReAct format; the parse error is
	// fed back as an observation instead of ending the run.
	executor := agents.NewExecutor(oneShot,
		agents.WithMaxIterations(opts.MaxIterations),
		agents.WithParserErrorHandler(agents.NewParserErrorHandler(nil)),
	)
	return &Agent{
		executor: executor,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Run answers question, prefixing it with the dataset summary when one is
// attached.
func (a *Agent) Run(ctx context.Context, question string) (string, error) {
	input := llm.DatasetPrompt(a.opts.Dataset, "df", a.opts.PreviewRows, question)
	start := time.Now()
	answer, err := chains.Run(ctx, a.executor, input)
	if err != nil {
		a.logger.Warn("agent run failed", "err", err, "took", time.Since(start))
		return "", fmt.Errorf("agent: %w", err)
	}
	a.logger.Info("agent finished", "took", time.Since(start))
	return answer, nil
}

// DefaultTools returns the weather lookup, the sandbox and, when
// searchResults > 0, DuckDuckGo web search.
func DefaultTools(run RunFunc, langs []string, ds *dataset.Frame, searchResults int) ([]tools.Tool, error) {
	toolset := []tools.Tool{
		Weather{},
		Sandbox{Run: run, Dataset: ds, Langs: langs},
	}
	if searchResults > 0 {
		search, err := duckduckgo.New(searchResults, userAgent)
		if err != nil {
			return nil, fmt.Errorf("duckduckgo: %w", err)
		}
		toolset = append(toolset, search)
	}
	return toolset, nil
}
