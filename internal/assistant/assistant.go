// Package assistant ties the pieces together: compose a prompt from session
// memory, ask the model, pull the first runnable code block out of the reply,
// run it in the sandbox and record the interaction.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"codeassist/internal/codeblock"
	"codeassist/internal/dataset"
	"codeassist/internal/llm"
	"codeassist/internal/memory"
	"codeassist/internal/sandbox"
	"codeassist/internal/storage"
)

var ErrEmptyPrompt = errors.New("prompt is empty")

// DatasetBinding is the name an attached table is bound to.
const DatasetBinding = "df"

type Options struct {
	LLM      llm.Client
	Executor sandbox.Executor
	Memory   *memory.Manager
	Recorder storage.Recorder
	Logger   *slog.Logger

	SystemPrompt string
	// ContextTurns is how many past records go into the prompt.
	ContextTurns int
	ContextChars int
	PreviewRows  int
}

type Service struct {
	llm      llm.Client
	exec     sandbox.Executor
	memory   *memory.Manager
	recorder storage.Recorder
	logger   *slog.Logger

	system       string
	contextTurns int
	contextChars int
	previewRows  int
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewManager(50, 0)
	}
	return &Service{
		llm:          opts.LLM,
		exec:         opts.Executor,
		memory:       opts.Memory,
		recorder:     opts.Recorder,
		logger:       opts.Logger,
		system:       opts.SystemPrompt,
		contextTurns: opts.ContextTurns,
		contextChars: opts.ContextChars,
		previewRows:  opts.PreviewRows,
	}
}

func (s *Service) Memory() *memory.Manager { return s.memory }

func (s *Service) Languages() []string { return s.exec.Languages() }

type Request struct {
	Session string
	Prompt  string
	// Dataset is bound as df for this request only.
	Dataset *dataset.Frame
}

type Reply struct {
	Response string            `json:"response"`
	Blocks   []codeblock.Block `json:"blocks,omitempty"`
	Code     string            `json:"code,omitempty"`
	Lang     string            `json:"lang,omitempty"`
	Outcome  memory.Outcome    `json:"outcome"`
	Output   string            `json:"output,omitempty"`
	Fault    string            `json:"fault,omitempty"`
	Duration time.Duration     `json:"duration,omitempty"`
	Model    string            `json:"model,omitempty"`
	Tokens   int               `json:"tokens,omitempty"`
}

// Message is the text shown to the user for the outcome.
func (r Reply) Message() string {
	switch r.Outcome {
	case memory.OutcomeNoCode:
		return "No code found in model response."
	case memory.OutcomeMalformed:
		return "The model response has an unterminated code block, nothing was run."
	case memory.OutcomeSkipped:
		langs := make([]string, 0, len(r.Blocks))
		for _, b := range r.Blocks {
			langs = append(langs, b.Lang)
		}
		return fmt.Sprintf("No runnable code found (blocks: %s).", strings.Join(langs, ", "))
	case memory.OutcomeExecuted:
		if r.Output == "" {
			return "Code executed successfully."
		}
		return r.Output
	case memory.OutcomeRejected:
		return "The sandbox is busy, try again in a moment."
	default:
		return joinNonEmpty(r.Output, "Error: "+r.Fault)
	}
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}

// Handle runs one prompt through the pipeline. Only an empty prompt or an
// upstream model failure is returned as an error; problems with the code
// itself are reported in Reply.Outcome.
func (s *Service) Handle(ctx context.Context, req Request) (Reply, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Reply{}, ErrEmptyPrompt
	}
	logger := s.logger.With("session", req.Session)

	msgs := llm.BuildMessages(llm.PromptInput{
		System:       s.system,
		History:      s.memory.Last(req.Session, s.contextTurns),
		HistoryChars: s.contextChars,
		Prompt:       prompt,
		Dataset:      req.Dataset,
		DatasetName:  DatasetBinding,
		PreviewRows:  s.previewRows,
	})
	started := time.Now()
	resp, err := s.llm.Generate(ctx, msgs)
	if err != nil {
		logger.Error("model request failed", "err", err)
		return Reply{}, err
	}
	logger.Info("model replied", "model", resp.Model, "tokens", resp.TotalTokens, "took", time.Since(started))

	reply := Reply{Response: resp.Content, Model: resp.Model, Tokens: resp.TotalTokens}
	s.runCode(ctx, &reply, req.Dataset, logger)

	rec := memory.Record{
		Session:   req.Session,
		Prompt:    prompt,
		Response:  reply.Response,
		Code:      reply.Code,
		Lang:      reply.Lang,
		Outcome:   reply.Outcome,
		Output:    reply.Output,
		Fault:     reply.Fault,
		Timestamp: time.Now().UTC(),
	}
	s.memory.Append(rec)
	s.record(rec, resp, logger)
	return reply, nil
}

func (s *Service) runCode(ctx context.Context, reply *Reply, ds *dataset.Frame, logger *slog.Logger) {
	blocks, parseErr := codeblock.Parse(reply.Response)
	reply.Blocks = blocks

	block, ok := codeblock.Runnable(blocks, s.exec.Languages()...)
	switch {
	case ok:
	case parseErr != nil:
		logger.Info("malformed code fence", "err", parseErr)
		reply.Outcome = memory.OutcomeMalformed
		return
	case len(blocks) > 0:
		reply.Outcome = memory.OutcomeSkipped
		return
	default:
		reply.Outcome = memory.OutcomeNoCode
		return
	}

	reply.Code, reply.Lang = block.Code, block.Lang
	res := s.exec.Execute(ctx, block.Code, Bindings(ds))
	reply.Output, reply.Fault, reply.Duration = res.Output, res.Fault, res.Duration
	reply.Outcome = OutcomeOf(res)
	logger.Info("code executed", "outcome", reply.Outcome, "took", res.Duration)
}

// Run executes code directly, without the model, with ds bound as df.
func (s *Service) Run(ctx context.Context, code string, ds *dataset.Frame) sandbox.Result {
	return s.exec.Execute(ctx, code, Bindings(ds))
}

// Bindings builds a fresh binding set for one execution.
func Bindings(ds *dataset.Frame) sandbox.Bindings {
	b := sandbox.Bindings{}
	if ds != nil {
		b[DatasetBinding] = ds
	}
	return b
}

func OutcomeOf(res sandbox.Result) memory.Outcome {
	switch {
	case res.Rejected:
		return memory.OutcomeRejected
	case res.TimedOut:
		return memory.OutcomeTimedOut
	case res.Faulted:
		return memory.OutcomeFailed
	default:
		return memory.OutcomeExecuted
	}
}

// record writes the interaction log; a failure is logged and not returned.
func (s *Service) record(rec memory.Record, resp llm.Response, logger *slog.Logger) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.AppendInteraction(storage.Event{
		Timestamp:   rec.Timestamp,
		Session:     rec.Session,
		Prompt:      rec.Prompt,
		Response:    rec.Response,
		Code:        rec.Code,
		Lang:        rec.Lang,
		Outcome:     string(rec.Outcome),
		Output:      rec.Output,
		Fault:       rec.Fault,
		Model:       resp.Model,
		TotalTokens: resp.TotalTokens,
	})
	if err != nil {
		logger.Warn("failed to append interaction log", "err", err)
	}
}
