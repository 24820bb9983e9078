// Package mcptools publishes the code pipeline as MCP tools so other agents
// can extract, run and ask for code over stdio or SSE.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"codeassist/internal/assistant"
	"codeassist/internal/codeblock"
	"codeassist/internal/dataset"
	"codeassist/internal/sandbox"
)

type Service interface {
	Handle(ctx context.Context, req assistant.Request) (assistant.Reply, error)
	Run(ctx context.Context, code string, ds *dataset.Frame) sandbox.Result
	Languages() []string
}

type Tools struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{svc: svc, logger: logger}
}

// NewServer returns an MCP server with every tool registered.
func NewServer(svc Service, version string, logger *slog.Logger) *mcp.Server {
	t := New(svc, logger)
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "codeassist-sandbox",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "extract_code",
		Description: "Extracts fenced code blocks from text and reports the first block the sandbox can run. Arguments: text (string).",
	}, t.ExtractCode)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_code",
		Description: "Runs code in the sandbox and returns its printed output. Arguments: code (string), csv (optional string, bound as df).",
	}, t.RunCode)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask",
		Description: "Asks the model for code, runs the first runnable block and returns the outcome. Arguments: prompt (string), session (optional string), csv (optional string, bound as df).",
	}, t.Ask)

	return server
}

func (t *Tools) ExtractCode(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[map[string]interface{}]) (*mcp.CallToolResultFor[any], error) {
	text, err := stringArg(params.Arguments, "text", true)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	blocks, parseErr := codeblock.Parse(text)
	block, ok := codeblock.Runnable(blocks, t.svc.Languages()...)

	meta := map[string]interface{}{
		"blocks":   blocks,
		"runnable": ok,
	}
	var msg string
	switch {
	case ok:
		meta["code"], meta["lang"] = block.Code, block.Lang
		msg = block.Code
	case parseErr != nil:
		meta["error"] = parseErr.Error()
		return &mcp.CallToolResultFor[any]{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "malformed: " + parseErr.Error()}},
			Meta:    meta,
		}, nil
	case len(blocks) > 0:
		msg = fmt.Sprintf("found %d block(s), none runnable", len(blocks))
	default:
		msg = "No code found."
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		Meta:    meta,
	}, nil
}

func (t *Tools) RunCode(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[map[string]interface{}]) (*mcp.CallToolResultFor[any], error) {
	code, err := stringArg(params.Arguments, "code", true)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	ds, err := csvArg(params.Arguments)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	res := t.svc.Run(ctx, code, ds)
	t.logger.Info("mcp run_code", "status", res.Status(), "took", res.Duration)

	text := res.Text()
	if text == "" {
		text = "Code executed successfully."
	}
	return &mcp.CallToolResultFor[any]{
		IsError: res.Faulted,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		Meta: map[string]interface{}{
			"status":    res.Status(),
			"output":    res.Output,
			"fault":     res.Fault,
			"truncated": res.Truncated,
			"duration":  res.Duration.String(),
		},
	}, nil
}

func (t *Tools) Ask(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[map[string]interface{}]) (*mcp.CallToolResultFor[any], error) {
	prompt, err := stringArg(params.Arguments, "prompt", true)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	sessionID, err := stringArg(params.Arguments, "session", false)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if sessionID == "" {
		sessionID = "mcp"
	}
	ds, err := csvArg(params.Arguments)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	reply, err := t.svc.Handle(ctx, assistant.Request{Session: sessionID, Prompt: prompt, Dataset: ds})
	if err != nil {
		t.logger.Warn("mcp ask failed", "session", sessionID, "err", err)
		return errorResult(err.Error()), nil
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: reply.Message()}},
		Meta:    meta,
	}, nil
}

func errorResult(msg string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

func stringArg(args map[string]interface{}, name string, required bool) (string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%s parameter is required", name)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", name)
	}
	if required && strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	return s, nil
}

var errEmptyCSV = errors.New("csv must contain a header row")

func csvArg(args map[string]interface{}) (*dataset.Frame, error) {
	s, err := stringArg(args, "csv", false)
	if err != nil || s == "" {
		return nil, err
	}
	if strings.TrimSpace(s) == "" {
		return nil, errEmptyCSV
	}
	return dataset.FromCSV("input.csv", strings.NewReader(s))
}
