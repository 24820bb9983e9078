package llm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// OllamaCLIClient runs "ollama run <model>" once per request with the
// flattened conversation on stdin.
type OllamaCLIClient struct {
	binary string
	model  string
	// run is swapped in tests.
	run func(ctx context.Context, stdin string, name string, args ...string) (string, string, error)
}

func NewOllamaCLI(binary, model string) (*OllamaCLIClient, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, upstream(ProviderOllamaCLI, fmt.Errorf("%s not found in PATH: %w", binary, err))
	}
	return &OllamaCLIClient{binary: path, model: model, run: runCommand}, nil
}

func runCommand(ctx context.Context, stdin string, name string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (c *OllamaCLIClient) Generate(ctx context.Context, messages []Message) (Response, error) {
	stdout, stderr, err := c.run(ctx, Flatten(messages), c.binary, "run", c.model)
	if err != nil {
		if msg := strings.TrimSpace(stderr); msg != "" {
			err = fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return Response{}, upstream(ProviderOllamaCLI, err)
	}
	return Response{Content: strings.TrimSpace(stdout), Model: c.model}, nil
}

// Flatten renders a conversation as plain text for transports without
// roles: the system prompt first, then User/Assistant turns, the last user
// message bare.
func Flatten(messages []Message) string {
	var parts []string
	for i, m := range messages {
		switch {
		case m.Role == RoleSystem:
			parts = append(parts, m.Content)
		case i == len(messages)-1 && m.Role == RoleUser:
			parts = append(parts, m.Content)
		case m.Role == RoleAssistant:
			parts = append(parts, "Assistant: "+m.Content)
		default:
			parts = append(parts, "User: "+m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
