package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
	"unicode"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const engineStarlark = "starlark"

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

type StarlarkOptions struct {
	Timeout   time.Duration
	MaxSteps  uint64
	MaxOutput int
	Logger    *slog.Logger
}

// Starlark runs code in-process with the Starlark dialect of Python. The
// interpreter has no filesystem, network or load(); what a script can reach is
// its bindings plus the math, json, time and stats modules.
type Starlark struct {
	opts StarlarkOptions
}

func NewStarlark(opts StarlarkOptions) *Starlark {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Starlark{opts: opts}
}

func (s *Starlark) Languages() []string {
	return []string{"python", "python3", "py", "starlark", "star"}
}

func (s *Starlark) Execute(ctx context.Context, code string, b Bindings) (res Result) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		observe(engineStarlark, res)
	}()

	predeclared, err := predeclared(b)
	if err != nil {
		return faultf("bindings: %v", err)
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	out := &limitedWriter{max: s.opts.MaxOutput}
	thread := &starlark.Thread{
		Name: "sandbox",
		Print: func(thread *starlark.Thread, msg string) {
			out.Write([]byte(msg + "\n"))
			if out.truncated {
				thread.Cancel("output limit exceeded")
			}
		},
	}
	if s.opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(s.opts.MaxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	err = run(thread, code, predeclared)
	res.Output = out.String()
	res.Truncated = out.truncated
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		limited := timedOut(s.opts.Timeout)
		limited.Output, limited.Truncated = res.Output, res.Truncated
		return limited
	case out.truncated:
		res.Faulted = true
		res.Fault = fmt.Sprintf("output exceeded %d bytes", s.opts.MaxOutput)
	default:
		res.Faulted = true
		res.Fault = formatFault(err)
	}
	if res.Faulted {
		s.opts.Logger.Debug("starlark fault", "fault", res.Fault)
	}
	return res
}

// run executes one file and turns a panic in a builtin into an error.
func run(thread *starlark.Thread, code string, predeclared starlark.StringDict) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	_, err = starlark.ExecFileOptions(fileOptions, thread, "main.py", code, predeclared)
	return err
}

func formatFault(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}

func predeclared(b Bindings) (starlark.StringDict, error) {
	dict := starlark.StringDict{
		"math":  starmath.Module,
		"json":  starjson.Module,
		"time":  startime.Module,
		"stats": statsModule,
	}
	for name, v := range b {
		if !isIdentifier(name) {
			return nil, fmt.Errorf("binding name %q is not an identifier", name)
		}
		sv, err := toStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", name, err)
		}
		dict[name] = sv
	}
	return dict, nil
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}
