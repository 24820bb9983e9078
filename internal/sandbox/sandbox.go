// Package sandbox runs model-written code against an explicit set of named
// bindings and captures what it prints. Faults are part of the Result, never
// returned as errors.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrRejected = errors.New("sandbox queue is full")

// Bindings are the only names executed code can see besides the engine's
// built-in modules. A fresh map is built for every invocation.
type Bindings map[string]any

// Executor runs code. Implementations must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, code string, b Bindings) Result
	// Languages lists the fence tags the engine accepts.
	Languages() []string
}

type Result struct {
	Output    string        `json:"output"`
	Stderr    string        `json:"stderr,omitempty"`
	Faulted   bool          `json:"faulted"`
	Fault     string        `json:"fault,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Rejected  bool          `json:"rejected,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Text is what the caller shows in place of normal output: the captured
// output, followed by the fault when there is one.
func (r Result) Text() string {
	if !r.Faulted {
		return r.Output
	}
	var sb strings.Builder
	if r.Output != "" {
		sb.WriteString(r.Output)
		sb.WriteString("\n")
	}
	sb.WriteString("Error: ")
	sb.WriteString(r.Fault)
	return sb.String()
}

// Status is the metrics label for the result.
func (r Result) Status() string {
	switch {
	case r.Rejected:
		return "rejected"
	case r.TimedOut:
		return "timeout"
	case r.Faulted:
		return "fault"
	default:
		return "ok"
	}
}

func faultf(format string, args ...any) Result {
	return Result{Faulted: true, Fault: fmt.Sprintf(format, args...)}
}

func timedOut(limit time.Duration) Result {
	return Result{Faulted: true, TimedOut: true, Fault: fmt.Sprintf("execution timed out after %s", limit)}
}

func rejected() Result {
	return Result{Faulted: true, Rejected: true, Fault: ErrRejected.Error()}
}

// limitedWriter keeps at most max bytes and remembers whether more arrived.
// onFull, when set, is called once on the first dropped byte.
type limitedWriter struct {
	sb        strings.Builder
	max       int
	truncated bool
	onFull    func()
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.max > 0 {
		room := w.max - w.sb.Len()
		if room <= 0 {
			w.markTruncated(n > 0)
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			w.markTruncated(true)
		}
	}
	w.sb.Write(p)
	return n, nil
}

func (w *limitedWriter) markTruncated(dropped bool) {
	if !dropped || w.truncated {
		return
	}
	w.truncated = true
	if w.onFull != nil {
		w.onFull()
	}
}

func (w *limitedWriter) String() string {
	return strings.TrimSuffix(w.sb.String(), "\n")
}
