package storage

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TextRecorder appends events to a plain-text log. Each entry starts with a
// bracketed RFC 3339 timestamp and the event metadata, followed by one
// "Field: value" line per non-empty field. Continuation lines of multi-line
// values are indented by two spaces, so a line starting with "[" always
// opens a new entry.
//
//	[2026-10-18T09:30:00Z] session=cli outcome=executed lang=python model=tinyllama tokens=42
//	Prompt: print the answer
//	Response: ```python
//	  print(42)
//	  ```
//	Code: print(42)
//	Output: 42
type TextRecorder struct {
	path string
	mu   sync.Mutex
}

func NewTextRecorder(path string) (*TextRecorder, error) {
	if err := ensureFile(path); err != nil {
		return nil, err
	}
	return &TextRecorder{path: path}, nil
}

var textFields = []string{"Prompt", "Response", "Code", "Output", "Fault"}

func fieldPtr(ev *Event, name string) *string {
	switch name {
	case "Prompt":
		return &ev.Prompt
	case "Response":
		return &ev.Response
	case "Code":
		return &ev.Code
	case "Output":
		return &ev.Output
	case "Fault":
		return &ev.Fault
	}
	return nil
}

func (r *TextRecorder) AppendInteraction(event Event) error {
	var sb strings.Builder
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&sb, "[%s]", ts.UTC().Format(time.RFC3339))
	for _, kv := range [][2]string{
		{"session", event.Session},
		{"outcome", event.Outcome},
		{"lang", event.Lang},
		{"model", event.Model},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&sb, " %s=%s", kv[0], strings.Join(strings.Fields(kv[1]), "_"))
		}
	}
	if event.TotalTokens > 0 {
		fmt.Fprintf(&sb, " tokens=%d", event.TotalTokens)
	}
	sb.WriteString("\n")
	for _, name := range textFields {
		v := *fieldPtr(&event, name)
		if v == "" {
			continue
		}
		lines := strings.Split(strings.ReplaceAll(v, "\r\n", "\n"), "\n")
		fmt.Fprintf(&sb, "%s: %s\n", name, lines[0])
		for _, l := range lines[1:] {
			sb.WriteString("  " + l + "\n")
		}
	}
	sb.WriteString("\n")

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open append: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(sb.String()); err != nil {
		return fmt.Errorf("write append: %w", err)
	}
	return nil
}

// LoadInteractions parses the log back. Lines that fit no entry are skipped.
func (r *TextRecorder) LoadInteractions() ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open read: %w", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	s.Buffer(buf, 10*1024*1024)

	var events []Event
	var cur *Event
	var field *string
	for s.Scan() {
		line := s.Text()
		switch {
		case strings.HasPrefix(line, "["):
			ev, ok := parseHeader(line)
			if !ok {
				cur, field = nil, nil
				continue
			}
			events = append(events, ev)
			cur, field = &events[len(events)-1], nil
		case cur == nil || line == "":
			continue
		case strings.HasPrefix(line, "  ") && field != nil:
			*field += "\n" + line[2:]
		default:
			name, value, ok := strings.Cut(line, ": ")
			if !ok {
				name, value, ok = strings.Cut(line, ":")
			}
			field = nil
			if ok {
				if p := fieldPtr(cur, name); p != nil {
					*p = value
					field = p
				}
			}
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return events, nil
}

func parseHeader(line string) (Event, bool) {
	end := strings.Index(line, "]")
	if end < 0 {
		return Event{}, false
	}
	ts, err := time.Parse(time.RFC3339, line[1:end])
	if err != nil {
		return Event{}, false
	}
	ev := Event{Timestamp: ts}
	for _, kv := range strings.Fields(line[end+1:]) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "session":
			ev.Session = v
		case "outcome":
			ev.Outcome = v
		case "lang":
			ev.Lang = v
		case "model":
			ev.Model = v
		case "tokens":
			ev.TotalTokens, _ = strconv.Atoi(v)
		}
	}
	return ev, true
}
