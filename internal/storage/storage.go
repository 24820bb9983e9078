package storage

import (
	"fmt"
	"strings"
	"time"
)

// Event is one persisted interaction: the prompt, the model's reply and what
// happened to the code in it. Events are appended in chronological order and
// never rewritten.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Session     string    `json:"session"`
	Prompt      string    `json:"prompt"`
	Response    string    `json:"response"`
	Code        string    `json:"code,omitempty"`
	Lang        string    `json:"lang,omitempty"`
	Outcome     string    `json:"outcome"`
	Output      string    `json:"output,omitempty"`
	Fault       string    `json:"fault,omitempty"`
	Model       string    `json:"model,omitempty"`
	TotalTokens int       `json:"total_tokens,omitempty"`
}

// Recorder abstracts persistence of interaction events.
// LoadInteractions returns events in chronological order.
// Implementations must be safe for concurrent use.
type Recorder interface {
	AppendInteraction(event Event) error
	LoadInteractions() ([]Event, error)
}

const (
	FormatText  = "text"
	FormatJSONL = "jsonl"
)

// Open returns the recorder for format at path.
func Open(format, path string) (Recorder, error) {
	switch strings.ToLower(format) {
	case FormatText, "":
		return NewTextRecorder(path)
	case FormatJSONL:
		return NewFileRecorder(path)
	default:
		return nil, fmt.Errorf("unknown interaction log format: %s", format)
	}
}
