// Package memory keeps the recent interactions of each session. Every session
// is a ring buffer of fixed capacity and the number of live sessions is capped;
// the least recently used session is dropped first.
package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang/groupcache/lru"
)

type Outcome string

const (
	OutcomeNoCode    Outcome = "no_code"
	OutcomeMalformed Outcome = "malformed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeExecuted  Outcome = "executed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeRejected  Outcome = "rejected"
)

// Record is one prompt/response/result triple. Records are never mutated
// after Append.
type Record struct {
	Session   string    `json:"session"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Code      string    `json:"code,omitempty"`
	Lang      string    `json:"lang,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Output    string    `json:"output,omitempty"`
	Fault     string    `json:"fault,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ring struct {
	buf   []Record
	start int
	n     int
}

func (r *ring) push(rec Record) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = rec
		r.n++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

// last copies the newest k records, oldest first.
func (r *ring) last(k int) []Record {
	if k > r.n {
		k = r.n
	}
	if k <= 0 {
		return nil
	}
	out := make([]Record, k)
	skip := r.n - k
	for i := range out {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}

type Manager struct {
	mu       sync.Mutex
	capacity int
	sessions *lru.Cache
}

// NewManager keeps up to capacity records per session and up to maxSessions
// sessions. maxSessions <= 0 means no session cap.
func NewManager(capacity, maxSessions int) *Manager {
	if capacity < 1 {
		capacity = 1
	}
	if maxSessions < 0 {
		maxSessions = 0
	}
	return &Manager{capacity: capacity, sessions: lru.New(maxSessions)}
}

func (m *Manager) Capacity() int { return m.capacity }

func (m *Manager) Append(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var r *ring
	if v, ok := m.sessions.Get(rec.Session); ok {
		r = v.(*ring)
	} else {
		r = &ring{buf: make([]Record, m.capacity)}
		m.sessions.Add(rec.Session, r)
	}
	r.push(rec)
}

// Last returns the most recent k records of a session in original order,
// fewer if the session holds fewer.
func (m *Manager) Last(session string, k int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.sessions.Get(session)
	if !ok {
		return nil
	}
	return v.(*ring).last(k)
}

func (m *Manager) All(session string) []Record {
	return m.Last(session, m.capacity)
}

func (m *Manager) Len(session string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.sessions.Get(session)
	if !ok {
		return 0
	}
	return v.(*ring).n
}

func (m *Manager) Reset(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions.Remove(session)
}

func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions.Len()
}

// Context renders records as alternating User/Assistant lines for prompt-only
// transports. Assistant text is cut to chars runes when chars > 0.
func Context(records []Record, chars int) string {
	var sb strings.Builder
	for _, r := range records {
		fmt.Fprintf(&sb, "User: %s\nAssistant: %s\n", r.Prompt, Truncate(r.Response, chars))
	}
	return sb.String()
}

func Truncate(s string, chars int) string {
	if chars <= 0 || utf8.RuneCountInString(s) <= chars {
		return s
	}
	runes := []rune(s)
	return string(runes[:chars]) + "..."
}
