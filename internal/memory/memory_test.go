package memory

import (
	"fmt"
	"strings"
	"testing"
)

func appendN(m *Manager, session string, n int) {
	for i := 0; i < n; i++ {
		m.Append(Record{Session: session, Prompt: fmt.Sprintf("p%d", i), Response: fmt.Sprintf("r%d", i)})
	}
}

func TestLastThreeForAnyK(t *testing.T) {
	for k := 3; k <= 12; k++ {
		m := NewManager(5, 10)
		appendN(m, "s", k)
		got := m.Last("s", 3)
		if len(got) != 3 {
			t.Fatalf("k=%d: expected 3 records, got %d", k, len(got))
		}
		for i, r := range got {
			want := fmt.Sprintf("p%d", k-3+i)
			if r.Prompt != want {
				t.Fatalf("k=%d: record %d is %q, want %q", k, i, r.Prompt, want)
			}
		}
	}
}

func TestLastFewerThanRequested(t *testing.T) {
	m := NewManager(10, 10)
	appendN(m, "s", 2)
	if got := m.Last("s", 3); len(got) != 2 || got[0].Prompt != "p0" || got[1].Prompt != "p1" {
		t.Fatalf("unexpected records: %+v", got)
	}
	if got := m.Last("missing", 3); len(got) != 0 {
		t.Fatalf("unknown session should be empty, got %+v", got)
	}
	if got := m.Last("s", 0); len(got) != 0 {
		t.Fatalf("k=0 should be empty, got %+v", got)
	}
}

func TestRingNeverExceedsCapacity(t *testing.T) {
	m := NewManager(4, 10)
	appendN(m, "s", 100)
	if m.Len("s") != 4 {
		t.Fatalf("expected 4 records, got %d", m.Len("s"))
	}
	all := m.All("s")
	if all[0].Prompt != "p96" || all[3].Prompt != "p99" {
		t.Fatalf("oldest records should be evicted first: %+v", all)
	}
}

func TestSessionsAreSeparateAndReset(t *testing.T) {
	m := NewManager(5, 10)
	appendN(m, "a", 2)
	appendN(m, "b", 3)
	m.Reset("a")
	if m.Len("a") != 0 {
		t.Fatalf("reset did not clear session a")
	}
	if m.Len("b") != 3 {
		t.Fatalf("reset should not affect other sessions")
	}
}

func TestLeastRecentlyUsedSessionEvicted(t *testing.T) {
	m := NewManager(5, 2)
	appendN(m, "a", 1)
	appendN(m, "b", 1)
	_ = m.Last("a", 1)
	appendN(m, "c", 1)

	if m.Sessions() != 2 {
		t.Fatalf("expected 2 sessions, got %d", m.Sessions())
	}
	if m.Len("b") != 0 {
		t.Fatalf("session b should have been evicted")
	}
	if m.Len("a") != 1 || m.Len("c") != 1 {
		t.Fatalf("sessions a and c should remain")
	}
}

func TestReturnedSliceIsACopy(t *testing.T) {
	m := NewManager(5, 10)
	appendN(m, "s", 2)
	got := m.Last("s", 2)
	got[0].Prompt = "mutated"
	if m.Last("s", 2)[0].Prompt != "p0" {
		t.Fatalf("internal state mutated via returned slice")
	}
}

func TestAppendStampsTime(t *testing.T) {
	m := NewManager(5, 10)
	m.Append(Record{Session: "s", Prompt: "hi"})
	if m.Last("s", 1)[0].Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
}

func TestContext(t *testing.T) {
	recs := []Record{
		{Prompt: "hello", Response: "hi there, how can I help you today?"},
		{Prompt: "Привет", Response: "Здравствуйте"},
	}
	got := Context(recs, 8)
	want := "User: hello\nAssistant: hi there...\nUser: Привет\nAssistant: Здравств...\n"
	if got != want {
		t.Fatalf("unexpected context:\n%q\nwant\n%q", got, want)
	}
	if !strings.Contains(Context(recs, 0), "how can I help you today?") {
		t.Fatalf("chars=0 should not truncate")
	}
}
