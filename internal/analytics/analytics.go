// Package analytics summarises the interaction log per day.
package analytics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"codeassist/internal/storage"
)

// DailyStats aggregates the interactions of one day.
type DailyStats struct {
	Date           string                  `json:"date"`
	TotalPrompts   int                     `json:"total_prompts"`
	UniqueSessions int                     `json:"unique_sessions"`
	TotalTokens    int                     `json:"total_tokens"`
	ByOutcome      map[string]int          `json:"by_outcome"`
	ByLang         map[string]int          `json:"by_lang"`
	SessionStats   map[string]SessionStats `json:"session_stats"`
}

type SessionStats struct {
	Session  string `json:"session"`
	Prompts  int    `json:"prompts"`
	Executed int    `json:"executed"`
	Failed   int    `json:"failed"`
}

// AnalyzeDailyLogs counts events whose timestamp falls on targetDate in the
// date's own location.
func AnalyzeDailyLogs(events []storage.Event, targetDate time.Time) *DailyStats {
	startOfDay := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, targetDate.Location())
	endOfDay := startOfDay.AddDate(0, 0, 1)

	stats := &DailyStats{
		Date:         startOfDay.Format("2006-01-02"),
		ByOutcome:    make(map[string]int),
		ByLang:       make(map[string]int),
		SessionStats: make(map[string]SessionStats),
	}

	for _, event := range events {
		if event.Timestamp.Before(startOfDay) || !event.Timestamp.Before(endOfDay) {
			continue
		}
		if event.Prompt == "" {
			continue
		}
		stats.TotalPrompts++
		stats.TotalTokens += event.TotalTokens
		stats.ByOutcome[event.Outcome]++
		if event.Lang != "" {
			stats.ByLang[event.Lang]++
		}

		ss := stats.SessionStats[event.Session]
		ss.Session = event.Session
		ss.Prompts++
		switch event.Outcome {
		case "executed":
			ss.Executed++
		case "failed", "timed_out":
			ss.Failed++
		}
		stats.SessionStats[event.Session] = ss
	}

	stats.UniqueSessions = len(stats.SessionStats)
	return stats
}

// GenerateReportSummary renders the stats as plain text.
func (ds *DailyStats) GenerateReportSummary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Code assistant usage for %s\n\n", ds.Date)
	fmt.Fprintf(&sb, "Prompts: %d\nSessions: %d\nTokens: %d\n", ds.TotalPrompts, ds.UniqueSessions, ds.TotalTokens)

	if len(ds.ByOutcome) > 0 {
		sb.WriteString("\nOutcomes:\n")
		for _, k := range sortedKeys(ds.ByOutcome) {
			fmt.Fprintf(&sb, "- %s: %d\n", k, ds.ByOutcome[k])
		}
	}
	if len(ds.ByLang) > 0 {
		sb.WriteString("\nLanguages:\n")
		for _, k := range sortedKeys(ds.ByLang) {
			fmt.Fprintf(&sb, "- %s: %d\n", k, ds.ByLang[k])
		}
	}
	if rate, ok := ds.SuccessRate(); ok {
		fmt.Fprintf(&sb, "\nExecution success rate: %.0f%%\n", rate*100)
	}
	return sb.String()
}

// SuccessRate is executed / (executed + failed + timed_out). ok is false
// when nothing ran.
func (ds *DailyStats) SuccessRate() (float64, bool) {
	ran := ds.ByOutcome["executed"] + ds.ByOutcome["failed"] + ds.ByOutcome["timed_out"]
	if ran == 0 {
		return 0, false
	}
	return float64(ds.ByOutcome["executed"]) / float64(ran), true
}

func (ds *DailyStats) ToJSON() (string, error) {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
