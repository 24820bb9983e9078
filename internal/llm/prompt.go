package llm

import (
	"fmt"
	"os"
	"strings"

	"codeassist/internal/dataset"
	"codeassist/internal/memory"
)

const DefaultSystemPrompt = `You are a coding assistant. When the user asks for code, answer with one
fenced code block tagged python and keep explanations short. The code runs
in a restricted Python dialect: no imports, no files, no network. print()
is the only way to show results. The modules math, json, time and stats are
already available.`

// PythonSystemPrompt is used when code runs in a full Python container.
const PythonSystemPrompt = `You are a coding assistant. When the user asks for code, answer with one
fenced code block tagged python and keep explanations short. The code runs
without network access and print() is the only way to show results.`

// LoadSystemPrompt reads the prompt from path, or returns fallback when path
// is empty.
func LoadSystemPrompt(path, fallback string) (string, error) {
	if path == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

type PromptInput struct {
	System  string
	History []memory.Record
	// HistoryChars caps each past assistant reply, in runes.
	HistoryChars int
	Prompt       string
	Dataset      *dataset.Frame
	DatasetName  string
	PreviewRows  int
}

// BuildMessages composes the conversation sent to the model: system prompt,
// past turns, then the current prompt with the dataset preview when one is
// attached.
func BuildMessages(in PromptInput) []Message {
	var msgs []Message
	if in.System != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: in.System})
	}
	for _, r := range in.History {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: r.Prompt},
			Message{Role: RoleAssistant, Content: memory.Truncate(r.Response, in.HistoryChars)},
		)
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: DatasetPrompt(in.Dataset, in.DatasetName, in.PreviewRows, in.Prompt)})
	return msgs
}

// DatasetPrompt prefixes prompt with a preview and summary of f, telling the
// model the table is already bound to name.
func DatasetPrompt(f *dataset.Frame, name string, rows int, prompt string) string {
	if f == nil {
		return prompt
	}
	if name == "" {
		name = "df"
	}
	if rows <= 0 {
		rows = 5
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Here is a preview of the dataset (in a table named `%s`):\n\n%s\n\n", name, f.Preview(rows))
	fmt.Fprintf(&sb, "Summary stats:\n%s\n\n", f.Describe())
	fmt.Fprintf(&sb, "The dataset is already loaded into a variable named `%s`.\n", name)
	sb.WriteString("Avoid reading files or calling `pd.read_csv()`.\n\n")
	sb.WriteString(prompt)
	return sb.String()
}
