// Package codeblock extracts fenced code segments from model output.
//
// A fence is a run of at least three backticks at the start of a line. The rest
// of the opening line is the info string and its first word is the language tag.
// A block closes on a line made only of backticks that is at least as long as
// the opening run, so a longer outer fence can carry shorter fences verbatim.
// Two relaxed forms produced by small local models are accepted as well: a whole
// block on one line ("```python print(1)```") and a closing run glued to the end
// of the last code line ("print(1)```").
package codeblock

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnterminated reports a fence that is opened and never closed.
var ErrUnterminated = errors.New("unterminated code fence")

type UnterminatedError struct {
	Line int
	Lang string
}

func (e *UnterminatedError) Error() string {
	if e.Lang != "" {
		return fmt.Sprintf("%s code fence opened on line %d is never closed", e.Lang, e.Line)
	}
	return fmt.Sprintf("code fence opened on line %d is never closed", e.Line)
}

func (e *UnterminatedError) Unwrap() error { return ErrUnterminated }

// Block is one fenced segment with its delimiters removed.
type Block struct {
	Lang string `json:"lang,omitempty"`
	Code string `json:"code"`
	// Line is the 1-based line of the opening fence.
	Line int `json:"line"`
}

// Extract returns every complete fenced block in order of appearance. Text
// without fences yields nil.
func Extract(text string) []Block {
	blocks, _ := Parse(text)
	return blocks
}

// Parse is Extract that also reports a trailing unterminated fence. Blocks that
// were closed before it are still returned.
func Parse(text string) ([]Block, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var blocks []Block
	for i := 0; i < len(lines); i++ {
		indent, width, rest, ok := openingFence(lines[i])
		if !ok {
			continue
		}
		if b, ok := inlineBlock(rest, width); ok {
			b.Line = i + 1
			blocks = append(blocks, b)
			continue
		}

		lang := infoLang(rest)
		var body []string
		closed := false
		j := i + 1
		for ; j < len(lines); j++ {
			if isClosingFence(lines[j], width) {
				closed = true
				break
			}
			line := stripIndent(lines[j], indent)
			if prefix, ok := trailingClose(line, width); ok {
				body = append(body, prefix)
				closed = true
				break
			}
			body = append(body, line)
		}
		if !closed {
			return blocks, &UnterminatedError{Line: i + 1, Lang: lang}
		}
		blocks = append(blocks, Block{Lang: lang, Code: strings.Join(body, "\n"), Line: i + 1})
		i = j
	}
	return blocks, nil
}

// Runnable returns the first block whose language is empty or one of langs.
// Comparison ignores case.
func Runnable(blocks []Block, langs ...string) (Block, bool) {
	for _, b := range blocks {
		if b.Lang == "" {
			return b, true
		}
		for _, l := range langs {
			if strings.EqualFold(b.Lang, l) {
				return b, true
			}
		}
	}
	return Block{}, false
}

// openingFence reports the fence's indent in bytes, its backtick count and
// the info string after it.
func openingFence(line string) (indent, width int, rest string, ok bool) {
	trimmed := strings.TrimLeft(line, " \t")
	width = countBackticks(trimmed)
	if width < 3 {
		return 0, 0, "", false
	}
	return len(line) - len(trimmed), width, trimmed[width:], true
}

// stripIndent removes up to n leading blanks, so a fence nested in a list
// item yields the same code as one at the margin.
func stripIndent(line string, n int) string {
	i := 0
	for i < n && i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return line[i:]
}

func isClosingFence(line string, width int) bool {
	trimmed := strings.TrimSpace(line)
	return len(trimmed) >= width && countBackticks(trimmed) == len(trimmed)
}

func trailingClose(line string, width int) (string, bool) {
	if strings.HasPrefix(strings.TrimLeft(line, " \t"), "`") {
		return "", false
	}
	trimmed := strings.TrimRight(line, " \t")
	run := 0
	for run < len(trimmed) && trimmed[len(trimmed)-1-run] == '`' {
		run++
	}
	if run < width || run == len(trimmed) {
		return "", false
	}
	return trimmed[:len(trimmed)-run], true
}

func inlineBlock(rest string, width int) (Block, bool) {
	idx := strings.Index(rest, strings.Repeat("`", width))
	if idx < 0 {
		return Block{}, false
	}
	content := strings.TrimSpace(rest[:idx])
	if content == "" {
		return Block{}, false
	}
	fields := strings.Fields(content)
	if knownLangs[strings.ToLower(fields[0])] {
		if len(fields) == 1 {
			return Block{}, false
		}
		code := strings.TrimSpace(strings.TrimPrefix(content, fields[0]))
		return Block{Lang: fields[0], Code: code}, true
	}
	return Block{Code: content}, true
}

func infoLang(info string) string {
	fields := strings.Fields(info)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func countBackticks(s string) int {
	n := 0
	for n < len(s) && s[n] == '`' {
		n++
	}
	return n
}

var knownLangs = map[string]bool{
	"python": true, "python3": true, "py": true,
	"starlark": true, "star": true, "bzl": true,
	"sh": true, "bash": true, "shell": true, "console": true,
	"text": true, "output": true, "json": true, "csv": true,
}
