// Package dataset holds the tabular data a caller uploads with a prompt.
package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
)

var ErrNoColumn = errors.New("no such column")

// Frame is an immutable table parsed from CSV. Cells keep their text form;
// a column is numeric when every non-empty cell parses as a float.
type Frame struct {
	Name    string
	Columns []string
	Rows    [][]string
	numeric []bool
}

// FromCSV reads a CSV table whose first record is the header.
func FromCSV(name string, r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv %q is empty", name)
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv rows: %w", err)
	}
	return New(name, header, rows), nil
}

// New builds a frame; rows are padded or cut to the number of columns.
func New(name string, columns []string, rows [][]string) *Frame {
	for i, row := range rows {
		if len(row) != len(columns) {
			fixed := make([]string, len(columns))
			copy(fixed, row)
			rows[i] = fixed
		}
	}
	f := &Frame{Name: name, Columns: columns, Rows: rows}
	f.numeric = make([]bool, len(columns))
	for c := range columns {
		f.numeric[c] = detectNumeric(rows, c)
	}
	return f
}

func detectNumeric(rows [][]string, c int) bool {
	seen := false
	for _, row := range rows {
		v := strings.TrimSpace(row[c])
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return false
		}
		seen = true
	}
	return seen
}

func (f *Frame) Len() int { return len(f.Rows) }

func (f *Frame) ColumnIndex(name string) (int, error) {
	for i, c := range f.Columns {
		if c == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w %q (have %s)", ErrNoColumn, name, strings.Join(f.Columns, ", "))
}

func (f *Frame) IsNumeric(name string) bool {
	i, err := f.ColumnIndex(name)
	return err == nil && f.numeric[i]
}

func (f *Frame) Column(name string) ([]string, error) {
	i, err := f.ColumnIndex(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(f.Rows))
	for r, row := range f.Rows {
		out[r] = row[i]
	}
	return out, nil
}

// Numeric returns the parsed values of a numeric column, skipping empty cells.
func (f *Frame) Numeric(name string) ([]float64, error) {
	i, err := f.ColumnIndex(name)
	if err != nil {
		return nil, err
	}
	if !f.numeric[i] {
		return nil, fmt.Errorf("column %q is not numeric", name)
	}
	out := make([]float64, 0, len(f.Rows))
	for _, row := range f.Rows {
		v := strings.TrimSpace(row[i])
		if v == "" {
			continue
		}
		x, _ := strconv.ParseFloat(v, 64)
		out = append(out, x)
	}
	return out, nil
}

// Head returns a frame with the first n rows.
func (f *Frame) Head(n int) *Frame {
	if n < 0 {
		n = 0
	}
	if n > len(f.Rows) {
		n = len(f.Rows)
	}
	return &Frame{Name: f.Name, Columns: f.Columns, Rows: f.Rows[:n], numeric: f.numeric}
}

// Records returns the rows as column-name maps.
func (f *Frame) Records() []map[string]string {
	out := make([]map[string]string, len(f.Rows))
	for r, row := range f.Rows {
		m := make(map[string]string, len(f.Columns))
		for c, name := range f.Columns {
			m[name] = row[c]
		}
		out[r] = m
	}
	return out
}

type Count struct {
	Value string
	N     int
}

// ValueCounts returns distinct values of a column ordered by frequency.
func (f *Frame) ValueCounts(name string) ([]Count, error) {
	col, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, v := range col {
		counts[v]++
	}
	out := make([]Count, 0, len(counts))
	for v, n := range counts {
		out = append(out, Count{Value: v, N: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].N != out[j].N {
			return out[i].N > out[j].N
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

// Preview renders the first n rows as an aligned text table.
func (f *Frame) Preview(n int) string {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(f.Columns, "\t"))
	for _, row := range f.Head(n).Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

// Describe renders per-column summary statistics: count, mean, std, min and
// max for numeric columns, count, unique, top and freq for the rest.
func (f *Frame) Describe() string {
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "column\tcount\tmean\tstd\tmin\tmax\tunique\ttop\tfreq")
	for c, name := range f.Columns {
		if f.numeric[c] {
			xs, _ := f.Numeric(name)
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t\t\t\n", name, len(xs),
				formatFloat(Mean(xs)), formatFloat(Stdev(xs)), formatFloat(Min(xs)), formatFloat(Max(xs)))
			continue
		}
		counts, _ := f.ValueCounts(name)
		top, freq := "", 0
		if len(counts) > 0 {
			top, freq = counts[0].Value, counts[0].N
		}
		fmt.Fprintf(tw, "%s\t%d\t\t\t\t\t%d\t%s\t%d\n", name, len(f.Rows), len(counts), top, freq)
	}
	_ = tw.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

// CSV encodes the frame back to CSV with its header.
func (f *Frame) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(f.Columns); err != nil {
		return nil, err
	}
	if err := w.WriteAll(f.Rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', 6, 64)
}
