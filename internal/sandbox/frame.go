package sandbox

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"codeassist/internal/dataset"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const framePrintRows = 20

// frameValue exposes a dataset.Frame to scripts as a read-only table.
// df["col"] is a column list, df[i] a row dict, len(df) the row count.
type frameValue struct {
	f *dataset.Frame
}

var (
	_ starlark.HasAttrs  = (*frameValue)(nil)
	_ starlark.Mapping   = (*frameValue)(nil)
	_ starlark.Indexable = (*frameValue)(nil)
	_ starlark.Iterable  = (*frameValue)(nil)
)

func (v *frameValue) String() string {
	s := v.f.Preview(framePrintRows)
	if v.f.Len() > framePrintRows {
		s += fmt.Sprintf("\n... (%d rows x %d columns)", v.f.Len(), len(v.f.Columns))
	}
	return s
}

func (v *frameValue) Type() string          { return "frame" }
func (v *frameValue) Freeze()               {}
func (v *frameValue) Truth() starlark.Bool  { return starlark.Bool(v.f.Len() > 0) }
func (v *frameValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: frame") }
func (v *frameValue) Len() int              { return v.f.Len() }

func (v *frameValue) Index(i int) starlark.Value {
	return v.row(i)
}

func (v *frameValue) Get(k starlark.Value) (starlark.Value, bool, error) {
	switch k := k.(type) {
	case starlark.String:
		col, err := v.column(string(k))
		if errors.Is(err, dataset.ErrNoColumn) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return col, true, nil
	case starlark.Int:
		i, ok := k.Int64()
		if !ok {
			return nil, false, fmt.Errorf("row index out of range")
		}
		if i < 0 {
			i += int64(v.f.Len())
		}
		if i < 0 || i >= int64(v.f.Len()) {
			return nil, false, fmt.Errorf("row index %d out of range [0:%d]", i, v.f.Len())
		}
		return v.row(int(i)), true, nil
	}
	return nil, false, fmt.Errorf("frame index must be a column name or row number, got %s", k.Type())
}

func (v *frameValue) Iterate() starlark.Iterator {
	return &rowIterator{v: v}
}

type rowIterator struct {
	v *frameValue
	i int
}

func (it *rowIterator) Next(p *starlark.Value) bool {
	if it.i >= it.v.f.Len() {
		return false
	}
	*p = it.v.row(it.i)
	it.i++
	return true
}

func (it *rowIterator) Done() {}

var frameAttrs = []string{
	"col", "columns", "describe", "head", "max", "mean", "median", "min",
	"rows", "shape", "std", "sum", "value_counts",
}

func (v *frameValue) AttrNames() []string { return frameAttrs }

func (v *frameValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "columns":
		cols := make([]starlark.Value, len(v.f.Columns))
		for i, c := range v.f.Columns {
			cols[i] = starlark.String(c)
		}
		return starlark.Tuple(cols), nil
	case "shape":
		return starlark.Tuple{starlark.MakeInt(v.f.Len()), starlark.MakeInt(len(v.f.Columns))}, nil
	case "head":
		return starlark.NewBuiltin("head", v.head), nil
	case "col":
		return starlark.NewBuiltin("col", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			return v.column(name)
		}), nil
	case "describe":
		return starlark.NewBuiltin("describe", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			return starlark.String(v.f.Describe()), nil
		}), nil
	case "rows":
		return starlark.NewBuiltin("rows", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			rows := make([]starlark.Value, v.f.Len())
			for i := range rows {
				rows[i] = v.row(i)
			}
			return starlark.NewList(rows), nil
		}), nil
	case "value_counts":
		return starlark.NewBuiltin("value_counts", v.valueCounts), nil
	case "mean", "median", "std", "sum", "min", "max":
		return starlark.NewBuiltin(name, v.aggregate(aggregates[name])), nil
	}
	return nil, nil
}

func (v *frameValue) head(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	n := 5
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "n?", &n); err != nil {
		return nil, err
	}
	return &frameValue{f: v.f.Head(n)}, nil
}

func (v *frameValue) valueCounts(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "column", &name); err != nil {
		return nil, err
	}
	counts, err := v.f.ValueCounts(name)
	if err != nil {
		return nil, err
	}
	out := make([]starlark.Value, len(counts))
	for i, c := range counts {
		out[i] = starlark.Tuple{starlark.String(c.Value), starlark.MakeInt(c.N)}
	}
	return starlark.NewList(out), nil
}

var aggregates = map[string]func([]float64) float64{
	"mean":   dataset.Mean,
	"median": dataset.Median,
	"std":    dataset.Stdev,
	"sum":    dataset.Sum,
	"min":    dataset.Min,
	"max":    dataset.Max,
}

func (v *frameValue) aggregate(agg func([]float64) float64) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "column", &name); err != nil {
			return nil, err
		}
		xs, err := v.f.Numeric(name)
		if err != nil {
			return nil, err
		}
		return starlark.Float(agg(xs)), nil
	}
}

func (v *frameValue) column(name string) (starlark.Value, error) {
	cells, err := v.f.Column(name)
	if err != nil {
		return nil, err
	}
	numeric := v.f.IsNumeric(name)
	out := make([]starlark.Value, len(cells))
	for i, c := range cells {
		out[i] = cell(c, numeric)
	}
	return starlark.NewList(out), nil
}

func (v *frameValue) row(i int) starlark.Value {
	d := starlark.NewDict(len(v.f.Columns))
	for c, name := range v.f.Columns {
		_ = d.SetKey(starlark.String(name), cell(v.f.Rows[i][c], v.f.IsNumeric(name)))
	}
	return d
}

// cell converts a CSV cell: numbers in numeric columns, None for blanks,
// strings otherwise.
func cell(s string, numeric bool) starlark.Value {
	s = strings.TrimSpace(s)
	if !numeric {
		return starlark.String(s)
	}
	if s == "" {
		return starlark.None
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return starlark.MakeInt64(n)
	}
	x, _ := strconv.ParseFloat(s, 64)
	return starlark.Float(x)
}

var statsModule = &starlarkstruct.Module{
	Name: "stats",
	Members: starlark.StringDict{
		"mean":   statsBuiltin("mean", dataset.Mean),
		"median": statsBuiltin("median", dataset.Median),
		"stdev":  statsBuiltin("stdev", dataset.Stdev),
		"sum":    statsBuiltin("sum", dataset.Sum),
		"min":    statsBuiltin("min", dataset.Min),
		"max":    statsBuiltin("max", dataset.Max),
	},
}

func statsBuiltin(name string, agg func([]float64) float64) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var xs starlark.Iterable
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &xs); err != nil {
			return nil, err
		}
		floats, err := toFloats(xs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		return starlark.Float(agg(floats)), nil
	})
}

// toFloats skips None so a column with blanks can be passed straight in.
func toFloats(xs starlark.Iterable) ([]float64, error) {
	iter := xs.Iterate()
	defer iter.Done()
	var out []float64
	var x starlark.Value
	for iter.Next(&x) {
		if x == starlark.None {
			continue
		}
		f, ok := starlark.AsFloat(x)
		if !ok {
			return nil, fmt.Errorf("got %s, want number", x.Type())
		}
		out = append(out, f)
	}
	return out, nil
}
