package feature

import (
	"fmt"
	"strconv"

	"klinefeed/internal/model"
)

// Kind is the storage type of a column.
type Kind int

const (
	KindTime  Kind = iota + 1 // int64 epoch ms, rendered as UTC text in CSV
	KindInt                   // int64
	KindFloat                 // float64, optionally nullable
)

func (k Kind) String() string {
	switch k {
	case KindTime:
		return "time"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return "unknown"
	}
}

// Column is one named, typed column. Time and int columns use Ints; float
// columns use Floats. Valid is nil when the column has no nulls.
type Column struct {
	Name   string
	Kind   Kind
	Ints   []int64
	Floats []float64
	Valid  []bool
}

// IsNull reports whether row i holds no value.
func (c *Column) IsNull(i int) bool {
	return c.Valid != nil && !c.Valid[i]
}

// Value returns row i as int64, float64, or nil for null.
func (c *Column) Value(i int) any {
	if c.IsNull(i) {
		return nil
	}
	if c.Kind == KindFloat {
		return c.Floats[i]
	}
	return c.Ints[i]
}

// Text renders row i for CSV output. Nulls render empty.
func (c *Column) Text(i int) string {
	if c.IsNull(i) {
		return ""
	}
	switch c.Kind {
	case KindTime:
		return model.FormatUTC(c.Ints[i])
	case KindInt:
		return strconv.FormatInt(c.Ints[i], 10)
	default:
		return strconv.FormatFloat(c.Floats[i], 'f', -1, 64)
	}
}

// Table is an ordered set of equal-length named columns.
type Table struct {
	rows    int
	columns []*Column
	index   map[string]int
}

// NewTable creates an empty table with the given row count.
func NewTable(rows int) *Table {
	return &Table{rows: rows, index: make(map[string]int)}
}

// Len returns the number of rows.
func (t *Table) Len() int { return t.rows }

// Columns returns the columns in order. The slice must not be modified.
func (t *Table) Columns() []*Column { return t.columns }

// Names returns the column names in order.
func (t *Table) Names() []string {
	out := make([]string, len(t.columns))
	for i, c := range t.columns {
		out[i] = c.Name
	}
	return out
}

// Col looks a column up by name.
func (t *Table) Col(name string) (*Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.columns[i], true
}

// Row returns row i keyed by column name (nil for nulls).
func (t *Table) Row(i int) map[string]any {
	out := make(map[string]any, len(t.columns))
	for _, c := range t.columns {
		out[c.Name] = c.Value(i)
	}
	return out
}

// SizeBytes approximates the memory held by column data.
func (t *Table) SizeBytes() int {
	n := 0
	for _, c := range t.columns {
		n += 8*len(c.Ints) + 8*len(c.Floats) + len(c.Valid)
	}
	return n
}

func (t *Table) add(c *Column) error {
	if _, dup := t.index[c.Name]; dup {
		return fmt.Errorf("feature: duplicate column %q", c.Name)
	}
	size := len(c.Ints)
	if c.Kind == KindFloat {
		size = len(c.Floats)
	}
	if size != t.rows || (c.Valid != nil && len(c.Valid) != t.rows) {
		return fmt.Errorf("feature: column %q has %d rows, table has %d", c.Name, size, t.rows)
	}
	t.index[c.Name] = len(t.columns)
	t.columns = append(t.columns, c)
	return nil
}

// AddTime appends an epoch-ms time column.
func (t *Table) AddTime(name string, v []int64) error {
	return t.add(&Column{Name: name, Kind: KindTime, Ints: v})
}

// AddInt appends an integer column.
func (t *Table) AddInt(name string, v []int64) error {
	return t.add(&Column{Name: name, Kind: KindInt, Ints: v})
}

// AddFloat appends a float column. valid may be nil when every row has a value.
func (t *Table) AddFloat(name string, v []float64, valid []bool) error {
	return t.add(&Column{Name: name, Kind: KindFloat, Floats: v, Valid: valid})
}
