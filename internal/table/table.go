// Package table holds the in-memory table snapshot shared by the remote
// client, the CSV reader/writer and the upload flows.
//
// A Table is an ordered list of typed columns plus rows validated against
// them. Rows read from Synapse carry their row ID and version number; rows
// built locally leave both at zero. The Index mirrors a dataframe index: it
// starts out as the remote row IDs (or 0..n-1 for local tables) and is made
// dense again by RenumberIndex before anything is uploaded.
package table

import (
	"github.com/go-faster/errors"
)

var (
	// ErrSchemaMismatch is returned when rows or tables do not fit a schema.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrColumnNotFound is returned when a named column is absent.
	ErrColumnNotFound = errors.New("column not found")

	// ErrIO is returned when a table cannot be read from or written to disk.
	ErrIO = errors.New("table i/o")
)

// ColumnType is a Synapse column type name.
type ColumnType string

const (
	TypeString       ColumnType = "STRING"
	TypeLargeText    ColumnType = "LARGETEXT"
	TypeLink         ColumnType = "LINK"
	TypeEntityID     ColumnType = "ENTITYID"
	TypeFileHandleID ColumnType = "FILEHANDLEID"
	TypeUserID       ColumnType = "USERID"
	TypeInteger      ColumnType = "INTEGER"
	TypeDouble       ColumnType = "DOUBLE"
	TypeBoolean      ColumnType = "BOOLEAN"
	TypeDate         ColumnType = "DATE"
)

// Valid reports whether t is one of the supported column types.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeLargeText, TypeLink, TypeEntityID, TypeFileHandleID,
		TypeUserID, TypeInteger, TypeDouble, TypeBoolean, TypeDate:
		return true
	}
	return false
}

// Column describes one table column.
type Column struct {
	ID      string // remote column model ID, empty for local columns
	Name    string
	Type    ColumnType
	MaxSize int // STRING only; 0 means the service default
}

// Row is one table row. Values line up with Table.Columns.
type Row struct {
	ID      int64
	Version int64
	Values  []any
}

// Table is a typed, mutable snapshot of a remote or local table.
type Table struct {
	Columns []Column
	Rows    []Row
	Index   []int64
}

// New validates rows against columns and returns a table with a dense index.
// Integer and float values of any width are normalized to int64 and float64.
func New(columns []Column, rows []Row) (*Table, error) {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		if c.Name == "" {
			return nil, errors.Wrap(ErrSchemaMismatch, "column with empty name")
		}
		if seen[c.Name] {
			return nil, errors.Wrapf(ErrSchemaMismatch, "duplicate column %q", c.Name)
		}
		seen[c.Name] = true
	}

	t := &Table{
		Columns: append([]Column(nil), columns...),
		Rows:    make([]Row, 0, len(rows)),
	}
	for i, r := range rows {
		values, err := t.checkRow(r.Values)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
		t.Rows = append(t.Rows, Row{ID: r.ID, Version: r.Version, Values: values})
	}
	t.RenumberIndex()
	return t, nil
}

// FromValues builds a local table from bare value slices.
func FromValues(columns []Column, values [][]any) (*Table, error) {
	rows := make([]Row, len(values))
	for i, v := range values {
		rows[i] = Row{Values: v}
	}
	return New(columns, rows)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// ColumnNames returns the column names in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Column returns the named column.
func (t *Table) Column(name string) (Column, error) {
	i := t.ColumnIndex(name)
	if i < 0 {
		return Column{}, errors.Wrapf(ErrColumnNotFound, "%q", name)
	}
	return t.Columns[i], nil
}

// Value returns the cell at row i in the named column.
func (t *Table) Value(i int, name string) (any, error) {
	ci := t.ColumnIndex(name)
	if ci < 0 {
		return nil, errors.Wrapf(ErrColumnNotFound, "%q", name)
	}
	if i < 0 || i >= len(t.Rows) {
		return nil, errors.Errorf("row %d out of range (%d rows)", i, len(t.Rows))
	}
	return t.Rows[i].Values[ci], nil
}

// RowMap returns row i keyed by column name.
func (t *Table) RowMap(i int) map[string]any {
	m := make(map[string]any, len(t.Columns))
	for ci, c := range t.Columns {
		m[c.Name] = t.Rows[i].Values[ci]
	}
	return m
}

// Append validates values and adds them as a new local row.
func (t *Table) Append(values ...any) error {
	checked, err := t.checkRow(values)
	if err != nil {
		return errors.Wrapf(err, "row %d", len(t.Rows))
	}
	t.Rows = append(t.Rows, Row{Values: checked})
	t.Index = append(t.Index, int64(len(t.Index)))
	return nil
}

// DropColumns removes the named columns in place, keeping the relative order
// of the rest. If any name is absent the table is left unchanged.
func (t *Table) DropColumns(names ...string) error {
	drop := make(map[int]bool, len(names))
	for _, name := range names {
		i := t.ColumnIndex(name)
		if i < 0 || drop[i] {
			return errors.Wrapf(ErrColumnNotFound, "cannot drop %q", name)
		}
		drop[i] = true
	}
	if len(drop) == 0 {
		return nil
	}

	cols := make([]Column, 0, len(t.Columns)-len(drop))
	for i, c := range t.Columns {
		if !drop[i] {
			cols = append(cols, c)
		}
	}
	for ri, r := range t.Rows {
		values := make([]any, 0, len(cols))
		for i, v := range r.Values {
			if !drop[i] {
				values = append(values, v)
			}
		}
		t.Rows[ri].Values = values
	}
	t.Columns = cols
	return nil
}

// RenumberIndex assigns a dense zero-based index.
func (t *Table) RenumberIndex() {
	t.Index = make([]int64, len(t.Rows))
	for i := range t.Index {
		t.Index[i] = int64(i)
	}
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	c := &Table{
		Columns: append([]Column(nil), t.Columns...),
		Rows:    make([]Row, len(t.Rows)),
		Index:   append([]int64(nil), t.Index...),
	}
	for i, r := range t.Rows {
		c.Rows[i] = Row{ID: r.ID, Version: r.Version, Values: append([]any(nil), r.Values...)}
	}
	return c
}

// Concat stacks tables with identical column sets. Columns of later tables
// are reordered to match the first; rows keep input order and the result has
// a dense index. Row IDs and versions are dropped since the result is local.
func Concat(tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return nil, errors.Wrap(ErrSchemaMismatch, "no tables to concatenate")
	}

	first := tables[0]
	out := &Table{Columns: append([]Column(nil), first.Columns...)}
	for ti, t := range tables {
		order, err := alignColumns(first.Columns, t.Columns)
		if err != nil {
			return nil, errors.Wrapf(err, "table %d", ti)
		}
		for _, r := range t.Rows {
			values := make([]any, len(order))
			for i, src := range order {
				values[i] = r.Values[src]
			}
			out.Rows = append(out.Rows, Row{Values: values})
		}
	}
	out.RenumberIndex()
	return out, nil
}

// alignColumns maps each column of want to its position in got.
func alignColumns(want, got []Column) ([]int, error) {
	if len(want) != len(got) {
		return nil, errors.Wrapf(ErrSchemaMismatch, "got %d columns, want %d", len(got), len(want))
	}
	pos := make(map[string]int, len(got))
	for i, c := range got {
		pos[c.Name] = i
	}
	order := make([]int, len(want))
	for i, c := range want {
		j, ok := pos[c.Name]
		if !ok {
			return nil, errors.Wrapf(ErrSchemaMismatch, "missing column %q", c.Name)
		}
		if got[j].Type != c.Type {
			return nil, errors.Wrapf(ErrSchemaMismatch, "column %q is %s, want %s", c.Name, got[j].Type, c.Type)
		}
		order[i] = j
	}
	return order, nil
}

// SameColumns reports whether a and b have the same names and types in the
// same order.
func SameColumns(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}

func (t *Table) checkRow(values []any) ([]any, error) {
	return CheckRow(t.Columns, values)
}

// CheckRow validates one row of values against columns and returns the
// normalized values.
func CheckRow(columns []Column, values []any) ([]any, error) {
	if len(values) != len(columns) {
		return nil, errors.Wrapf(ErrSchemaMismatch, "got %d values for %d columns", len(values), len(columns))
	}
	out := make([]any, len(values))
	for i, v := range values {
		nv, err := normalize(columns[i].Type, v)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", columns[i].Name)
		}
		out[i] = nv
	}
	return out, nil
}
