package table

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/go-faster/errors"
)

// Synapse STRING columns cap out at 1000 characters; longer text is LARGETEXT.
const (
	minStringSize = 50
	maxStringSize = 1000
)

// WriteCSV writes t to path with a header row and no index column.
// It returns path for chaining.
func WriteCSV(t *Table, path string) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(ErrIO, "create %s: %v", path, err)
	}
	if err := Encode(f, t); err != nil {
		f.Close()
		return "", errors.Wrapf(err, "write %s", path)
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(ErrIO, "close %s: %v", path, err)
	}
	return path, nil
}

// Encode writes t as CSV to w.
func Encode(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.ColumnNames()); err != nil {
		return errors.Wrapf(ErrIO, "header: %v", err)
	}
	record := make([]string, len(t.Columns))
	for i, r := range t.Rows {
		for ci, v := range r.Values {
			record[ci] = FormatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return errors.Wrapf(ErrIO, "row %d: %v", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Wrapf(ErrIO, "flush: %v", err)
	}
	return nil
}

// ReadCSV reads a CSV file with a header row. Column types are inferred from
// the data, so a WriteCSV round trip is not lossless: empty strings read back
// as null and a text column of plain numbers becomes numeric. Zero-padded
// values such as "007" stay text. Use ReadCSVAs when the column types are known.
func ReadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open %s: %v", path, err)
	}
	defer f.Close()

	t, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return t, nil
}

// ReadCSVFiles reads CSV files that share one set of headers, possibly in
// different orders. Column types are inferred once over the records of all
// files, and every table comes back with the columns of the first file.
func ReadCSVFiles(paths ...string) ([]*Table, error) {
	if len(paths) == 0 {
		return nil, errors.Wrap(ErrIO, "no csv files")
	}

	var (
		header []string
		all    [][]string
	)
	perFile := make([][][]string, len(paths))
	for i, p := range paths {
		records, err := readRecords(p)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			header = records[0]
			perFile[i] = records[1:]
		} else {
			aligned, err := alignRecords(header, records[0], records[1:])
			if err != nil {
				return nil, errors.Wrapf(err, "read %s", p)
			}
			perFile[i] = aligned
		}
		all = append(all, perFile[i]...)
	}

	columns := InferColumns(header, all)
	tables := make([]*Table, len(paths))
	for i, records := range perFile {
		t, err := DecodeRecords(columns, records)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", paths[i])
		}
		tables[i] = t
	}
	return tables, nil
}

func readRecords(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open %s: %v", path, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "parse %s: %v", path, err)
	}
	if len(records) == 0 {
		return nil, errors.Wrapf(ErrIO, "empty csv %s: no header row", path)
	}
	return records, nil
}

// alignRecords reorders the fields of records from header got to header want.
func alignRecords(want, got []string, records [][]string) ([][]string, error) {
	if len(want) != len(got) {
		return nil, errors.Wrapf(ErrSchemaMismatch, "got %d columns, want %d", len(got), len(want))
	}
	pos := make(map[string]int, len(got))
	for i, name := range got {
		pos[name] = i
	}
	order := make([]int, len(want))
	for i, name := range want {
		j, ok := pos[name]
		if !ok {
			return nil, errors.Wrapf(ErrSchemaMismatch, "missing column %q", name)
		}
		order[i] = j
	}
	out := make([][]string, len(records))
	for ri, rec := range records {
		if len(rec) != len(got) {
			return nil, errors.Wrapf(ErrSchemaMismatch, "record %d has %d fields, want %d", ri+1, len(rec), len(got))
		}
		row := make([]string, len(want))
		for i, j := range order {
			row[i] = rec[j]
		}
		out[ri] = row
	}
	return out, nil
}

// ReadCSVAs reads a CSV file whose header must match columns exactly.
func ReadCSVAs(path string, columns []Column) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open %s: %v", path, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "parse %s: %v", path, err)
	}
	if len(records) == 0 {
		return nil, errors.Wrapf(ErrIO, "empty csv %s: no header row", path)
	}
	header := records[0]
	if len(header) != len(columns) {
		return nil, errors.Wrapf(ErrSchemaMismatch, "%s has %d columns, want %d", path, len(header), len(columns))
	}
	for i, name := range header {
		if name != columns[i].Name {
			return nil, errors.Wrapf(ErrSchemaMismatch, "%s column %d is %q, want %q", path, i, name, columns[i].Name)
		}
	}
	return DecodeRecords(columns, records[1:])
}

// Decode reads CSV from r and infers column types.
func Decode(r io.Reader) (*Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "parse csv: %v", err)
	}
	if len(records) == 0 {
		return nil, errors.Wrap(ErrIO, "empty csv: no header row")
	}

	header, data := records[0], records[1:]
	columns := InferColumns(header, data)
	return DecodeRecords(columns, data)
}

// DecodeRecords parses string records against columns.
func DecodeRecords(columns []Column, records [][]string) (*Table, error) {
	rows := make([]Row, len(records))
	for ri, rec := range records {
		if len(rec) != len(columns) {
			return nil, errors.Wrapf(ErrSchemaMismatch, "record %d has %d fields, want %d", ri+1, len(rec), len(columns))
		}
		values := make([]any, len(rec))
		for ci, s := range rec {
			v, err := ParseValue(columns[ci].Type, s)
			if err != nil {
				return nil, errors.Wrapf(err, "record %d column %q", ri+1, columns[ci].Name)
			}
			values[ci] = v
		}
		rows[ri] = Row{Values: values}
	}
	return New(columns, rows)
}

// InferColumns picks a column type for each header from its non-empty
// values: INTEGER, then DOUBLE, then BOOLEAN, falling back to STRING (or
// LARGETEXT for long text).
func InferColumns(header []string, records [][]string) []Column {
	columns := make([]Column, len(header))
	for ci, name := range header {
		isInt, isFloat, isBool := true, true, true
		longest, nonEmpty := 0, 0
		for _, rec := range records {
			if ci >= len(rec) || rec[ci] == "" {
				continue
			}
			s := rec[ci]
			nonEmpty++
			if len(s) > longest {
				longest = len(s)
			}
			if leadingZero(s) {
				isInt, isFloat = false, false
			}
			if _, err := strconv.ParseInt(s, 10, 64); err != nil {
				isInt = false
			}
			if _, err := ParseValue(TypeDouble, s); err != nil {
				isFloat = false
			}
			if _, ok := parseBool(s); !ok {
				isBool = false
			}
		}

		col := Column{Name: name}
		switch {
		case nonEmpty == 0:
			col.Type, col.MaxSize = TypeString, minStringSize
		case isInt:
			col.Type = TypeInteger
		case isFloat:
			col.Type = TypeDouble
		case isBool:
			col.Type = TypeBoolean
		case longest > maxStringSize:
			col.Type = TypeLargeText
		default:
			col.Type, col.MaxSize = TypeString, max(longest, minStringSize)
		}
		columns[ci] = col
	}
	return columns
}

// leadingZero reports whether s looks like a zero-padded code such as "007",
// which would not survive a numeric round trip.
func leadingZero(s string) bool {
	if s != "" && (s[0] == '-' || s[0] == '+') {
		s = s[1:]
	}
	return len(s) > 1 && s[0] == '0' && s[1] >= '0' && s[1] <= '9'
}
