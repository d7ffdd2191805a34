package main

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"

	"github.com/kalambet/mhx/internal/table"
)

func printSuccess(w io.Writer, format string, args ...any) {
	fmt.Fprint(w, pterm.Success.Sprintfln(format, args...))
}

func printError(w io.Writer, format string, args ...any) {
	fmt.Fprint(w, pterm.Error.Sprintfln(format, args...))
}

func printWarning(w io.Writer, format string, args ...any) {
	fmt.Fprint(w, pterm.Warning.Sprintfln(format, args...))
}

func printStatus(w io.Writer, label string, format string, args ...any) {
	fmt.Fprintf(w, "  %s %s\n", pterm.Bold.Sprint(label+":"), fmt.Sprintf(format, args...))
}

// printTable renders the first limit rows of t (all when limit <= 0),
// prefixed by the row ID and version of each row.
func printTable(w io.Writer, t *table.Table, limit int) error {
	n := t.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	data := make(pterm.TableData, 0, n+1)
	data = append(data, append([]string{"ROW_ID", "ROW_VERSION"}, t.ColumnNames()...))
	for i := 0; i < n; i++ {
		r := t.Rows[i]
		line := []string{fmt.Sprint(r.ID), fmt.Sprint(r.Version)}
		for _, v := range r.Values {
			line = append(line, table.FormatValue(v))
		}
		data = append(data, line)
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, out)
	if n < t.Len() {
		fmt.Fprintf(w, "... %d more rows\n", t.Len()-n)
	}
	return nil
}

// printPairs renders a two-column key/value table.
func printPairs(w io.Writer, header [2]string, pairs [][2]string) error {
	data := pterm.TableData{{header[0], header[1]}}
	for _, p := range pairs {
		data = append(data, []string{p[0], p[1]})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, out)
	return nil
}
