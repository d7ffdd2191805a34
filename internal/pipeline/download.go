package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-faster/errors"

	"github.com/kalambet/mhx/internal/table"
)

// DownloadTableFiles queries tableID and downloads the attachments of the
// given columns for the first limit rows (all rows when limit <= 0). Each
// download uses the row's own ID and version number.
//
// files[c][r] is the local path for columns[c] in row r; empty cells give "".
func DownloadTableFiles(ctx context.Context, svc TableService, tableID string, columns []string, limit int, outDir string) (*table.Table, [][]string, error) {
	t, err := svc.QueryTable(ctx, tableID)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range columns {
		if t.ColumnIndex(c) < 0 {
			return nil, nil, errors.Wrapf(table.ErrColumnNotFound, "%s has no column %q", tableID, c)
		}
	}

	n := t.Len()
	if limit > 0 && limit < n {
		n = limit
	}

	files := make([][]string, len(columns))
	for ci, c := range columns {
		col := t.ColumnIndex(c)
		paths := make([]string, n)
		for ri := 0; ri < n; ri++ {
			row := t.Rows[ri]
			if row.Values[col] == nil {
				continue
			}
			p, err := svc.DownloadAttachment(ctx, tableID, row.ID, row.Version, c, outDir)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "row %d column %q", row.ID, c)
			}
			paths[ri] = p
		}
		files[ci] = paths
		slog.Debug("downloaded column", "table", tableID, "column", c, "rows", n)
	}
	return t, files, nil
}

// ReadFilesFromRow downloads the attachments of row i of t for the given
// columns and maps each file handle ID to its local path. Empty cells are
// skipped.
func ReadFilesFromRow(ctx context.Context, svc TableService, tableID string, t *table.Table, i int, columns []string, outDir string) (map[string]string, error) {
	if i < 0 || i >= t.Len() {
		return nil, errors.Errorf("row %d out of range [0, %d)", i, t.Len())
	}
	row := t.Rows[i]

	out := make(map[string]string, len(columns))
	for _, c := range columns {
		v, err := t.Value(i, c)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		p, err := svc.DownloadAttachment(ctx, tableID, row.ID, row.Version, c, outDir)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d column %q", row.ID, c)
		}
		if p == "" {
			continue
		}
		out[fmt.Sprint(v)] = p
	}
	return out, nil
}
