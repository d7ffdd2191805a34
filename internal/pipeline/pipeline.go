// Package pipeline composes the Synapse client, the table reshaper and the
// audio converter into the copy, write, download and provenance flows.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/go-faster/errors"

	"github.com/kalambet/mhx/internal/synapse"
	"github.com/kalambet/mhx/internal/table"
)

// TableService is the remote surface the flows depend on. *synapse.Session
// implements it.
type TableService interface {
	QueryTable(ctx context.Context, tableID string) (*table.Table, error)
	DownloadAttachment(ctx context.Context, tableID string, rowID, version int64, column, destDir string) (string, error)
	UploadTable(ctx context.Context, spec synapse.TableSpec) (string, error)
	UploadFile(ctx context.Context, path string) (string, error)
	AppendRows(ctx context.Context, tableID string, rows [][]any) error
}

var _ TableService = (*synapse.Session)(nil)

// CopyTable queries sourceID, drops dropColumns, and uploads the result as a
// new table called name in destProjectID. It returns the uploaded table and
// its ID.
func CopyTable(ctx context.Context, svc TableService, sourceID, destProjectID, name string, dropColumns []string) (*table.Table, string, error) {
	t, err := svc.QueryTable(ctx, sourceID)
	if err != nil {
		return nil, "", err
	}
	if len(dropColumns) > 0 {
		if err := t.DropColumns(dropColumns...); err != nil {
			return nil, "", errors.Wrapf(err, "copy %s", sourceID)
		}
	}

	id, err := WriteTable(ctx, svc, t, destProjectID, name)
	if err != nil {
		return nil, "", err
	}
	slog.Info("copied table", "source", sourceID, "dest", id, "rows", t.Len(), "dropped", len(dropColumns))
	return t, id, nil
}

// WriteTable renumbers the index of t and uploads it as a new table. Remote
// column IDs are not carried over.
func WriteTable(ctx context.Context, svc TableService, t *table.Table, destProjectID, name string) (string, error) {
	t.RenumberIndex()
	for i := range t.Columns {
		t.Columns[i].ID = ""
	}
	return svc.UploadTable(ctx, synapse.TableSpec{ParentID: destProjectID, Name: name, Table: t})
}

// TablesToCSV concatenates tables and writes the result to path.
func TablesToCSV(tables []*table.Table, path string) (*table.Table, error) {
	out, err := table.Concat(tables...)
	if err != nil {
		return nil, err
	}
	if _, err := table.WriteCSV(out, path); err != nil {
		return nil, err
	}
	return out, nil
}
