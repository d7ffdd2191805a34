package synapse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/tidwall/gjson"

	"github.com/kalambet/mhx/internal/table"
)

const tableEntityType = "org.sagebionetworks.repo.model.table.TableEntity"

// TableSpec describes a table to upload.
type TableSpec struct {
	ParentID string // project or folder that will contain the table
	Name     string
	Table    *table.Table

	// ReplaceExisting replaces the column set of an existing table with the
	// same name. Without it an existing table is reused only when its columns
	// match.
	ReplaceExisting bool
}

// Entity is the subset of entity fields mhx reads and writes.
type Entity struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	ParentID     string   `json:"parentId"`
	ConcreteType string   `json:"concreteType"`
	Etag         string   `json:"etag,omitempty"`
	ColumnIDs    []string `json:"columnIds,omitempty"`
}

// UploadTable creates (or reuses) a table entity under spec.ParentID and
// appends the rows of spec.Table. It returns the table ID.
func (s *Session) UploadTable(ctx context.Context, spec TableSpec) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if spec.Table == nil {
		return "", errors.Wrapf(ErrUpload, "table %q: no data", spec.Name)
	}
	if spec.ParentID == "" || spec.Name == "" {
		return "", errors.Wrapf(ErrUpload, "table %q: parent and name are required", spec.Name)
	}

	existing, err := s.childID(ctx, spec.ParentID, spec.Name)
	if err != nil {
		return "", errors.Wrapf(ErrUpload, "look up %q in %s: %v", spec.Name, spec.ParentID, err)
	}

	var tableID string
	switch {
	case existing != "" && !spec.ReplaceExisting:
		current, err := s.Columns(ctx, existing)
		if err != nil {
			return "", errors.Wrapf(ErrUpload, "%v", err)
		}
		if !table.SameColumns(current, spec.Table.Columns) {
			return "", fmt.Errorf("%w: %w: table %q (%s) exists with different columns", ErrUpload, table.ErrSchemaMismatch, spec.Name, existing)
		}
		tableID = existing
		s.logger.Debug("synapse: reusing table", "table", tableID, "name", spec.Name)

	case existing != "":
		ids, err := s.createColumns(ctx, spec.Table.Columns)
		if err != nil {
			return "", errors.Wrapf(ErrUpload, "columns for %q: %v", spec.Name, err)
		}
		var ent Entity
		if _, err := s.do(ctx, http.MethodGet, "/repo/v1/entity/"+existing, nil, &ent); err != nil {
			return "", errors.Wrapf(ErrUpload, "get %s: %v", existing, err)
		}
		ent.ColumnIDs = ids
		if _, err := s.do(ctx, http.MethodPut, "/repo/v1/entity/"+existing, ent, &ent); err != nil {
			return "", errors.Wrapf(ErrUpload, "replace columns of %s: %v", existing, err)
		}
		tableID = existing
		s.logger.Debug("synapse: replaced table columns", "table", tableID, "name", spec.Name)

	default:
		ids, err := s.createColumns(ctx, spec.Table.Columns)
		if err != nil {
			return "", errors.Wrapf(ErrUpload, "columns for %q: %v", spec.Name, err)
		}
		ent := Entity{
			Name:         spec.Name,
			ParentID:     spec.ParentID,
			ConcreteType: tableEntityType,
			ColumnIDs:    ids,
		}
		var created Entity
		if _, err := s.do(ctx, http.MethodPost, "/repo/v1/entity", ent, &created); err != nil {
			return "", errors.Wrapf(ErrUpload, "create table %q: %v", spec.Name, err)
		}
		tableID = created.ID
	}

	if spec.Table.Len() > 0 {
		values := make([][]any, spec.Table.Len())
		for i, r := range spec.Table.Rows {
			values[i] = r.Values
		}
		if err := s.AppendRows(ctx, tableID, values); err != nil {
			return "", err
		}
	}
	s.logger.Info("synapse: uploaded table", "table", tableID, "name", spec.Name, "rows", spec.Table.Len())
	return tableID, nil
}

// childID returns the ID of the entity named name under parentID, or "" if
// there is none.
func (s *Session) childID(ctx context.Context, parentID, name string) (string, error) {
	var raw json.RawMessage
	body := map[string]string{"parentId": parentID, "entityName": name}
	_, err := s.do(ctx, http.MethodPost, "/repo/v1/entity/child", body, &raw)
	if IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(raw, "id").String(), nil
}

func (s *Session) createColumns(ctx context.Context, cols []table.Column) ([]string, error) {
	models := toModels(cols)
	for i := range models {
		models[i].ID = ""
	}
	body := map[string]any{
		"concreteType": "org.sagebionetworks.repo.model.ListWrapper",
		"list":         models,
	}
	var resp struct {
		List []ColumnModel `json:"list"`
	}
	if _, err := s.do(ctx, http.MethodPost, "/repo/v1/column/batch", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.List) != len(cols) {
		return nil, errors.Errorf("created %d columns, want %d", len(resp.List), len(cols))
	}
	ids := make([]string, len(resp.List))
	for i, m := range resp.List {
		ids[i] = m.ID
	}
	return ids, nil
}

// AppendRows appends rows to tableID. Each row must match the table's
// current columns; the first bad row is reported with
// table.ErrSchemaMismatch and nothing is sent.
func (s *Session) AppendRows(ctx context.Context, tableID string, rows [][]any) error {
	if err := s.ready(); err != nil {
		return err
	}
	cols, err := s.Columns(ctx, tableID)
	if err != nil {
		return errors.Wrapf(ErrUpload, "%v", err)
	}

	wire := make([]WireRow, len(rows))
	for i, r := range rows {
		values, err := table.CheckRow(cols, r)
		if err != nil {
			return errors.Wrapf(err, "row %d for %s", i, tableID)
		}
		wire[i] = WireRow{Values: formatCells(values)}
	}

	headers := make([]SelectColumn, len(cols))
	for i, c := range cols {
		headers[i] = SelectColumn{ID: c.ID, Name: c.Name, ColumnType: string(c.Type)}
	}
	body := map[string]any{
		"concreteType": "org.sagebionetworks.repo.model.table.TableUpdateTransactionRequest",
		"entityId":     tableID,
		"changes": []any{map[string]any{
			"concreteType": "org.sagebionetworks.repo.model.table.AppendableRowSetRequest",
			"entityId":     tableID,
			"toAppend": RowSet{
				ConcreteType: "org.sagebionetworks.repo.model.table.RowSet",
				TableID:      tableID,
				Headers:      headers,
				Rows:         wire,
			},
		}},
	}
	var resp json.RawMessage
	if err := s.runJob(ctx, "/repo/v1/entity/"+tableID+"/table/transaction", body, &resp); err != nil {
		return errors.Wrapf(ErrUpload, "append %d rows to %s: %v", len(rows), tableID, err)
	}
	s.logger.Debug("synapse: appended rows", "table", tableID, "rows", len(rows))
	return nil
}
