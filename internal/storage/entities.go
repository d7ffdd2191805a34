package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

const idPrefix = "syn"

// parseEntityID turns "syn123" into 123.
func parseEntityID(id string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimPrefix(strings.ToLower(id), idPrefix), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func formatEntityID(n int64) string {
	return idPrefix + strconv.FormatInt(n, 10)
}

// --- Entities ---

// CreateEntity stores a new entity and returns it with its ID and etag set.
// The parent must exist; names are unique within a parent.
func (s *Store) CreateEntity(ctx context.Context, e Entity) (Entity, error) {
	if e.Name == "" || e.ConcreteType == "" {
		return Entity{}, errors.Wrap(ErrInvalid, "name and concrete type are required")
	}
	if e.ParentID != "" {
		if _, err := s.GetEntity(ctx, e.ParentID); err != nil {
			return Entity{}, errors.Wrapf(err, "parent %s", e.ParentID)
		}
	}
	cols, err := json.Marshal(nonNil(e.ColumnIDs))
	if err != nil {
		return Entity{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entity{}, err
	}
	defer tx.Rollback()

	var taken int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE parent_id = ? AND name = ?`, e.ParentID, e.Name).Scan(&taken); err != nil {
		return Entity{}, err
	}
	if taken > 0 {
		return Entity{}, errors.Wrapf(ErrConflict, "an entity named %q already exists in %q", e.Name, e.ParentID)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO entities (name, parent_id, concrete_type, etag, column_ids, created_by, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Name, e.ParentID, e.ConcreteType, uuid.NewString(), string(cols), e.CreatedBy, now(),
	)
	if err != nil {
		return Entity{}, err
	}
	n, err := res.LastInsertId()
	if err != nil {
		return Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entity{}, err
	}
	return s.GetEntity(ctx, formatEntityID(n))
}

func (s *Store) GetEntity(ctx context.Context, id string) (Entity, error) {
	n, ok := parseEntityID(id)
	if !ok {
		return Entity{}, ErrNotFound
	}
	var e Entity
	var num int64
	var cols, modifiedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, parent_id, concrete_type, etag, column_ids, row_version, created_by, modified_at
		FROM entities WHERE id = ?`, n,
	).Scan(&num, &e.Name, &e.ParentID, &e.ConcreteType, &e.Etag, &cols, &e.RowVersion, &e.CreatedBy, &modifiedAt)
	if err == sql.ErrNoRows {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, err
	}
	e.ID = formatEntityID(num)
	e.ModifiedAt = parseTime(modifiedAt)
	if err := json.Unmarshal([]byte(cols), &e.ColumnIDs); err != nil {
		return Entity{}, errors.Wrapf(err, "decoding column ids of %s", e.ID)
	}
	return e, nil
}

// UpdateEntity replaces the name and column IDs of an entity. e.Etag must
// match the stored etag; a stale etag yields ErrConflict.
func (s *Store) UpdateEntity(ctx context.Context, e Entity) (Entity, error) {
	current, err := s.GetEntity(ctx, e.ID)
	if err != nil {
		return Entity{}, err
	}
	if e.Etag != current.Etag {
		return Entity{}, errors.Wrapf(ErrConflict, "etag of %s has changed", current.ID)
	}
	if e.Name == "" {
		e.Name = current.Name
	}
	cols, err := json.Marshal(nonNil(e.ColumnIDs))
	if err != nil {
		return Entity{}, err
	}
	n, _ := parseEntityID(current.ID)
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET name = ?, column_ids = ?, etag = ?, modified_at = ?
		WHERE id = ? AND etag = ?`,
		e.Name, string(cols), uuid.NewString(), now(), n, current.Etag,
	)
	if err != nil {
		return Entity{}, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return Entity{}, err
	} else if affected == 0 {
		return Entity{}, errors.Wrapf(ErrConflict, "etag of %s has changed", current.ID)
	}
	return s.GetEntity(ctx, current.ID)
}

// ChildID returns the ID of the entity called name under parentID.
func (s *Store) ChildID(ctx context.Context, parentID, name string) (string, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM entities WHERE parent_id = ? AND name = ?`, parentID, name).Scan(&n)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return formatEntityID(n), nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// --- Columns ---

// CreateColumns stores column models and returns them with IDs assigned,
// in the order given.
func (s *Store) CreateColumns(ctx context.Context, models []ColumnModel) ([]ColumnModel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	out := make([]ColumnModel, len(models))
	for i, m := range models {
		if m.Name == "" || m.ColumnType == "" {
			return nil, errors.Wrapf(ErrInvalid, "column %d: name and type are required", i)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO column_models (name, column_type, maximum_size) VALUES (?, ?, ?)`,
			m.Name, m.ColumnType, m.MaximumSize)
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		m.ID = strconv.FormatInt(id, 10)
		out[i] = m
	}
	return out, tx.Commit()
}

// Columns returns the column models with the given IDs, in that order.
func (s *Store) Columns(ctx context.Context, ids []string) ([]ColumnModel, error) {
	out := make([]ColumnModel, 0, len(ids))
	for _, id := range ids {
		var m ColumnModel
		var n int64
		err := s.db.QueryRowContext(ctx, `SELECT id, name, column_type, maximum_size FROM column_models WHERE id = ?`, id).
			Scan(&n, &m.Name, &m.ColumnType, &m.MaximumSize)
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(ErrNotFound, "column %s", id)
		}
		if err != nil {
			return nil, err
		}
		m.ID = strconv.FormatInt(n, 10)
		out = append(out, m)
	}
	return out, nil
}

// TableColumns returns the current column models of a table entity.
func (s *Store) TableColumns(ctx context.Context, tableID string) ([]ColumnModel, error) {
	e, err := s.GetEntity(ctx, tableID)
	if err != nil {
		return nil, err
	}
	return s.Columns(ctx, e.ColumnIDs)
}

// --- Rows ---

// AppendRows adds rows to a table under a new row version. It returns that
// version and the row ID given to the first row; the others follow in
// order. Row IDs continue from the highest existing one.
func (s *Store) AppendRows(ctx context.Context, tableID string, rows []map[string]string) (version, firstRow int64, err error) {
	e, err := s.GetEntity(ctx, tableID)
	if err != nil {
		return 0, 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	n, _ := parseEntityID(e.ID)
	var lastRow int64
	if err := tx.QueryRowContext(ctx, `SELECT row_version FROM entities WHERE id = ?`, n).Scan(&version); err != nil {
		return 0, 0, err
	}
	version++
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(row_id), 0) FROM table_rows WHERE table_id = ?`, e.ID).Scan(&lastRow); err != nil {
		return 0, 0, err
	}
	for i, values := range rows {
		b, err := json.Marshal(values)
		if err != nil {
			return 0, 0, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO table_rows (table_id, row_id, version, values_json) VALUES (?, ?, ?, ?)`,
			e.ID, lastRow+int64(i)+1, version, string(b)); err != nil {
			return 0, 0, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE entities SET row_version = ?, etag = ?, modified_at = ? WHERE id = ?`,
		version, uuid.NewString(), now(), n); err != nil {
		return 0, 0, err
	}
	return version, lastRow + 1, tx.Commit()
}

// Rows returns up to limit rows of a table ordered by row ID, starting at
// offset. A limit of zero or less returns every remaining row.
func (s *Store) Rows(ctx context.Context, tableID string, limit, offset int) ([]TableRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, version, values_json FROM table_rows
		WHERE table_id = ? ORDER BY row_id ASC LIMIT ? OFFSET ?`, tableID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TableRow
	for rows.Next() {
		var r TableRow
		var values string
		if err := rows.Scan(&r.RowID, &r.Version, &values); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(values), &r.Values); err != nil {
			return nil, errors.Wrapf(err, "decoding row %d of %s", r.RowID, tableID)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountRows returns the number of rows in a table.
func (s *Store) CountRows(ctx context.Context, tableID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM table_rows WHERE table_id = ?`, tableID).Scan(&n)
	return n, err
}

// Row returns one row at the given version.
func (s *Store) Row(ctx context.Context, tableID string, rowID, version int64) (TableRow, error) {
	r := TableRow{RowID: rowID, Version: version}
	var values string
	err := s.db.QueryRowContext(ctx, `
		SELECT values_json FROM table_rows WHERE table_id = ? AND row_id = ? AND version = ?`,
		tableID, rowID, version,
	).Scan(&values)
	if err == sql.ErrNoRows {
		return TableRow{}, ErrNotFound
	}
	if err != nil {
		return TableRow{}, err
	}
	if err := json.Unmarshal([]byte(values), &r.Values); err != nil {
		return TableRow{}, errors.Wrapf(err, "decoding row %d of %s", rowID, tableID)
	}
	return r, nil
}
