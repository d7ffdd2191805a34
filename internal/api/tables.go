package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/kalambet/mhx/internal/storage"
	"github.com/kalambet/mhx/internal/synapse"
	"github.com/kalambet/mhx/internal/table"
)

// Query bundle parts.
const (
	partResults       = 0x1
	partSelectColumns = 0x4
	partColumnModels  = 0x10
)

// defaultMaxSize is the service's STRING limit when a column sets none.
const defaultMaxSize = 50

// The emulator understands "select * from synN" with optional limit and
// offset, which is all mhx sends.
var selectAll = regexp.MustCompile(`(?i)^\s*select\s+\*\s+from\s+(syn\d+)(?:\s+limit\s+(\d+))?(?:\s+offset\s+(\d+))?\s*;?\s*$`)

type tableQuery struct {
	tableID string
	offset  int
	end     int // -1 for no limit
}

func parseQuery(sql string, limit, offset *int64) (tableQuery, error) {
	m := selectAll.FindStringSubmatch(sql)
	if m == nil {
		return tableQuery{}, errors.Errorf("unsupported query %q: only select * from <table> is supported", sql)
	}
	q := tableQuery{tableID: strings.ToLower(m[1]), end: -1}
	if m[3] != "" {
		q.offset, _ = strconv.Atoi(m[3])
	}
	if offset != nil {
		q.offset += int(*offset)
	}
	if m[2] != "" {
		n, _ := strconv.Atoi(m[2])
		q.end = q.offset + n
	}
	if limit != nil && (q.end < 0 || q.offset+int(*limit) < q.end) {
		q.end = q.offset + int(*limit)
	}
	return q, nil
}

// tableEntity loads a table and its columns, refusing other entity types.
func (e *emulator) tableEntity(ctx context.Context, id string) (storage.Entity, []storage.ColumnModel, error) {
	ent, err := e.Store.GetEntity(ctx, id)
	if err != nil {
		return storage.Entity{}, nil, errors.Wrapf(err, "table %s", id)
	}
	if ent.ConcreteType != TableType {
		return storage.Entity{}, nil, errors.Wrapf(storage.ErrInvalid, "%s is not a table", ent.ID)
	}
	cols, err := e.Store.Columns(ctx, ent.ColumnIDs)
	if err != nil {
		return storage.Entity{}, nil, err
	}
	return ent, cols, nil
}

func selectColumns(cols []storage.ColumnModel) []synapse.SelectColumn {
	out := make([]synapse.SelectColumn, len(cols))
	for i, c := range cols {
		out[i] = synapse.SelectColumn{ID: c.ID, Name: c.Name, ColumnType: c.ColumnType}
	}
	return out
}

// page returns the rows of q starting at q.offset, at most one page of them.
func (e *emulator) page(ctx context.Context, ent storage.Entity, cols []storage.ColumnModel, q tableQuery) (synapse.QueryResult, error) {
	result := synapse.QueryResult{
		ConcreteType: "org.sagebionetworks.repo.model.table.QueryResult",
		QueryResults: synapse.RowSet{
			ConcreteType: "org.sagebionetworks.repo.model.table.RowSet",
			TableID:      ent.ID,
			Etag:         ent.Etag,
			Headers:      selectColumns(cols),
			Rows:         []synapse.WireRow{},
		},
	}

	n := e.PageSize
	if q.end >= 0 && q.end-q.offset < n {
		n = q.end - q.offset
	}
	if n <= 0 {
		return result, nil
	}
	rows, err := e.Store.Rows(ctx, ent.ID, n, q.offset)
	if err != nil {
		return synapse.QueryResult{}, err
	}
	total, err := e.Store.CountRows(ctx, ent.ID)
	if err != nil {
		return synapse.QueryResult{}, err
	}

	for _, r := range rows {
		rowID, version := r.RowID, r.Version
		values := make([]*string, len(cols))
		for i, c := range cols {
			if v, ok := r.Values[c.ID]; ok {
				values[i] = &v
			}
		}
		result.QueryResults.Rows = append(result.QueryResults.Rows, synapse.WireRow{
			RowID:         &rowID,
			VersionNumber: &version,
			Values:        values,
		})
	}

	stop := total
	if q.end >= 0 && q.end < stop {
		stop = q.end
	}
	if next := q.offset + len(rows); next < stop {
		result.NextPageToken = &synapse.NextPageToken{
			ConcreteType: "org.sagebionetworks.repo.model.table.QueryNextPageToken",
			Token:        fmt.Sprintf("%s:%d:%d", ent.ID, next, q.end),
		}
	}
	return result, nil
}

func runQuery(ctx context.Context, e *emulator, tableID string, body []byte) (any, error) {
	var req struct {
		EntityID string `json:"entityId"`
		PartMask int64  `json:"partMask"`
		Query    struct {
			SQL    string `json:"sql"`
			Offset *int64 `json:"offset"`
			Limit  *int64 `json:"limit"`
		} `json:"query"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(err, "invalid query request")
	}
	q, err := parseQuery(req.Query.SQL, req.Query.Limit, req.Query.Offset)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(q.tableID, tableID) {
		return nil, errors.Errorf("query names %s but was sent to %s", q.tableID, tableID)
	}
	ent, cols, err := e.tableEntity(ctx, tableID)
	if err != nil {
		return nil, err
	}

	bundle := synapse.QueryBundle{ConcreteType: "org.sagebionetworks.repo.model.table.QueryResultBundle"}
	if req.PartMask&partResults != 0 {
		if bundle.QueryResult, err = e.page(ctx, ent, cols, q); err != nil {
			return nil, err
		}
	}
	if req.PartMask&partSelectColumns != 0 {
		bundle.SelectColumns = selectColumns(cols)
	}
	if req.PartMask&partColumnModels != 0 {
		bundle.ColumnModels = toWireColumns(cols)
	}
	return bundle, nil
}

func runNextPage(ctx context.Context, e *emulator, tableID string, body []byte) (any, error) {
	var tok synapse.NextPageToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, errors.Wrap(err, "invalid next page token")
	}
	parts := strings.Split(tok.Token, ":")
	if len(parts) != 3 {
		return nil, errors.Errorf("invalid next page token %q", tok.Token)
	}
	q := tableQuery{tableID: parts[0]}
	var err1, err2 error
	q.offset, err1 = strconv.Atoi(parts[1])
	q.end, err2 = strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || !strings.EqualFold(q.tableID, tableID) {
		return nil, errors.Errorf("invalid next page token %q", tok.Token)
	}
	ent, cols, err := e.tableEntity(ctx, tableID)
	if err != nil {
		return nil, err
	}
	return e.page(ctx, ent, cols, q)
}

type rowReference struct {
	RowID         int64 `json:"rowId"`
	VersionNumber int64 `json:"versionNumber"`
}

type rowReferenceSet struct {
	TableID string                 `json:"tableId"`
	Etag    string                 `json:"etag,omitempty"`
	Headers []synapse.SelectColumn `json:"headers"`
	Rows    []rowReference         `json:"rows"`
}

func runTransaction(ctx context.Context, e *emulator, tableID string, body []byte) (any, error) {
	var req struct {
		EntityID string `json:"entityId"`
		Changes  []struct {
			ConcreteType string          `json:"concreteType"`
			ToAppend     *synapse.RowSet `json:"toAppend"`
		} `json:"changes"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(err, "invalid transaction request")
	}
	ent, cols, err := e.tableEntity(ctx, tableID)
	if err != nil {
		return nil, err
	}

	// Validate every change before writing any of them.
	batches := make([][]map[string]string, len(req.Changes))
	for i, ch := range req.Changes {
		if !strings.HasSuffix(ch.ConcreteType, ".AppendableRowSetRequest") || ch.ToAppend == nil {
			return nil, errors.Errorf("change %d: unsupported change type %q", i, ch.ConcreteType)
		}
		rows, err := e.checkRowSet(ctx, cols, *ch.ToAppend)
		if err != nil {
			return nil, errors.Wrapf(err, "change %d", i)
		}
		batches[i] = rows
	}

	type rowResults struct {
		ConcreteType    string          `json:"concreteType"`
		RowReferenceSet rowReferenceSet `json:"rowReferenceSet"`
	}
	results := make([]rowResults, 0, len(batches))
	for _, rows := range batches {
		version, first, err := e.Store.AppendRows(ctx, ent.ID, rows)
		if err != nil {
			return nil, err
		}
		refs := make([]rowReference, len(rows))
		for i := range rows {
			refs[i] = rowReference{RowID: first + int64(i), VersionNumber: version}
		}
		results = append(results, rowResults{
			ConcreteType: "org.sagebionetworks.repo.model.table.RowReferenceSetResults",
			RowReferenceSet: rowReferenceSet{
				TableID: ent.ID,
				Headers: selectColumns(cols),
				Rows:    refs,
			},
		})
	}
	e.logger.Debug("emulator: rows appended", "table", ent.ID, "changes", len(batches))
	return map[string]any{
		"concreteType": "org.sagebionetworks.repo.model.table.TableUpdateTransactionResponse",
		"results":      results,
	}, nil
}

// checkRowSet validates appended rows against the table columns and returns
// them keyed by column ID.
func (e *emulator) checkRowSet(ctx context.Context, cols []storage.ColumnModel, rs synapse.RowSet) ([]map[string]string, error) {
	headers := make([]storage.ColumnModel, len(rs.Headers))
	for i, h := range rs.Headers {
		found := false
		for _, c := range cols {
			if (h.ID != "" && h.ID == c.ID) || (h.ID == "" && h.Name == c.Name) {
				headers[i], found = c, true
				break
			}
		}
		if !found {
			return nil, errors.Errorf("header %q (%s) is not a column of the table", h.Name, h.ID)
		}
	}

	out := make([]map[string]string, len(rs.Rows))
	for ri, row := range rs.Rows {
		if row.RowID != nil {
			return nil, errors.Errorf("row %d: updating existing rows is not supported", ri)
		}
		if len(row.Values) != len(headers) {
			return nil, errors.Errorf("row %d: %d values for %d headers", ri, len(row.Values), len(headers))
		}
		values := make(map[string]string, len(headers))
		for ci, cell := range row.Values {
			if cell == nil || *cell == "" {
				continue
			}
			col := headers[ci]
			if err := e.checkCell(ctx, col, *cell); err != nil {
				return nil, errors.Wrapf(err, "row %d column %q", ri, col.Name)
			}
			values[col.ID] = *cell
		}
		out[ri] = values
	}
	return out, nil
}

func (e *emulator) checkCell(ctx context.Context, col storage.ColumnModel, cell string) error {
	typ := table.ColumnType(col.ColumnType)
	if _, err := table.ParseValue(typ, cell); err != nil {
		return err
	}
	switch typ {
	case table.TypeString:
		limit := col.MaximumSize
		if limit <= 0 {
			limit = defaultMaxSize
		}
		if utf8.RuneCountInString(cell) > limit {
			return errors.Errorf("value exceeds the maximum size of %d", limit)
		}
	case table.TypeFileHandleID:
		if _, err := e.Store.GetFileHandle(ctx, cell); err != nil {
			return errors.Wrapf(err, "file handle %s", cell)
		}
	}
	return nil
}

// --- Table files ---

func handleTableFileHandles(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rowReferenceSet
		if !decodeBody(w, r, &req) {
			return
		}
		ctx := r.Context()
		ent, cols, err := e.tableEntity(ctx, chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err)
			return
		}

		headers := make([]storage.ColumnModel, len(req.Headers))
		for i, h := range req.Headers {
			col, ok := findColumn(cols, h.ID)
			if !ok {
				httpError(w, http.StatusNotFound, "column %s is not part of %s", h.ID, ent.ID)
				return
			}
			if col.ColumnType != string(table.TypeFileHandleID) {
				httpError(w, http.StatusBadRequest, "column %q is not a FILEHANDLEID column", col.Name)
				return
			}
			headers[i] = col
		}

		type handleList struct {
			List []*synapse.FileHandle `json:"list"`
		}
		rows := make([]handleList, len(req.Rows))
		for i, ref := range req.Rows {
			row, err := e.Store.Row(ctx, ent.ID, ref.RowID, ref.VersionNumber)
			if err != nil {
				storeError(w, errors.Wrapf(err, "row %d version %d", ref.RowID, ref.VersionNumber))
				return
			}
			list := make([]*synapse.FileHandle, len(headers))
			for j, col := range headers {
				id, ok := row.Values[col.ID]
				if !ok {
					continue
				}
				fh, err := e.Store.GetFileHandle(ctx, id)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					storeError(w, err)
					return
				}
				list[j] = toWireHandle(fh)
			}
			rows[i] = handleList{List: list}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"concreteType": "org.sagebionetworks.repo.model.table.TableFileHandleResults",
			"tableId":      ent.ID,
			"headers":      req.Headers,
			"rows":         rows,
		})
	}
}

// handleTableFile resolves one table cell to a download URL. With
// redirect=false the URL is returned as text, otherwise the client is
// redirected to it.
func handleTableFile(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rowID, err1 := strconv.ParseInt(chi.URLParam(r, "rowID"), 10, 64)
		version, err2 := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
		if err1 != nil || err2 != nil {
			httpError(w, http.StatusBadRequest, "invalid row reference")
			return
		}
		ent, cols, err := e.tableEntity(ctx, chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err)
			return
		}
		col, ok := findColumn(cols, chi.URLParam(r, "columnID"))
		if !ok || col.ColumnType != string(table.TypeFileHandleID) {
			httpError(w, http.StatusNotFound, "no file column %s in %s", chi.URLParam(r, "columnID"), ent.ID)
			return
		}
		row, err := e.Store.Row(ctx, ent.ID, rowID, version)
		if err != nil {
			storeError(w, errors.Wrapf(err, "row %d version %d", rowID, version))
			return
		}
		id, ok := row.Values[col.ID]
		if !ok {
			httpError(w, http.StatusNotFound, "row %d has no file in %q", rowID, col.Name)
			return
		}
		fh, err := e.Store.GetFileHandle(ctx, id)
		if err != nil {
			storeError(w, err)
			return
		}

		signed := e.downloadURL(r, fh)
		if r.URL.Query().Get("redirect") == "false" {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(signed))
			return
		}
		http.Redirect(w, r, signed, http.StatusTemporaryRedirect)
	}
}

func (e *emulator) downloadURL(r *http.Request, fh storage.FileHandle) string {
	return e.baseURL(r) + "/file/v1/download/" + fh.ID + "/" + url.PathEscape(fh.FileName) + "?sig=" + url.QueryEscape(fh.Signature)
}

func findColumn(cols []storage.ColumnModel, id string) (storage.ColumnModel, bool) {
	for _, c := range cols {
		if c.ID == id {
			return c, true
		}
	}
	return storage.ColumnModel{}, false
}
