package synapse

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"

	"github.com/kalambet/mhx/internal/table"
)

// Query bundle part mask: query results, select columns, column models.
const queryPartMask = 0x1 | 0x4 | 0x10

// ColumnModel is the wire form of a column.
type ColumnModel struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	ColumnType  string `json:"columnType"`
	MaximumSize int    `json:"maximumSize,omitempty"`
}

// SelectColumn is a query result header.
type SelectColumn struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	ColumnType string `json:"columnType"`
}

// WireRow is one row of a RowSet. Null cells are nil.
type WireRow struct {
	RowID         *int64    `json:"rowId,omitempty"`
	VersionNumber *int64    `json:"versionNumber,omitempty"`
	Values        []*string `json:"values"`
}

// RowSet is a page of rows with its headers.
type RowSet struct {
	ConcreteType string         `json:"concreteType,omitempty"`
	TableID      string         `json:"tableId"`
	Etag         string         `json:"etag,omitempty"`
	Headers      []SelectColumn `json:"headers"`
	Rows         []WireRow      `json:"rows"`
}

// NextPageToken continues a paged query.
type NextPageToken struct {
	ConcreteType string `json:"concreteType,omitempty"`
	Token        string `json:"token"`
}

// QueryResult is one page of query output.
type QueryResult struct {
	ConcreteType  string         `json:"concreteType,omitempty"`
	QueryResults  RowSet         `json:"queryResults"`
	NextPageToken *NextPageToken `json:"nextPageToken,omitempty"`
}

// QueryBundle is the response to a query bundle job.
type QueryBundle struct {
	ConcreteType  string         `json:"concreteType,omitempty"`
	QueryResult   QueryResult    `json:"queryResult"`
	SelectColumns []SelectColumn `json:"selectColumns,omitempty"`
	ColumnModels  []ColumnModel  `json:"columnModels,omitempty"`
}

type asyncToken struct {
	Token string `json:"token"`
}

type paginatedColumns struct {
	Results []ColumnModel `json:"results"`
	Total   int           `json:"totalNumberOfResults"`
}

// QueryTable fetches every row of tableID with "select * from <tableID>".
// Cells are decoded into typed values and each row keeps its row ID and
// version number. The table index is set to the row IDs.
func (s *Session) QueryTable(ctx context.Context, tableID string) (*table.Table, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	body := map[string]any{
		"concreteType": "org.sagebionetworks.repo.model.table.QueryBundleRequest",
		"entityId":     tableID,
		"partMask":     queryPartMask,
		"query": map[string]any{
			"sql": "select * from " + tableID,
		},
	}
	var bundle QueryBundle
	if err := s.runJob(ctx, "/repo/v1/entity/"+tableID+"/table/query", body, &bundle); err != nil {
		return nil, errors.Wrapf(ErrRemoteQuery, "%s: %v", tableID, err)
	}

	headers := bundle.QueryResult.QueryResults.Headers
	if len(headers) == 0 {
		headers = bundle.SelectColumns
	}
	columns := make([]table.Column, len(headers))
	for i, h := range headers {
		columns[i] = table.Column{ID: h.ID, Name: h.Name, Type: table.ColumnType(h.ColumnType)}
	}
	for _, m := range bundle.ColumnModels {
		for ci := range columns {
			if columns[ci].ID == m.ID || (columns[ci].ID == "" && columns[ci].Name == m.Name) {
				columns[ci].MaxSize = m.MaximumSize
				break
			}
		}
	}

	wire := bundle.QueryResult.QueryResults.Rows
	next := bundle.QueryResult.NextPageToken
	for next != nil && next.Token != "" {
		var page QueryResult
		if err := s.runJob(ctx, "/repo/v1/entity/"+tableID+"/table/query/nextPage", next, &page); err != nil {
			return nil, errors.Wrapf(ErrRemoteQuery, "%s next page: %v", tableID, err)
		}
		wire = append(wire, page.QueryResults.Rows...)
		next = page.NextPageToken
	}

	rows := make([]table.Row, len(wire))
	index := make([]int64, len(wire))
	for i, w := range wire {
		r, err := decodeRow(columns, w)
		if err != nil {
			return nil, errors.Wrapf(ErrRemoteQuery, "%s row %d: %v", tableID, i, err)
		}
		rows[i] = r
		index[i] = r.ID
	}

	t, err := table.New(columns, rows)
	if err != nil {
		return nil, errors.Wrapf(ErrRemoteQuery, "%s: %v", tableID, err)
	}
	t.Index = index
	s.logger.Debug("synapse: queried table", "table", tableID, "rows", len(rows))
	return t, nil
}

func decodeRow(columns []table.Column, w WireRow) (table.Row, error) {
	if len(w.Values) != len(columns) {
		return table.Row{}, errors.Wrapf(table.ErrSchemaMismatch, "got %d values for %d columns", len(w.Values), len(columns))
	}
	r := table.Row{Values: make([]any, len(w.Values))}
	if w.RowID != nil {
		r.ID = *w.RowID
	}
	if w.VersionNumber != nil {
		r.Version = *w.VersionNumber
	}
	for i, cell := range w.Values {
		if cell == nil {
			continue
		}
		v, err := table.ParseValue(columns[i].Type, *cell)
		if err != nil {
			return table.Row{}, errors.Wrapf(err, "column %q", columns[i].Name)
		}
		r.Values[i] = v
	}
	return r, nil
}

// Columns returns the current column models of tableID.
func (s *Session) Columns(ctx context.Context, tableID string) ([]table.Column, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var resp paginatedColumns
	if _, err := s.do(ctx, http.MethodGet, "/repo/v1/entity/"+tableID+"/column", nil, &resp); err != nil {
		return nil, errors.Wrapf(ErrRemoteQuery, "columns of %s: %v", tableID, err)
	}
	return fromModels(resp.Results), nil
}

func fromModels(models []ColumnModel) []table.Column {
	cols := make([]table.Column, len(models))
	for i, m := range models {
		cols[i] = table.Column{ID: m.ID, Name: m.Name, Type: table.ColumnType(m.ColumnType), MaxSize: m.MaximumSize}
	}
	return cols
}

func toModels(cols []table.Column) []ColumnModel {
	models := make([]ColumnModel, len(cols))
	for i, c := range cols {
		models[i] = ColumnModel{ID: c.ID, Name: c.Name, ColumnType: string(c.Type), MaximumSize: c.MaxSize}
	}
	return models
}

// runJob starts an asynchronous job at base+"/async/start" and polls
// base+"/async/get/{token}" until it stops answering 202.
func (s *Session) runJob(ctx context.Context, base string, body, out any) error {
	var tok asyncToken
	if _, err := s.do(ctx, http.MethodPost, base+"/async/start", body, &tok); err != nil {
		return errors.Wrap(err, "start job")
	}
	if tok.Token == "" {
		return errors.New("start job: empty job token")
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		code, err := s.do(ctx, http.MethodGet, base+"/async/get/"+tok.Token, nil, out)
		if err != nil {
			return errors.Wrapf(err, "job %s", tok.Token)
		}
		if code != http.StatusAccepted {
			return nil
		}
		s.logger.Debug("synapse: job still running", "job", tok.Token)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func formatCells(values []any) []*string {
	out := make([]*string, len(values))
	for i, v := range values {
		if v == nil {
			continue
		}
		s := table.FormatValue(v)
		out[i] = &s
	}
	return out
}
