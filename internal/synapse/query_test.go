package synapse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/mhx/internal/table"
)

func TestQueryTable(t *testing.T) {
	srv, mux := newTestServer(t)

	var polls atomic.Int32
	mux.HandleFunc("POST /repo/v1/entity/syn5/table/query/async/start", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		query, _ := body["query"].(map[string]any)
		assert.Equal(t, "select * from syn5", query["sql"])
		writeJSON(t, w, http.StatusCreated, map[string]string{"token": "job-1"})
	})
	mux.HandleFunc("GET /repo/v1/entity/syn5/table/query/async/get/job-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			writeJSON(t, w, http.StatusAccepted, map[string]string{"jobState": "PROCESSING"})
			return
		}
		fmt.Fprint(w, `{
			"queryResult": {
				"queryResults": {
					"tableId": "syn5",
					"headers": [
						{"id": "11", "name": "recordId", "columnType": "STRING"},
						{"id": "12", "name": "audio", "columnType": "FILEHANDLEID"},
						{"id": "13", "name": "createdOn", "columnType": "DATE"},
						{"id": "14", "name": "score", "columnType": "DOUBLE"}
					],
					"rows": [
						{"rowId": 7, "versionNumber": 2, "values": ["r1", "3579", "1433894400000", "0.5"]},
						{"rowId": 9, "versionNumber": 1, "values": ["r2", null, null, "NaN"]}
					]
				},
				"nextPageToken": {"token": "page-2"}
			},
			"columnModels": [{"id": "11", "name": "recordId", "columnType": "STRING", "maximumSize": 36}]
		}`)
	})
	mux.HandleFunc("POST /repo/v1/entity/syn5/table/query/nextPage/async/start", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "page-2", body["token"])
		writeJSON(t, w, http.StatusCreated, map[string]string{"token": "job-2"})
	})
	mux.HandleFunc("GET /repo/v1/entity/syn5/table/query/nextPage/async/get/job-2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"queryResults": {"tableId": "syn5", "rows": [
			{"rowId": 12, "versionNumber": 4, "values": ["r3", "3580", "0", "1"]}
		]}}`)
	})

	s := openTest(t, srv)
	tbl, err := s.QueryTable(context.Background(), "syn5")
	require.NoError(t, err)

	assert.Equal(t, []string{"recordId", "audio", "createdOn", "score"}, tbl.ColumnNames())
	assert.Equal(t, 36, tbl.Columns[0].MaxSize)
	assert.Equal(t, "12", tbl.Columns[1].ID)
	require.Equal(t, 3, tbl.Len())
	assert.Equal(t, []int64{7, 9, 12}, tbl.Index)

	r0 := tbl.Rows[0]
	assert.Equal(t, int64(7), r0.ID)
	assert.Equal(t, int64(2), r0.Version)
	assert.Equal(t, []any{"r1", "3579", int64(1433894400000), 0.5}, r0.Values)

	assert.Nil(t, tbl.Rows[1].Values[1])
	assert.Nil(t, tbl.Rows[1].Values[2])
	assert.Equal(t, int64(4), tbl.Rows[2].Version)
	assert.Equal(t, 1.0, tbl.Rows[2].Values[3])
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestQueryTable_UnknownTable(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("POST /repo/v1/entity/syn404/table/query/async/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]string{"reason": "The resource you are attempting to access cannot be found"})
	})
	s := openTest(t, srv)

	_, err := s.QueryTable(context.Background(), "syn404")
	require.ErrorIs(t, err, ErrRemoteQuery)
	assert.Contains(t, err.Error(), "syn404")
	assert.Contains(t, err.Error(), "cannot be found")
}

func TestQueryTable_JobFailure(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("POST /repo/v1/entity/syn6/table/query/async/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusCreated, map[string]string{"token": "j"})
	})
	mux.HandleFunc("GET /repo/v1/entity/syn6/table/query/async/get/j", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, map[string]string{"reason": "Column 'foo' does not exist"})
	})
	s := openTest(t, srv)

	_, err := s.QueryTable(context.Background(), "syn6")
	require.ErrorIs(t, err, ErrRemoteQuery)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestQueryTable_CancelWhilePolling(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("POST /repo/v1/entity/syn8/table/query/async/start", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusCreated, map[string]string{"token": "slow"})
	})
	ctx, cancel := context.WithCancel(context.Background())
	mux.HandleFunc("GET /repo/v1/entity/syn8/table/query/async/get/slow", func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.WriteHeader(http.StatusAccepted)
	})
	s := openTest(t, srv)

	_, err := s.QueryTable(ctx, "syn8")
	require.ErrorIs(t, err, ErrRemoteQuery)
	assert.Contains(t, err.Error(), "context canceled")
}

func TestColumns(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("GET /repo/v1/entity/syn3/column", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[
			{"id":"1","name":"a","columnType":"STRING","maximumSize":20},
			{"id":"2","name":"b","columnType":"INTEGER"}
		],"totalNumberOfResults":2}`)
	})
	s := openTest(t, srv)

	cols, err := s.Columns(context.Background(), "syn3")
	require.NoError(t, err)
	assert.Equal(t, []table.Column{
		{ID: "1", Name: "a", Type: table.TypeString, MaxSize: 20},
		{ID: "2", Name: "b", Type: table.TypeInteger},
	}, cols)
}
