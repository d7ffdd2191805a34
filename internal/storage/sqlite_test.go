package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_tokens_user", "idx_table_rows_version", "idx_uploads_match"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// --- Users ---

func TestAuthenticateAndTokens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == 0 || u.UserName != "alice" {
		t.Errorf("user = %+v", u)
	}

	if _, err := s.Authenticate(ctx, "alice", "wrong"); err != ErrNotFound {
		t.Errorf("wrong password: error = %v, want ErrNotFound", err)
	}
	if _, err := s.Authenticate(ctx, "bob", "s3cret"); err != ErrNotFound {
		t.Errorf("unknown user: error = %v, want ErrNotFound", err)
	}
	got, err := s.Authenticate(ctx, "alice", "s3cret")
	if err != nil || got.ID != u.ID {
		t.Fatalf("Authenticate = %+v, %v", got, err)
	}

	token, err := s.IssueToken(ctx, u.ID)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	owner, err := s.UserForToken(ctx, token)
	if err != nil || owner.UserName != "alice" {
		t.Errorf("UserForToken = %+v, %v", owner, err)
	}
	if _, err := s.UserForToken(ctx, "nope"); err != ErrNotFound {
		t.Errorf("unknown token: error = %v, want ErrNotFound", err)
	}
}

func TestCreateUserResetsPassword(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, _ := s.CreateUser(ctx, "alice", "one")
	second, err := s.CreateUser(ctx, "alice", "two")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("user ID changed: %d -> %d", first.ID, second.ID)
	}
	if _, err := s.Authenticate(ctx, "alice", "one"); err != ErrNotFound {
		t.Errorf("old password still accepted")
	}
	if _, err := s.CreateUser(ctx, "", "x"); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty name: error = %v, want ErrInvalid", err)
	}
}

// --- Entities ---

func TestEntities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	project, err := s.CreateEntity(ctx, Entity{Name: "Voice", ConcreteType: "org.sagebionetworks.repo.model.Project"})
	if err != nil {
		t.Fatalf("CreateEntity project: %v", err)
	}
	if project.ID != "syn1" || project.Etag == "" {
		t.Errorf("project = %+v", project)
	}

	tbl, err := s.CreateEntity(ctx, Entity{Name: "features", ParentID: project.ID, ConcreteType: "table", ColumnIDs: []string{"1", "2"}})
	if err != nil {
		t.Fatalf("CreateEntity table: %v", err)
	}
	if tbl.ParentID != "syn1" || len(tbl.ColumnIDs) != 2 {
		t.Errorf("table = %+v", tbl)
	}

	if _, err := s.CreateEntity(ctx, Entity{Name: "features", ParentID: project.ID, ConcreteType: "table"}); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate name: error = %v, want ErrConflict", err)
	}
	if _, err := s.CreateEntity(ctx, Entity{Name: "x", ParentID: "syn99", ConcreteType: "table"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing parent: error = %v, want ErrNotFound", err)
	}

	id, err := s.ChildID(ctx, project.ID, "features")
	if err != nil || id != tbl.ID {
		t.Errorf("ChildID = %q, %v; want %q", id, err, tbl.ID)
	}
	if _, err := s.ChildID(ctx, project.ID, "nothing"); err != ErrNotFound {
		t.Errorf("ChildID missing: error = %v, want ErrNotFound", err)
	}

	if _, err := s.GetEntity(ctx, "not-an-id"); err != ErrNotFound {
		t.Errorf("GetEntity bad id: error = %v, want ErrNotFound", err)
	}
	if got, err := s.GetEntity(ctx, "SYN2"); err != nil || got.ID != "syn2" {
		t.Errorf("GetEntity upper case = %+v, %v", got, err)
	}
}

func TestUpdateEntityEtag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e, _ := s.CreateEntity(ctx, Entity{Name: "t", ConcreteType: "table", ColumnIDs: []string{"1"}})

	e.ColumnIDs = []string{"3", "4"}
	updated, err := s.UpdateEntity(ctx, e)
	if err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}
	if len(updated.ColumnIDs) != 2 || updated.ColumnIDs[0] != "3" {
		t.Errorf("ColumnIDs = %v", updated.ColumnIDs)
	}
	if updated.Etag == e.Etag {
		t.Error("etag did not change")
	}

	// e still carries the old etag.
	if _, err := s.UpdateEntity(ctx, e); !errors.Is(err, ErrConflict) {
		t.Errorf("stale etag: error = %v, want ErrConflict", err)
	}
}

// --- Columns and rows ---

func TestColumnsKeepOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateColumns(ctx, []ColumnModel{
		{Name: "healthCode", ColumnType: "STRING", MaximumSize: 36},
		{Name: "audio", ColumnType: "FILEHANDLEID"},
	})
	if err != nil {
		t.Fatalf("CreateColumns: %v", err)
	}
	if created[0].ID == "" || created[0].ID == created[1].ID {
		t.Fatalf("column ids = %q, %q", created[0].ID, created[1].ID)
	}

	got, err := s.Columns(ctx, []string{created[1].ID, created[0].ID})
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if got[0].Name != "audio" || got[1].Name != "healthCode" || got[1].MaximumSize != 36 {
		t.Errorf("Columns = %+v", got)
	}

	if _, err := s.Columns(ctx, []string{"404"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown column: error = %v, want ErrNotFound", err)
	}
	if _, err := s.CreateColumns(ctx, []ColumnModel{{Name: "x"}}); !errors.Is(err, ErrInvalid) {
		t.Errorf("missing type: error = %v, want ErrInvalid", err)
	}
}

func TestAppendAndReadRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tbl, _ := s.CreateEntity(ctx, Entity{Name: "t", ConcreteType: "table", ColumnIDs: []string{"1", "2"}})

	v1, first, err := s.AppendRows(ctx, tbl.ID, []map[string]string{
		{"1": "a", "2": "10"},
		{"1": "b"},
	})
	if err != nil {
		t.Fatalf("AppendRows: %v", err)
	}
	v2, next, err := s.AppendRows(ctx, tbl.ID, []map[string]string{{"1": "c", "2": "30"}})
	if err != nil {
		t.Fatalf("AppendRows: %v", err)
	}
	if v1 != 1 || v2 != 2 {
		t.Errorf("versions = %d, %d; want 1, 2", v1, v2)
	}
	if first != 1 || next != 3 {
		t.Errorf("first row ids = %d, %d; want 1, 3", first, next)
	}

	rows, err := s.Rows(ctx, tbl.ID, 0, 0)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	if rows[2].RowID != 3 || rows[2].Version != 2 || rows[2].Values["1"] != "c" {
		t.Errorf("rows[2] = %+v", rows[2])
	}
	if _, ok := rows[1].Values["2"]; ok {
		t.Errorf("null cell stored: %+v", rows[1].Values)
	}

	page, err := s.Rows(ctx, tbl.ID, 1, 1)
	if err != nil || len(page) != 1 || page[0].RowID != 2 {
		t.Errorf("Rows(limit 1, offset 1) = %+v, %v", page, err)
	}
	if n, err := s.CountRows(ctx, tbl.ID); err != nil || n != 3 {
		t.Errorf("CountRows = %d, %v", n, err)
	}

	r, err := s.Row(ctx, tbl.ID, 1, 1)
	if err != nil || r.Values["2"] != "10" {
		t.Errorf("Row(1, 1) = %+v, %v", r, err)
	}
	if _, err := s.Row(ctx, tbl.ID, 1, 2); err != ErrNotFound {
		t.Errorf("Row at wrong version: error = %v, want ErrNotFound", err)
	}

	after, _ := s.GetEntity(ctx, tbl.ID)
	if after.RowVersion != 2 || after.Etag == tbl.Etag {
		t.Errorf("entity after append = %+v", after)
	}
}

// --- Files ---

func TestFileHandleContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fh, err := s.CreateFileHandle(ctx, 1, "tap.wav", "", []byte("RIFF"))
	if err != nil {
		t.Fatalf("CreateFileHandle: %v", err)
	}
	if fh.ContentMD5 != md5Hex([]byte("RIFF")) || fh.ContentSize != 4 || fh.ContentType != "application/octet-stream" {
		t.Errorf("handle = %+v", fh)
	}

	if _, _, err := s.FileContent(ctx, fh.ID, "bad"); err != ErrNotFound {
		t.Errorf("bad signature: error = %v, want ErrNotFound", err)
	}
	_, content, err := s.FileContent(ctx, fh.ID, fh.Signature)
	if err != nil || string(content) != "RIFF" {
		t.Errorf("FileContent = %q, %v", content, err)
	}
}

func TestMultipartUpload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data := []byte("0123456789")
	u, err := s.StartUpload(ctx, Upload{UserID: 1, FileName: "a.bin", ContentMD5: md5Hex(data), FileSize: 10, PartSize: 4})
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}
	if u.Parts != 3 || u.PartsState != "000" || u.State != UploadUploading {
		t.Fatalf("upload = %+v", u)
	}

	if err := s.PutPart(ctx, u.ID, 1, "wrong", data[:4]); err != ErrNotFound {
		t.Errorf("bad signature: error = %v, want ErrNotFound", err)
	}
	if err := s.PutPart(ctx, u.ID, 4, u.Signature, nil); !errors.Is(err, ErrInvalid) {
		t.Errorf("part out of range: error = %v, want ErrInvalid", err)
	}

	if err := s.PutPart(ctx, u.ID, 1, u.Signature, data[:4]); err != nil {
		t.Fatalf("PutPart 1: %v", err)
	}
	if err := s.AddPart(ctx, u.ID, 1, md5Hex([]byte("nope"))); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad part checksum: error = %v, want ErrInvalid", err)
	}
	if err := s.AddPart(ctx, u.ID, 1, md5Hex(data[:4])); err != nil {
		t.Fatalf("AddPart 1: %v", err)
	}

	// An interrupted upload resumes with part 1 already counted.
	resumed, err := s.StartUpload(ctx, Upload{UserID: 1, FileName: "a.bin", ContentMD5: md5Hex(data), FileSize: 10, PartSize: 4})
	if err != nil {
		t.Fatalf("StartUpload again: %v", err)
	}
	if resumed.ID != u.ID || resumed.PartsState != "100" {
		t.Errorf("resumed = %+v", resumed)
	}

	if _, err := s.CompleteUpload(ctx, u.ID); !errors.Is(err, ErrInvalid) {
		t.Errorf("incomplete: error = %v, want ErrInvalid", err)
	}

	for n, part := range map[int][]byte{2: data[4:8], 3: data[8:]} {
		if err := s.PutPart(ctx, u.ID, n, u.Signature, part); err != nil {
			t.Fatalf("PutPart %d: %v", n, err)
		}
		if err := s.AddPart(ctx, u.ID, n, md5Hex(part)); err != nil {
			t.Fatalf("AddPart %d: %v", n, err)
		}
	}

	done, err := s.CompleteUpload(ctx, u.ID)
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	if done.State != UploadCompleted || done.ResultHandle == "" || done.PartsState != "111" {
		t.Errorf("done = %+v", done)
	}

	fh, err := s.GetFileHandle(ctx, done.ResultHandle)
	if err != nil {
		t.Fatalf("GetFileHandle: %v", err)
	}
	_, content, err := s.FileContent(ctx, fh.ID, fh.Signature)
	if err != nil || string(content) != string(data) {
		t.Errorf("content = %q, %v", content, err)
	}

	again, err := s.CompleteUpload(ctx, u.ID)
	if err != nil || again.ResultHandle != done.ResultHandle {
		t.Errorf("second CompleteUpload = %+v, %v", again, err)
	}
}

func TestCompleteUploadChecksMD5(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, _ := s.StartUpload(ctx, Upload{UserID: 1, FileName: "a.bin", ContentMD5: md5Hex([]byte("abc")), FileSize: 3, PartSize: 8})
	s.PutPart(ctx, u.ID, 1, u.Signature, []byte("xyz"))
	if err := s.AddPart(ctx, u.ID, 1, md5Hex([]byte("xyz"))); err != nil {
		t.Fatalf("AddPart: %v", err)
	}
	if _, err := s.CompleteUpload(ctx, u.ID); !errors.Is(err, ErrInvalid) {
		t.Errorf("error = %v, want ErrInvalid", err)
	}
}

// --- Jobs ---

func TestJobsAreScopedToUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	token, err := s.SaveJob(ctx, 7, `{"ok":true}`, "")
	if err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	j, err := s.GetJob(ctx, 7, token)
	if err != nil || j.Response != `{"ok":true}` || j.Error != "" {
		t.Errorf("GetJob = %+v, %v", j, err)
	}
	if _, err := s.GetJob(ctx, 8, token); err != ErrNotFound {
		t.Errorf("other user: error = %v, want ErrNotFound", err)
	}
}
