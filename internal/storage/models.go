package storage

import (
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with existing state:
	// a duplicate entity name or a stale etag.
	ErrConflict = errors.New("conflict")
	// ErrInvalid is returned for writes the emulator refuses, such as a part
	// whose checksum does not match.
	ErrInvalid = errors.New("invalid")
)

// Upload states.
const (
	UploadUploading = "UPLOADING"
	UploadCompleted = "COMPLETED"
)

type User struct {
	ID        int64
	UserName  string
	CreatedAt time.Time
}

// Entity is a project, folder or table. ID carries the "syn" prefix.
type Entity struct {
	ID           string
	Name         string
	ParentID     string
	ConcreteType string
	Etag         string
	ColumnIDs    []string
	RowVersion   int64
	CreatedBy    int64
	ModifiedAt   time.Time
}

type ColumnModel struct {
	ID          string
	Name        string
	ColumnType  string
	MaximumSize int
}

// TableRow is one stored row. Values maps column model IDs to cell text;
// a column without an entry is null.
type TableRow struct {
	RowID   int64
	Version int64
	Values  map[string]string
}

type FileHandle struct {
	ID          string
	FileName    string
	ContentType string
	ContentMD5  string
	ContentSize int64
	Signature   string
	CreatedBy   int64
	CreatedAt   time.Time
}

// Upload is a multipart upload. PartsState has one '0' or '1' per part.
type Upload struct {
	ID           string
	UserID       int64
	FileName     string
	ContentType  string
	ContentMD5   string
	FileSize     int64
	PartSize     int64
	Parts        int
	PartsState   string
	Signature    string
	State        string
	ResultHandle string
}

// Job is a finished asynchronous job. Exactly one of Response and Error is
// set.
type Job struct {
	Token     string
	UserID    int64
	Response  string
	Error     string
	CreatedAt time.Time
}
