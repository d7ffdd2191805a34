package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- File handles ---

// CreateFileHandle stores content as a new file handle owned by userID.
func (s *Store) CreateFileHandle(ctx context.Context, userID int64, fileName, contentType string, content []byte) (FileHandle, error) {
	id, err := insertFileHandle(ctx, s.db, userID, fileName, contentType, content)
	if err != nil {
		return FileHandle{}, err
	}
	return s.GetFileHandle(ctx, id)
}

func insertFileHandle(ctx context.Context, db execer, userID int64, fileName, contentType string, content []byte) (string, error) {
	if fileName == "" {
		return "", errors.Wrap(ErrInvalid, "file name is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if content == nil {
		content = []byte{}
	}
	sum := md5.Sum(content)
	res, err := db.ExecContext(ctx, `
		INSERT INTO file_handles (file_name, content_type, content_md5, content_size, content, signature, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fileName, contentType, hex.EncodeToString(sum[:]), len(content), content, uuid.NewString(), userID, now(),
	)
	if err != nil {
		return "", err
	}
	n, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n, 10), nil
}

func (s *Store) GetFileHandle(ctx context.Context, id string) (FileHandle, error) {
	var fh FileHandle
	var n int64
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_name, content_type, content_md5, content_size, signature, created_by, created_at
		FROM file_handles WHERE id = ?`, id,
	).Scan(&n, &fh.FileName, &fh.ContentType, &fh.ContentMD5, &fh.ContentSize, &fh.Signature, &fh.CreatedBy, &createdAt)
	if err == sql.ErrNoRows {
		return FileHandle{}, ErrNotFound
	}
	if err != nil {
		return FileHandle{}, err
	}
	fh.ID = strconv.FormatInt(n, 10)
	fh.CreatedAt = parseTime(createdAt)
	return fh, nil
}

// FileContent returns the bytes of a file handle. The signature handed out
// in its download URL must match.
func (s *Store) FileContent(ctx context.Context, id, signature string) (FileHandle, []byte, error) {
	fh, err := s.GetFileHandle(ctx, id)
	if err != nil {
		return FileHandle{}, nil, err
	}
	if signature == "" || signature != fh.Signature {
		return FileHandle{}, nil, ErrNotFound
	}
	var content []byte
	if err := s.db.QueryRowContext(ctx, `SELECT content FROM file_handles WHERE id = ?`, id).Scan(&content); err != nil {
		return FileHandle{}, nil, err
	}
	return fh, content, nil
}

// --- Uploads ---

// StartUpload begins a multipart upload. An unfinished or completed upload
// of the same user, checksum, name, size and part size is returned instead
// of a new one so interrupted uploads resume.
func (s *Store) StartUpload(ctx context.Context, u Upload) (Upload, error) {
	if u.FileName == "" || u.ContentMD5 == "" {
		return Upload{}, errors.Wrap(ErrInvalid, "file name and checksum are required")
	}
	if u.PartSize <= 0 || u.FileSize < 0 {
		return Upload{}, errors.Wrapf(ErrInvalid, "bad sizes: file %d, part %d", u.FileSize, u.PartSize)
	}

	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM uploads
		WHERE user_id = ? AND content_md5 = ? AND file_name = ? AND file_size = ? AND part_size = ?
		ORDER BY created_at DESC LIMIT 1`,
		u.UserID, strings.ToLower(u.ContentMD5), u.FileName, u.FileSize, u.PartSize,
	).Scan(&existing)
	if err == nil {
		return s.GetUpload(ctx, existing)
	}
	if err != sql.ErrNoRows {
		return Upload{}, err
	}

	parts := int((u.FileSize + u.PartSize - 1) / u.PartSize)
	if parts < 1 {
		parts = 1
	}
	id := uuid.NewString()
	if u.ContentType == "" {
		u.ContentType = "application/octet-stream"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO uploads (id, user_id, file_name, content_type, content_md5, file_size, part_size, parts, signature, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, u.UserID, u.FileName, u.ContentType, strings.ToLower(u.ContentMD5), u.FileSize, u.PartSize, parts,
		uuid.NewString(), UploadUploading, now(),
	)
	if err != nil {
		return Upload{}, err
	}
	return s.GetUpload(ctx, id)
}

// GetUpload returns an upload with its PartsState filled in.
func (s *Store) GetUpload(ctx context.Context, id string) (Upload, error) {
	var u Upload
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, file_name, content_type, content_md5, file_size, part_size, parts, signature, state, result_handle
		FROM uploads WHERE id = ?`, id,
	).Scan(&u.ID, &u.UserID, &u.FileName, &u.ContentType, &u.ContentMD5, &u.FileSize, &u.PartSize, &u.Parts, &u.Signature, &u.State, &u.ResultHandle)
	if err == sql.ErrNoRows {
		return Upload{}, ErrNotFound
	}
	if err != nil {
		return Upload{}, err
	}

	state := bytes.Repeat([]byte{'0'}, u.Parts)
	if u.State == UploadCompleted {
		state = bytes.Repeat([]byte{'1'}, u.Parts)
	} else {
		rows, err := s.db.QueryContext(ctx, `SELECT part_number FROM upload_parts WHERE upload_id = ? AND added = 1`, id)
		if err != nil {
			return Upload{}, err
		}
		defer rows.Close()
		for rows.Next() {
			var n int
			if err := rows.Scan(&n); err != nil {
				return Upload{}, err
			}
			if n >= 1 && n <= u.Parts {
				state[n-1] = '1'
			}
		}
		if err := rows.Err(); err != nil {
			return Upload{}, err
		}
	}
	u.PartsState = string(state)
	return u, nil
}

// PutPart stores the bytes of part n, replacing any earlier attempt. The
// part is not counted until AddPart confirms its checksum.
func (s *Store) PutPart(ctx context.Context, uploadID string, n int, signature string, data []byte) error {
	u, err := s.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if signature == "" || signature != u.Signature {
		return ErrNotFound
	}
	if u.State != UploadUploading {
		return errors.Wrapf(ErrInvalid, "upload %s is %s", uploadID, u.State)
	}
	if n < 1 || n > u.Parts {
		return errors.Wrapf(ErrInvalid, "part %d out of range 1..%d", n, u.Parts)
	}
	if data == nil {
		data = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upload_parts (upload_id, part_number, data, added) VALUES (?, ?, ?, 0)
		ON CONFLICT(upload_id, part_number) DO UPDATE SET data = excluded.data, added = 0`,
		uploadID, n, data,
	)
	return err
}

// AddPart marks part n as received once its stored bytes hash to md5Hex.
func (s *Store) AddPart(ctx context.Context, uploadID string, n int, md5Hex string) error {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM upload_parts WHERE upload_id = ? AND part_number = ?`, uploadID, n).Scan(&data)
	if err == sql.ErrNoRows {
		return errors.Wrapf(ErrInvalid, "part %d of %s was never uploaded", n, uploadID)
	}
	if err != nil {
		return err
	}
	sum := md5.Sum(data)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, md5Hex) {
		return errors.Wrapf(ErrInvalid, "part %d checksum %s does not match %s", n, got, md5Hex)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE upload_parts SET added = 1 WHERE upload_id = ? AND part_number = ?`, uploadID, n)
	return err
}

// CompleteUpload joins the parts of an upload into a new file handle. Every
// part must have been added and the whole file must match the checksum
// given at the start. Completing a completed upload returns it unchanged.
func (s *Store) CompleteUpload(ctx context.Context, uploadID string) (Upload, error) {
	u, err := s.GetUpload(ctx, uploadID)
	if err != nil {
		return Upload{}, err
	}
	if u.State == UploadCompleted {
		return u, nil
	}
	if strings.Contains(u.PartsState, "0") {
		return Upload{}, errors.Wrapf(ErrInvalid, "upload %s is missing parts: %s", uploadID, u.PartsState)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Upload{}, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT data FROM upload_parts WHERE upload_id = ? ORDER BY part_number ASC`, uploadID)
	if err != nil {
		return Upload{}, err
	}
	var content bytes.Buffer
	for rows.Next() {
		var part []byte
		if err := rows.Scan(&part); err != nil {
			rows.Close()
			return Upload{}, err
		}
		content.Write(part)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Upload{}, err
	}

	sum := md5.Sum(content.Bytes())
	if got := hex.EncodeToString(sum[:]); got != u.ContentMD5 {
		return Upload{}, errors.Wrapf(ErrInvalid, "file checksum %s does not match %s", got, u.ContentMD5)
	}
	if int64(content.Len()) != u.FileSize {
		return Upload{}, errors.Wrapf(ErrInvalid, "file is %d bytes, expected %d", content.Len(), u.FileSize)
	}

	handle, err := insertFileHandle(ctx, tx, u.UserID, u.FileName, u.ContentType, content.Bytes())
	if err != nil {
		return Upload{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE uploads SET state = ?, result_handle = ? WHERE id = ?`, UploadCompleted, handle, uploadID); err != nil {
		return Upload{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_parts WHERE upload_id = ?`, uploadID); err != nil {
		return Upload{}, err
	}
	if err := tx.Commit(); err != nil {
		return Upload{}, err
	}
	return s.GetUpload(ctx, uploadID)
}
