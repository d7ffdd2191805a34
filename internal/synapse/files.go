package synapse

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/go-faster/errors"

	"github.com/kalambet/mhx/internal/table"
)

// FileHandle is the metadata of an uploaded file.
type FileHandle struct {
	ID          string `json:"id"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
	ContentMD5  string `json:"contentMd5,omitempty"`
	ContentSize int64  `json:"contentSize,omitempty"`
}

type rowReference struct {
	RowID         int64 `json:"rowId"`
	VersionNumber int64 `json:"versionNumber"`
}

type rowReferenceSet struct {
	TableID string         `json:"tableId"`
	Headers []SelectColumn `json:"headers"`
	Rows    []rowReference `json:"rows"`
}

type fileHandleResults struct {
	TableID string `json:"tableId"`
	Rows    []struct {
		List []*FileHandle `json:"list"`
	} `json:"rows"`
}

// DownloadAttachment downloads the file attached to column of the given row
// version into destDir/<handleID>/<file name> and returns the local path.
// An empty cell yields "" and no error. A file already present for the same
// handle is returned without downloading it again. An empty destDir means
// the session's cache directory.
func (s *Session) DownloadAttachment(ctx context.Context, tableID string, rowID, version int64, column, destDir string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if destDir == "" {
		destDir = s.opts.CacheDir
	}

	cols, err := s.Columns(ctx, tableID)
	if err != nil {
		return "", errors.Wrapf(ErrDownload, "%v", err)
	}
	var col *table.Column
	for i := range cols {
		if cols[i].Name == column {
			col = &cols[i]
			break
		}
	}
	if col == nil {
		return "", errors.Wrapf(table.ErrColumnNotFound, "%s has no column %q", tableID, column)
	}

	ref := rowReferenceSet{
		TableID: tableID,
		Headers: []SelectColumn{{ID: col.ID, Name: col.Name, ColumnType: string(col.Type)}},
		Rows:    []rowReference{{RowID: rowID, VersionNumber: version}},
	}
	var handles fileHandleResults
	if _, err := s.do(ctx, http.MethodPost, "/repo/v1/entity/"+tableID+"/table/filehandles", ref, &handles); err != nil {
		return "", errors.Wrapf(ErrDownload, "%s row %d.%d: %v", tableID, rowID, version, err)
	}
	if len(handles.Rows) == 0 || len(handles.Rows[0].List) == 0 || handles.Rows[0].List[0] == nil {
		return "", nil
	}
	fh := handles.Rows[0].List[0]
	if !validHandleID(fh.ID) {
		return "", errors.Wrapf(ErrDownload, "%s row %d.%d: invalid file handle id %q", tableID, rowID, version, fh.ID)
	}

	dir := filepath.Join(destDir, fh.ID)
	if fh.FileName != "" {
		cached := filepath.Join(dir, filepath.Base(fh.FileName))
		if fi, err := os.Stat(cached); err == nil && !fi.IsDir() {
			s.logger.Debug("synapse: attachment cached", "handle", fh.ID, "path", cached)
			return cached, nil
		}
	}

	p := fmt.Sprintf("/repo/v1/entity/%s/table/column/%s/row/%d/version/%d/file?redirect=false", tableID, col.ID, rowID, version)
	signed, err := s.doText(ctx, http.MethodGet, p)
	if err != nil {
		return "", errors.Wrapf(ErrDownload, "resolve handle %s: %v", fh.ID, err)
	}

	local, err := s.fetch(ctx, signed, dir, fh.FileName)
	if err != nil {
		return "", errors.Wrapf(ErrDownload, "handle %s: %v", fh.ID, err)
	}
	s.logger.Debug("synapse: downloaded attachment", "handle", fh.ID, "path", local)
	return local, nil
}

// validHandleID reports whether id is a plain decimal handle ID, safe to use
// as a directory name.
func validHandleID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// fetch streams a pre-signed URL into dir. The file name comes from name,
// then Content-Disposition, then the URL path.
func (s *Session) fetch(ctx context.Context, rawURL, dir, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	resp, err := s.transfer.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "get file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	if name == "" {
		name = fileNameFrom(resp, rawURL)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create cache dir")
	}
	dest := filepath.Join(dir, filepath.Base(name))

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "write file")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "close file")
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", errors.Wrap(err, "move file into place")
	}
	return dest, nil
}

func fileNameFrom(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "download"
}

type multipartRequest struct {
	ConcreteType  string `json:"concreteType"`
	ContentMD5Hex string `json:"contentMD5Hex"`
	FileName      string `json:"fileName"`
	FileSizeBytes int64  `json:"fileSizeBytes"`
	PartSizeBytes int64  `json:"partSizeBytes"`
	ContentType   string `json:"contentType"`
}

// MultipartStatus is the state of a multipart upload.
type MultipartStatus struct {
	UploadID           string `json:"uploadId"`
	State              string `json:"state"`
	PartsState         string `json:"partsState"`
	ResultFileHandleID string `json:"resultFileHandleId,omitempty"`
}

type presignedBatch struct {
	PartPresignedURLs []struct {
		PartNumber    int               `json:"partNumber"`
		URL           string            `json:"uploadPresignedUrl"`
		SignedHeaders map[string]string `json:"signedHeaders"`
	} `json:"partPresignedUrls"`
}

type addPartResponse struct {
	AddPartState string `json:"addPartState"`
	ErrorMessage string `json:"errorMessage"`
}

// UploadFile uploads the file at localPath with the multipart API and
// returns the new file handle ID. Parts are sent one at a time.
func (s *Session) UploadFile(ctx context.Context, localPath string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrapf(ErrUpload, "open %s: %v", localPath, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", errors.Wrapf(ErrUpload, "stat %s: %v", localPath, err)
	}
	if fi.IsDir() {
		return "", errors.Wrapf(ErrUpload, "%s is a directory", localPath)
	}

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(ErrUpload, "hash %s: %v", localPath, err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req := multipartRequest{
		ConcreteType:  "org.sagebionetworks.repo.model.file.MultipartUploadRequest",
		ContentMD5Hex: hex.EncodeToString(h.Sum(nil)),
		FileName:      filepath.Base(localPath),
		FileSizeBytes: fi.Size(),
		PartSizeBytes: s.opts.PartSize,
		ContentType:   contentType,
	}

	var status MultipartStatus
	if _, err := s.do(ctx, http.MethodPost, "/file/v1/file/multipart", req, &status); err != nil {
		return "", errors.Wrapf(ErrUpload, "start upload of %s: %v", localPath, err)
	}
	if status.State == "COMPLETED" && status.ResultFileHandleID != "" {
		return status.ResultFileHandleID, nil
	}

	parts := partCount(fi.Size(), s.opts.PartSize)
	buf := make([]byte, s.opts.PartSize)
	for n := 1; n <= parts; n++ {
		if n-1 < len(status.PartsState) && status.PartsState[n-1] == '1' {
			continue
		}
		size, err := f.ReadAt(buf, int64(n-1)*s.opts.PartSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", errors.Wrapf(ErrUpload, "read part %d of %s: %v", n, localPath, err)
		}
		if err := s.uploadPart(ctx, status.UploadID, n, buf[:size]); err != nil {
			return "", errors.Wrapf(ErrUpload, "%s part %d: %v", localPath, n, err)
		}
	}

	var done MultipartStatus
	if _, err := s.do(ctx, http.MethodPut, "/file/v1/file/multipart/"+status.UploadID+"/complete", nil, &done); err != nil {
		return "", errors.Wrapf(ErrUpload, "complete upload of %s: %v", localPath, err)
	}
	if done.ResultFileHandleID == "" {
		return "", errors.Wrapf(ErrUpload, "upload of %s finished in state %q without a file handle", localPath, done.State)
	}
	s.logger.Info("synapse: uploaded file", "path", localPath, "handle", done.ResultFileHandleID, "parts", parts)
	return done.ResultFileHandleID, nil
}

func (s *Session) uploadPart(ctx context.Context, uploadID string, n int, data []byte) error {
	var batch presignedBatch
	body := map[string]any{"uploadId": uploadID, "partNumbers": []int{n}}
	if _, err := s.do(ctx, http.MethodPost, "/file/v1/file/multipart/"+uploadID+"/presigned/url/batch", body, &batch); err != nil {
		return errors.Wrap(err, "presign")
	}
	if len(batch.PartPresignedURLs) == 0 {
		return errors.New("presign: no url returned")
	}
	pre := batch.PartPresignedURLs[0]

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, pre.URL, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "create part request")
	}
	req.ContentLength = int64(len(data))
	for k, v := range pre.SignedHeaders {
		req.Header.Set(k, v)
	}
	resp, err := s.transfer.Do(req)
	if err != nil {
		return errors.Wrap(err, "put part")
	}
	if resp.StatusCode/100 != 2 {
		err := statusError(resp)
		resp.Body.Close()
		return errors.Wrap(err, "put part")
	}
	resp.Body.Close()

	sum := md5.Sum(data)
	addPath := "/file/v1/file/multipart/" + uploadID + "/add/" + strconv.Itoa(n) + "?partMD5Hex=" + hex.EncodeToString(sum[:])
	var added addPartResponse
	if _, err := s.do(ctx, http.MethodPut, addPath, nil, &added); err != nil {
		return errors.Wrap(err, "add part")
	}
	if added.AddPartState != "ADD_SUCCESS" {
		return errors.Errorf("add part: %s %s", added.AddPartState, added.ErrorMessage)
	}
	return nil
}

func partCount(size, partSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + partSize - 1) / partSize)
}
