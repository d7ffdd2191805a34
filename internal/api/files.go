package api

import (
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/kalambet/mhx/internal/storage"
	"github.com/kalambet/mhx/internal/synapse"
)

func toWireHandle(fh storage.FileHandle) *synapse.FileHandle {
	return &synapse.FileHandle{
		ID:          fh.ID,
		FileName:    fh.FileName,
		ContentType: fh.ContentType,
		ContentMD5:  fh.ContentMD5,
		ContentSize: fh.ContentSize,
	}
}

func toStatus(u storage.Upload) synapse.MultipartStatus {
	return synapse.MultipartStatus{
		UploadID:           u.ID,
		State:              u.State,
		PartsState:         u.PartsState,
		ResultFileHandleID: u.ResultHandle,
	}
}

func handleGetFileHandle(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fh, err := e.Store.GetFileHandle(r.Context(), chi.URLParam(r, "handleID"))
		if err != nil {
			storeError(w, err)
			return
		}
		if fh.CreatedBy != userFrom(r.Context()).ID {
			httpError(w, http.StatusForbidden, "only the creator can read file handle %s", fh.ID)
			return
		}
		writeJSON(w, http.StatusOK, toWireHandle(fh))
	}
}

// handleDownload serves the bytes behind a signed download URL.
func handleDownload(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fh, content, err := e.Store.FileContent(r.Context(), chi.URLParam(r, "handleID"), r.URL.Query().Get("sig"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusForbidden, "signature does not match")
			return
		}
		if err != nil {
			storeError(w, err)
			return
		}
		w.Header().Set("Content-Type", fh.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(fh.ContentSize, 10))
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fh.FileName}))
		w.Write(content)
	}
}

// --- Multipart upload ---

func handleStartUpload(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ContentMD5Hex string `json:"contentMD5Hex"`
			FileName      string `json:"fileName"`
			FileSizeBytes int64  `json:"fileSizeBytes"`
			PartSizeBytes int64  `json:"partSizeBytes"`
			ContentType   string `json:"contentType"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		u, err := e.Store.StartUpload(r.Context(), storage.Upload{
			UserID:      userFrom(r.Context()).ID,
			FileName:    req.FileName,
			ContentType: req.ContentType,
			ContentMD5:  req.ContentMD5Hex,
			FileSize:    req.FileSizeBytes,
			PartSize:    req.PartSizeBytes,
		})
		if err != nil {
			storeError(w, err)
			return
		}
		e.logger.Debug("emulator: upload started", "upload", u.ID, "file", u.FileName, "parts", u.Parts, "state", u.PartsState)
		writeJSON(w, http.StatusCreated, toStatus(u))
	}
}

// ownUpload loads the upload in the URL and checks it belongs to the caller.
func (e *emulator) ownUpload(w http.ResponseWriter, r *http.Request) (storage.Upload, bool) {
	u, err := e.Store.GetUpload(r.Context(), chi.URLParam(r, "uploadID"))
	if err == nil && u.UserID != userFrom(r.Context()).ID {
		err = storage.ErrNotFound
	}
	if err != nil {
		storeError(w, errors.Wrapf(err, "upload %s", chi.URLParam(r, "uploadID")))
		return storage.Upload{}, false
	}
	return u, true
}

func handlePresign(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := e.ownUpload(w, r)
		if !ok {
			return
		}
		var req struct {
			PartNumbers []int `json:"partNumbers"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		type presigned struct {
			PartNumber    int               `json:"partNumber"`
			URL           string            `json:"uploadPresignedUrl"`
			SignedHeaders map[string]string `json:"signedHeaders"`
		}
		urls := make([]presigned, len(req.PartNumbers))
		for i, n := range req.PartNumbers {
			if n < 1 || n > u.Parts {
				httpError(w, http.StatusBadRequest, "part %d out of range 1..%d", n, u.Parts)
				return
			}
			urls[i] = presigned{
				PartNumber:    n,
				URL:           e.baseURL(r) + "/file/v1/upload/" + u.ID + "/" + strconv.Itoa(n) + "?sig=" + url.QueryEscape(u.Signature),
				SignedHeaders: map[string]string{"Content-Type": "application/octet-stream"},
			}
		}
		writeJSON(w, http.StatusCreated, map[string]any{"partPresignedUrls": urls})
	}
}

// handlePartUpload receives the bytes of one part at its pre-signed URL.
func handlePartUpload(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(chi.URLParam(r, "part"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid part number")
			return
		}
		u, err := e.Store.GetUpload(r.Context(), chi.URLParam(r, "uploadID"))
		if err != nil {
			httpError(w, http.StatusForbidden, "signature does not match")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, u.PartSize)
		data, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			httpError(w, http.StatusBadRequest, "reading part: %v", err)
			return
		}

		err = e.Store.PutPart(r.Context(), u.ID, n, r.URL.Query().Get("sig"), data)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusForbidden, "signature does not match")
			return
		}
		if err != nil {
			storeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func handleAddPart(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := e.ownUpload(w, r)
		if !ok {
			return
		}
		n, err := strconv.Atoi(chi.URLParam(r, "part"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid part number")
			return
		}

		resp := map[string]any{
			"uploadId":     u.ID,
			"partNumber":   n,
			"addPartState": "ADD_SUCCESS",
		}
		err = e.Store.AddPart(r.Context(), u.ID, n, r.URL.Query().Get("partMD5Hex"))
		if errors.Is(err, storage.ErrInvalid) {
			resp["addPartState"] = "ADD_FAILED"
			resp["errorMessage"] = err.Error()
		} else if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleCompleteUpload(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := e.ownUpload(w, r)
		if !ok {
			return
		}
		done, err := e.Store.CompleteUpload(r.Context(), u.ID)
		if err != nil {
			storeError(w, err)
			return
		}
		e.logger.Debug("emulator: upload completed", "upload", done.ID, "handle", done.ResultHandle)
		writeJSON(w, http.StatusOK, toStatus(done))
	}
}
