package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/mhx/internal/storage"
	"github.com/kalambet/mhx/internal/synapse"
)

// DefaultPageSize is the number of rows per query page.
const DefaultPageSize = 100

// EmulatorDeps configures the local Synapse emulator.
type EmulatorDeps struct {
	Store *storage.Store

	// PublicURL is the base of pre-signed URLs handed to clients. Empty
	// means "http://" plus the Host of the request.
	PublicURL string

	// PageSize is the number of rows per query page (DefaultPageSize if 0).
	PageSize int

	// PendingPolls is how many times a job answers 202 before its result.
	PendingPolls int
}

type emulator struct {
	EmulatorDeps
	logger *slog.Logger

	mu    sync.Mutex
	polls map[string]int
}

// NewEmulatorHandler returns an http.Handler serving the subset of the
// Synapse REST API that mhx uses.
func NewEmulatorHandler(deps EmulatorDeps) http.Handler {
	if deps.PageSize <= 0 {
		deps.PageSize = DefaultPageSize
	}
	e := &emulator{
		EmulatorDeps: deps,
		logger:       slog.Default(),
		polls:        make(map[string]int),
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Post("/auth/v1/login2", handleLogin(e))

	// Pre-signed transfer URLs carry their own signature.
	r.Get("/file/v1/download/{handleID}/{name}", handleDownload(e))
	r.Put("/file/v1/upload/{uploadID}/{part}", handlePartUpload(e))

	r.Group(func(r chi.Router) {
		r.Use(TokenAuth(deps.Store))

		r.Get("/repo/v1/userProfile", handleUserProfile)

		r.Post("/repo/v1/entity", handleCreateEntity(e))
		r.Post("/repo/v1/entity/child", handleEntityChild(e))
		r.Get("/repo/v1/entity/{id}", handleGetEntity(e))
		r.Put("/repo/v1/entity/{id}", handlePutEntity(e))
		r.Get("/repo/v1/entity/{id}/column", handleEntityColumns(e))
		r.Post("/repo/v1/column/batch", handleColumnBatch(e))

		r.Route("/repo/v1/entity/{id}/table", func(r chi.Router) {
			r.Post("/query/async/start", handleStartJob(e, runQuery))
			r.Get("/query/async/get/{token}", handleJobResult(e))
			r.Post("/query/nextPage/async/start", handleStartJob(e, runNextPage))
			r.Get("/query/nextPage/async/get/{token}", handleJobResult(e))
			r.Post("/transaction/async/start", handleStartJob(e, runTransaction))
			r.Get("/transaction/async/get/{token}", handleJobResult(e))

			r.Post("/filehandles", handleTableFileHandles(e))
			r.Get("/column/{columnID}/row/{rowID}/version/{version}/file", handleTableFile(e))
		})

		r.Post("/file/v1/file/multipart", handleStartUpload(e))
		r.Post("/file/v1/file/multipart/{uploadID}/presigned/url/batch", handlePresign(e))
		r.Put("/file/v1/file/multipart/{uploadID}/add/{part}", handleAddPart(e))
		r.Put("/file/v1/file/multipart/{uploadID}/complete", handleCompleteUpload(e))
		r.Get("/file/v1/fileHandle/{handleID}", handleGetFileHandle(e))
	})

	return r
}

func (e *emulator) baseURL(r *http.Request) string {
	if e.PublicURL != "" {
		return strings.TrimRight(e.PublicURL, "/")
	}
	return "http://" + r.Host
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// --- Auth ---

func handleLogin(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		u, err := e.Store.Authenticate(r.Context(), req.Username, req.Password)
		if err != nil {
			httpError(w, http.StatusUnauthorized, "the provided username/email and password combination is incorrect")
			return
		}
		token, err := e.Store.IssueToken(r.Context(), u.ID)
		if err != nil {
			storeError(w, err)
			return
		}
		e.logger.Debug("emulator: login", "user", u.UserName)
		writeJSON(w, http.StatusCreated, map[string]any{
			"accessToken":       token,
			"acceptsTermsOfUse": true,
		})
	}
}

func handleUserProfile(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())
	writeJSON(w, http.StatusOK, synapse.Profile{
		OwnerID:  strconv.FormatInt(u.ID, 10),
		UserName: u.UserName,
	})
}

// --- Jobs ---

// jobFunc computes the response of an asynchronous job for the table in
// the URL.
type jobFunc func(ctx context.Context, e *emulator, tableID string, body []byte) (any, error)

// handleStartJob runs the job at once and stores its outcome under a token.
// Failures are reported when the result is fetched, as the service does.
func handleStartJob(e *emulator, run jobFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			httpError(w, http.StatusBadRequest, "reading request body: %v", err)
			return
		}

		var response, jobErr string
		out, err := run(r.Context(), e, chi.URLParam(r, "id"), body)
		if err != nil {
			jobErr = err.Error()
		} else {
			b, err := json.Marshal(out)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "encoding job result: %v", err)
				return
			}
			response = string(b)
		}

		u := userFrom(r.Context())
		token, err := e.Store.SaveJob(r.Context(), u.ID, response, jobErr)
		if err != nil {
			storeError(w, err)
			return
		}
		e.logger.Debug("emulator: job started", "token", token, "path", r.URL.Path, "failed", jobErr != "")
		writeJSON(w, http.StatusCreated, map[string]string{"token": token})
	}
}

func handleJobResult(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		job, err := e.Store.GetJob(r.Context(), userFrom(r.Context()).ID, token)
		if err != nil {
			storeError(w, err)
			return
		}

		e.mu.Lock()
		pending := e.polls[token] < e.PendingPolls
		if pending {
			e.polls[token]++
		} else {
			delete(e.polls, token)
		}
		e.mu.Unlock()
		if pending {
			writeJSON(w, http.StatusAccepted, map[string]string{"jobId": token, "jobState": "PROCESSING"})
			return
		}

		if job.Error != "" {
			httpError(w, http.StatusBadRequest, "%s", job.Error)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, job.Response)
	}
}
