package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/kalambet/mhx/internal/storage"
	"github.com/kalambet/mhx/internal/synapse"
	"github.com/kalambet/mhx/internal/table"
)

const (
	ProjectType = "org.sagebionetworks.repo.model.Project"
	FolderType  = "org.sagebionetworks.repo.model.Folder"
	TableType   = "org.sagebionetworks.repo.model.table.TableEntity"
)

func toWireEntity(e storage.Entity) synapse.Entity {
	return synapse.Entity{
		ID:           e.ID,
		Name:         e.Name,
		ParentID:     e.ParentID,
		ConcreteType: e.ConcreteType,
		Etag:         e.Etag,
		ColumnIDs:    e.ColumnIDs,
	}
}

func toWireColumns(models []storage.ColumnModel) []synapse.ColumnModel {
	out := make([]synapse.ColumnModel, len(models))
	for i, m := range models {
		out[i] = synapse.ColumnModel{ID: m.ID, Name: m.Name, ColumnType: m.ColumnType, MaximumSize: m.MaximumSize}
	}
	return out
}

func handleCreateEntity(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req synapse.Entity
		if !decodeBody(w, r, &req) {
			return
		}
		ctx := r.Context()

		switch req.ConcreteType {
		case ProjectType:
			if req.ParentID != "" {
				httpError(w, http.StatusBadRequest, "a project cannot have a parent")
				return
			}
		case FolderType, TableType:
			if req.ParentID == "" {
				httpError(w, http.StatusBadRequest, "parentId is required")
				return
			}
			parent, err := e.Store.GetEntity(ctx, req.ParentID)
			if err != nil {
				storeError(w, errors.Wrapf(err, "parent %s", req.ParentID))
				return
			}
			if parent.ConcreteType == TableType {
				httpError(w, http.StatusBadRequest, "%s is a table and cannot hold children", parent.ID)
				return
			}
		default:
			httpError(w, http.StatusBadRequest, "unsupported concreteType %q", req.ConcreteType)
			return
		}
		if req.ConcreteType != TableType && len(req.ColumnIDs) > 0 {
			httpError(w, http.StatusBadRequest, "only tables have columns")
			return
		}
		if _, err := e.Store.Columns(ctx, req.ColumnIDs); err != nil {
			storeError(w, err)
			return
		}

		created, err := e.Store.CreateEntity(ctx, storage.Entity{
			Name:         req.Name,
			ParentID:     req.ParentID,
			ConcreteType: req.ConcreteType,
			ColumnIDs:    req.ColumnIDs,
			CreatedBy:    userFrom(ctx).ID,
		})
		if err != nil {
			storeError(w, err)
			return
		}
		e.logger.Debug("emulator: entity created", "id", created.ID, "name", created.Name, "type", created.ConcreteType)
		writeJSON(w, http.StatusCreated, toWireEntity(created))
	}
}

func handleGetEntity(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ent, err := e.Store.GetEntity(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWireEntity(ent))
	}
}

func handlePutEntity(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req synapse.Entity
		if !decodeBody(w, r, &req) {
			return
		}
		ctx := r.Context()
		current, err := e.Store.GetEntity(ctx, chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err)
			return
		}
		if req.ID != current.ID {
			httpError(w, http.StatusBadRequest, "entity id %q does not match %s", req.ID, current.ID)
			return
		}
		if current.ConcreteType != TableType && len(req.ColumnIDs) > 0 {
			httpError(w, http.StatusBadRequest, "only tables have columns")
			return
		}
		if _, err := e.Store.Columns(ctx, req.ColumnIDs); err != nil {
			storeError(w, err)
			return
		}

		updated, err := e.Store.UpdateEntity(ctx, storage.Entity{
			ID:        current.ID,
			Name:      req.Name,
			Etag:      req.Etag,
			ColumnIDs: req.ColumnIDs,
		})
		if errors.Is(err, storage.ErrConflict) {
			httpError(w, http.StatusPreconditionFailed, "%v", err)
			return
		}
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWireEntity(updated))
	}
}

func handleEntityChild(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ParentID   string `json:"parentId"`
			EntityName string `json:"entityName"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := e.Store.ChildID(r.Context(), req.ParentID, req.EntityName)
		if err != nil {
			storeError(w, errors.Wrapf(err, "entity %q in %q", req.EntityName, req.ParentID))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	}
}

func handleColumnBatch(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			List []synapse.ColumnModel `json:"list"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		models := make([]storage.ColumnModel, len(req.List))
		for i, m := range req.List {
			if !table.ColumnType(m.ColumnType).Valid() {
				httpError(w, http.StatusBadRequest, "column %q: unsupported type %q", m.Name, m.ColumnType)
				return
			}
			models[i] = storage.ColumnModel{Name: m.Name, ColumnType: m.ColumnType, MaximumSize: m.MaximumSize}
		}
		created, err := e.Store.CreateColumns(r.Context(), models)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"concreteType": "org.sagebionetworks.repo.model.ListWrapper",
			"list":         toWireColumns(created),
		})
	}
}

func handleEntityColumns(e *emulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cols, err := e.Store.TableColumns(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results":              toWireColumns(cols),
			"totalNumberOfResults": len(cols),
		})
	}
}
