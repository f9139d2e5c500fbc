package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/branestawm/branestawm/internal/storage"
)

func handleListFolios(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		folios, err := deps.Store.ListFolios(r.Context())
		if err != nil {
			writeError(w, deps.logger(), "listing folios", err)
			return
		}
		if folios == nil {
			folios = []storage.Folio{}
		}
		writeJSON(w, http.StatusOK, folios)
	}
}

func handleGetFolio(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := deps.Store.GetFolio(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.logger(), "getting folio", err)
			return
		}
		writeJSON(w, http.StatusOK, f)
	}
}

// handleSaveFolio serves POST /folios (create, id optional) and
// PUT /folios/{id} (create or replace). Every write to folio data clears
// the context cache.
func handleSaveFolio(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f storage.Folio
		if !decodeBody(w, r, maxRequestBodySize, &f) {
			return
		}
		code := http.StatusCreated
		if id := chi.URLParam(r, "id"); id != "" {
			f.ID = id
			if existing, err := deps.Store.GetFolio(r.Context(), id); err == nil {
				f.CreatedAt = existing.CreatedAt
				code = http.StatusOK
			}
		}
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		if f.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		saved, err := deps.Store.SaveFolio(r.Context(), f)
		if err != nil {
			writeError(w, deps.logger(), "saving folio", err)
			return
		}
		deps.Composer.ClearCache()
		writeJSON(w, code, saved)
	}
}

func handleDeleteFolio(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteFolio(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, deps.logger(), "deleting folio", err)
			return
		}
		deps.Composer.ClearCache()
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// MessageRequest is the body of POST /folios/{id}/messages.
type MessageRequest struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

func handleAddMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		folioID := chi.URLParam(r, "id")
		var req MessageRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		switch req.Role {
		case "":
			req.Role = "user"
		case "user", "assistant", "system":
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown role %q", req.Role)
			return
		}
		if _, err := deps.Store.GetFolio(r.Context(), folioID); err != nil {
			writeError(w, deps.logger(), "getting folio", err)
			return
		}

		m, err := deps.Store.AddMessage(r.Context(), storage.Message{
			ID:         uuid.NewString(),
			FolioID:    folioID,
			Role:       req.Role,
			Content:    req.Content,
			Importance: req.Importance,
			Timestamp:  req.Timestamp,
		})
		if err != nil {
			writeError(w, deps.logger(), "adding message", err)
			return
		}
		deps.Composer.ClearCache()
		writeJSON(w, http.StatusCreated, m)
	}
}

func handleAddSummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		folioID := chi.URLParam(r, "id")
		var sum storage.Summary
		if !decodeBody(w, r, maxRequestBodySize, &sum) {
			return
		}
		if !sum.Kind.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "kind must be daily, weekly, thread or topical")
			return
		}
		if sum.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		if _, err := deps.Store.GetFolio(r.Context(), folioID); err != nil {
			writeError(w, deps.logger(), "getting folio", err)
			return
		}

		sum.ID = uuid.NewString()
		sum.FolioID = folioID
		saved, err := deps.Store.AddSummary(r.Context(), sum)
		if err != nil {
			writeError(w, deps.logger(), "adding summary", err)
			return
		}
		deps.Composer.ClearCache()
		writeJSON(w, http.StatusCreated, saved)
	}
}

func handleSaveArtifact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a storage.Artifact
		if !decodeBody(w, r, maxDocumentBodySize, &a) {
			return
		}
		if a.Title == "" && a.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title or content is required")
			return
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		} else if existing, err := deps.Store.GetArtifact(r.Context(), a.ID); err == nil {
			a.CreatedAt = existing.CreatedAt
		}

		saved, err := deps.Store.SaveArtifact(r.Context(), a)
		if err != nil {
			writeError(w, deps.logger(), "saving artifact", err)
			return
		}
		deps.Composer.ClearCache()
		writeJSON(w, http.StatusCreated, saved)
	}
}

func handleGetArtifact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Store.GetArtifact(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.logger(), "getting artifact", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleDeleteArtifact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteArtifact(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, deps.logger(), "deleting artifact", err)
			return
		}
		deps.Composer.ClearCache()
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleListPersonas(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		personas, err := deps.Store.ListPersonas(r.Context())
		if err != nil {
			writeError(w, deps.logger(), "listing personas", err)
			return
		}
		if personas == nil {
			personas = []storage.Persona{}
		}
		writeJSON(w, http.StatusOK, personas)
	}
}

func handleSavePersona(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p storage.Persona
		if !decodeBody(w, r, maxRequestBodySize, &p) {
			return
		}
		if p.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if err := deps.Store.SavePersona(r.Context(), p); err != nil {
			writeError(w, deps.logger(), "saving persona", err)
			return
		}
		deps.Composer.ClearCache()
		writeJSON(w, http.StatusCreated, p)
	}
}

func handleSetActivePersona(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if _, err := deps.Store.GetPersona(r.Context(), req.ID); err != nil {
			writeError(w, deps.logger(), "getting persona", err)
			return
		}
		if err := deps.Store.SetSetting(r.Context(), storage.SettingActivePersona, req.ID); err != nil {
			writeError(w, deps.logger(), "setting active persona", err)
			return
		}
		deps.Composer.ClearCache()
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "active_persona": req.ID})
	}
}
