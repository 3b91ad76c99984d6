package http

import (
	"net/http"

	applog "debts/internal/log"
	"debts/internal/services"
)

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var in services.NewTemplate
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, r, applog.OpCreate, err)
		return
	}

	t, err := s.svc.Templates.Create(r.Context(), ownerFromContext(r.Context()), in)
	if err != nil {
		respondError(w, r, applog.OpCreate, err)
		return
	}
	NewResponse().
		Status(http.StatusCreated).
		Header("Location", "/templates/"+t.ID).
		JSON(t).
		Write(w)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Templates.List(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		respondError(w, r, applog.OpList, err)
		return
	}
	respond(w, http.StatusOK, listOf(list))
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpRead, err)
		return
	}

	t, err := s.svc.Templates.Get(r.Context(), ownerFromContext(r.Context()), id)
	if err != nil {
		respondError(w, r, applog.OpRead, err)
		return
	}
	respond(w, http.StatusOK, t)
}

// handleCancelTemplate stops future generation. Generated instances stay.
func (s *Server) handleCancelTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpUpdate, err)
		return
	}

	t, err := s.svc.Templates.Cancel(r.Context(), ownerFromContext(r.Context()), id)
	if err != nil {
		respondError(w, r, applog.OpUpdate, err)
		return
	}
	respond(w, http.StatusOK, t)
}
