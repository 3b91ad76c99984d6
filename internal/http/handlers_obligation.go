package http

import (
	"net/http"

	applog "debts/internal/log"
	"debts/internal/services"
)

type createBatchRequest struct {
	GroupID *string                  `json:"group_id,omitempty"`
	Items   []services.NewObligation `json:"items"`
}

type setPaidRequest struct {
	Paid *bool `json:"paid"`
}

// reassignRequest moves an obligation. A null or absent group_id ungroups it.
type reassignRequest struct {
	GroupID *string `json:"group_id"`
}

type remindRequest struct {
	Note string `json:"note,omitempty"`
}

// listOf keeps empty lists as [] in JSON.
func listOf[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func (s *Server) handleCreateObligation(w http.ResponseWriter, r *http.Request) {
	var in services.NewObligation
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, r, applog.OpCreate, err)
		return
	}

	o, err := s.svc.Obligations.Create(r.Context(), ownerFromContext(r.Context()), in)
	if err != nil {
		respondError(w, r, applog.OpCreate, err)
		return
	}
	NewResponse().
		Status(http.StatusCreated).
		Header("Location", "/obligations/"+o.ID).
		JSON(o).
		Write(w)
}

func (s *Server) handleCreateObligationBatch(w http.ResponseWriter, r *http.Request) {
	var in createBatchRequest
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, r, applog.OpCreate, err)
		return
	}

	created, err := s.svc.Obligations.CreateBatch(r.Context(), ownerFromContext(r.Context()), in.GroupID, in.Items)
	if err != nil {
		respondError(w, r, applog.OpCreate, err)
		return
	}
	respond(w, http.StatusCreated, listOf(created))
}

func (s *Server) handleListObligations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseObligationFilter(r.URL.Query())
	if err != nil {
		respondError(w, r, applog.OpList, err)
		return
	}

	list, err := s.svc.Obligations.List(r.Context(), ownerFromContext(r.Context()), filter)
	if err != nil {
		respondError(w, r, applog.OpList, err)
		return
	}
	respond(w, http.StatusOK, listOf(list))
}

func (s *Server) handleGetObligation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpRead, err)
		return
	}

	o, err := s.svc.Obligations.Get(r.Context(), ownerFromContext(r.Context()), id)
	if err != nil {
		respondError(w, r, applog.OpRead, err)
		return
	}
	respond(w, http.StatusOK, o)
}

func (s *Server) handleUpdateObligation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpUpdate, err)
		return
	}
	var patch services.ObligationPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, r, applog.OpUpdate, err)
		return
	}

	o, err := s.svc.Obligations.Update(r.Context(), ownerFromContext(r.Context()), id, patch)
	if err != nil {
		respondError(w, r, applog.OpUpdate, err)
		return
	}
	respond(w, http.StatusOK, o)
}

func (s *Server) handleSetPaid(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpUpdate, err)
		return
	}
	var in setPaidRequest
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, r, applog.OpUpdate, err)
		return
	}
	if in.Paid == nil {
		respondError(w, r, applog.OpUpdate, badRequest("paid is required"))
		return
	}

	o, err := s.svc.Obligations.SetPaid(r.Context(), ownerFromContext(r.Context()), id, *in.Paid)
	if err != nil {
		respondError(w, r, applog.OpUpdate, err)
		return
	}
	respond(w, http.StatusOK, o)
}

func (s *Server) handleReassignGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpUpdate, err)
		return
	}
	var in reassignRequest
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, r, applog.OpUpdate, err)
		return
	}

	o, err := s.svc.Obligations.ReassignGroup(r.Context(), ownerFromContext(r.Context()), id, in.GroupID)
	if err != nil {
		respondError(w, r, applog.OpUpdate, err)
		return
	}
	respond(w, http.StatusOK, o)
}

func (s *Server) handleDeleteObligation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpDelete, err)
		return
	}

	if err := s.svc.Obligations.Delete(r.Context(), ownerFromContext(r.Context()), id); err != nil {
		respondError(w, r, applog.OpDelete, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemind(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpRemind, err)
		return
	}
	var in remindRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &in); err != nil {
			respondError(w, r, applog.OpRemind, err)
			return
		}
	}

	msg, err := s.svc.Reminders.Remind(r.Context(), ownerFromContext(r.Context()), id, sanitizeInput(in.Note))
	if err != nil {
		respondError(w, r, applog.OpRemind, err)
		return
	}
	respond(w, http.StatusAccepted, msg)
}
