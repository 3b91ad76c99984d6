package http

import (
	"net/http"

	applog "debts/internal/log"
	"debts/internal/services"
)

func (s *Server) handleCreateLedger(w http.ResponseWriter, r *http.Request) {
	var in services.NewLedger
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, r, applog.OpCreate, err)
		return
	}

	l, err := s.svc.Ledgers.Create(r.Context(), ownerFromContext(r.Context()), in)
	if err != nil {
		respondError(w, r, applog.OpCreate, err)
		return
	}
	NewResponse().
		Status(http.StatusCreated).
		Header("Location", "/ledgers/"+l.ID).
		JSON(l).
		Write(w)
}

func (s *Server) handleListLedgers(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Ledgers.List(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		respondError(w, r, applog.OpList, err)
		return
	}
	respond(w, http.StatusOK, listOf(list))
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpRead, err)
		return
	}

	l, err := s.svc.Ledgers.Get(r.Context(), ownerFromContext(r.Context()), id)
	if err != nil {
		respondError(w, r, applog.OpRead, err)
		return
	}
	respond(w, http.StatusOK, l)
}

func (s *Server) handleLedgerMembers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpList, err)
		return
	}

	members, err := s.svc.Ledgers.Members(r.Context(), ownerFromContext(r.Context()), id)
	if err != nil {
		respondError(w, r, applog.OpList, err)
		return
	}
	respond(w, http.StatusOK, listOf(members))
}

func (s *Server) handleReconcileLedger(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpReconcile, err)
		return
	}

	l, err := s.svc.Ledgers.Reconcile(r.Context(), ownerFromContext(r.Context()), id)
	if err != nil {
		respondError(w, r, applog.OpReconcile, err)
		return
	}
	if l == nil {
		NotFoundError("ledger " + id + " not found").Write(w)
		return
	}
	respond(w, http.StatusOK, l)
}

func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Ledgers.ReconcileAll(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		respondError(w, r, applog.OpReconcile, err)
		return
	}
	report.Repaired = listOf(report.Repaired)
	respond(w, http.StatusOK, report)
}

// handleDeleteLedger detaches the members unless keep_members=false, in
// which case they are deleted with the ledger.
func (s *Server) handleDeleteLedger(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, r, applog.OpDelete, err)
		return
	}
	keep, err := parseBoolParam(r.URL.Query(), "keep_members")
	if err != nil {
		respondError(w, r, applog.OpDelete, err)
		return
	}
	keepMembers := keep == nil || *keep

	if err := s.svc.Ledgers.Delete(r.Context(), ownerFromContext(r.Context()), id, keepMembers); err != nil {
		respondError(w, r, applog.OpDelete, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
