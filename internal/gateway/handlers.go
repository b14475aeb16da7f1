package gateway

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bioreg/bioreg/internal/registry"
	"github.com/bioreg/bioreg/internal/storage"
)

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Totals())
}

func (s *Server) handleSubjectStatus(w http.ResponseWriter, r *http.Request) {
	exists, active := s.registry.CheckSubjectStatus(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{
		"exists":    exists,
		"is_active": active,
	})
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var args registry.RegisterNodeArgs
	if !decodeBody(w, r, &args) {
		return
	}
	s.submit(w, r, registry.OpRegisterNode, args)
}

func (s *Server) handleSetNodeAuthorization(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Authorized bool `json:"authorized"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	s.submit(w, r, registry.OpSetNodeAuthorization, registry.SetNodeAuthorizationArgs{
		Address:    chi.URLParam(r, "addr"),
		Authorized: body.Authorized,
	})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.registry.GetNode(Caller(r.Context()), chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	nodes, err := s.registry.ListNodes(Caller(r.Context()), offset, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*storage.Node{"nodes": nodes})
}

func (s *Server) handleSubjectsByNode(w http.ResponseWriter, r *http.Request) {
	ids, err := s.registry.SubjectsByNode(Caller(r.Context()), chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"subject_ids": ids})
}

func (s *Server) handleEnrollSubject(w http.ResponseWriter, r *http.Request) {
	var args registry.EnrollSubjectArgs
	if !decodeBody(w, r, &args) {
		return
	}
	s.submit(w, r, registry.OpEnrollSubject, args)
}

func (s *Server) handleUpdateSubject(w http.ResponseWriter, r *http.Request) {
	var args registry.UpdateSubjectArgs
	if !decodeBody(w, r, &args) {
		return
	}
	args.SubjectID = chi.URLParam(r, "id")
	s.submit(w, r, registry.OpUpdateSubject, args)
}

func (s *Server) handleDeactivateSubject(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, registry.OpDeactivateSubject, registry.SubjectIDArgs{
		SubjectID: chi.URLParam(r, "id"),
	})
}

func (s *Server) handleReactivateSubject(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, registry.OpReactivateSubject, registry.SubjectIDArgs{
		SubjectID: chi.URLParam(r, "id"),
	})
}

func (s *Server) handleGetSubject(w http.ResponseWriter, r *http.Request) {
	subject, err := s.registry.GetSubject(Caller(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subject)
}

func (s *Server) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	subjects, err := s.registry.ListSubjects(Caller(r.Context()), offset, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*storage.Subject{"subjects": subjects})
}

func (s *Server) handleVerifyCommitment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CommitmentHash string `json:"commitment_hash"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	match, err := s.registry.VerifyCommitment(Caller(r.Context()), chi.URLParam(r, "id"), body.CommitmentHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"match": match})
}

func (s *Server) handleLogAuthentication(w http.ResponseWriter, r *http.Request) {
	var args registry.LogAuthenticationArgs
	if !decodeBody(w, r, &args) {
		return
	}
	s.submit(w, r, registry.OpLogAuthentication, args)
}

func (s *Server) handleGetAuthRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid record id"})
		return
	}

	record, err := s.registry.GetAuthRecord(Caller(r.Context()), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListAuthRecords(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r)
	records, err := s.registry.ListAuthRecords(Caller(r.Context()), offset, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*storage.AuthRecord{"auth_records": records})
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var args registry.TransferOwnershipArgs
	if !decodeBody(w, r, &args) {
		return
	}
	s.submit(w, r, registry.OpTransferOwnership, args)
}

func pageParams(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return offset, limit
}
