package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bioreg/bioreg/internal/consensus"
	"github.com/bioreg/bioreg/internal/registry"
)

// Submitter routes mutations into the serialized apply path: directly into
// the registry in single-node mode, through the raft leader in a cluster.
type Submitter interface {
	Submit(ctx context.Context, cmd *registry.Command) (*registry.Event, error)
}

// Server is the ledger submission/read boundary: callers are authenticated
// once at the edge, mutations become commands in the global total order,
// reads are served locally.
type Server struct {
	registry  *registry.Registry
	submitter Submitter
	secret    []byte
	logger    *slog.Logger
}

func NewServer(reg *registry.Registry, submitter Submitter, secret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:  reg,
		submitter: submitter,
		secret:    secret,
		logger:    logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	// Unrestricted reads: status and totals carry no commitment material.
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/subjects/{id}/status", s.handleSubjectStatus)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(s.secret))

		r.Post("/v1/nodes", s.handleRegisterNode)
		r.Get("/v1/nodes", s.handleListNodes)
		r.Get("/v1/nodes/{addr}", s.handleGetNode)
		r.Patch("/v1/nodes/{addr}/authorization", s.handleSetNodeAuthorization)
		r.Get("/v1/nodes/{addr}/subjects", s.handleSubjectsByNode)

		r.Post("/v1/subjects", s.handleEnrollSubject)
		r.Get("/v1/subjects", s.handleListSubjects)
		r.Get("/v1/subjects/{id}", s.handleGetSubject)
		r.Put("/v1/subjects/{id}", s.handleUpdateSubject)
		r.Post("/v1/subjects/{id}/deactivate", s.handleDeactivateSubject)
		r.Post("/v1/subjects/{id}/reactivate", s.handleReactivateSubject)
		r.Post("/v1/subjects/{id}/verify", s.handleVerifyCommitment)

		r.Post("/v1/auth-records", s.handleLogAuthentication)
		r.Get("/v1/auth-records", s.handleListAuthRecords)
		r.Get("/v1/auth-records/{id}", s.handleGetAuthRecord)

		r.Post("/v1/ownership/transfer", s.handleTransferOwnership)
	})

	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps registry rejections onto HTTP statuses, always surfacing
// the specific kind and failed field rather than a generic failure.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, consensus.ErrNotLeader) {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	var re *registry.Error
	if errors.As(err, &re) {
		writeJSON(w, statusForKind(re.Kind), errorResponse{
			Error: re.Message,
			Kind:  string(re.Kind),
			Field: re.Field,
		})
		return
	}

	s.logger.Error("internal error", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func statusForKind(kind registry.Kind) int {
	switch kind {
	case registry.KindUnauthorized:
		return http.StatusForbidden
	case registry.KindInvalidArgument:
		return http.StatusBadRequest
	case registry.KindDuplicateSubject, registry.KindDuplicateNode, registry.KindNotActive:
		return http.StatusConflict
	case registry.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, op registry.Op, args interface{}) {
	cmd, err := registry.NewCommand(op, Caller(r.Context()), args)
	if err != nil {
		s.writeError(w, err)
		return
	}

	event, err := s.submitter.Submit(r.Context(), cmd)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}
