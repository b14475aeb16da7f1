package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bioreg/bioreg/internal/consensus"
	"github.com/bioreg/bioreg/internal/registry"
	"github.com/bioreg/bioreg/internal/storage"
)

const (
	testOwner    = "owner-node"
	testCenter   = "enrollment-center"
	testVerifier = "verifier-node"
)

// newTestServer wires a single-node registry behind the router, with the
// usual cast bootstrapped.
func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store)
	for _, step := range []struct {
		op     registry.Op
		caller string
		args   interface{}
	}{
		{registry.OpBootstrap, testOwner, registry.BootstrapArgs{OwnerAddress: testOwner}},
		{registry.OpRegisterNode, testOwner, registry.RegisterNodeArgs{Address: testCenter, IsEnrollmentAuthority: true}},
		{registry.OpRegisterNode, testOwner, registry.RegisterNodeArgs{Address: testVerifier}},
	} {
		cmd, err := registry.NewCommand(step.op, step.caller, step.args)
		if err != nil {
			t.Fatalf("failed to build %s: %v", step.op, err)
		}
		if _, err := reg.Apply(cmd); err != nil {
			t.Fatalf("failed to apply %s: %v", step.op, err)
		}
	}

	return NewServer(reg, reg, testSecret, nil).Router()
}

func doRequest(t *testing.T, handler http.Handler, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if caller != "" {
		token, err := MintToken(testSecret, caller, time.Hour)
		if err != nil {
			t.Fatalf("MintToken failed: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestEnrollVerifyAuditFlow(t *testing.T) {
	handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodPost, "/v1/subjects", testCenter, registry.EnrollSubjectArgs{
		SubjectID:      "alice",
		CommitmentHash: "hash-alice",
		Delta:          []byte{0x01, 0x02},
		BiometricType:  storage.BiometricFacial,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("enroll failed: %d %s", rec.Code, rec.Body.String())
	}

	// Status endpoint is open to anyone.
	rec = doRequest(t, handler, http.MethodGet, "/v1/subjects/alice/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status check failed: %d", rec.Code)
	}
	var status map[string]bool
	decodeResponse(t, rec, &status)
	if !status["exists"] || !status["is_active"] {
		t.Errorf("expected exists and active, got %v", status)
	}

	// The verifier node checks a candidate hash.
	rec = doRequest(t, handler, http.MethodPost, "/v1/subjects/alice/verify", testVerifier,
		map[string]string{"commitment_hash": "hash-alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify failed: %d %s", rec.Code, rec.Body.String())
	}
	var verdict map[string]bool
	decodeResponse(t, rec, &verdict)
	if !verdict["match"] {
		t.Error("expected a match for the enrolled hash")
	}

	rec = doRequest(t, handler, http.MethodPost, "/v1/subjects/alice/verify", testVerifier,
		map[string]string{"commitment_hash": "wrong"})
	decodeResponse(t, rec, &verdict)
	if verdict["match"] {
		t.Error("expected no match for a wrong hash")
	}

	// The verifier records the outcome in the audit log.
	rec = doRequest(t, handler, http.MethodPost, "/v1/auth-records", testVerifier, registry.LogAuthenticationArgs{
		SubjectID: "alice",
		Success:   true,
		Reason:    "door access",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("log authentication failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, handler, http.MethodGet, "/v1/auth-records/1", testCenter, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get auth record failed: %d", rec.Code)
	}
	var record storage.AuthRecord
	decodeResponse(t, rec, &record)
	if record.Verifier != testVerifier || !record.Success {
		t.Errorf("unexpected audit record: %+v", record)
	}
}

func TestStatusCodesForRejections(t *testing.T) {
	handler := newTestServer(t)

	enroll := registry.EnrollSubjectArgs{
		SubjectID:      "alice",
		CommitmentHash: "hash-alice",
		BiometricType:  storage.BiometricFacial,
	}
	if rec := doRequest(t, handler, http.MethodPost, "/v1/subjects", testCenter, enroll); rec.Code != http.StatusOK {
		t.Fatalf("enroll failed: %d", rec.Code)
	}

	tests := []struct {
		name   string
		method string
		path   string
		caller string
		body   interface{}
		want   int
	}{
		{"no token", http.MethodPost, "/v1/subjects", "", enroll, http.StatusUnauthorized},
		{"unknown caller", http.MethodPost, "/v1/subjects", "stranger", enroll, http.StatusForbidden},
		{"duplicate subject", http.MethodPost, "/v1/subjects", testCenter, enroll, http.StatusConflict},
		{"verifier cannot enroll", http.MethodPost, "/v1/subjects", testVerifier, enroll, http.StatusForbidden},
		{"unknown subject", http.MethodGet, "/v1/subjects/ghost", testCenter, nil, http.StatusNotFound},
		{"unknown node", http.MethodGet, "/v1/nodes/ghost", testCenter, nil, http.StatusNotFound},
		{"missing hash", http.MethodPost, "/v1/subjects", testCenter, registry.EnrollSubjectArgs{
			SubjectID:     "bob",
			BiometricType: storage.BiometricFacial,
		}, http.StatusBadRequest},
		{"non-owner transfer", http.MethodPost, "/v1/ownership/transfer", testCenter,
			registry.TransferOwnershipArgs{NewOwner: "next"}, http.StatusForbidden},
		{"bad audit id", http.MethodGet, "/v1/auth-records/abc", testCenter, nil, http.StatusBadRequest},
		{"unknown audit id", http.MethodGet, "/v1/auth-records/42", testCenter, nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, handler, tt.method, tt.path, tt.caller, tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestDeactivatedSubjectConflicts(t *testing.T) {
	handler := newTestServer(t)

	doRequest(t, handler, http.MethodPost, "/v1/subjects", testCenter, registry.EnrollSubjectArgs{
		SubjectID:      "alice",
		CommitmentHash: "hash-alice",
		BiometricType:  storage.BiometricIris,
	})
	if rec := doRequest(t, handler, http.MethodPost, "/v1/subjects/alice/deactivate", testCenter, nil); rec.Code != http.StatusOK {
		t.Fatalf("deactivate failed: %d", rec.Code)
	}

	rec := doRequest(t, handler, http.MethodGet, "/v1/subjects/alice/status", "", nil)
	var status map[string]bool
	decodeResponse(t, rec, &status)
	if !status["exists"] || status["is_active"] {
		t.Errorf("expected exists but inactive, got %v", status)
	}

	if rec := doRequest(t, handler, http.MethodGet, "/v1/subjects/alice", testCenter, nil); rec.Code != http.StatusConflict {
		t.Errorf("reading a deactivated subject must be a conflict, got %d", rec.Code)
	}
	if rec := doRequest(t, handler, http.MethodPost, "/v1/subjects/alice/verify", testVerifier,
		map[string]string{"commitment_hash": "hash-alice"}); rec.Code != http.StatusConflict {
		t.Errorf("verifying a deactivated subject must be a conflict, got %d", rec.Code)
	}

	if rec := doRequest(t, handler, http.MethodPost, "/v1/subjects/alice/reactivate", testCenter, nil); rec.Code != http.StatusOK {
		t.Fatalf("reactivate failed: %d", rec.Code)
	}
	if rec := doRequest(t, handler, http.MethodGet, "/v1/subjects/alice", testCenter, nil); rec.Code != http.StatusOK {
		t.Errorf("reactivated subject must be readable again, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/v1/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats failed: %d", rec.Code)
	}
	var totals registry.Totals
	decodeResponse(t, rec, &totals)
	if totals.Nodes != 3 || totals.Subjects != 0 {
		t.Errorf("unexpected totals: %+v", totals)
	}
}

// notLeaderSubmitter simulates a follower that cannot accept writes.
type notLeaderSubmitter struct{}

func (notLeaderSubmitter) Submit(context.Context, *registry.Command) (*registry.Event, error) {
	return nil, consensus.ErrNotLeader
}

func TestFollowerRejectsWrites(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "follower.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := NewServer(registry.New(store), notLeaderSubmitter{}, testSecret, nil).Router()

	rec := doRequest(t, handler, http.MethodPost, "/v1/subjects", testCenter, registry.EnrollSubjectArgs{
		SubjectID:      "alice",
		CommitmentHash: "h",
		BiometricType:  storage.BiometricFacial,
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 from a follower, got %d", rec.Code)
	}
}
