package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testSecret = []byte("test-signing-secret")

func callerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(Caller(r.Context())))
	})
}

func TestMintAndAuthenticate(t *testing.T) {
	token, err := MintToken(testSecret, "node-a", time.Hour)
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}

	handler := Authenticate(testSecret)(callerEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "node-a" {
		t.Errorf("expected caller node-a, got %q", rec.Body.String())
	}
}

func TestMintTokenRequiresAddress(t *testing.T) {
	if _, err := MintToken(testSecret, "", time.Hour); err == nil {
		t.Error("expected an error for an empty address")
	}
}

func TestAuthenticateRejections(t *testing.T) {
	handler := Authenticate(testSecret)(callerEcho())

	expired, err := MintToken(testSecret, "node-a", -time.Minute)
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}
	foreign, err := MintToken([]byte("other-secret"), "node-a", time.Hour)
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not a bearer token", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.token"},
		{"expired token", "Bearer " + expired},
		{"wrong secret", "Bearer " + foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}
