package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/bioreg/bioreg/internal/registry"
)

type mockHTTPClient struct {
	statusCode int
	err        error
	lastReq    *http.Request
	lastBody   []byte
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if req.Body != nil {
		m.lastBody, _ = io.ReadAll(req.Body)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}, nil
}

func testEvent() *registry.Event {
	return &registry.Event{
		ID:        "evt-1",
		Kind:      registry.EventSubjectEnrolled,
		Caller:    "enrollment-center",
		Timestamp: time.Now().UTC(),
		Fields:    map[string]string{"subject_id": "alice"},
	}
}

func TestWebhookSend(t *testing.T) {
	client := &mockHTTPClient{statusCode: http.StatusOK}
	sink := NewWebhookSinkWithClient("http://example.com/hook", client)

	if err := sink.Send(testEvent()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if client.lastReq.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", client.lastReq.Method)
	}
	if ct := client.lastReq.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}

	var sent registry.Event
	if err := json.Unmarshal(client.lastBody, &sent); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if sent.Kind != registry.EventSubjectEnrolled || sent.Fields["subject_id"] != "alice" {
		t.Errorf("unexpected payload: %+v", sent)
	}
}

func TestWebhookSendAcceptsNoContent(t *testing.T) {
	client := &mockHTTPClient{statusCode: http.StatusNoContent}
	sink := NewWebhookSinkWithClient("http://example.com/hook", client)

	if err := sink.Send(testEvent()); err != nil {
		t.Errorf("204 must count as delivered: %v", err)
	}
}

func TestWebhookSendErrorStatus(t *testing.T) {
	client := &mockHTTPClient{statusCode: http.StatusInternalServerError}
	sink := NewWebhookSinkWithClient("http://example.com/hook", client)

	if err := sink.Send(testEvent()); err == nil {
		t.Error("expected an error for a 500 response")
	}
}

func TestWebhookSendClientError(t *testing.T) {
	client := &mockHTTPClient{err: errors.New("connection refused")}
	sink := NewWebhookSinkWithClient("http://example.com/hook", client)

	if err := sink.Send(testEvent()); err == nil {
		t.Error("expected an error when the client fails")
	}
}
