package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bioreg/bioreg/internal/registry"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookSink posts each committed event as JSON to a subscriber endpoint,
// for dashboards and audit exporters that follow the registry without
// re-reading full state.
type WebhookSink struct {
	url        string
	httpClient HTTPClient
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func NewWebhookSinkWithClient(url string, client HTTPClient) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: client,
	}
}

func (w *WebhookSink) Send(event *registry.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("webhook returned non-success status: %d", resp.StatusCode)
	}

	return nil
}
