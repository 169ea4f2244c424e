package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPDispatcher posts events as JSON to a configured webhook URL, the
// simplest shape an "external plugin bus" can take (spec.md §4.9 names no
// wire format, so this follows the same POST-JSON-get-200 pattern the
// speaker-recognition and LLM HTTP clients in this repo already use for
// external RPCs).
type HTTPDispatcher struct {
	url        string
	httpClient *http.Client
}

var _ Dispatcher = (*HTTPDispatcher)(nil)

// New creates an HTTPDispatcher posting every event to url.
func New(url string) *HTTPDispatcher {
	return &HTTPDispatcher{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event %s: %w", event.Type, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("eventbus: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("eventbus: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("eventbus: server returned HTTP %d", resp.StatusCode)
	}
	return nil
}
