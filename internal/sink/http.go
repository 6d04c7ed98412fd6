package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	dagerrors "github.com/stevehiehn/testagent/internal/errors"
	"github.com/stevehiehn/testagent/internal/events"
)

// HTTPSink POSTs each event as JSON. A 2xx response is an acknowledgment;
// 5xx, 429 and transport failures are retryable, other statuses are not.
type HTTPSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTP creates an HTTP sink. A zero timeout means 30 seconds.
func NewHTTP(url string, headers map[string]string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSink{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSink) Send(ctx context.Context, e events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return dagerrors.NewSinkError(fmt.Errorf("http: marshal event: %w", err), false)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return dagerrors.NewSinkError(fmt.Errorf("http: failed to create request: %w", err), false)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Idempotency-Key", e.ID)

	resp, err := h.client.Do(req)
	if err != nil {
		return dagerrors.NewSinkError(fmt.Errorf("http: request failed: %w", err), true)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return dagerrors.NewSinkError(fmt.Errorf("http: %d %s", resp.StatusCode, bytes.TrimSpace(respBody)), retryable)
}

func (h *HTTPSink) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
