package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NotificationHandler posts metadata to a webhook endpoint.
type NotificationHandler struct {
	url       string
	headers   map[string]string
	userAgent string
	client    *http.Client
}

// NewNotificationHandler builds a handler for url. A nil client gets a
// default with a short timeout.
func NewNotificationHandler(url string, headers map[string]string, client *http.Client) (*NotificationHandler, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("notification requires a url")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &NotificationHandler{url: url, headers: headers, userAgent: "lumen", client: client}, nil
}

// Handle sends a POST request containing the metadata.
func (h *NotificationHandler) Handle(ctx context.Context, meta Metadata) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", h.userAgent)
	for k, v := range h.headers {
		if k = strings.TrimSpace(k); k != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook %s responded %d: %s", h.url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}
