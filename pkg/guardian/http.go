package guardian

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPScorer calls a remote guardian service. The service receives the
// Request as JSON and answers with an Assessment.
type HTTPScorer struct {
	url    string
	client *http.Client
}

// NewHTTPScorer creates a remote scorer. The client timeout is a backstop;
// callers bound each call with their own context deadline.
func NewHTTPScorer(url string, client *http.Client) *HTTPScorer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPScorer{url: url, client: client}
}

func (h *HTTPScorer) Evaluate(ctx context.Context, req Request) (Assessment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Assessment{}, fmt.Errorf("guardian: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Assessment{}, fmt.Errorf("guardian: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Assessment{}, fmt.Errorf("guardian: call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Assessment{}, fmt.Errorf("guardian: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var a Assessment
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&a); err != nil {
		return Assessment{}, fmt.Errorf("guardian: decode response: %w", err)
	}
	if err := checkScore(a.ThreatScore); err != nil {
		return Assessment{}, err
	}
	return a, nil
}
