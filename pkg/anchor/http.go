package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient anchors digests through a JSON ledger gateway.
type HTTPClient struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPClient builds a gateway client. Deadlines come from the caller context.
func NewHTTPClient(url, apiKey string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{URL: url, APIKey: apiKey, HTTPClient: httpClient}
}

type anchorRequest struct {
	RequestID string `json:"request_id"`
	Digest    string `json:"digest"`
}

type anchorResponse struct {
	TransactionRef string `json:"transaction_ref"`
	Timestamp      string `json:"timestamp"`
}

// Anchor posts the digest and decodes the gateway receipt.
func (c *HTTPClient) Anchor(ctx context.Context, requestID, digest string) (*Receipt, error) {
	body, err := json.Marshal(anchorRequest{RequestID: requestID, Digest: digest})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("anchor_http_status_%d", resp.StatusCode)
	}

	var out anchorResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode anchor receipt: %w", err)
	}
	if strings.TrimSpace(out.TransactionRef) == "" {
		return nil, ErrEmptyReference
	}
	ts := time.Now().UTC()
	if out.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, out.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("decode anchor timestamp: %w", err)
		}
		ts = parsed.UTC()
	}
	return &Receipt{TransactionRef: out.TransactionRef, Timestamp: ts}, nil
}
