// Package ner provides a client for the NER sidecar service.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/keepsake-ai/keepsake/internal/types"
)

// extractResponse is the wire shape of the sidecar /extract endpoint.
type extractResponse struct {
	Entities    []types.Entity `json:"entities"`
	HasEntities bool           `json:"has_entities"`
	DurationMs  float64        `json:"duration_ms"`
}

// Client communicates with the NER sidecar.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new NER sidecar client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Extract sends text to the sidecar and returns extracted entities.
func (c *Client) Extract(ctx context.Context, text string) ([]types.Entity, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: ner sidecar", types.ErrDependencyTimeout)
		}
		return nil, fmt.Errorf("%w: ner sidecar: %v", types.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ner sidecar status %d", types.ErrDependencyUnavailable, resp.StatusCode)
	}

	var result extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result.Entities, nil
}

// Healthy checks if the sidecar is responding.
func (c *Client) Healthy() bool {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
