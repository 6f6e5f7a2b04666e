// Package embedding talks to an Ollama-compatible endpoint for embeddings
// and text generation, and provides the vector math used by similarity
// search and topic-shift detection.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/keepsake-ai/keepsake/internal/types"
)

// Client handles embedding and generation via Ollama.
type Client struct {
	baseURL       string
	embedModel    string
	generateModel string
	client        *http.Client
	embedTimeout  time.Duration
	genTimeout    time.Duration
}

// NewClient creates a new Ollama client.
func NewClient(baseURL, embedModel, generateModel string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text" // 768 dims
	}
	if generateModel == "" {
		generateModel = "llama3.2"
	}
	return &Client{
		baseURL:       baseURL,
		embedModel:    embedModel,
		generateModel: generateModel,
		client:        &http.Client{},
		embedTimeout:  30 * time.Second,
		genTimeout:    60 * time.Second,
	}
}

// SetTimeouts overrides the per-call budgets.
func (c *Client) SetTimeouts(embed, generate time.Duration) {
	if embed > 0 {
		c.embedTimeout = embed
	}
	if generate > 0 {
		c.genTimeout = generate
	}
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	var result embeddingResponse
	err := c.post(ctx, c.embedTimeout, "/api/embeddings", embeddingRequest{
		Model:  c.embedModel,
		Prompt: text,
	}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", types.ErrDependencyUnavailable)
	}
	return result.Embedding, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate creates a text completion.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, "")
}

// GenerateJSON creates a completion constrained to JSON output.
func (c *Client) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, prompt, "json")
}

func (c *Client) generate(ctx context.Context, prompt, format string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}

	var result generateResponse
	err := c.post(ctx, c.genTimeout, "/api/generate", generateRequest{
		Model:  c.generateModel,
		Prompt: prompt,
		Stream: false,
		Format: format,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Response, nil
}

// post sends a JSON request and decodes the response, mapping transport
// failures onto the dependency error taxonomy.
func (c *Client) post(ctx context.Context, timeout time.Duration, path string, reqBody, out any) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: ollama %s", types.ErrDependencyTimeout, path)
		}
		return fmt.Errorf("%w: ollama %s: %v", types.ErrDependencyUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: ollama %s status %d: %s", types.ErrDependencyUnavailable, path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Healthy checks whether the Ollama endpoint responds.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// CosineSimilarity computes similarity between two embeddings (-1 to 1).
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance is 1 - CosineSimilarity, clamped at 0.
func CosineDistance(a, b []float64) float64 {
	d := 1 - CosineSimilarity(a, b)
	if d < 0 {
		return 0
	}
	return d
}

// Normalize returns a unit-length copy of the vector.
func Normalize(v []float64) []float64 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
