package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// OLLAMA RUNNER
// =============================================================================

// OllamaRunner talks to a local Ollama-compatible model runner.
// Works with embeddinggemma and other embedding models.
type OllamaRunner struct {
	endpoint string
	model    string
	dims     int
	client   *http.Client
}

// NewOllamaRunner creates a runner for the given endpoint and model.
func NewOllamaRunner(endpoint, model string, dims int, timeout time.Duration) *OllamaRunner {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}
	if dims <= 0 {
		dims = 768
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OllamaRunner{
		endpoint: endpoint,
		model:    model,
		dims:     dims,
		client:   &http.Client{Timeout: timeout},
	}
}

// EmbedBatch generates embeddings for multiple texts in one call via the
// batch endpoint.
func (r *OllamaRunner) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	req := ollamaEmbedRequest{
		Model: r.model,
		Input: texts,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedder returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// Dimensions returns the dimensionality of the configured model.
func (r *OllamaRunner) Dimensions() int { return r.dims }

// Name returns the runner name for logs and stats.
func (r *OllamaRunner) Name() string { return fmt.Sprintf("ollama:%s", r.model) }

// Ping checks that the runner is reachable.
func (r *OllamaRunner) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", r.endpoint+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("embedder unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedder health check returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// OLLAMA API TYPES
// =============================================================================

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}
