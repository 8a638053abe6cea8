package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"corpusd/internal/types"
)

// rerankRequest is the cross-encoder wire format: the query paired with the
// candidate chunk texts, scored in one call.
type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// rerank sends (query, text) pairs to the cross-encoder endpoint and returns
// one replacement score per input text.
func (e *Engine) rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Documents: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.rerankEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, types.Wrap(types.KindDependency, err, "rerank backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.E(types.KindDependency, "rerank backend returned %s", resp.Status)
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.Wrap(types.KindDependency, err, "decode rerank response")
	}
	if len(out.Scores) != len(texts) {
		return nil, types.E(types.KindDependency,
			"rerank returned %d scores for %d documents", len(out.Scores), len(texts))
	}
	return out.Scores, nil
}
