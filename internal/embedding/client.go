// Package embedding wraps the local model runner behind retries, a circuit
// breaker, and a concurrency gate. Bulk indexing never starves interactive
// queries: one slot is always held back for the query path.
package embedding

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"corpusd/internal/config"
	"corpusd/internal/logging"
	"corpusd/internal/types"
)

// Runner is the model-runner transport. OllamaRunner is the production
// implementation; tests substitute fakes.
type Runner interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
	Ping(ctx context.Context) error
}

// Client is the embedding front door used by the indexer and the query path.
type Client struct {
	runner  Runner
	cfg     config.EmbeddingConfig
	breaker *gobreaker.CircuitBreaker

	// sem bounds total in-flight requests; bulkGate admits at most
	// concurrency-1 bulk callers so a query slot stays free.
	sem      *semaphore.Weighted
	bulkGate *semaphore.Weighted
}

// NewClient builds a Client around a runner using the documented defaults for
// any zero-valued tunable.
func NewClient(runner Runner, cfg config.EmbeddingConfig) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.BatchBudget <= 0 {
		cfg.BatchBudget = 120 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 10
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = 30 * time.Second
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 60 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "embedder",
		Interval: cfg.BreakerWindow,
		Timeout:  cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= uint32(cfg.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Embedding("breaker %s: %s -> %s", name, from, to)
		},
	})

	bulkSlots := int64(cfg.Concurrency - 1)
	if bulkSlots < 1 {
		bulkSlots = 1
	}
	return &Client{
		runner:   runner,
		cfg:      cfg,
		breaker:  breaker,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		bulkGate: semaphore.NewWeighted(bulkSlots),
	}
}

// Dimensions returns the vector dimensionality of the underlying runner.
func (c *Client) Dimensions() int { return c.runner.Dimensions() }

// Name returns the runner name.
func (c *Client) Name() string { return c.runner.Name() }

// EmbedQuery embeds a single query string on the reserved interactive slot.
// The result is L2-normalized.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, types.Wrap(types.KindDependency, err, "embedder gate")
	}
	defer c.sem.Release(1)

	vecs, err := c.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds a slice of texts for bulk indexing, splitting into
// sub-batches of at most the configured batch size. Vectors come back
// L2-normalized, one per input, in order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.bulkGate.Acquire(ctx, 1); err != nil {
		return nil, types.Wrap(types.KindDependency, err, "embedder gate")
	}
	defer c.bulkGate.Release(1)
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, types.Wrap(types.KindDependency, err, "embedder gate")
	}
	defer c.sem.Release(1)

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// HealthCheck reports whether the runner answers.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.runner.Ping(ctx); err != nil {
		return types.Wrap(types.KindDependency, err, "embedder health check")
	}
	return nil
}

// embedWithRetry runs one sub-batch under the overall batch budget, retrying
// transient failures with exponential backoff through the circuit breaker.
func (c *Client) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	batchCtx, cancel := context.WithTimeout(ctx, c.cfg.BatchBudget)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.BackoffBase << (attempt - 1)
			select {
			case <-batchCtx.Done():
				return nil, types.Wrap(types.KindDependency, lastErr, "embed batch budget exhausted")
			case <-time.After(backoff):
			}
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			attemptCtx, cancelAttempt := context.WithTimeout(batchCtx, c.cfg.AttemptTimeout)
			defer cancelAttempt()
			return c.runner.EmbedBatch(attemptCtx, texts)
		})
		if err == nil {
			vecs := result.([][]float32)
			if err := c.checkAndNormalize(vecs); err != nil {
				return nil, err
			}
			return vecs, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.Wrap(types.KindDependency, err, "embedder circuit open")
		}
		if batchCtx.Err() != nil {
			return nil, types.Wrap(types.KindDependency, err, "embed batch budget exhausted")
		}
		lastErr = err
		logging.EmbeddingDebug("embed attempt %d/%d failed: %v", attempt+1, c.cfg.MaxAttempts, err)
	}
	return nil, types.Wrap(types.KindDependency, lastErr, "embedder failed after %d attempts", c.cfg.MaxAttempts)
}

// checkAndNormalize enforces uniform dimensionality and normalizes in place.
func (c *Client) checkAndNormalize(vecs [][]float32) error {
	want := c.runner.Dimensions()
	for i, v := range vecs {
		if len(v) != want {
			return types.E(types.KindIntegrity,
				"embedder returned %d-dimensional vector %d, expected %d", len(v), i, want)
		}
		Normalize(v)
	}
	return nil
}

// Normalize scales a vector to unit L2 norm in place. Zero vectors are left
// untouched so cosine against them scores zero instead of NaN.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
