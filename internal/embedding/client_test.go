package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpusd/internal/config"
	"corpusd/internal/types"
)

// fakeRunner scripts failures before succeeding and records batch sizes.
type fakeRunner struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	batches   []int
	dims      int
	badDims   bool
}

func (f *fakeRunner) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batches = append(f.batches, len(texts))
	if f.calls <= f.failFirst {
		return nil, errors.New("connection refused")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		dims := f.dims
		if f.badDims && i == 0 {
			dims = f.dims + 1
		}
		v := make([]float32, dims)
		v[0] = 3
		v[1] = 4
		out[i] = v
	}
	return out, nil
}

func (f *fakeRunner) Dimensions() int               { return f.dims }
func (f *fakeRunner) Name() string                  { return "fake" }
func (f *fakeRunner) Ping(ctx context.Context) error { return nil }

func testConfig() config.EmbeddingConfig {
	return config.EmbeddingConfig{
		BatchSize:       4,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		AttemptTimeout:  time.Second,
		BatchBudget:     5 * time.Second,
		BreakerFailures: 10,
		BreakerWindow:   30 * time.Second,
		BreakerCooldown: 60 * time.Second,
		Concurrency:     2,
	}
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("text %d", i)
	}
	return out
}

func TestEmbedBatchSplitsIntoSubBatches(t *testing.T) {
	runner := &fakeRunner{dims: 8}
	c := NewClient(runner, testConfig())

	vecs, err := c.EmbedBatch(context.Background(), texts(10))
	require.NoError(t, err)
	assert.Len(t, vecs, 10)
	assert.Equal(t, []int{4, 4, 2}, runner.batches)
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	c := NewClient(&fakeRunner{dims: 8}, testConfig())
	vecs, err := c.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	runner := &fakeRunner{dims: 8, failFirst: 2}
	c := NewClient(runner, testConfig())

	vecs, err := c.EmbedBatch(context.Background(), texts(2))
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 3, runner.calls)
}

func TestEmbedGivesUpAfterMaxAttempts(t *testing.T) {
	runner := &fakeRunner{dims: 8, failFirst: 100}
	c := NewClient(runner, testConfig())

	_, err := c.EmbedBatch(context.Background(), texts(1))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindDependency))
	assert.Equal(t, 3, runner.calls)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	runner := &fakeRunner{dims: 8, failFirst: 1000}
	cfg := testConfig()
	cfg.BreakerFailures = 5
	c := NewClient(runner, cfg)

	// Drive enough failed attempts to trip the breaker.
	for i := 0; i < 3; i++ {
		_, err := c.EmbedBatch(context.Background(), texts(1))
		require.Error(t, err)
	}

	before := runner.calls
	_, err := c.EmbedBatch(context.Background(), texts(1))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindDependency))
	assert.Equal(t, before, runner.calls, "open breaker must not reach the runner")
}

func TestDimensionMismatchIsIntegrityError(t *testing.T) {
	runner := &fakeRunner{dims: 8, badDims: true}
	c := NewClient(runner, testConfig())

	_, err := c.EmbedBatch(context.Background(), texts(1))
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindIntegrity))
}

func TestVectorsAreNormalized(t *testing.T) {
	runner := &fakeRunner{dims: 8}
	c := NewClient(runner, testConfig())

	vecs, err := c.EmbedQuery(context.Background(), "query")
	require.NoError(t, err)

	var norm float64
	for _, x := range vecs {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)
}

func TestNormalizeZeroVector(t *testing.T) {
	v := make([]float32, 4)
	Normalize(v)
	for _, x := range v {
		assert.False(t, math.IsNaN(float64(x)))
		assert.Zero(t, x)
	}
}
