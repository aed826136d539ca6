package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/xxxsen/docqa/internal/ai"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
)

type fakeEmbedder struct {
	mu        sync.Mutex
	dim       int
	calls     [][]string
	taskTypes []string
	// fail, when set, decides per call (1 based) whether to return an error.
	fail  func(call int, texts []string) error
	block bool
	hook  func(call int)
	short bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.taskTypes = append(f.taskTypes, taskType)
	call := len(f.calls)
	f.mu.Unlock()
	if f.hook != nil {
		f.hook(call)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.fail != nil {
		if err := f.fail(call, texts); err != nil {
			return nil, err
		}
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, f.dim)
		v[0] = float32(len(texts[i]))
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) ModelName() string { return "fake:embed" }

func (f *fakeEmbedder) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, 0, len(f.calls))
	for _, c := range f.calls {
		sizes = append(sizes, len(c))
	}
	return sizes
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func testConfig(dim, batch int) Config {
	return Config{
		Dimension:    dim,
		MaxBatchSize: batch,
		Cooldown:     5 * time.Second,
		MaxAttempts:  2,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		CallTimeout:  time.Minute,
	}
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("text-%02d", i)
	}
	return out
}

func TestEmbedSplitsIntoSubBatches(t *testing.T) {
	fake := &fakeEmbedder{dim: 4}
	sleeper := &recordingSleeper{}
	c, err := NewClient(fake, testConfig(4, 5), WithSleeper(sleeper.sleep))
	require.NoError(t, err)

	input := texts(12)
	vectors, err := c.Embed(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, vectors, 12)
	require.Equal(t, []int{5, 5, 2}, fake.batchSizes())
	for i := range input {
		require.Equal(t, float32(len(input[i])), vectors[i][0])
	}
	require.Equal(t, input[5:10], fake.calls[1])
	// cooldown only between sub-batches
	require.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, sleeper.delays)
	for _, tt := range fake.taskTypes {
		require.Equal(t, ai.TaskTypeDocument, tt)
	}
}

func TestEmbedSingleBatchNoCooldown(t *testing.T) {
	fake := &fakeEmbedder{dim: 4}
	sleeper := &recordingSleeper{}
	c, err := NewClient(fake, testConfig(4, 5), WithSleeper(sleeper.sleep))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), texts(5))
	require.NoError(t, err)
	require.Empty(t, sleeper.delays)

	out, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, []int{5}, fake.batchSizes())
}

func TestEmbedDimensionMismatch(t *testing.T) {
	fake := &fakeEmbedder{dim: 5}
	c, err := NewClient(fake, testConfig(768, 90), WithSleeper((&recordingSleeper{}).sleep))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), texts(3))
	require.Error(t, err)
	require.ErrorIs(t, err, appErr.ErrEmbeddingDimensionMismatch)
	var dimErr *DimensionError
	require.True(t, errors.As(err, &dimErr))
	require.Equal(t, 0, dimErr.Index)
	require.Equal(t, 768, dimErr.Want)
	require.Equal(t, 5, dimErr.Got)
	require.Len(t, fake.calls, 1, "shape errors are not retried")
}

func TestEmbedCountMismatch(t *testing.T) {
	fake := &fakeEmbedder{dim: 3, short: true}
	c, err := NewClient(fake, testConfig(3, 90), WithSleeper((&recordingSleeper{}).sleep))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), texts(3))
	require.ErrorIs(t, err, appErr.ErrEmbeddingDimensionMismatch)
	var dimErr *DimensionError
	require.True(t, errors.As(err, &dimErr))
	require.Equal(t, -1, dimErr.Index)
	require.Equal(t, 3, dimErr.Want)
	require.Equal(t, 2, dimErr.Got)
}

func TestEmbedRetriesTransientFailure(t *testing.T) {
	fake := &fakeEmbedder{dim: 2, fail: func(call int, _ []string) error {
		if call == 1 {
			return &ai.StatusError{Provider: "fake", StatusCode: 503, Body: "overloaded"}
		}
		return nil
	}}
	sleeper := &recordingSleeper{}
	c, err := NewClient(fake, testConfig(2, 10), WithSleeper(sleeper.sleep))
	require.NoError(t, err)

	vectors, err := c.Embed(context.Background(), texts(3))
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	require.Len(t, fake.calls, 2)
	require.Equal(t, []time.Duration{time.Second}, sleeper.delays)
}

func TestEmbedExhaustionReportsRange(t *testing.T) {
	fake := &fakeEmbedder{dim: 2, fail: func(call int, _ []string) error {
		if call == 1 {
			return nil
		}
		return &ai.StatusError{Provider: "fake", StatusCode: 429, Body: "slow down"}
	}}
	c, err := NewClient(fake, testConfig(2, 5), WithSleeper((&recordingSleeper{}).sleep))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), texts(7))
	require.Error(t, err)
	require.ErrorIs(t, err, appErr.ErrEmbeddingService)
	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
	require.Equal(t, 5, svcErr.Start)
	require.Equal(t, 7, svcErr.End)
	require.Equal(t, 2, svcErr.Attempts)
	var statusErr *ai.StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, 429, statusErr.StatusCode)
}

func TestEmbedPermanentFailureNotRetried(t *testing.T) {
	fake := &fakeEmbedder{dim: 2, fail: func(int, []string) error {
		return &ai.StatusError{Provider: "fake", StatusCode: 400, Body: "bad input"}
	}}
	c, err := NewClient(fake, testConfig(2, 5), WithSleeper((&recordingSleeper{}).sleep))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), texts(2))
	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
	require.Equal(t, 1, svcErr.Attempts)
	require.Len(t, fake.calls, 1)
}

func TestEmbedPerCallTimeout(t *testing.T) {
	fake := &fakeEmbedder{dim: 2, block: true}
	cfg := testConfig(2, 5)
	cfg.CallTimeout = 20 * time.Millisecond
	c, err := NewClient(fake, cfg, WithSleeper((&recordingSleeper{}).sleep))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), texts(2))
	require.ErrorIs(t, err, appErr.ErrEmbeddingService)
	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
	require.Equal(t, 2, svcErr.Attempts, "timeouts are transient")
}

func TestEmbedCancelDuringCooldown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := &fakeEmbedder{dim: 2, hook: func(call int) {
		if call == 1 {
			cancel()
		}
	}}
	cfg := testConfig(2, 2)
	cfg.Cooldown = time.Hour
	c, err := NewClient(fake, cfg)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Embed(ctx, texts(4))
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, fake.calls, 1)
}

func TestEmbedCooldownDoesNotBlockOtherCallers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	fake := &fakeEmbedder{dim: 2, hook: func(call int) {
		if call == 1 {
			close(started)
		}
	}}
	cfg := testConfig(2, 5)
	cfg.Cooldown = time.Hour
	c, err := NewClient(fake, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Embed(ctx, texts(10))
		done <- err
	}()
	<-started

	vector, err := c.EmbedQuery(context.Background(), "question")
	require.NoError(t, err)
	require.Len(t, vector, 2)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("long embed did not observe cancellation")
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, ai.TaskTypeQuery, fake.taskTypes[1])
}

func TestEmbedWithLimiter(t *testing.T) {
	fake := &fakeEmbedder{dim: 2}
	c, err := NewClient(fake, testConfig(2, 1),
		WithSleeper((&recordingSleeper{}).sleep),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	require.NoError(t, err)
	vectors, err := c.Embed(context.Background(), texts(3))
	require.NoError(t, err)
	require.Len(t, vectors, 3)
}

func TestBackoff(t *testing.T) {
	c, err := NewClient(&fakeEmbedder{dim: 1}, testConfig(1, 1))
	require.NoError(t, err)
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, c.backoff(tt.n), "n=%d", tt.n)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"status 429", &ai.StatusError{StatusCode: 429}, true},
		{"status 502", &ai.StatusError{StatusCode: 502}, true},
		{"status 401", &ai.StatusError{StatusCode: 401}, false},
		{"unavailable provider", ai.ErrUnavailable, false},
		{"quota message", errors.New("Error 429: RESOURCE_EXHAUSTED"), true},
		{"plain", errors.New("invalid argument"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(nil, testConfig(1, 1))
	require.Error(t, err)
	_, err = NewClient(&fakeEmbedder{}, testConfig(0, 1))
	require.Error(t, err)
	_, err = NewClient(&fakeEmbedder{}, testConfig(1, 0))
	require.Error(t, err)
}
