package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xxxsen/docqa/internal/ai"
	"github.com/xxxsen/docqa/internal/config"
)

type Config struct {
	Dimension    int
	MaxBatchSize int
	// Cooldown is the pause between consecutive sub-batches of one call.
	Cooldown    time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Dimension:    768,
		MaxBatchSize: 90,
		Cooldown:     5 * time.Second,
		MaxAttempts:  2,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		CallTimeout:  30 * time.Second,
	}
}

func ConfigFromPipeline(p config.PipelineConfig) Config {
	return Config{
		Dimension:    p.EmbeddingDimension,
		MaxBatchSize: p.MaxBatchSize,
		Cooldown:     time.Duration(p.BatchCooldownMs) * time.Millisecond,
		MaxAttempts:  p.RetryAttempts,
		BaseDelay:    time.Duration(p.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(p.RetryMaxDelayMs) * time.Millisecond,
		CallTimeout:  time.Duration(p.CallTimeoutSec) * time.Second,
	}
}

type Option func(*Client)

// WithLimiter paces provider calls across every caller sharing the limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

// Client embeds texts through an ai.IEmbedder while honoring the provider's
// batch size cap, rate limits and transient failures. It is safe for
// concurrent use; waits only suspend the calling goroutine.
type Client struct {
	embedder ai.IEmbedder
	cfg      Config
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewClient(embedder ai.IEmbedder, cfg Config, opts ...Option) (*Client, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	if cfg.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max batch size must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	c := &Client{embedder: embedder, cfg: cfg, sleep: sleepContext}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Dimension() int {
	return c.cfg.Dimension
}

func (c *Client) ModelName() string {
	return c.embedder.ModelName()
}

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, ai.TaskTypeDocument)
}

func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text}, ai.TaskTypeQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.MaxBatchSize {
		if start > 0 && c.cfg.Cooldown > 0 {
			if err := c.sleep(ctx, c.cfg.Cooldown); err != nil {
				return nil, err
			}
		}
		end := start + c.cfg.MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := c.embedBatch(ctx, texts[start:end], start, taskType)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string, offset int, taskType string) ([][]float32, error) {
	logger := logutil.GetLogger(ctx).With(
		zap.Int("batch_start", offset),
		zap.Int("batch_size", len(batch)),
		zap.String("task_type", taskType),
	)
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			logger.Warn("retry embedding batch", zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(lastErr))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		attempts++
		vectors, err := c.call(ctx, batch, taskType)
		if err == nil {
			if err := c.validate(vectors, len(batch), offset); err != nil {
				logger.Error("embedding response rejected", zap.Error(err))
				return nil, err
			}
			return vectors, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
	}
	return nil, &ServiceError{Start: offset, End: offset + len(batch), Attempts: attempts, Err: lastErr}
}

func (c *Client) call(ctx context.Context, batch []string, taskType string) ([][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	callCtx := ctx
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	vectors, err := c.embedder.Embed(callCtx, batch, taskType)
	if err != nil && ctx.Err() == nil && callCtx.Err() != nil {
		return nil, fmt.Errorf("%w after %s: %v", errCallTimeout, c.cfg.CallTimeout, err)
	}
	return vectors, err
}

func (c *Client) validate(vectors [][]float32, want int, offset int) error {
	if len(vectors) != want {
		return &DimensionError{Index: -1, Want: want, Got: len(vectors)}
	}
	for i, v := range vectors {
		if len(v) != c.cfg.Dimension {
			return &DimensionError{Index: offset + i, Want: c.cfg.Dimension, Got: len(v)}
		}
	}
	return nil
}

// backoff returns the wait before retry n (0 based): BaseDelay doubled n
// times, capped at MaxDelay.
func (c *Client) backoff(n int) time.Duration {
	delay := c.cfg.BaseDelay
	for i := 0; i < n; i++ {
		delay *= 2
		if c.cfg.MaxDelay > 0 && delay >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if c.cfg.MaxDelay > 0 && delay > c.cfg.MaxDelay {
		return c.cfg.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
