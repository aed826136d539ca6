package chunker

import (
	"fmt"
	"strings"

	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
)

const (
	DefaultTargetSize = 1000
	DefaultOverlap    = 200
)

// Config sizes are counted in runes.
type Config struct {
	TargetSize int
	Overlap    int
}

func (c Config) Validate() error {
	if c.TargetSize <= 0 {
		return fmt.Errorf("%w: target size %d must be positive", appErr.ErrInvalidChunkConfig, c.TargetSize)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("%w: overlap %d must not be negative", appErr.ErrInvalidChunkConfig, c.Overlap)
	}
	if c.Overlap >= c.TargetSize {
		return fmt.Errorf("%w: overlap %d must be smaller than target size %d", appErr.ErrInvalidChunkConfig, c.Overlap, c.TargetSize)
	}
	return nil
}

type Option func(*Config)

func WithTargetSize(size int) Option {
	return func(c *Config) {
		c.TargetSize = size
	}
}

func WithOverlap(overlap int) Option {
	return func(c *Config) {
		c.Overlap = overlap
	}
}

// Chunker splits text into fixed-size windows where consecutive windows
// share exactly Overlap runes.
type Chunker struct {
	cfg Config
}

func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

func NewWithOptions(opts ...Option) (*Chunker, error) {
	cfg := Config{TargetSize: DefaultTargetSize, Overlap: DefaultOverlap}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

func (c *Chunker) Config() Config {
	return c.cfg
}

func (c *Chunker) Chunk(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	step := c.cfg.TargetSize - c.cfg.Overlap
	chunks := make([]string, 0, len(runes)/step+1)
	for start := 0; ; start += step {
		end := start + c.cfg.TargetSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// EstimateTokens counts words plus non-ASCII runes, a rough stand-in for a
// tokenizer that works for both English and CJK text.
func EstimateTokens(text string) int {
	count := 0
	for _, r := range text {
		if r > 127 {
			count++
		}
	}
	count += len(strings.Fields(text))
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}
