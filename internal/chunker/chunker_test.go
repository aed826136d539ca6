package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
)

func TestChunkScenario(t *testing.T) {
	c, err := New(Config{TargetSize: 4, Overlap: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"ABCD", "CDEF", "EFGH", "GHIJ"}, c.Chunk("ABCDEFGHIJ"))
}

func TestChunkEmptyInput(t *testing.T) {
	c, err := New(Config{TargetSize: 4, Overlap: 2})
	require.NoError(t, err)
	require.Empty(t, c.Chunk(""))
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "overlap equals target", cfg: Config{TargetSize: 4, Overlap: 4}},
		{name: "overlap exceeds target", cfg: Config{TargetSize: 4, Overlap: 9}},
		{name: "zero target", cfg: Config{TargetSize: 0, Overlap: 0}},
		{name: "negative overlap", cfg: Config{TargetSize: 4, Overlap: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.ErrorIs(t, err, appErr.ErrInvalidChunkConfig)
		})
	}
}

func TestChunkProperties(t *testing.T) {
	texts := []string{
		"a",
		"ABCDEFGHIJK",
		"ABCDEFGHI",
		strings.Repeat("lorem ipsum dolor sit amet ", 40),
		"日本語のテキストを分割します。重なりも正しく保たれるべきです。",
	}
	configs := []Config{
		{TargetSize: 4, Overlap: 2},
		{TargetSize: 5, Overlap: 0},
		{TargetSize: 7, Overlap: 3},
		{TargetSize: 100, Overlap: 20},
	}
	for _, cfg := range configs {
		c, err := New(cfg)
		require.NoError(t, err)
		for _, text := range texts {
			chunks := c.Chunk(text)
			require.Equal(t, chunks, c.Chunk(text), "chunking must be deterministic")

			var rebuilt strings.Builder
			for i, chunk := range chunks {
				runes := []rune(chunk)
				require.LessOrEqual(t, len(runes), cfg.TargetSize)
				if i == 0 {
					rebuilt.WriteString(chunk)
					continue
				}
				prev := []rune(chunks[i-1])
				require.Equal(t, string(prev[len(prev)-cfg.Overlap:]), string(runes[:cfg.Overlap]))
				rebuilt.WriteString(string(runes[cfg.Overlap:]))
			}
			require.Equal(t, text, rebuilt.String())
		}
	}
}

func TestNewWithOptions(t *testing.T) {
	c, err := NewWithOptions()
	require.NoError(t, err)
	require.Equal(t, Config{TargetSize: DefaultTargetSize, Overlap: DefaultOverlap}, c.Config())

	c, err = NewWithOptions(WithTargetSize(10), WithOverlap(1))
	require.NoError(t, err)
	require.Len(t, c.Chunk(strings.Repeat("x", 19)), 2)

	_, err = NewWithOptions(WithTargetSize(10), WithOverlap(10))
	require.ErrorIs(t, err, appErr.ErrInvalidChunkConfig)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 0, EstimateTokens(""))
	require.Equal(t, 3, EstimateTokens("one two three"))
	require.Equal(t, 1, EstimateTokens("  "))
	require.Equal(t, 3, EstimateTokens("日本"))
}
