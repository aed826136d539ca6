package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/docqa/internal/config"
)

func TestOpenAIEmbedBatchKeepsOrder(t *testing.T) {
	var gotInput []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotInput = req.Input
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	p, err := NewEmbedProvider("openai", map[string]interface{}{"api_key": "key", "base_url": srv.URL})
	require.NoError(t, err)
	out, err := p.Embed(context.Background(), "m", []string{"a", "b"}, TaskTypeDocument)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, gotInput)
	require.Equal(t, [][]float32{{1, 0}, {0, 1}}, out)
}

func TestOpenAIStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	p, err := NewEmbedProvider("openai", map[string]interface{}{"api_key": "key", "base_url": srv.URL})
	require.NoError(t, err)
	_, err = p.Embed(context.Background(), "m", []string{"a"}, "")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	require.Equal(t, "slow down", statusErr.Body)
}

func TestProviderWithoutKeyIsUnavailable(t *testing.T) {
	p, err := NewEmbedProvider("openai", map[string]interface{}{})
	require.NoError(t, err)
	_, err = p.Embed(context.Background(), "m", []string{"a"}, "")
	require.ErrorIs(t, err, ErrUnavailable)

	g, err := NewProvider("gemini", map[string]interface{}{})
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), "m", "hi")
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = NewProvider("nope", nil)
	require.Error(t, err)
}

type stubEmbedder struct {
	name  string
	err   error
	calls int
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

func (s *stubEmbedder) ModelName() string { return s.name }

func TestGroupEmbedderFallback(t *testing.T) {
	first := &stubEmbedder{name: "a", err: errors.New("boom")}
	second := &stubEmbedder{name: "b"}
	g := NewGroupEmbedder([]EmbedderEntry{{Name: "a", Embedder: first}, {Name: "b", Embedder: second}})

	out, err := g.Embed(context.Background(), []string{"x", "y"}, TaskTypeQuery)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, 1, first.calls)
	require.Equal(t, 1, second.calls)
	require.Equal(t, "a|b", g.ModelName())

	second.err = errors.New("also down")
	_, err = g.Embed(context.Background(), []string{"x"}, TaskTypeQuery)
	require.EqualError(t, err, "also down")
}

func TestNewEmbedderFromConfig(t *testing.T) {
	cfg := config.AIConfig{
		Providers: []config.ProviderConfig{{Name: "main", Type: "openai", Data: map[string]interface{}{"api_key": "k"}}},
		Embed:     []config.ModelRef{{Provider: "main", Model: "text-embedding-3-small"}},
	}
	e, err := NewEmbedderFromConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "openai:text-embedding-3-small", e.ModelName())

	gen, err := NewGeneratorFromConfig(cfg)
	require.NoError(t, err)
	require.Nil(t, gen)

	cfg.Embed = []config.ModelRef{{Provider: "missing", Model: "m"}}
	_, err = NewEmbedderFromConfig(cfg)
	require.Error(t, err)
}
