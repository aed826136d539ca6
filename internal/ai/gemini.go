package ai

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiConfig struct {
	APIKey string `json:"api_key"`
	// Dimension requests a reduced output size from models that support it.
	Dimension int `json:"dimension"`
}

type geminiProvider struct {
	client    *genai.Client
	dimension int
}

func newGeminiProvider(args interface{}) (*geminiProvider, error) {
	cfg := &geminiConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	p := &geminiProvider{dimension: cfg.Dimension}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return p, nil
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *geminiProvider) Name() string {
	return "gemini"
}

func (p *geminiProvider) Generate(ctx context.Context, model string, prompt string) (string, error) {
	if p.client == nil {
		return "", ErrUnavailable
	}
	resp, err := p.client.Models.GenerateContent(
		ctx,
		model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		nil,
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (p *geminiProvider) Embed(ctx context.Context, model string, texts []string, taskType string) ([][]float32, error) {
	if p.client == nil {
		return nil, ErrUnavailable
	}
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, &genai.Content{Parts: []*genai.Part{{Text: text}}})
	}
	config := &genai.EmbedContentConfig{TaskType: taskType}
	if p.dimension > 0 {
		dim := int32(p.dimension)
		config.OutputDimensionality = &dim
	}
	resp, err := p.client.Models.EmbedContent(ctx, model, contents, config)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(resp.Embeddings))
	for _, item := range resp.Embeddings {
		if item == nil {
			out = append(out, nil)
			continue
		}
		out = append(out, item.Values)
	}
	return out, nil
}

func createGeminiFactory(args interface{}) (IAIProvider, error) {
	p, err := newGeminiProvider(args)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func createGeminiEmbedFactory(args interface{}) (IEmbedProvider, error) {
	p, err := newGeminiProvider(args)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func init() {
	Register("gemini", createGeminiFactory)
	RegisterEmbed("gemini", createGeminiEmbedFactory)
}
