package ai

import (
	"fmt"

	"github.com/xxxsen/docqa/internal/config"
)

// NewEmbedderFromConfig builds the embedder chain declared by cfg.Embed, in
// fallback order.
func NewEmbedderFromConfig(cfg config.AIConfig) (IEmbedder, error) {
	providers := providerArgs(cfg)
	entries := make([]EmbedderEntry, 0, len(cfg.Embed))
	for _, ref := range cfg.Embed {
		pc, ok := providers[ref.Provider]
		if !ok {
			return nil, fmt.Errorf("unknown ai provider: %s", ref.Provider)
		}
		p, err := NewEmbedProvider(pc.Type, pc.Data)
		if err != nil {
			return nil, fmt.Errorf("init embed provider %s: %w", ref.Provider, err)
		}
		entries = append(entries, EmbedderEntry{Name: ref.Provider, Embedder: NewEmbedder(p, ref.Model)})
	}
	e := NewGroupEmbedder(entries)
	if e == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	return e, nil
}

// NewGeneratorFromConfig returns nil when no generation model is configured.
func NewGeneratorFromConfig(cfg config.AIConfig) (IGenerator, error) {
	providers := providerArgs(cfg)
	entries := make([]GeneratorEntry, 0, len(cfg.Generate))
	for _, ref := range cfg.Generate {
		pc, ok := providers[ref.Provider]
		if !ok {
			return nil, fmt.Errorf("unknown ai provider: %s", ref.Provider)
		}
		p, err := NewProvider(pc.Type, pc.Data)
		if err != nil {
			return nil, fmt.Errorf("init ai provider %s: %w", ref.Provider, err)
		}
		entries = append(entries, GeneratorEntry{Name: ref.Provider, Generator: NewGenerator(p, ref.Model)})
	}
	return NewGroupGenerator(entries), nil
}

func providerArgs(cfg config.AIConfig) map[string]config.ProviderConfig {
	out := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out[p.Name] = p
	}
	return out
}
