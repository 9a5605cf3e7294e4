package voice

import (
	"context"

	"github.com/voxlabs/voxd/internal/config"
)

// StaticCatalog serves a fixed voice snapshot loaded from configuration.
type StaticCatalog struct {
	voices   []Voice
	language string
}

func NewStaticCatalog(cfg config.CatalogConfig) *StaticCatalog {
	voices := make([]Voice, 0, len(cfg.Voices))
	for _, entry := range cfg.Voices {
		voices = append(voices, Voice{
			ID:           entry.ID,
			Language:     entry.Language,
			Name:         entry.Name,
			Description:  entry.Description,
			Category:     entry.Category,
			Capabilities: append([]string(nil), entry.Capabilities...),
		})
	}
	return &StaticCatalog{voices: voices, language: cfg.DefaultLanguage}
}

func (c *StaticCatalog) ListAll(_ context.Context, category string) ([]Voice, error) {
	var out []Voice
	for _, v := range c.voices {
		if category == "" || v.Category == category {
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *StaticCatalog) ListByCapability(_ context.Context, capability string) ([]Voice, error) {
	var out []Voice
	for _, v := range c.voices {
		if v.HasCapability(capability) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *StaticCatalog) DefaultLanguage(_ context.Context) (string, error) {
	return c.language, nil
}
