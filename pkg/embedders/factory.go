package embedders

import (
	"strings"

	"github.com/memtensor/hybridmem/pkg/config"
	"github.com/memtensor/hybridmem/pkg/errors"
	"github.com/memtensor/hybridmem/pkg/interfaces"
)

// New creates the embedder selected by cfg.Backend
func New(cfg config.EmbedderConfig, log interfaces.Logger) (interfaces.Embedder, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "hash":
		h, err := NewHashEmbedder(cfg.Dimension)
		if err != nil {
			return nil, err
		}
		h.SetMaxLength(cfg.MaxLength)
		return h, nil
	case "openai":
		return NewOpenAIEmbedder(cfg, log)
	default:
		return nil, errors.NewConfigInvalidError("unsupported embedder backend").
			WithDetail("backend", cfg.Backend)
	}
}
