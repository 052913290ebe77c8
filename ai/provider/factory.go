package provider

import (
	"github.com/AITrekker/Jarvis/am"
	"github.com/AITrekker/Jarvis/errors"
)

// NewLocalBackends creates the summarizer and embedder from configuration.
// Returns ErrServiceUnavailable when local inference is disabled.
func NewLocalBackends(cfg *am.Config) (*LocalProvider, error) {
	if !cfg.LocalInference.Enabled {
		return nil, errors.WithHint(
			errors.Wrap(errors.ErrServiceUnavailable, "local inference is disabled"),
			"set local_inference.enabled = true in am.toml")
	}
	if cfg.LocalInference.BaseURL == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "local_inference.base_url is empty")
	}
	return NewLocalProvider(&cfg.LocalInference), nil
}
