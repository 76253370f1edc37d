package llm

import (
	"log/slog"
	"time"
)

const (
	// EnvGogoMode is the environment variable name for mode selection.
	EnvGogoMode = "GOGO_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// Config selects and configures the invoker.
type Config struct {
	Mode    string
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewInvoker returns the mock invoker when Mode is MOCK and an
// OpenAI-compatible invoker otherwise.
func NewInvoker(cfg Config, logger *slog.Logger, opts ...OpenAIOption) Invoker {
	if cfg.Mode == ModeMock {
		logger.Info("GOGO_MODE=MOCK detected, using mock model")
		return NewMockInvoker()
	}
	return NewOpenAIInvoker(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout, opts...)
}
