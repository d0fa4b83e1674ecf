package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"drillforge/internal/config"
)

// Params are the sampling parameters for one generation call.
type Params struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
}

// Engine is the boundary to the external generative model. Generate is
// transient-failure-prone and subject to the configured per-call deadline;
// Embed is deterministic for identical input.
type Engine interface {
	Generate(ctx context.Context, prompt string, p Params) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// New selects an engine implementation from config.
func New(cfg *config.Config) (Engine, error) {
	timeout := config.Duration(cfg.Engine.CallTimeout)
	switch cfg.Engine.Kind {
	case "ollama":
		return NewOllama(cfg.Engine.OllamaBaseURL, cfg.Engine.GenModel, cfg.Engine.EmbedModel, timeout), nil
	case "openai":
		return NewOpenAI(cfg.Engine.OpenAIAPIKey, cfg.Engine.OpenAIBaseURL, cfg.Engine.GenModel, cfg.Engine.EmbedModel, timeout)
	}
	return nil, fmt.Errorf("unknown engine kind %q", cfg.Engine.Kind)
}

// statusError marks an upstream HTTP failure with its status code, so
// IsTransient can tell overload from rejection.
type statusError struct {
	op     string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.op, e.status)
}

// IsTransient reports whether err is worth retrying: timeouts, network
// failures, upstream overload (429) and server errors (5xx). Malformed
// requests and auth failures are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return false
}

// callTimeout returns a child context bounded by the per-call deadline, or
// the parent unchanged when no deadline is configured.
func callTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
