package llm

import (
	"context"

	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// FallbackClient tries the primary provider and, on error, the fallback.
type FallbackClient struct {
	primary  Client
	fallback Client
	logger   *logging.Logger
}

var _ Client = (*FallbackClient)(nil)

// NewFallbackClient wraps primary; a nil fallback disables the retry.
func NewFallbackClient(primary, fallback Client, logger *logging.Logger) *FallbackClient {
	if primary == nil {
		panic("llm: primary client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackClient{primary: primary, fallback: fallback, logger: logger}
}

func (c *FallbackClient) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := c.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	c.logger.Warn("primary llm failed", "error", err, "fallback_available", c.fallback != nil)
	if c.fallback == nil || ctx.Err() != nil {
		return Response{}, err
	}
	resp, fallbackErr := c.fallback.Complete(ctx, req)
	if fallbackErr != nil {
		c.logger.Error("fallback llm also failed", "primary_error", err, "fallback_error", fallbackErr)
		return Response{}, fallbackErr
	}
	return resp, nil
}
