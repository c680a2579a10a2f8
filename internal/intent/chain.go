package intent

import (
	"context"
	"time"

	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// Chain runs the phrase detector first, then the primary classifier under a
// timeout, and falls back to keywords when the primary fails.
type Chain struct {
	phrases  *PhraseDetector
	primary  Classifier
	fallback Classifier
	timeout  time.Duration
	logger   *logging.Logger
}

type ChainOption func(*Chain)

// WithPrimary sets the classifier consulted after the phrase detector.
func WithPrimary(c Classifier) ChainOption {
	return func(ch *Chain) { ch.primary = c }
}

func WithTimeout(d time.Duration) ChainOption {
	return func(ch *Chain) {
		if d > 0 {
			ch.timeout = d
		}
	}
}

func WithLogger(l *logging.Logger) ChainOption {
	return func(ch *Chain) {
		if l != nil {
			ch.logger = l
		}
	}
}

func NewChain(opts ...ChainOption) *Chain {
	ch := &Chain{
		phrases:  NewPhraseDetector(),
		fallback: NewKeywordClassifier(),
		timeout:  4 * time.Second,
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

func (c *Chain) Classify(ctx context.Context, text string) (Intent, error) {
	if c.phrases.IsHardRejection(text) {
		return HardRejection, nil
	}
	if c.primary != nil {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		got, err := c.primary.Classify(cctx, text)
		cancel()
		if err == nil {
			return got, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Warn("intent classifier failed, using keywords", "error", err)
	}
	return c.fallback.Classify(ctx, text)
}
