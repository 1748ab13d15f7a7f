// Package fallback runs an ordered list of strategies until one succeeds.
package fallback

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"findash/internal/provider"
)

// Strategy is one way of producing T from input I. A failing strategy must
// leave no side effects so the list can always be retried.
type Strategy[I, T any] struct {
	Name string
	Run  func(ctx context.Context, in I) (T, error)
}

// Chain tries its strategies in fixed priority order.
type Chain[I, T any] struct {
	Strategies []Strategy[I, T]
	Log        *logrus.Entry
}

// Resolve returns the first successful result. An ErrInvalidRequest failure
// aborts immediately since no other strategy can help. When every strategy
// fails the result is a single *provider.ExhaustedError.
func (c Chain[I, T]) Resolve(ctx context.Context, subject string, in I) (T, error) {
	var zero T
	attempts := make([]provider.Attempt, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, provider.Attempt{Strategy: s.Name, Err: provider.Classify(s.Name, err)})
			break
		}
		v, err := s.Run(ctx, in)
		if err == nil {
			if len(attempts) > 0 && c.Log != nil {
				c.Log.WithFields(logrus.Fields{"subject": subject, "strategy": s.Name, "failed": len(attempts)}).
					Info("fallback strategy succeeded")
			}
			return v, nil
		}
		err = provider.Classify(s.Name, err)
		if errors.Is(err, provider.ErrInvalidRequest) {
			return zero, err
		}
		if c.Log != nil {
			c.Log.WithFields(logrus.Fields{"subject": subject, "strategy": s.Name}).WithError(err).
				Debug("strategy failed, trying next")
		}
		attempts = append(attempts, provider.Attempt{Strategy: s.Name, Err: err})
	}
	exhausted := &provider.ExhaustedError{Subject: subject, Attempts: attempts}
	if c.Log != nil {
		c.Log.WithField("subject", subject).WithError(exhausted).Warn("all strategies exhausted")
	}
	return zero, exhausted
}

// Len is the number of strategies in the chain.
func (c Chain[I, T]) Len() int { return len(c.Strategies) }
