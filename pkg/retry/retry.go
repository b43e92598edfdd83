package retry

import "context"

// Step is one target in an ordered attempt plan, e.g. a model name or an
// endpoint label, with how many tries it gets.
type Step struct {
	Label       string
	MaxAttempts int
}

// Policy is a declarative retry plan: steps are exhausted in order, and an
// error only moves on to the next attempt when Retryable says so. A nil
// Retryable retries everything.
type Policy struct {
	Steps     []Step
	Retryable func(error) bool
}

// Run executes fn against each step until it succeeds, a non-retryable
// error occurs, or the plan is exhausted. The last error is returned.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context, label string) error) error {
	var lastErr error
	for _, step := range p.Steps {
		max := step.MaxAttempts
		if max <= 0 {
			max = 1
		}
		for i := 0; i < max; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			lastErr = fn(ctx, step.Label)
			if lastErr == nil {
				return nil
			}
			if p.Retryable != nil && !p.Retryable(lastErr) {
				return lastErr
			}
		}
	}
	return lastErr
}
