package resilience

import "context"

// Pipeline composes the rate limiter, circuit breaker, and retrying
// caller in the fixed order spec §4.1 mandates for every outbound call:
// rate limiter -> breaker -> retrying caller -> transport.
type Pipeline struct {
	limiter     *Limiter
	breaker     *CircuitBreaker
	retryConfig RetryConfig
	resourceKey string
}

// NewPipeline builds a Pipeline guarding calls to resourceKey.
func NewPipeline(resourceKey string, limiter *Limiter, breaker *CircuitBreaker, retryConfig RetryConfig) *Pipeline {
	return &Pipeline{limiter: limiter, breaker: breaker, retryConfig: retryConfig, resourceKey: resourceKey}
}

// Breaker exposes the pipeline's circuit breaker, if any, so a metrics
// collector can scrape its state without the pipeline depending on the
// metrics package.
func (p *Pipeline) Breaker() *CircuitBreaker { return p.breaker }

// ResourceKey identifies the resource this pipeline guards, used as a
// metric label.
func (p *Pipeline) ResourceKey() string { return p.resourceKey }

// Do runs fn through the full resilience stack. fn should wrap its
// retryable failures (transport errors, 5xx/429) with Retryable; anything
// else propagates without consuming a retry attempt.
func (p *Pipeline) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.limiter != nil {
		if err := p.limiter.Require(ctx, p.resourceKey); err != nil {
			return err
		}
	}

	call := fn
	if p.retryConfig.MaxAttempts > 0 {
		call = func(ctx context.Context) error {
			return Retry(ctx, p.retryConfig, fn)
		}
	}

	if p.breaker != nil {
		return p.breaker.Execute(ctx, call)
	}
	return call(ctx)
}
