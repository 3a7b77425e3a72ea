package router

import (
	"context"
	"time"

	"taskforge/internal/logging"
	"taskforge/internal/provider"
)

// InvokeFunc performs one provider call against a chosen target.
type InvokeFunc func(ctx context.Context, target Target) (*provider.Response, error)

// Result is the outcome of a fallback-protected invocation.
type Result struct {
	Decision  Decision
	Response  *provider.Response
	Decisions []Decision // every decision made for this invocation, in order
	Attempts  int
	FellBack  bool
}

// WithFallback runs invoke against router-picked targets until one
// succeeds or the chain is exhausted. Retryable failures back off
// exponentially (retry-after hints override the backoff) and re-try the
// same target up to retriesPerTarget times before it is excluded and the
// chain re-entered. Non-retryable failures abort immediately, except
// auth failures, which exclude the provider's target and continue.
//
// retriesPerTarget overrides the configured RetriesPerTarget for this
// call; 0 or less means the configured value. Total invocations are
// always bounded by MaxFallbackAttempts, so a per-target setting can
// never starve the rest of the chain.
//
// The picked target's estimated cost is held as a reservation against
// the daily counters while the call is in flight, so concurrent
// invocations see each other's pending spend. Realized cost is charged
// by the caller after the call returns; a cancelled in-flight call
// still charges when it completes.
func (r *Router) WithFallback(ctx context.Context, rc RouteContext, retriesPerTarget int, invoke InvokeFunc) (*Result, error) {
	if retriesPerTarget <= 0 {
		retriesPerTarget = r.cfg.RetriesPerTarget
	}
	perTarget := make(map[Target]int)
	var decisions []Decision
	var lastErr error
	fellBack := false

	attempts := 0
	for attempts < r.cfg.MaxFallbackAttempts {
		if err := ctx.Err(); err != nil {
			return nil, provider.WrapError(provider.KindCancelled, err, "invocation cancelled before attempt %d", attempts+1)
		}

		dec, err := r.Pick(rc)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		if dec.Tier != TierPrimary {
			fellBack = true
		}

		if !r.budget.reserve(dec.Target.Provider, dec.EstCost) {
			// Lost a spend race since the pick's budget filter ran.
			rc = rc.Exclude(dec.Target)
			continue
		}

		attempts++
		decisions = append(decisions, *dec)
		resp, err := invoke(ctx, dec.Target)
		r.budget.release(dec.Target.Provider, dec.EstCost)
		if err == nil {
			r.RecordCall(dec.Target.Provider, resp.Latency, false)
			return &Result{
				Decision:  *dec,
				Response:  resp,
				Decisions: decisions,
				Attempts:  attempts,
				FellBack:  fellBack,
			}, nil
		}

		lastErr = err
		r.RecordCall(dec.Target.Provider, 0, true)
		logging.Router("Attempt %d on %s failed: %v", attempts, dec.Target, err)

		kind := provider.KindOf(err)
		switch {
		case kind == provider.KindProviderAuth:
			// Registry already marked the provider invalid; move on.
			rc = rc.Exclude(dec.Target)
			continue
		case kind == provider.KindCancelled:
			return nil, err
		case !provider.IsRetryable(err):
			return nil, err
		}

		perTarget[dec.Target]++
		if perTarget[dec.Target] >= retriesPerTarget {
			rc = rc.Exclude(dec.Target)
		}

		wait := r.backoff(perTarget[dec.Target])
		if hint := provider.RetryAfterOf(err); hint > 0 {
			wait = hint
		}
		select {
		case <-ctx.Done():
			return nil, provider.WrapError(provider.KindCancelled, ctx.Err(), "invocation cancelled during backoff")
		case <-time.After(wait):
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, provider.NewError(provider.KindNoTarget, "fallback attempts exhausted for agent %s", rc.AgentID)
}

// backoff computes exponential backoff for the nth retry on a target.
func (r *Router) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := r.cfg.BackoffBase << uint(n-1)
	if d > r.cfg.BackoffCap || d <= 0 {
		return r.cfg.BackoffCap
	}
	return d
}
