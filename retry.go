package saga

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent marks err as not worth retrying. An action returning it fails
// immediately even when its step has a RetryPolicy.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p *RetryPolicy) backOff() backoff.BackOff {
	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Backoff
		eb.RandomizationFactor = 0
		eb.Multiplier = 2
		eb.MaxElapsedTime = 0
		if p.MaxBackoff > 0 {
			eb.MaxInterval = p.MaxBackoff
		}
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.Backoff)
	}
	return backoff.WithMaxRetries(b, uint64(p.Attempts-1))
}

// retry runs op under policy. Without a policy op runs exactly once. A
// failed run returns the last attempt's own error, even when the context
// ended the backoff, with only an outer Permanent marker removed.
func retry(ctx context.Context, policy *RetryPolicy, op func() error, notify func(err error, next time.Duration)) error {
	if policy == nil || policy.Attempts <= 1 {
		return unwrapPermanent(op())
	}

	var last error
	err := backoff.RetryNotify(func() error {
		last = op()
		return last
	}, backoff.WithContext(policy.backOff(), ctx), notify)
	if err == nil || last == nil {
		return err
	}
	return unwrapPermanent(last)
}

func unwrapPermanent(err error) error {
	if perm, ok := err.(*backoff.PermanentError); ok {
		return perm.Err
	}
	return err
}
