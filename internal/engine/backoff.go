package engine

import (
	"context"
	"time"

	"github.com/avorel/ensemble/pkg/api"
)

// backoffDelay returns the delay before the n-th retry (0-based) under p.
//
//	fixed:       InitialDelay
//	linear:      min(InitialDelay * (n+1), MaxDelay)
//	exponential: min(InitialDelay * 2^n, MaxDelay)
func backoffDelay(p *api.RetryPolicy, retry int) time.Duration {
	if p == nil || p.InitialDelay <= 0 {
		return 0
	}
	switch p.Strategy {
	case api.BackoffLinear:
		d := p.InitialDelay * time.Duration(retry+1)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
		return d
	case api.BackoffExponential:
		// Guard the shift: past 62 bits the doubling has long since
		// saturated any sane MaxDelay.
		if retry > 62 {
			retry = 62
		}
		d := p.InitialDelay << uint(retry)
		if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
			if p.MaxDelay > 0 {
				return p.MaxDelay
			}
			return p.InitialDelay
		}
		return d
	default:
		return p.InitialDelay
	}
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
