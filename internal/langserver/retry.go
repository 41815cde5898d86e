package langserver

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// ProbeState is the outcome of one readiness probe.
type ProbeState int

const (
	ProbeNotReady ProbeState = iota
	ProbeReady
	// ProbeExited means the probed process is gone and retrying is pointless.
	ProbeExited
)

func (s ProbeState) String() string {
	switch s {
	case ProbeReady:
		return "ready"
	case ProbeExited:
		return "exited"
	default:
		return "not-ready"
	}
}

// RetryPolicy bounds a readiness poll by attempt count and total time.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultRetryPolicy polls every 100ms for up to 120 attempts or 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 120, Interval: 100 * time.Millisecond, Timeout: 30 * time.Second}
}

// Poll runs probe until it reports ready or exited, attempts run out or the
// timeout expires. It returns the last state and the number of attempts made.
// Only cancellation of ctx itself is returned as an error.
func (p RetryPolicy) Poll(ctx context.Context, probe func(context.Context) ProbeState) (ProbeState, int, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	pollCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	limit := rate.Inf
	if p.Interval > 0 {
		limit = rate.Every(p.Interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	state := ProbeNotReady
	made := 0
	for made < attempts {
		if errWait := limiter.Wait(pollCtx); errWait != nil {
			if ctx.Err() != nil {
				return state, made, ctx.Err()
			}
			break
		}
		made++
		state = probe(pollCtx)
		if state != ProbeNotReady {
			return state, made, nil
		}
	}
	if ctx.Err() != nil {
		return state, made, ctx.Err()
	}
	return state, made, nil
}
