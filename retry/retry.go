// Package retry re-invokes a fallible probe with exponential backoff and
// feeds every attempt back into the performance ledger.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/use-agent/shopmetrics/ledger"
	"github.com/use-agent/shopmetrics/models"
)

// Defaults for Retrier fields left zero.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
)

// Recorder is the write side of the performance ledger.
type Recorder interface {
	Record(ledger.Sample)
}

// TimeoutFunc returns the deadline for the next attempt of a probe.
type TimeoutFunc func(probe string) time.Duration

// Retrier holds the retry policy. The zero value retries three times with
// 2s base delay and records nothing.
type Retrier struct {
	MaxRetries int
	BaseDelay  time.Duration

	// Timeout bounds each attempt; nil or a non-positive result means no
	// per-attempt deadline.
	Timeout TimeoutFunc

	// Ledger receives one sample per attempt.
	Ledger Recorder

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now is the latency clock.
	Now func() time.Time
}

// Backoff returns the delay after a failed attempt: 2^attempt * base.
func (r *Retrier) Backoff(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return (time.Duration(1) << attempt) * base
}

func (r *Retrier) maxRetries() int {
	if r.MaxRetries < 1 {
		return DefaultMaxRetries
	}
	return r.MaxRetries
}

func (r *Retrier) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Op is one attempt of a probe. The attempt index starts at 0.
type Op[T any] func(ctx context.Context, attempt int) (T, error)

// Do runs op up to MaxRetries times. An attempt fails when op returns an
// error or when soft reports the returned value as a failure payload; both
// are retried after Backoff(attempt), with no sleep after the last attempt.
// On exhaustion Do returns the last value and the last error (nil for a
// soft failure). A deadline hit inside an attempt is reported as
// models.ErrProbeTimeout.
func Do[T any](ctx context.Context, r *Retrier, probe string, op Op[T], soft func(T) bool) (T, error) {
	if r == nil {
		r = &Retrier{}
	}
	var (
		last    T
		lastErr error
	)
	limit := r.maxRetries()

	for attempt := 0; attempt < limit; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		start := r.now()
		val, err := runAttempt(ctx, r, probe, attempt, op)
		elapsed := r.now().Sub(start)

		failed := err != nil || (soft != nil && soft(val))
		if r.Ledger != nil {
			r.Ledger.Record(ledger.Sample{Probe: probe, OK: !failed, Latency: elapsed, At: start})
		}
		if !failed {
			return val, nil
		}

		last, lastErr = val, err
		if attempt == limit-1 {
			break
		}

		delay := r.Backoff(attempt)
		slog.Debug("probe attempt failed, backing off",
			"probe", probe,
			"attempt", attempt+1,
			"of", limit,
			"delay", delay,
			"soft", err == nil,
			"error", err,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return last, err
		}
	}
	return last, lastErr
}

// runAttempt runs op under the per-attempt deadline, converting a panic into
// an error.
func runAttempt[T any](ctx context.Context, r *Retrier, probe string, n int, op Op[T]) (val T, err error) {
	if r.Timeout != nil {
		if d := r.Timeout(probe); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("retry: probe %s panicked: %v", probe, p)
		}
	}()

	val, err = op(ctx, n)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = models.NewError(models.ErrCodeProbeTimeout, "probe "+probe+" exceeded its deadline", err)
	}
	return val, err
}
