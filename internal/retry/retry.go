// Package retry implements the bounded exponential backoff loop the storage
// adapter wraps around every unit of work.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Options configures a Retry loop. Zero durations and multiplier take the
// Default values; MaxRetries 0 means a single attempt.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter spreads each wait by +/- Jitter*backoff.
	Jitter float64
}

var Default = Options{
	MaxRetries:     3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
	Jitter:         0.15,
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = Default.InitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = Default.MaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.Multiplier < 1 {
		o.Multiplier = Default.Multiplier
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = Default.Jitter
	}
	return o
}

// Retry is a single-use backoff loop:
//
//	r := retry.New(ctx, opts)
//	for r.Next() {
//		if err = work(); err == nil || !transient(err) {
//			break
//		}
//	}
type Retry struct {
	ctx     context.Context
	opt     Options
	attempt int
}

func New(ctx context.Context, opt Options) *Retry {
	return &Retry{ctx: ctx, opt: opt.withDefaults()}
}

// Attempt is the 1-based number of the attempt in progress.
func (r *Retry) Attempt() int { return r.attempt }

// Next reports whether another attempt should run, waiting out the backoff
// first. It returns false once the retries are spent or ctx is done.
func (r *Retry) Next() bool {
	if r.attempt == 0 {
		r.attempt++
		return r.ctx.Err() == nil
	}
	if r.attempt > r.opt.MaxRetries {
		return false
	}
	t := time.NewTimer(r.Backoff(r.attempt))
	defer t.Stop()
	select {
	case <-t.C:
		r.attempt++
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Backoff returns the jittered wait before retry n (1-based), capped at
// MaxBackoff.
func (r *Retry) Backoff(n int) time.Duration {
	backoff := float64(r.opt.InitialBackoff) * math.Pow(r.opt.Multiplier, float64(n-1))
	if maxBackoff := float64(r.opt.MaxBackoff); backoff > maxBackoff {
		backoff = maxBackoff
	}
	delta := r.opt.Jitter * backoff
	return time.Duration(backoff - delta + rand.Float64()*2*delta)
}

// ErrExhausted wraps the last error once every attempt failed transiently.
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError reports the attempt count and the last transient error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns an error transient rejects, or the
// retries run out. A nil transient retries nothing. When ctx ends between
// attempts the context error is returned joined with the last failure.
func Do(ctx context.Context, opt Options, transient func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	r := New(ctx, opt)
	var last error
	for r.Next() {
		last = fn(ctx, r.Attempt())
		if last == nil {
			return nil
		}
		if transient == nil || !transient(last) {
			return last
		}
	}
	if last == nil {
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return errors.Join(err, last)
	}
	return &ExhaustedError{Attempts: r.Attempt(), Err: last}
}
